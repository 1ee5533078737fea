package authclient

import (
	"time"

	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/pkg/tokencodec"
	"go.uber.org/zap"
)

const (
	defaultRefreshTimeout = 15 * time.Second
	defaultLogoutTimeout  = 5 * time.Second
)

// SignOutReason explains why a session ended.
type SignOutReason string

// Sign-out reasons delivered to listeners.
const (
	SignOutLogout          SignOutReason = "logout"
	SignOutRefreshRejected SignOutReason = "refresh_rejected"
	SignOutSessionExpired  SignOutReason = "session_expired"
)

// SignOutEvent notifies listeners that the user must sign in again.
type SignOutEvent struct {
	Reason SignOutReason
	At     time.Time
}

// ManagerConfig configures the credential lifecycle manager.
type ManagerConfig struct {
	Store            *session.Store
	API              AuthAPI
	Clock            Clock
	Logger           *zap.Logger
	Metrics          MetricsRecorder
	RenewalThreshold time.Duration
	RefreshTimeout   time.Duration
	LogoutTimeout    time.Duration
	OnSignedOut      func(SignOutEvent)
}

func (config ManagerConfig) withDefaults() ManagerConfig {
	if config.Clock == nil {
		config.Clock = NewSystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	if config.RenewalThreshold <= 0 {
		config.RenewalThreshold = tokencodec.DefaultRenewalThreshold
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaultRefreshTimeout
	}
	if config.LogoutTimeout <= 0 {
		config.LogoutTimeout = defaultLogoutTimeout
	}
	return config
}
