package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/pkg/identity"
	"github.com/tyemirov/qadash/pkg/tokencodec"
	"go.uber.org/zap"
)

// State is the lifecycle state of the client credentials.
type State string

// Lifecycle states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateExpired         State = "expired"
)

var (
	// ErrMissingStore indicates a manager configured without a session store.
	ErrMissingStore = errors.New("authclient.config.missing_store")
	// ErrMissingAPI indicates a manager configured without an auth API.
	ErrMissingAPI = errors.New("authclient.config.missing_api")

	errStoredTokenExpired = errors.New("authclient.stored_token_expired")
)

// Manager owns the credential lifecycle: login, refresh, logout, and rehydration.
// It is the only writer of the session store.
type Manager struct {
	mutex       sync.Mutex
	state       State
	epoch       uint64
	loginActive bool
	inflight    *refreshCycle

	store            *session.Store
	api              AuthAPI
	clock            Clock
	logger           *zap.Logger
	metrics          MetricsRecorder
	renewalThreshold time.Duration
	refreshTimeout   time.Duration
	logoutTimeout    time.Duration
	onSignedOut      func(SignOutEvent)
}

// NewManager constructs a Manager. The session starts empty until Rehydrate or Login.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, ErrMissingStore
	}
	if config.API == nil {
		return nil, ErrMissingAPI
	}
	config = config.withDefaults()
	return &Manager{
		state:            StateUnauthenticated,
		store:            config.Store,
		api:              config.API,
		clock:            config.Clock,
		logger:           config.Logger,
		metrics:          config.Metrics,
		renewalThreshold: config.RenewalThreshold,
		refreshTimeout:   config.RefreshTimeout,
		logoutTimeout:    config.LogoutTimeout,
		onSignedOut:      config.OnSignedOut,
	}, nil
}

// RenewalThreshold reports the remaining lifetime below which tokens are renewed.
func (manager *Manager) RenewalThreshold() time.Duration {
	return manager.renewalThreshold
}

// State reports the lifecycle state. An authenticated session whose token has passed
// its expiry reports StateExpired until it is refreshed or cleared.
func (manager *Manager) State() State {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.state != StateAuthenticated || manager.inflight != nil {
		return manager.state
	}
	decoded, decodeErr := tokencodec.Decode(manager.store.Get().AccessToken)
	if decodeErr != nil || tokencodec.IsExpired(decoded, manager.clock.Now()) {
		return StateExpired
	}
	return manager.state
}

// Session returns a copy of the current session.
func (manager *Manager) Session() session.Session {
	return manager.store.Get()
}

// User returns the signed-in user, or nil.
func (manager *Manager) User() *identity.UserRecord {
	return manager.store.Get().User
}

// AccessToken returns the current access token without renewing it.
func (manager *Manager) AccessToken() string {
	return manager.store.Get().AccessToken
}

// Rehydrate restores a persisted session at boot. Absent, unreadable, or expired
// sessions are removed from storage.
func (manager *Manager) Rehydrate(ctx context.Context) session.Session {
	restored := manager.store.Rehydrate(ctx, manager.validateStored)

	manager.mutex.Lock()
	manager.epoch++
	manager.abandonRefreshLocked()
	if restored.IsAuthenticated() {
		manager.state = StateAuthenticated
	} else {
		manager.state = StateUnauthenticated
	}
	manager.mutex.Unlock()

	if restored.IsAuthenticated() {
		manager.metrics.Increment(EventSessionRehydrated)
		manager.logger.Info("session restored",
			zap.String("code", "authclient.rehydrate.restored"),
			zap.Int64("user_id", restored.User.ID),
			zap.String("role", string(restored.User.Role)))
	}
	return restored
}

func (manager *Manager) validateStored(candidate session.Session) (session.Session, error) {
	decoded, decodeErr := tokencodec.Decode(candidate.AccessToken)
	if decodeErr != nil {
		manager.metrics.Increment(EventSessionDiscarded)
		return session.Session{}, decodeErr
	}
	if tokencodec.IsExpired(decoded, manager.clock.Now()) {
		manager.metrics.Increment(EventSessionDiscarded)
		return session.Session{}, errStoredTokenExpired
	}
	if candidate.User == nil {
		user := decoded.User()
		candidate.User = &user
	}
	return candidate, nil
}

// Login exchanges credentials for a session. Only one login may run at a time.
func (manager *Manager) Login(ctx context.Context, email string, password string) (identity.UserRecord, error) {
	manager.mutex.Lock()
	if manager.loginActive {
		manager.mutex.Unlock()
		return identity.UserRecord{}, fmt.Errorf("authclient.login: %w", ErrLoginInProgress)
	}
	manager.loginActive = true
	manager.epoch++
	loginEpoch := manager.epoch
	manager.abandonRefreshLocked()
	manager.state = StateAuthenticating
	manager.mutex.Unlock()

	next, prepareErr := manager.prepareLogin(ctx, email, password)

	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.loginActive = false
	if manager.epoch != loginEpoch {
		return identity.UserRecord{}, fmt.Errorf("authclient.login: %w", ErrSessionEnded)
	}
	if prepareErr == nil {
		if setErr := manager.store.Set(ctx, next); setErr != nil {
			prepareErr = fmt.Errorf("authclient.login: %w", setErr)
		}
	}
	if prepareErr != nil {
		_ = manager.store.Clear(ctx)
		manager.state = StateUnauthenticated
		manager.metrics.Increment(EventLoginFailure)
		manager.logger.Info("login failed",
			zap.String("code", "authclient.login.failed"),
			zap.Error(prepareErr))
		return identity.UserRecord{}, prepareErr
	}
	manager.state = StateAuthenticated
	manager.metrics.Increment(EventLoginSuccess)
	manager.logger.Info("login succeeded",
		zap.String("code", "authclient.login.success"),
		zap.Int64("user_id", next.User.ID),
		zap.String("role", string(next.User.Role)))
	return *next.User, nil
}

func (manager *Manager) prepareLogin(ctx context.Context, email string, password string) (session.Session, error) {
	grant, loginErr := manager.api.Login(ctx, email, password)
	if loginErr != nil {
		return session.Session{}, loginErr
	}
	decoded, decodeErr := tokencodec.Decode(grant.AccessToken)
	if decodeErr != nil {
		return session.Session{}, fmt.Errorf("authclient.login: %w: %w", ErrInvalidLoginPayload, decodeErr)
	}
	var user identity.UserRecord
	if grant.User != nil {
		user = grant.User.Normalized()
	} else {
		user = decoded.User()
	}
	return session.Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		User:         &user,
	}, nil
}

// Logout notifies the server on a best-effort basis and then clears the local session.
// The clear runs even when ctx is already done. It is safe to call without a session.
func (manager *Manager) Logout(ctx context.Context) error {
	manager.mutex.Lock()
	current := manager.store.Get()
	manager.epoch++
	manager.abandonRefreshLocked()
	manager.mutex.Unlock()

	if current.IsAuthenticated() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), manager.logoutTimeout)
		if logoutErr := manager.api.Logout(logoutCtx, current.AccessToken); logoutErr != nil {
			manager.logger.Warn("server logout failed",
				zap.String("code", "authclient.logout.server_failed"),
				zap.Error(logoutErr))
		}
		cancel()
	}

	manager.mutex.Lock()
	manager.epoch++
	manager.abandonRefreshLocked()
	clearErr := manager.store.Clear(context.WithoutCancel(ctx))
	manager.state = StateUnauthenticated
	manager.mutex.Unlock()

	if current.IsAuthenticated() {
		manager.metrics.Increment(EventLogout)
		manager.logger.Info("logged out",
			zap.String("code", "authclient.logout.success"))
		manager.signalSignedOut(&SignOutEvent{Reason: SignOutLogout, At: manager.clock.Now()})
	}
	if clearErr != nil {
		return fmt.Errorf("authclient.logout: %w", clearErr)
	}
	return nil
}

// UpdateUser replaces the profile of the signed-in user.
func (manager *Manager) UpdateUser(ctx context.Context, user identity.UserRecord) error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	current := manager.store.Get()
	if !current.IsAuthenticated() {
		return fmt.Errorf("authclient.update_user: %w", ErrNotAuthenticated)
	}
	normalized := user.Normalized()
	current.User = &normalized
	if err := manager.store.Set(ctx, current); err != nil {
		return fmt.Errorf("authclient.update_user: %w", err)
	}
	return nil
}

// endSessionLocked clears the session and returns the sign-out event to deliver once
// the lock is released.
func (manager *Manager) endSessionLocked(reason SignOutReason) *SignOutEvent {
	manager.epoch++
	manager.abandonRefreshLocked()
	if clearErr := manager.store.Clear(context.Background()); clearErr != nil {
		manager.logger.Error("session clear failed",
			zap.String("code", "authclient.session.clear_failed"),
			zap.Error(clearErr))
	}
	manager.state = StateUnauthenticated
	return &SignOutEvent{Reason: reason, At: manager.clock.Now()}
}

func (manager *Manager) signalSignedOut(event *SignOutEvent) {
	if event == nil || manager.onSignedOut == nil {
		return
	}
	manager.onSignedOut(*event)
}
