package authclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/pkg/tokencodec"
	"go.uber.org/zap"
)

type refreshOutcome struct {
	accessToken string
	err         error
}

// pendingRefreshQueue holds the callers waiting on the in-flight refresh in arrival order.
type pendingRefreshQueue struct {
	waiters []chan refreshOutcome
}

func (queue *pendingRefreshQueue) subscribe() <-chan refreshOutcome {
	waiter := make(chan refreshOutcome, 1)
	queue.waiters = append(queue.waiters, waiter)
	return waiter
}

// drain empties the queue. The returned waiters must be released exactly once.
func (queue *pendingRefreshQueue) drain() []chan refreshOutcome {
	waiters := queue.waiters
	queue.waiters = nil
	return waiters
}

func (queue *pendingRefreshQueue) size() int {
	return len(queue.waiters)
}

func releaseWaiters(waiters []chan refreshOutcome, outcome refreshOutcome) {
	for _, waiter := range waiters {
		waiter <- outcome
	}
}

// refreshCycle is the single outstanding refresh call.
type refreshCycle struct {
	epoch    uint64
	snapshot session.Session
	queue    pendingRefreshQueue
}

// tokenDecision is computed under the manager lock for the current session.
type tokenDecision func(current session.Session, now time.Time) (token string, needsRefresh bool, err error)

var errUndecodableSession = errors.New("authclient.undecodable_session")

// Renew obtains a new access token. Callers arriving while a refresh is in flight
// join it and receive the same outcome.
func (manager *Manager) Renew(ctx context.Context) (string, error) {
	return manager.acquire(ctx, func(current session.Session, now time.Time) (string, bool, error) {
		if !current.IsAuthenticated() {
			return "", false, ErrNotAuthenticated
		}
		return "", true, nil
	})
}

// RenewRejected obtains a token to replace usedToken after the server rejected it.
// When the session already holds a different token it is returned without a new call.
func (manager *Manager) RenewRejected(ctx context.Context, usedToken string) (string, error) {
	return manager.acquire(ctx, func(current session.Session, now time.Time) (string, bool, error) {
		if !current.IsAuthenticated() {
			return "", false, ErrNotAuthenticated
		}
		if usedToken != "" && current.AccessToken != usedToken {
			return current.AccessToken, false, nil
		}
		return "", true, nil
	})
}

// requestToken returns the token to attach to an outgoing request, renewing it first
// when it is close to expiry. An empty token means there is no session.
func (manager *Manager) requestToken(ctx context.Context) (string, error) {
	return manager.acquire(ctx, func(current session.Session, now time.Time) (string, bool, error) {
		if !current.IsAuthenticated() {
			return "", false, nil
		}
		decoded, decodeErr := tokencodec.Decode(current.AccessToken)
		if decodeErr != nil {
			return "", false, errUndecodableSession
		}
		if tokencodec.IsNearExpiry(decoded, now, manager.renewalThreshold) {
			return "", true, nil
		}
		return current.AccessToken, false, nil
	})
}

func (manager *Manager) acquire(ctx context.Context, decide tokenDecision) (string, error) {
	manager.mutex.Lock()
	if manager.inflight != nil {
		waiter := manager.inflight.queue.subscribe()
		manager.mutex.Unlock()
		manager.metrics.Increment(EventRefreshJoined)
		return awaitRefresh(ctx, waiter)
	}

	current := manager.store.Get()
	token, needsRefresh, err := decide(current, manager.clock.Now())
	if errors.Is(err, errUndecodableSession) {
		event := manager.endSessionLocked(SignOutSessionExpired)
		manager.mutex.Unlock()
		manager.logger.Warn("session token unreadable",
			zap.String("code", "authclient.session.undecodable"))
		manager.signalSignedOut(event)
		return "", fmt.Errorf("authclient.token: %w", ErrSessionExpired)
	}
	if err != nil || !needsRefresh {
		manager.mutex.Unlock()
		return token, err
	}

	cycle := &refreshCycle{epoch: manager.epoch, snapshot: current}
	waiter := cycle.queue.subscribe()
	manager.inflight = cycle
	manager.state = StateRefreshing
	manager.mutex.Unlock()

	manager.metrics.Increment(EventRefreshStarted)
	go manager.runRefresh(cycle)
	return awaitRefresh(ctx, waiter)
}

func awaitRefresh(ctx context.Context, waiter <-chan refreshOutcome) (string, error) {
	select {
	case outcome := <-waiter:
		return outcome.accessToken, outcome.err
	case <-ctx.Done():
		return "", fmt.Errorf("authclient.refresh.wait: %w", ctx.Err())
	}
}

// runRefresh performs the network call on a context detached from any single caller.
func (manager *Manager) runRefresh(cycle *refreshCycle) {
	refreshCtx, cancel := context.WithTimeout(context.Background(), manager.refreshTimeout)
	defer cancel()

	grant, refreshErr := manager.api.Refresh(refreshCtx, RefreshRequest{
		RefreshToken: cycle.snapshot.RefreshToken,
		AccessToken:  cycle.snapshot.AccessToken,
	})
	if refreshErr != nil && errors.Is(refreshErr, context.DeadlineExceeded) && !errors.Is(refreshErr, ErrTransientNetwork) {
		refreshErr = fmt.Errorf("%w: %w", ErrTransientNetwork, refreshErr)
	}

	manager.mutex.Lock()
	waiters := cycle.queue.drain()
	if manager.inflight == cycle {
		manager.inflight = nil
	}
	var outcome refreshOutcome
	var event *SignOutEvent
	if cycle.epoch != manager.epoch {
		outcome = refreshOutcome{err: fmt.Errorf("authclient.refresh: %w", ErrSessionEnded)}
		manager.logger.Info("discarding refresh result for ended session",
			zap.String("code", "authclient.refresh.discarded"))
	} else {
		outcome, event = manager.applyRefreshLocked(grant, refreshErr)
	}
	manager.mutex.Unlock()

	releaseWaiters(waiters, outcome)
	manager.signalSignedOut(event)
}

func (manager *Manager) applyRefreshLocked(grant Grant, refreshErr error) (refreshOutcome, *SignOutEvent) {
	now := manager.clock.Now()
	current := manager.store.Get()

	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			manager.metrics.Increment(EventRefreshRejected)
			manager.logger.Info("refresh rejected",
				zap.String("code", "authclient.refresh.rejected"),
				zap.Error(refreshErr))
			event := manager.endSessionLocked(SignOutRefreshRejected)
			return refreshOutcome{err: fmt.Errorf("authclient.refresh: %w: %w", ErrSessionExpired, refreshErr)}, event
		}
		manager.metrics.Increment(EventRefreshTransient)
		decoded, decodeErr := tokencodec.Decode(current.AccessToken)
		if decodeErr == nil && !tokencodec.IsExpired(decoded, now) {
			manager.state = StateAuthenticated
			manager.logger.Warn("refresh failed; keeping current token",
				zap.String("code", "authclient.refresh.transient"),
				zap.Error(refreshErr))
			return refreshOutcome{err: fmt.Errorf("authclient.refresh: %w", refreshErr)}, nil
		}
		manager.logger.Warn("refresh failed after expiry",
			zap.String("code", "authclient.refresh.expired"),
			zap.Error(refreshErr))
		event := manager.endSessionLocked(SignOutSessionExpired)
		return refreshOutcome{err: fmt.Errorf("authclient.refresh: %w: %w", ErrSessionExpired, refreshErr)}, event
	}

	decoded, decodeErr := tokencodec.Decode(grant.AccessToken)
	if decodeErr != nil {
		manager.metrics.Increment(EventRefreshRejected)
		manager.logger.Warn("refreshed token unreadable",
			zap.String("code", "authclient.refresh.undecodable"),
			zap.Error(decodeErr))
		event := manager.endSessionLocked(SignOutRefreshRejected)
		return refreshOutcome{err: fmt.Errorf("authclient.refresh: %w: %w", ErrSessionExpired, decodeErr)}, event
	}

	next := current.Clone()
	next.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}
	if grant.User != nil {
		user := grant.User.Normalized()
		next.User = &user
	} else if next.User == nil {
		user := decoded.User()
		next.User = &user
	}
	if setErr := manager.store.Set(context.Background(), next); setErr != nil {
		manager.state = StateAuthenticated
		manager.logger.Error("refreshed session not persisted",
			zap.String("code", "authclient.refresh.persist_failed"),
			zap.Error(setErr))
		return refreshOutcome{err: fmt.Errorf("authclient.refresh: %w", setErr)}, nil
	}
	manager.state = StateAuthenticated
	manager.metrics.Increment(EventRefreshSuccess)
	manager.logger.Debug("access token refreshed",
		zap.String("code", "authclient.refresh.success"),
		zap.Time("expires_at", decoded.ExpiresAt))
	return refreshOutcome{accessToken: grant.AccessToken}, nil
}

// abandonRefreshLocked detaches the in-flight refresh from the session and releases its
// waiters with ErrSessionEnded. Releasing never blocks because every waiter is buffered.
func (manager *Manager) abandonRefreshLocked() {
	if manager.inflight == nil {
		return
	}
	waiters := manager.inflight.queue.drain()
	manager.inflight = nil
	releaseWaiters(waiters, refreshOutcome{err: fmt.Errorf("authclient.refresh: %w", ErrSessionEnded)})
}

// pendingRefreshWaiters reports how many callers wait on the in-flight refresh.
func (manager *Manager) pendingRefreshWaiters() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.inflight == nil {
		return 0
	}
	return manager.inflight.queue.size()
}
