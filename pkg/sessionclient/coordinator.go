package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"go.uber.org/zap"
)

// Metric events emitted by the Coordinator.
const (
	EventRefreshStarted   = "refresh.started"
	EventRefreshJoined    = "refresh.joined"
	EventRefreshSucceeded = "refresh.succeeded"
	EventRefreshFailed    = "refresh.failed"
	EventRefreshDiscarded = "refresh.discarded"
)

// RenewFunc exchanges the server-held refresh credential for a new access token.
type RenewFunc func(ctx context.Context) (string, error)

// RefreshObserver is notified when a renewal starts and when it settles.
// Callbacks run on the renewal goroutine and must not block.
type RefreshObserver interface {
	RefreshStarted()
	RefreshSettled(err error)
}

type refreshOutcome struct {
	accessToken string
	err         error
}

// renewal is one expiry wave: a single exchange and every caller waiting on it.
type renewal struct {
	epoch   uint64
	waiters []chan refreshOutcome
}

// Coordinator renews the access token at most once per expiry wave. Callers
// that observe an expiry while a renewal is active wait for its outcome.
type Coordinator struct {
	renew   RenewFunc
	store   credentials.Store
	timeout time.Duration
	logger  *zap.Logger
	metrics metrics.Recorder

	// mutex also covers the store writes that settle a renewal, so a caller
	// holding it sees the token either before or after the wave, never during.
	mutex     sync.Mutex
	current   *renewal
	epoch     uint64
	observers []RefreshObserver
}

// NewCoordinator constructs a Coordinator. timeout bounds every renewal exchange.
func NewCoordinator(renew RenewFunc, store credentials.Store, timeout time.Duration, logger *zap.Logger, recorder metrics.Recorder) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Coordinator{
		renew:   renew,
		store:   store,
		timeout: timeout,
		logger:  logger,
		metrics: recorder,
	}
}

// Observe registers an observer for subsequent renewals.
func (coordinator *Coordinator) Observe(observer RefreshObserver) {
	if observer == nil {
		return
	}
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.observers = append(coordinator.observers, observer)
}

// Active reports whether a renewal is in flight.
func (coordinator *Coordinator) Active() bool {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.current != nil
}

// Reset detaches the renewal in flight from the session that started it. The
// detached renewal neither writes nor clears the store, its waiters receive
// ErrSessionReplaced and observers are not told it settled. The next Refresh
// starts a new wave. Call it before replacing or clearing the stored session.
func (coordinator *Coordinator) Reset() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.epoch++
	coordinator.current = nil
}

// Refresh starts a renewal or joins the active one and returns the resulting
// access token. The renewal runs detached from ctx: when ctx ends the caller
// stops waiting, but the renewal still settles and its waiter is still resolved.
func (coordinator *Coordinator) Refresh(ctx context.Context) (string, error) {
	return coordinator.RefreshAfter(ctx, "")
}

// RefreshAfter is Refresh for a caller whose request was rejected with
// rejectedToken. When no renewal is active and the store already holds a
// different token, that token is returned without a new exchange; when the
// store holds none, the session is gone and no exchange is attempted.
func (coordinator *Coordinator) RefreshAfter(ctx context.Context, rejectedToken string) (string, error) {
	outcomeChannel := make(chan refreshOutcome, 1)

	coordinator.mutex.Lock()
	if coordinator.current == nil && rejectedToken != "" {
		record, getErr := coordinator.store.Get(ctx)
		if getErr == nil && record.AccessToken == "" {
			coordinator.mutex.Unlock()
			return "", fmt.Errorf("%w: session was cleared", ErrRefreshFailed)
		}
		if getErr == nil && record.AccessToken != rejectedToken {
			coordinator.mutex.Unlock()
			return record.AccessToken, nil
		}
	}
	leader := coordinator.current == nil
	if leader {
		coordinator.current = &renewal{epoch: coordinator.epoch}
	}
	wave := coordinator.current
	wave.waiters = append(wave.waiters, outcomeChannel)
	observers := append([]RefreshObserver(nil), coordinator.observers...)
	coordinator.mutex.Unlock()

	if leader {
		coordinator.metrics.Increment(EventRefreshStarted)
		for _, observer := range observers {
			observer.RefreshStarted()
		}
		go coordinator.run(wave, observers)
	} else {
		coordinator.metrics.Increment(EventRefreshJoined)
	}

	select {
	case outcome := <-outcomeChannel:
		return outcome.accessToken, outcome.err
	case <-ctx.Done():
		return "", fmt.Errorf("sessionclient.refresh.wait: %w", ctx.Err())
	}
}

func (coordinator *Coordinator) run(wave *renewal, observers []RefreshObserver) {
	renewContext, cancel := context.WithTimeout(context.Background(), coordinator.timeout)
	defer cancel()

	accessToken, renewErr := coordinator.exchange(renewContext)

	coordinator.mutex.Lock()
	detached := wave.epoch != coordinator.epoch
	if !detached && renewErr == nil {
		if storeErr := coordinator.store.SetToken(renewContext, accessToken); storeErr != nil {
			renewErr = fmt.Errorf("sessionclient.refresh.store: %w", storeErr)
		}
	}
	if !detached && renewErr != nil {
		if clearErr := coordinator.store.Clear(context.Background()); clearErr != nil {
			coordinator.logger.Error("credential store clear failed", zap.String("code", "sessionclient.refresh.clear_failed"), zap.Error(clearErr))
		}
	}
	if coordinator.current == wave {
		coordinator.current = nil
	}
	waiters := wave.waiters
	wave.waiters = nil
	coordinator.mutex.Unlock()

	var settleErr error
	switch {
	case detached:
		accessToken = ""
		settleErr = fmt.Errorf("sessionclient.refresh.detached: %w", ErrSessionReplaced)
		coordinator.metrics.Increment(EventRefreshDiscarded)
		coordinator.logger.Info("renewal outcome discarded after session change", zap.String("code", "sessionclient.refresh.discarded"))
	case renewErr != nil:
		accessToken = ""
		settleErr = fmt.Errorf("%w: %w", ErrRefreshFailed, renewErr)
		coordinator.metrics.Increment(EventRefreshFailed)
		coordinator.logger.Warn("access token renewal failed", zap.String("code", "sessionclient.refresh.failed"), zap.Error(renewErr))
	default:
		coordinator.metrics.Increment(EventRefreshSucceeded)
		coordinator.logger.Debug("access token renewed", zap.String("code", "sessionclient.refresh.succeeded"))
	}

	if !detached {
		for _, observer := range observers {
			observer.RefreshSettled(settleErr)
		}
	}
	for _, outcomeChannel := range waiters {
		outcomeChannel <- refreshOutcome{accessToken: accessToken, err: settleErr}
	}
}

func (coordinator *Coordinator) exchange(ctx context.Context) (accessToken string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			accessToken = ""
			err = fmt.Errorf("sessionclient.refresh.panic: %v", recovered)
		}
	}()
	if coordinator.renew == nil {
		return "", errors.New("sessionclient.refresh.missing_renew_func")
	}
	renewedToken, renewErr := coordinator.renew(ctx)
	if renewErr != nil {
		return "", renewErr
	}
	if strings.TrimSpace(renewedToken) == "" {
		return "", fmt.Errorf("sessionclient.refresh.empty_token: %w", ErrMalformedResponse)
	}
	return renewedToken, nil
}
