package sessionclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"go.uber.org/zap/zaptest"
)

type observerFunc struct {
	started func()
	settled func(err error)
}

func (observer observerFunc) RefreshStarted()          { observer.started() }
func (observer observerFunc) RefreshSettled(err error) { observer.settled(err) }

func TestCoordinatorCancelledWaiterIsStillResolved(t *testing.T) {
	store := credentials.NewMemoryStore()
	seedStore(t, store, "stale")
	release := make(chan struct{})
	recorder := metrics.NewCounterMetrics()
	coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
		<-release
		return "fresh", nil
	}, store, time.Second, zaptest.NewLogger(t), recorder)

	abandonedContext, cancel := context.WithCancel(context.Background())
	abandonedResult := make(chan error, 1)
	go func() {
		_, err := coordinator.Refresh(abandonedContext)
		abandonedResult <- err
	}()
	if !waitForCount(recorder, EventRefreshStarted, 1, time.Second) {
		t.Fatalf("refresh never started")
	}

	patientResult := make(chan string, 1)
	go func() {
		token, err := coordinator.Refresh(context.Background())
		if err != nil {
			t.Errorf("patient waiter: %v", err)
		}
		patientResult <- token
	}()
	if !waitForCount(recorder, EventRefreshJoined, 1, time.Second) {
		t.Fatalf("second caller never joined")
	}

	cancel()
	if err := <-abandonedResult; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for abandoned caller, got %v", err)
	}
	close(release)

	select {
	case token := <-patientResult:
		if token != "fresh" {
			t.Fatalf("expected fresh token, got %q", token)
		}
	case <-time.After(time.Second):
		t.Fatalf("patient waiter was never resolved")
	}

	if coordinator.Active() {
		t.Fatalf("expected idle coordinator after the renewal settled")
	}
	if recorder.Count(EventRefreshStarted) != 1 {
		t.Fatalf("expected exactly one renewal, got %d", recorder.Count(EventRefreshStarted))
	}
}

func TestCoordinatorHungRenewalFailsEveryWaiter(t *testing.T) {
	store := credentials.NewMemoryStore()
	seedStore(t, store, "stale")
	recorder := metrics.NewCounterMetrics()
	coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, store, 50*time.Millisecond, zaptest.NewLogger(t), recorder)

	const waiterCount = 5
	results := make(chan error, waiterCount)
	for index := 0; index < waiterCount; index++ {
		go func() {
			_, err := coordinator.Refresh(context.Background())
			results <- err
		}()
	}
	for index := 0; index < waiterCount; index++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected refresh failure caused by deadline, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d left pending", index)
		}
	}
	record, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !record.IsEmpty() {
		t.Fatalf("expected store cleared after failed renewal, got %+v", record)
	}
}

func TestCoordinatorEmptyTokenIsFailure(t *testing.T) {
	store := credentials.NewMemoryStore()
	seedStore(t, store, "stale")
	var settledErr error
	startedCount := 0
	coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
		return "  ", nil
	}, store, time.Second, nil, nil)
	settled := make(chan struct{})
	coordinator.Observe(observerFunc{
		started: func() { startedCount++ },
		settled: func(err error) {
			settledErr = err
			close(settled)
		},
	})

	_, err := coordinator.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed refresh failure, got %v", err)
	}
	<-settled
	if startedCount != 1 || !errors.Is(settledErr, ErrRefreshFailed) {
		t.Fatalf("expected observer notified once with failure, got started=%d err=%v", startedCount, settledErr)
	}
}

func TestCoordinatorStoresRenewedToken(t *testing.T) {
	store := credentials.NewMemoryStore()
	seedStore(t, store, "stale")
	coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
		return "fresh", nil
	}, store, time.Second, nil, nil)

	token, err := coordinator.Refresh(context.Background())
	if err != nil || token != "fresh" {
		t.Fatalf("expected fresh token, got %q err=%v", token, err)
	}
	record, _ := store.Get(context.Background())
	if record.AccessToken != "fresh" || record.Identity == nil || record.Identity.ID != "user-1" {
		t.Fatalf("expected renewed token with preserved identity, got %+v", record)
	}
}

func TestRefreshAfterReusesTokenRenewedByEarlierWave(t *testing.T) {
	store := credentials.NewMemoryStore()
	seedStore(t, store, "stale")
	var exchanges atomic.Int64
	coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
		exchanges.Add(1)
		return "fresh", nil
	}, store, time.Second, zaptest.NewLogger(t), nil)

	// Both requests were rejected with "stale"; the second one only reaches the
	// coordinator after the first wave has already settled.
	first, err := coordinator.RefreshAfter(context.Background(), "stale")
	if err != nil || first != "fresh" {
		t.Fatalf("first caller: token=%q err=%v", first, err)
	}
	second, err := coordinator.RefreshAfter(context.Background(), "stale")
	if err != nil || second != "fresh" {
		t.Fatalf("late caller: token=%q err=%v", second, err)
	}
	if exchanges.Load() != 1 {
		t.Fatalf("expected exactly one renewal exchange, got %d", exchanges.Load())
	}

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := coordinator.RefreshAfter(context.Background(), "fresh"); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected refresh failure for a cleared session, got %v", err)
	}
	if exchanges.Load() != 1 {
		t.Fatalf("cleared session must not trigger an exchange, got %d", exchanges.Load())
	}
}

func TestResetDetachesRenewalFromEndedSession(t *testing.T) {
	testCases := []struct {
		name    string
		outcome func() (string, error)
	}{
		{name: "renewal succeeds late", outcome: func() (string, error) { return "old-session-renewed", nil }},
		{name: "renewal fails late", outcome: func() (string, error) { return "", errors.New("refresh cookie revoked") }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := credentials.NewMemoryStore()
			seedStore(t, store, "old-session")
			release := make(chan struct{})
			recorder := metrics.NewCounterMetrics()
			coordinator := NewCoordinator(func(ctx context.Context) (string, error) {
				<-release
				return testCase.outcome()
			}, store, time.Second, zaptest.NewLogger(t), recorder)
			var settledCalls atomic.Int64
			coordinator.Observe(observerFunc{
				started: func() {},
				settled: func(err error) { settledCalls.Add(1) },
			})

			waiterResult := make(chan error, 1)
			go func() {
				_, err := coordinator.Refresh(context.Background())
				waiterResult <- err
			}()
			if !waitForCount(recorder, EventRefreshStarted, 1, time.Second) {
				t.Fatalf("refresh never started")
			}

			coordinator.Reset()
			if coordinator.Active() {
				t.Fatalf("expected reset to detach the active renewal")
			}
			nextSession := testIdentity()
			nextSession.ID = "user-2"
			if err := store.Set(context.Background(), "new-session", nextSession); err != nil {
				t.Fatalf("set new session: %v", err)
			}
			close(release)

			select {
			case err := <-waiterResult:
				if !errors.Is(err, ErrSessionReplaced) {
					t.Fatalf("expected ErrSessionReplaced for the detached waiter, got %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("detached waiter never resolved")
			}
			record, _ := store.Get(context.Background())
			if record.AccessToken != "new-session" || record.Identity == nil || record.Identity.ID != "user-2" {
				t.Fatalf("detached renewal touched the new session: %+v", record)
			}
			if settledCalls.Load() != 0 {
				t.Fatalf("observers must not hear about a detached renewal, got %d", settledCalls.Load())
			}
			if recorder.Count(EventRefreshDiscarded) != 1 {
				t.Fatalf("expected one discarded renewal, got %d", recorder.Count(EventRefreshDiscarded))
			}
		})
	}
}
