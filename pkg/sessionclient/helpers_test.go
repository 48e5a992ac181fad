package sessionclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"github.com/tyemirov/learnauth/pkg/identity"
	"go.uber.org/zap/zaptest"
)

func testIdentity() identity.Identity {
	return identity.Identity{
		ID:           "user-1",
		Username:     "ada",
		Email:        "ada@example.com",
		Role:         identity.RoleClient,
		Capabilities: []string{"read:problems", "submit:solutions"},
		Profile:      identity.Profile{Bio: "first", Links: []string{"https://example.com/ada"}},
	}
}

func newTestServer(t *testing.T, register func(router *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string, store credentials.Store, recorder metrics.Recorder) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:        baseURL,
		Store:          store,
		Logger:         zaptest.NewLogger(t),
		Metrics:        recorder,
		RefreshTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func bearerOf(contextGin *gin.Context) string {
	return strings.TrimPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
}

// waitForCount polls recorder until event reaches want or the deadline passes.
func waitForCount(recorder *metrics.CounterMetrics, event string, want int64, deadline time.Duration) bool {
	timeout := time.After(deadline)
	for {
		if recorder.Count(event) >= want {
			return true
		}
		select {
		case <-timeout:
			return false
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func seedStore(t *testing.T, store credentials.Store, accessToken string) {
	t.Helper()
	if err := store.Set(context.Background(), accessToken, testIdentity()); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

type recordingNavigator struct {
	mutex sync.Mutex
	paths []string
}

func (navigator *recordingNavigator) Navigate(path string) {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	navigator.paths = append(navigator.paths, path)
}

func (navigator *recordingNavigator) Paths() []string {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	return append([]string(nil), navigator.paths...)
}

func writeSession(contextGin *gin.Context, accessToken string, subject identity.Identity) {
	contextGin.JSON(http.StatusOK, gin.H{"access_token": accessToken, "identity": subject})
}
