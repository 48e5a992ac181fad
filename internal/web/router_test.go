package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/sessionclient"
	"go.uber.org/zap/zaptest"
)

func bytesReader(content string) io.Reader {
	return bytes.NewReader([]byte(content))
}

type steppedClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *steppedClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *steppedClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type backendFixture struct {
	server    *httptest.Server
	accounts  *InMemoryUsers
	artifacts *MemoryArtifacts
	counters  *metrics.CounterMetrics
	clock     *steppedClock
}

func newBackendFixture(t *testing.T, maxArtifactBytes int64) backendFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := backendFixture{
		accounts:  NewInMemoryUsers(nil),
		artifacts: NewMemoryArtifacts(),
		counters:  metrics.NewCounterMetrics(),
		clock:     &steppedClock{current: time.Now().UTC()},
	}
	router, err := NewRouter(ServerDependencies{
		Config: authkit.ServerConfig{
			AppJWTSigningKey:  []byte("router-test-signing-key"),
			AppJWTIssuer:      "learnauth-test",
			AccessTTL:         time.Minute,
			RefreshTTL:        time.Hour,
			SameSiteMode:      http.SameSiteLaxMode,
			AllowInsecureHTTP: true,
			MaxArtifactBytes:  maxArtifactBytes,
		},
		Accounts:      fixture.accounts,
		RefreshTokens: authkit.NewMemoryRefreshTokenStore(),
		Nonces:        authkit.NewMemoryNonceStore(time.Minute),
		Artifacts:     fixture.artifacts,
		Clock:         fixture.clock,
		Logger:        zaptest.NewLogger(t),
		Metrics:       fixture.counters,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	fixture.server = httptest.NewServer(router)
	t.Cleanup(fixture.server.Close)
	return fixture
}

type browserSession struct {
	manager    *sessionclient.Manager
	client     *sessionclient.Client
	httpClient *http.Client
	navigated  *[]string
}

func newBrowserSession(t *testing.T, baseURL string, httpClient *http.Client, store credentials.Store) browserSession {
	t.Helper()
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			t.Fatalf("cookie jar: %v", err)
		}
		httpClient = &http.Client{Jar: jar, Timeout: 5 * time.Second}
	}
	client, err := sessionclient.NewClient(sessionclient.Config{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Store:      store,
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var mutex sync.Mutex
	navigated := []string{}
	manager := sessionclient.NewManager(client, sessionclient.ManagerConfig{
		Navigator: sessionclient.NavigatorFunc(func(path string) {
			mutex.Lock()
			defer mutex.Unlock()
			navigated = append(navigated, path)
		}),
	})
	return browserSession{manager: manager, client: client, httpClient: httpClient, navigated: &navigated}
}

func TestSessionClientAgainstBackend(t *testing.T) {
	fixture := newBackendFixture(t, 0)
	ctx := context.Background()
	storePath := filepath.Join(t.TempDir(), "session.json")

	firstStore, err := credentials.NewFileStore(storePath)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	first := newBrowserSession(t, fixture.server.URL, nil, firstStore)
	signup := first.manager.Signup(ctx, "Ada", "ada@example.com", "correct-horse")
	if !signup.Success || signup.Identity == nil {
		t.Fatalf("signup failed: %+v", signup)
	}
	if !first.manager.Can("read:problems") || first.manager.Can(CapabilityManageUsers) {
		t.Fatalf("unexpected capabilities %v", signup.Identity.Capabilities)
	}

	secondStore, err := credentials.NewFileStore(storePath)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	restored := newBrowserSession(t, fixture.server.URL, first.httpClient, secondStore)
	bootstrap, revalidated := restored.manager.Bootstrap(ctx)
	if !bootstrap.Success || bootstrap.Identity.ID != signup.Identity.ID {
		t.Fatalf("bootstrap did not restore identity: %+v", bootstrap)
	}
	if outcome := <-revalidated; !outcome.Success {
		t.Fatalf("revalidation failed: %+v", outcome)
	}

	fixture.clock.Advance(2 * time.Minute)
	const concurrentRequests = 8
	var waitGroup sync.WaitGroup
	failures := make(chan error, concurrentRequests)
	for index := 0; index < concurrentRequests; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, doErr := restored.client.Do(ctx, sessionclient.Request{Method: http.MethodGet, Path: "/auth/profile"}); doErr != nil {
				failures <- doErr
			}
		}()
	}
	waitGroup.Wait()
	close(failures)
	for doErr := range failures {
		t.Fatalf("request failed after expiry: %v", doErr)
	}
	if renewals := fixture.counters.Count(authkit.EventRefreshSuccess); renewals != 1 {
		t.Fatalf("expected exactly one renewal, got %d", renewals)
	}
	if restored.manager.State() != sessionclient.StateAuthenticated {
		t.Fatalf("expected authenticated after renewal, got %s", restored.manager.State())
	}

	bio := "Learning Go"
	updated := restored.manager.UpdateProfile(ctx, identity.ProfileUpdate{Bio: &bio})
	if !updated.Success || updated.Identity.Profile.Bio != bio {
		t.Fatalf("profile update failed: %+v", updated)
	}

	uploaded := restored.manager.UploadArtifact(ctx, identity.ArtifactResume, "cv.pdf", strings.NewReader("%PDF-1.4"))
	if !uploaded.Success || uploaded.Identity.Profile.ResumeRef == "" {
		t.Fatalf("upload failed: %+v", uploaded)
	}
	resumeRef := uploaded.Identity.Profile.ResumeRef
	if artifact, ok := fixture.artifacts.Lookup(resumeRef); !ok || string(artifact.Content) != "%PDF-1.4" {
		t.Fatalf("artifact not stored under %q", resumeRef)
	}
	removed := restored.manager.DeleteArtifact(ctx, identity.ArtifactResume)
	if !removed.Success || removed.Identity.Profile.ResumeRef != "" {
		t.Fatalf("delete failed: %+v", removed)
	}
	if _, ok := fixture.artifacts.Lookup(resumeRef); ok {
		t.Fatalf("artifact should be discarded after delete")
	}

	_, adminErr := restored.client.Do(ctx, sessionclient.Request{Method: http.MethodGet, Path: "/api/admin/users"})
	var applicationError *sessionclient.ApplicationError
	if !errors.As(adminErr, &applicationError) || applicationError.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for client on admin route, got %v", adminErr)
	}
	if restored.manager.State() != sessionclient.StateAuthenticated {
		t.Fatalf("a forbidden response must not end the session")
	}

	if result := restored.manager.Logout(ctx); !result.Success {
		t.Fatalf("logout failed: %+v", result)
	}
	if result := restored.manager.Logout(ctx); !result.Success {
		t.Fatalf("second logout failed: %+v", result)
	}
	record, getErr := secondStore.Get(ctx)
	if getErr != nil || !record.IsEmpty() {
		t.Fatalf("expected empty store after logout, got %+v (%v)", record, getErr)
	}
	if fixture.counters.Count(authkit.EventLogout) != 1 {
		t.Fatalf("expected one server-side logout, got %d", fixture.counters.Count(authkit.EventLogout))
	}
}

func TestSessionEndsWhenRefreshCookieIsGone(t *testing.T) {
	fixture := newBackendFixture(t, 0)
	ctx := context.Background()
	store := credentials.NewMemoryStore()
	session := newBrowserSession(t, fixture.server.URL, nil, store)

	if result := session.manager.Signup(ctx, "Ada", "ada@example.com", "correct-horse"); !result.Success {
		t.Fatalf("signup failed: %+v", result)
	}
	emptyJar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	session.httpClient.Jar = emptyJar
	fixture.clock.Advance(2 * time.Minute)

	_, doErr := session.client.Do(ctx, sessionclient.Request{Method: http.MethodGet, Path: "/auth/profile"})
	if !errors.Is(doErr, sessionclient.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", doErr)
	}
	deadline := time.Now().Add(2 * time.Second)
	for session.manager.State() != sessionclient.StateAnonymous && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if session.manager.State() != sessionclient.StateAnonymous {
		t.Fatalf("expected anonymous after failed renewal, got %s", session.manager.State())
	}
	record, getErr := store.Get(ctx)
	if getErr != nil || !record.IsEmpty() {
		t.Fatalf("expected empty store, got %+v (%v)", record, getErr)
	}
	if fixture.counters.Count(authkit.EventRefreshFailure) != 1 {
		t.Fatalf("expected one refresh failure, got %d", fixture.counters.Count(authkit.EventRefreshFailure))
	}
}

func TestAdminRoutesRespectSystemManagedRoles(t *testing.T) {
	fixture := newBackendFixture(t, 0)
	ctx := context.Background()
	if _, err := fixture.accounts.CreateUser(ctx, "root", "root@example.com", "root-secret", identity.RoleSuperAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	student, err := fixture.accounts.Register(ctx, "Grace", "grace@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("seed student: %v", err)
	}

	admin := newBrowserSession(t, fixture.server.URL, nil, credentials.NewMemoryStore())
	if result := admin.manager.Login(ctx, "root@example.com", "root-secret"); !result.Success {
		t.Fatalf("admin login failed: %+v", result)
	}
	if !admin.manager.Can(CapabilityManageUsers) || !admin.manager.Can("anything:else") {
		t.Fatalf("superadmin must hold every capability")
	}

	listing, err := admin.client.Do(ctx, sessionclient.Request{Method: http.MethodGet, Path: "/api/admin/users"})
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var users struct {
		Users []identity.Identity `json:"users"`
	}
	if decodeErr := listing.Decode(&users); decodeErr != nil || len(users.Users) != 2 {
		t.Fatalf("unexpected user listing %s (%v)", string(listing.Body), decodeErr)
	}

	_, editErr := admin.client.Do(ctx, sessionclient.Request{Method: http.MethodPut, Path: "/api/admin/roles/" + identity.RoleSuperAdmin, JSON: map[string]any{"capabilities": []string{"read:problems"}}})
	var applicationError *sessionclient.ApplicationError
	if !errors.As(editErr, &applicationError) || applicationError.Status != http.StatusConflict || applicationError.Code != "system_managed_role" {
		t.Fatalf("expected system-managed role edit to be refused, got %v", editErr)
	}

	if _, err := admin.client.Do(ctx, sessionclient.Request{Method: http.MethodPut, Path: "/api/admin/roles/moderator", JSON: map[string]any{"display_name": "Moderator", "capabilities": []string{CapabilityManageUsers, "read:problems"}}}); err != nil {
		t.Fatalf("create moderator role: %v", err)
	}
	if _, err := admin.client.Do(ctx, sessionclient.Request{Method: http.MethodPut, Path: "/api/admin/users/" + student.ID + "/role", JSON: map[string]string{"role": "moderator"}}); err != nil {
		t.Fatalf("assign moderator: %v", err)
	}

	moderator := newBrowserSession(t, fixture.server.URL, nil, credentials.NewMemoryStore())
	if result := moderator.manager.Login(ctx, "grace@example.com", "correct-horse"); !result.Success {
		t.Fatalf("moderator login failed: %+v", result)
	}
	if !moderator.manager.Can(CapabilityManageUsers) {
		t.Fatalf("moderator should manage users")
	}
	_, escalateErr := moderator.client.Do(ctx, sessionclient.Request{Method: http.MethodPut, Path: "/api/admin/users/" + student.ID + "/role", JSON: map[string]string{"role": identity.RoleSuperAdmin}})
	if !errors.As(escalateErr, &applicationError) || applicationError.Status != http.StatusForbidden {
		t.Fatalf("expected escalation to superadmin to be forbidden, got %v", escalateErr)
	}
	_, rolesErr := moderator.client.Do(ctx, sessionclient.Request{Method: http.MethodGet, Path: "/api/admin/roles"})
	if !errors.As(rolesErr, &applicationError) || applicationError.Status != http.StatusForbidden {
		t.Fatalf("moderator lacks manage:roles, got %v", rolesErr)
	}
}

func signupToken(t *testing.T, fixture backendFixture) string {
	t.Helper()
	response, err := http.Post(fixture.server.URL+"/auth/register", "application/json", strings.NewReader(`{"name":"Ada","identifier":"ada@example.com","secret":"correct-horse"}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer response.Body.Close()
	var session struct {
		AccessToken string `json:"access_token"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&session); decodeErr != nil || session.AccessToken == "" {
		t.Fatalf("decode session: %v", decodeErr)
	}
	return session.AccessToken
}

func authorizedRequest(t *testing.T, method string, url string, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func multipartFile(t *testing.T, field string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buffer, writer.FormDataContentType()
}

func TestProfileRouteRejections(t *testing.T) {
	fixture := newBackendFixture(t, 16)
	token := signupToken(t, fixture)
	profileURL := fixture.server.URL + "/auth/profile"

	if response := authorizedRequest(t, http.MethodGet, profileURL, "", nil, ""); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}

	testCases := []struct {
		name         string
		body         string
		expectStatus int
	}{
		{name: "empty update", body: `{}`, expectStatus: http.StatusBadRequest},
		{name: "bad link", body: `{"links":["not a url"]}`, expectStatus: http.StatusBadRequest},
		{name: "valid", body: `{"username":"ada_l","links":["https://example.com/ada"]}`, expectStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		response := authorizedRequest(t, http.MethodPut, profileURL, token, strings.NewReader(testCase.body), "application/json")
		if response.StatusCode != testCase.expectStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expectStatus, response.StatusCode)
		}
	}

	oversized, oversizedType := multipartFile(t, "file", "cv.pdf", bytes.Repeat([]byte("x"), 100))
	if response := authorizedRequest(t, http.MethodPost, profileURL+"/artifacts/resume", token, oversized, oversizedType); response.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized artifact, got %d", response.StatusCode)
	}
	empty, emptyType := multipartFile(t, "file", "cv.pdf", nil)
	if response := authorizedRequest(t, http.MethodPost, profileURL+"/artifacts/resume", token, empty, emptyType); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty artifact, got %d", response.StatusCode)
	}
	wrongField, wrongFieldType := multipartFile(t, "document", "cv.pdf", []byte("pdf"))
	if response := authorizedRequest(t, http.MethodPost, profileURL+"/artifacts/resume", token, wrongField, wrongFieldType); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file field, got %d", response.StatusCode)
	}
	unknown, unknownType := multipartFile(t, "file", "x.bin", []byte("x"))
	if response := authorizedRequest(t, http.MethodPost, profileURL+"/artifacts/diploma", token, unknown, unknownType); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown artifact kind, got %d", response.StatusCode)
	}

	fixture.clock.Advance(2 * time.Minute)
	expired := authorizedRequest(t, http.MethodGet, profileURL, token, nil, "")
	if expired.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", expired.StatusCode)
	}
	var body authkit.ErrorBody
	if err := json.NewDecoder(expired.Body).Decode(&body); err != nil || body.Error != "token_expired" {
		t.Fatalf("expected token_expired code, got %+v (%v)", body, err)
	}
}

func TestNewRouterServesOperationalRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router, err := NewRouter(ServerDependencies{
		Config: authkit.ServerConfig{
			AppJWTSigningKey: []byte("key"),
			AppJWTIssuer:     "issuer",
		},
		Accounts:       NewInMemoryUsers(nil),
		RefreshTokens:  authkit.NewMemoryRefreshTokenStore(),
		MetricsHandler: http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) { writer.WriteHeader(http.StatusTeapot) }),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", health.Code)
	}
	metricsRecorder := httptest.NewRecorder()
	router.ServeHTTP(metricsRecorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metricsRecorder.Code != http.StatusTeapot {
		t.Fatalf("expected metrics handler to be mounted, got %d", metricsRecorder.Code)
	}

	if _, err := NewRouter(ServerDependencies{}); !errors.Is(err, errMissingAccounts) {
		t.Fatalf("expected errMissingAccounts, got %v", err)
	}
}
