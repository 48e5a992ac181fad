package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tyemirov/learnauth/pkg/credentials"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/permission"
	"go.uber.org/zap"
)

// State is the session lifecycle position.
type State int

// Session states.
const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

// String returns the lowercase state name.
func (state State) String() string {
	switch state {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Result is the uniform outcome of every Manager operation.
type Result struct {
	Success  bool
	Identity *identity.Identity
	Message  string
}

// Navigator moves the UI to another entry point.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate calls navigatorFunc(path).
func (navigatorFunc NavigatorFunc) Navigate(path string) {
	navigatorFunc(path)
}

// Listener observes state transitions. It runs synchronously and must not call back into the Manager.
type Listener func(state State, subject *identity.Identity)

// ManagerConfig configures sign-out navigation.
type ManagerConfig struct {
	Navigator Navigator
	// LoginPath is where the Navigator is sent when the session ends involuntarily.
	LoginPath string
}

// Manager owns the session state machine and is the only writer of the stored identity.
type Manager struct {
	client    *Client
	navigator Navigator
	loginPath string
	logger    *zap.Logger

	mutex      sync.Mutex
	state      State
	subject    *identity.Identity
	generation uint64
	listeners  []Listener
}

// NewManager constructs a Manager and subscribes it to the client's refresh coordinator.
func NewManager(client *Client, configuration ManagerConfig) *Manager {
	loginPath := strings.TrimSpace(configuration.LoginPath)
	if loginPath == "" {
		loginPath = permission.DefaultNavigationPolicy().LoginPath
	}
	manager := &Manager{
		client:    client,
		navigator: configuration.Navigator,
		loginPath: loginPath,
		logger:    client.logger,
		state:     StateAnonymous,
	}
	client.Coordinator().Observe(manager)
	return manager
}

// Subscribe registers listener for subsequent transitions.
func (manager *Manager) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.listeners = append(manager.listeners, listener)
}

// State returns the current session state.
func (manager *Manager) State() State {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state
}

// Identity returns a copy of the current identity, or nil when anonymous.
func (manager *Manager) Identity() *identity.Identity {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return cloneSubject(manager.subject)
}

// Can reports whether the current identity holds capability.
func (manager *Manager) Can(capability string) bool {
	return permission.Has(manager.Identity(), capability)
}

// Client returns the transport used by the Manager.
func (manager *Manager) Client() *Client {
	return manager.client
}

// Bootstrap restores a persisted session immediately and revalidates it in
// the background. The returned channel yields the revalidation result once.
func (manager *Manager) Bootstrap(ctx context.Context) (Result, <-chan Result) {
	revalidated := make(chan Result, 1)

	record, getErr := manager.client.store.Get(ctx)
	if getErr != nil || !record.IsComplete() {
		if getErr != nil {
			manager.logger.Warn("stored session unreadable", zap.String("code", "sessionclient.bootstrap.store_read"), zap.Error(getErr))
		}
		if getErr != nil || !record.IsEmpty() {
			manager.clearStore(ctx)
		}
		manager.transition(StateAnonymous, nil)
		anonymous := Result{Success: false}
		revalidated <- anonymous
		close(revalidated)
		return anonymous, revalidated
	}

	generation := manager.transition(StateAuthenticated, record.Identity)
	optimistic := Result{Success: true, Identity: cloneSubject(record.Identity)}
	go func() {
		defer close(revalidated)
		revalidated <- manager.revalidate(ctx, generation)
	}()
	return optimistic, revalidated
}

func (manager *Manager) revalidate(ctx context.Context, generation uint64) Result {
	var payload identityPayload
	fetchErr := manager.getJSON(ctx, "/auth/profile", &payload)
	if fetchErr == nil && payload.Identity == nil {
		fetchErr = fmt.Errorf("sessionclient.bootstrap.identity: %w", ErrMalformedResponse)
	}
	if fetchErr != nil {
		if isSessionRejected(fetchErr) {
			manager.logger.Info("stored session rejected", zap.String("code", "sessionclient.bootstrap.rejected"), zap.Error(fetchErr))
			manager.endSession(ctx, generation)
			return Result{Success: false, Message: UserMessage(fetchErr)}
		}
		manager.logger.Warn("session revalidation failed", zap.String("code", "sessionclient.bootstrap.unverified"), zap.Error(fetchErr))
		return Result{Success: false, Identity: manager.Identity(), Message: UserMessage(fetchErr)}
	}
	replaced, replaceErr := manager.replaceIdentity(ctx, generation, *payload.Identity)
	if replaceErr != nil {
		return Result{Success: false, Identity: manager.Identity(), Message: UserMessage(replaceErr)}
	}
	return Result{Success: true, Identity: replaced}
}

// Login exchanges an identifier and secret for a session.
func (manager *Manager) Login(ctx context.Context, identifier string, secret string) Result {
	input := loginInput{Identifier: strings.TrimSpace(identifier), Secret: secret}
	if validationErr := validateInput(input); validationErr != nil {
		return failureResult(validationErr)
	}
	return manager.authenticate(ctx, "/auth/login", input)
}

// Signup registers a new account and starts its session.
func (manager *Manager) Signup(ctx context.Context, name string, identifier string, secret string) Result {
	input := signupInput{Name: strings.TrimSpace(name), Identifier: strings.TrimSpace(identifier), Secret: secret}
	if validationErr := validateInput(input); validationErr != nil {
		return failureResult(validationErr)
	}
	return manager.authenticate(ctx, "/auth/register", input)
}

// GoogleCredentialSource obtains a Google ID token bound to nonce.
type GoogleCredentialSource interface {
	IDToken(ctx context.Context, nonce string) (string, error)
}

// LoginWithGoogle fetches a server nonce, asks source for a matching Google ID
// token and exchanges it for a session.
func (manager *Manager) LoginWithGoogle(ctx context.Context, source GoogleCredentialSource) Result {
	if source == nil {
		return failureResult(&ValidationError{Field: "google", Message: "A Google credential source is required."})
	}
	var noncePayload struct {
		Nonce string `json:"nonce"`
	}
	if nonceErr := manager.postJSON(ctx, "/auth/nonce", nil, &noncePayload, true); nonceErr != nil {
		return failureResult(nonceErr)
	}
	if strings.TrimSpace(noncePayload.Nonce) == "" {
		return failureResult(fmt.Errorf("sessionclient.google.nonce: %w", ErrMalformedResponse))
	}
	googleIDToken, tokenErr := source.IDToken(ctx, noncePayload.Nonce)
	if tokenErr != nil {
		return failureResult(fmt.Errorf("sessionclient.google.id_token: %w", tokenErr))
	}
	if strings.TrimSpace(googleIDToken) == "" {
		return failureResult(&ValidationError{Field: "google_id_token", Message: "Google did not return a credential."})
	}
	return manager.authenticate(ctx, "/auth/google", googleExchange{GoogleIDToken: googleIDToken, Nonce: noncePayload.Nonce})
}

func (manager *Manager) authenticate(ctx context.Context, path string, body any) Result {
	previousState, previousSubject := manager.snapshot()
	manager.transition(StateAuthenticating, previousSubject)

	var payload sessionPayload
	exchangeErr := manager.postJSON(ctx, path, body, &payload, true)
	if exchangeErr == nil {
		exchangeErr = payload.validate()
	}
	if exchangeErr == nil {
		manager.client.coordinator.Reset()
		exchangeErr = manager.client.store.Set(ctx, payload.AccessToken, *payload.Identity)
	}
	if exchangeErr != nil {
		manager.logger.Info("authentication failed", zap.String("code", "sessionclient.authenticate.failed"), zap.String("path", path), zap.Error(exchangeErr))
		manager.transition(previousState, previousSubject)
		return failureResult(exchangeErr)
	}
	manager.transition(StateAuthenticated, payload.Identity)
	return Result{Success: true, Identity: cloneSubject(payload.Identity)}
}

// Logout asks the server to end the session, then always clears local state.
// A renewal still in flight is detached first so it cannot write the old token back.
// Calling it on an anonymous session is a no-op that still succeeds.
func (manager *Manager) Logout(ctx context.Context) Result {
	record, getErr := manager.client.store.Get(ctx)
	if getErr == nil && record.AccessToken != "" {
		if _, logoutErr := manager.client.Do(ctx, Request{Method: http.MethodPost, Path: "/auth/logout", SkipRefresh: true}); logoutErr != nil {
			manager.logger.Info("server logout failed", zap.String("code", "sessionclient.logout.remote_failed"), zap.Error(logoutErr))
		}
	}
	manager.client.coordinator.Reset()
	clearErr := manager.client.store.Clear(ctx)
	manager.transition(StateAnonymous, nil)
	if clearErr != nil {
		manager.logger.Error("credential store clear failed", zap.String("code", "sessionclient.logout.clear_failed"), zap.Error(clearErr))
		return Result{Success: false, Message: UserMessage(clearErr)}
	}
	return Result{Success: true}
}

// RefreshStarted implements RefreshObserver.
func (manager *Manager) RefreshStarted() {
	manager.mutex.Lock()
	if manager.state != StateAuthenticated {
		manager.mutex.Unlock()
		return
	}
	manager.state = StateRefreshing
	listeners, subject := manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, StateRefreshing, subject)
}

// RefreshSettled implements RefreshObserver. A failed renewal ends the session
// and sends the UI to the login entry point.
func (manager *Manager) RefreshSettled(err error) {
	if err != nil {
		manager.transition(StateAnonymous, nil)
		manager.navigate()
		return
	}
	manager.mutex.Lock()
	if manager.state != StateRefreshing {
		manager.mutex.Unlock()
		return
	}
	manager.state = StateAuthenticated
	listeners, subject := manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, StateAuthenticated, subject)
}

// endSession clears the store and returns to Anonymous unless another
// operation replaced the session since generation was observed.
func (manager *Manager) endSession(ctx context.Context, generation uint64) {
	manager.mutex.Lock()
	current := manager.generation
	manager.mutex.Unlock()
	if current != generation {
		return
	}
	manager.clearStore(ctx)
	manager.transition(StateAnonymous, nil)
	manager.navigate()
}

// replaceIdentity writes subject over the stored identity of the session that
// was current at generation. The stored token is left alone; a session that was
// cleared or replaced in the meantime is never written back.
func (manager *Manager) replaceIdentity(ctx context.Context, generation uint64, subject identity.Identity) (*identity.Identity, error) {
	if !manager.isCurrent(generation) {
		return nil, ErrSessionReplaced
	}
	if setErr := manager.client.store.SetIdentity(ctx, subject); setErr != nil {
		switch {
		case errors.Is(setErr, credentials.ErrNoSession):
			return nil, fmt.Errorf("sessionclient.identity.write: %w: %w", ErrNotAuthenticated, setErr)
		case errors.Is(setErr, credentials.ErrIdentityMismatch):
			return nil, fmt.Errorf("sessionclient.identity.write: %w: %w", ErrSessionReplaced, setErr)
		default:
			return nil, fmt.Errorf("sessionclient.identity.write: %w", setErr)
		}
	}
	manager.mutex.Lock()
	if manager.generation != generation {
		manager.mutex.Unlock()
		return nil, ErrSessionReplaced
	}
	manager.subject = cloneSubject(&subject)
	state := manager.state
	listeners, current := manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, state, current)
	return cloneSubject(&subject), nil
}

// signedIn returns the current generation and whether it carries an identity.
func (manager *Manager) signedIn() (uint64, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.generation, manager.subject != nil
}

func (manager *Manager) isCurrent(generation uint64) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.generation == generation
}

func (manager *Manager) transition(state State, subject *identity.Identity) uint64 {
	manager.mutex.Lock()
	manager.state = state
	manager.subject = cloneSubject(subject)
	if state == StateAnonymous || state == StateAuthenticated {
		manager.generation++
	}
	generation := manager.generation
	listeners, current := manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, state, current)
	return generation
}

func (manager *Manager) snapshot() (State, *identity.Identity) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state, cloneSubject(manager.subject)
}

func (manager *Manager) listenersLocked() ([]Listener, *identity.Identity) {
	return append([]Listener(nil), manager.listeners...), cloneSubject(manager.subject)
}

func (manager *Manager) clearStore(ctx context.Context) {
	if clearErr := manager.client.store.Clear(ctx); clearErr != nil {
		manager.logger.Error("credential store clear failed", zap.String("code", "sessionclient.session.clear_failed"), zap.Error(clearErr))
	}
}

func (manager *Manager) navigate() {
	if manager.navigator != nil {
		manager.navigator.Navigate(manager.loginPath)
	}
}

func (manager *Manager) getJSON(ctx context.Context, path string, target any) error {
	response, err := manager.client.Do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return response.Decode(target)
}

// postJSON posts body. anonymous requests skip the bearer credential and never trigger renewal.
func (manager *Manager) postJSON(ctx context.Context, path string, body any, target any, anonymous bool) error {
	response, err := manager.client.Do(ctx, Request{Method: http.MethodPost, Path: path, JSON: body, SkipAuth: anonymous, SkipRefresh: anonymous})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return response.Decode(target)
}

func notify(listeners []Listener, state State, subject *identity.Identity) {
	for _, listener := range listeners {
		listener(state, cloneSubject(subject))
	}
}

func cloneSubject(subject *identity.Identity) *identity.Identity {
	if subject == nil {
		return nil
	}
	cloned := subject.Clone()
	return &cloned
}

func failureResult(err error) Result {
	return Result{Success: false, Message: UserMessage(err)}
}

// isSessionRejected reports whether err means the server no longer accepts the session.
func isSessionRejected(err error) bool {
	if errors.Is(err, ErrRefreshFailed) {
		return true
	}
	var applicationError *ApplicationError
	return errors.As(err, &applicationError) && applicationError.IsAuthorizationFailure()
}

type sessionPayload struct {
	AccessToken string             `json:"access_token"`
	Identity    *identity.Identity `json:"identity"`
}

func (payload sessionPayload) validate() error {
	if strings.TrimSpace(payload.AccessToken) == "" || payload.Identity == nil || payload.Identity.ID == "" {
		return fmt.Errorf("sessionclient.session_payload: %w", ErrMalformedResponse)
	}
	return nil
}

type identityPayload struct {
	Identity *identity.Identity `json:"identity"`
}

type googleExchange struct {
	GoogleIDToken string `json:"google_id_token"`
	Nonce         string `json:"nonce"`
}
