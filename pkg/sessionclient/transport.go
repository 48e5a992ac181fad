package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"go.uber.org/zap"
)

const (
	maxResponseBytes = 10 << 20
	headerRequestID  = "X-Request-ID"
)

// Request describes one API call. Exactly one of JSON or Body may be set.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	JSON        any
	Body        []byte
	ContentType string
	Header      http.Header
	// SkipAuth dispatches without the bearer credential.
	SkipAuth bool
	// SkipRefresh surfaces an expiry signal instead of renewing.
	SkipRefresh bool
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into target.
func (response *Response) Decode(target any) error {
	if len(bytes.TrimSpace(response.Body)) == 0 {
		return fmt.Errorf("sessionclient.decode.empty_body: %w", ErrMalformedResponse)
	}
	if err := json.Unmarshal(response.Body, target); err != nil {
		return fmt.Errorf("sessionclient.decode: %w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// ExpiryDetector reports whether a response signals an expired access token.
type ExpiryDetector func(response *Response) bool

// StatusExpiryDetector treats the given status as the expiry signal.
func StatusExpiryDetector(status int) ExpiryDetector {
	return func(response *Response) bool {
		return response != nil && response.Status == status
	}
}

// ErrorCodeExpiryDetector treats a 401 whose body carries one of codes in its
// "error" field as the expiry signal.
func ErrorCodeExpiryDetector(codes ...string) ExpiryDetector {
	accepted := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		accepted[code] = struct{}{}
	}
	return func(response *Response) bool {
		if response == nil || response.Status != http.StatusUnauthorized {
			return false
		}
		_, matched := accepted[parseErrorBody(response.Body).Error]
		return matched
	}
}

// Client issues API requests, attaching the stored bearer credential and
// transparently renewing it once when the server reports expiry.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	store          credentials.Store
	logger         *zap.Logger
	metrics        metrics.Recorder
	expiryDetector ExpiryDetector
	refreshPath    string
	proactive      tokenExpiryWindow
	coordinator    *Coordinator
}

// NewClient validates configuration and constructs a Client.
func NewClient(configuration Config) (*Client, error) {
	normalized, configErr := configuration.normalized()
	if configErr != nil {
		return nil, configErr
	}
	client := &Client{
		baseURL:        normalized.BaseURL,
		httpClient:     normalized.HTTPClient,
		store:          normalized.Store,
		logger:         normalized.Logger,
		metrics:        normalized.Metrics,
		expiryDetector: normalized.ExpiryDetector,
		refreshPath:    normalized.RefreshPath,
		proactive:      tokenExpiryWindow{window: normalized.ProactiveRefreshWindow, now: normalized.now},
	}
	client.coordinator = NewCoordinator(client.renewAccessToken, normalized.Store, normalized.RefreshTimeout, normalized.Logger, normalized.Metrics)
	return client, nil
}

// Coordinator exposes the refresh coordinator so observers can subscribe.
func (client *Client) Coordinator() *Coordinator {
	return client.coordinator
}

// Store returns the credential store the client reads on every dispatch.
func (client *Client) Store() credentials.Store {
	return client.store
}

// Do dispatches request. A 2xx response is returned as is. A non-2xx response
// becomes *ApplicationError. An expiry signal on the first attempt triggers one
// renewal and one replay with the new token; a second expiry is surfaced.
func (client *Client) Do(ctx context.Context, request Request) (*Response, error) {
	payload, contentType, encodeErr := request.encodeBody()
	if encodeErr != nil {
		return nil, encodeErr
	}
	requestID := uuid.NewString()

	accessToken, tokenErr := client.outboundToken(ctx, request)
	if tokenErr != nil {
		return nil, tokenErr
	}
	response, dispatchErr := client.dispatch(ctx, request, payload, contentType, accessToken, requestID)
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if request.SkipRefresh || accessToken == "" || !client.expiryDetector(response) {
		return finishResponse(response)
	}

	renewedToken, renewErr := client.coordinator.RefreshAfter(ctx, accessToken)
	if renewErr != nil {
		return nil, fmt.Errorf("sessionclient.%s %s: %w", strings.ToLower(request.method()), request.Path, renewErr)
	}
	client.logger.Debug("replaying request with renewed token", zap.String("code", "sessionclient.transport.replay"), zap.String("request_id", requestID), zap.String("path", request.Path))
	retried, retryErr := client.dispatch(ctx, request, payload, contentType, renewedToken, requestID)
	if retryErr != nil {
		return nil, retryErr
	}
	return finishResponse(retried)
}

// outboundToken reads the stored credential right before dispatch and renews
// it ahead of time when it is about to expire.
func (client *Client) outboundToken(ctx context.Context, request Request) (string, error) {
	if request.SkipAuth {
		return "", nil
	}
	record, getErr := client.store.Get(ctx)
	if getErr != nil {
		client.logger.Warn("credential store read failed", zap.String("code", "sessionclient.transport.store_read"), zap.Error(getErr))
		return "", nil
	}
	if record.AccessToken == "" || request.SkipRefresh || !client.proactive.expiresSoon(record.AccessToken) {
		return record.AccessToken, nil
	}
	renewedToken, renewErr := client.coordinator.RefreshAfter(ctx, record.AccessToken)
	if renewErr != nil {
		return "", fmt.Errorf("sessionclient.proactive_refresh: %w", renewErr)
	}
	return renewedToken, nil
}

func (client *Client) dispatch(ctx context.Context, request Request, payload []byte, contentType string, accessToken string, requestID string) (*Response, error) {
	target, urlErr := client.resolveURL(request)
	if urlErr != nil {
		return nil, urlErr
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpRequest, buildErr := http.NewRequestWithContext(ctx, request.method(), target, body)
	if buildErr != nil {
		return nil, fmt.Errorf("sessionclient.transport.build_request: %w", buildErr)
	}
	for headerName, headerValues := range request.Header {
		for _, headerValue := range headerValues {
			httpRequest.Header.Add(headerName, headerValue)
		}
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set(headerRequestID, requestID)
	if contentType != "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}
	if accessToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+accessToken)
	}

	httpResponse, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		if isContextError(doErr) && ctx.Err() != nil {
			return nil, fmt.Errorf("sessionclient.transport: %w", ctx.Err())
		}
		client.logger.Warn("request failed", zap.String("code", "sessionclient.transport.network"), zap.String("request_id", requestID), zap.String("path", request.Path), zap.Error(doErr))
		return nil, fmt.Errorf("sessionclient.transport: %w: %w", ErrTransientNetwork, doErr)
	}
	defer httpResponse.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if readErr != nil {
		return nil, fmt.Errorf("sessionclient.transport.read_body: %w: %w", ErrTransientNetwork, readErr)
	}
	return &Response{Status: httpResponse.StatusCode, Header: httpResponse.Header, Body: responseBody}, nil
}

func (client *Client) resolveURL(request Request) (string, error) {
	path := strings.TrimSpace(request.Path)
	if path == "" {
		return "", &ValidationError{Field: "path", Message: "request path must be provided"}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := client.baseURL + path
	if len(request.Query) > 0 {
		target += "?" + request.Query.Encode()
	}
	return target, nil
}

func (client *Client) renewAccessToken(ctx context.Context) (string, error) {
	response, err := client.Do(ctx, Request{Method: http.MethodPost, Path: client.refreshPath, SkipAuth: true, SkipRefresh: true})
	if err != nil {
		return "", err
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if decodeErr := response.Decode(&payload); decodeErr != nil {
		return "", decodeErr
	}
	return payload.AccessToken, nil
}

func (request Request) method() string {
	if request.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(request.Method)
}

func (request Request) encodeBody() ([]byte, string, error) {
	if request.JSON != nil && request.Body != nil {
		return nil, "", &ValidationError{Field: "body", Message: "request may carry either a JSON payload or a raw body"}
	}
	if request.JSON != nil {
		encoded, err := json.Marshal(request.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("sessionclient.encode: %w", err)
		}
		return encoded, "application/json", nil
	}
	if request.Body != nil {
		return request.Body, request.ContentType, nil
	}
	return nil, "", nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseErrorBody(body []byte) errorBody {
	var parsed errorBody
	if len(bytes.TrimSpace(body)) == 0 {
		return parsed
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed
}

func finishResponse(response *Response) (*Response, error) {
	if response.Status >= 200 && response.Status < 300 {
		return response, nil
	}
	parsed := parseErrorBody(response.Body)
	message := parsed.Message
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(response.Status)
	}
	return nil, &ApplicationError{Status: response.Status, Code: parsed.Error, Message: message}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
