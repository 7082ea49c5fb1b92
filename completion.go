package signup

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
)

const (
	// DefaultCompletionTimeout bounds a single completion call.
	DefaultCompletionTimeout = 30 * time.Second

	CompletionPath = "/auth/google/complete-registration"
	ProfilePath    = "/auth/me"

	// IdempotencyHeader carries a key derived from the identity so a
	// resubmission can be recognised by the backend.
	IdempotencyHeader = "Idempotency-Key"
)

// CompletionRequest is the body of the completion call.
type CompletionRequest struct {
	ExternalID        string           `json:"externalId"`
	Email             string           `json:"email"`
	FirstName         string           `json:"firstName,omitempty"`
	LastName          string           `json:"lastName,omitempty"`
	AvatarURL         string           `json:"avatarUrl,omitempty"`
	Role              Role             `json:"userType"`
	Phone             string           `json:"phone"`
	CompanyName       string           `json:"companyName,omitempty"`
	ServiceLocation   string           `json:"serviceLocation,omitempty"`
	LocationData      *ServiceLocation `json:"locationData,omitempty"`
	ServiceCategories []string         `json:"serviceCategories,omitempty"`
	Description       string           `json:"description,omitempty"`
}

// NewCompletionRequest merges the identity payload with the pending data.
// Names typed by the user win over the names from the identity provider.
func NewCompletionRequest(identity *IdentityPayload, pending *PendingRegistration) CompletionRequest {
	req := CompletionRequest{
		ExternalID: identity.ExternalID,
		Email:      identity.Email,
		FirstName:  identity.FirstName,
		LastName:   identity.LastName,
		AvatarURL:  identity.AvatarURL,
		Role:       pending.Role,
		Phone:      pending.Phone,
	}
	if pending.FirstName != "" {
		req.FirstName = pending.FirstName
	}
	if pending.LastName != "" {
		req.LastName = pending.LastName
	}
	if pending.Role == RoleProvider {
		req.CompanyName = pending.CompanyName
		req.Description = pending.Description
		req.ServiceCategories = append([]string(nil), pending.ServiceCategories...)
		if !pending.ServiceLocation.IsZero() {
			loc := *pending.ServiceLocation
			req.LocationData = &loc
			req.ServiceLocation = loc.String()
		}
	}
	return req
}

// IdempotencyKey derives a stable key from the identity.
func (r CompletionRequest) IdempotencyKey() string {
	seed := r.ExternalID + "|" + strings.ToLower(r.Email)
	if key, err := hashid.NewUUID(seed); err == nil {
		return key.String()
	}
	return seed
}

// CompletionResponse is the backend answer to both the completion and the
// profile calls.
type CompletionResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Token   string       `json:"token,omitempty"`
	User    *SessionUser `json:"user,omitempty"`
}

// Session builds the session to commit from a successful response.
func (r *CompletionResponse) Session() *AuthenticatedSession {
	if r == nil || r.User == nil {
		return nil
	}
	return &AuthenticatedSession{User: *r.User, Token: r.Token}
}

// CompletionClient finishes a registration on the backend.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProfileFetcher resolves the user behind a token.
type ProfileFetcher interface {
	Me(ctx context.Context, token string) (*SessionUser, error)
}

// HTTPBackend talks JSON to the registration backend.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  Logger
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

func WithHTTPClient(c *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) {
		if c != nil {
			b.client = c
		}
	}
}

func WithHTTPBackendLogger(l Logger) HTTPBackendOption {
	return func(b *HTTPBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewHTTPBackend returns a backend rooted at baseURL, e.g. https://api.example.com/api.
func NewHTTPBackend(baseURL string, opts ...HTTPBackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Complete posts the merged registration. A success:false answer, or a
// non 2xx status with a message, is ErrBackendRejection. Context deadline
// and cancellation map to ErrRequestTimeout.
func (b *HTTPBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+CompletionPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey())

	res, err := b.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrBackendRejection, res.Message)
	}
	if res.Token == "" || res.User == nil {
		return res, fmt.Errorf("%w: response missing token or user", ErrBackendUnavailable)
	}
	return res, nil
}

// Me fetches the profile for token.
func (b *HTTPBackend) Me(ctx context.Context, token string) (*SessionUser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+ProfilePath, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	res, err := b.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	if !res.Success || res.User == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendRejection, res.Message)
	}
	return res.User, nil
}

func (b *HTTPBackend) do(ctx context.Context, req *http.Request) (*CompletionResponse, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	out := &CompletionResponse{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			b.logger.Warn("backend %s %s: unreadable body (status %d)", req.Method, req.URL.Path, resp.StatusCode)
			return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Message != "" {
			out.Success = false
			return out, nil
		}
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return out, nil
}
