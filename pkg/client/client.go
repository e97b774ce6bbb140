// Package client talks to a running entitled over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Options configures a Client. When ClientID is set requests carry an OAuth2
// client-credentials token; otherwise Principal is sent in the trusted
// principal header.
type Options struct {
	BaseURL   string
	Principal string
	Timeout   time.Duration

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// HTTPClient replaces the default transport; ignored with OAuth2
	HTTPClient *http.Client
}

// Client is an entitled API client
type Client struct {
	baseURL   string
	principal string
	http      *http.Client
}

// New validates opts and builds a client
func New(ctx context.Context, opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		baseURL:   strings.TrimRight(base.String(), "/"),
		principal: opts.Principal,
		http:      opts.HTTPClient,
	}

	if opts.ClientID != "" {
		if opts.TokenURL == "" {
			return nil, errors.New("token URL is required with a client ID")
		}
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       opts.Scopes,
		}
		c.http = cc.Client(ctx)
		c.principal = ""
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = timeout
	}
	return c, nil
}

// APIError is a non-2xx response. It matches the rbac sentinel errors its
// status and code correspond to.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case rbac.ErrInvalidPermissionName:
		return e.Code == "invalid_permission_name"
	case rbac.ErrRepositoryUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case rbac.ErrCycleDetected:
		return e.Code == "role_cycle"
	case rbac.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.principal != "" {
		req.Header.Set(middleware.PrincipalHeader, c.principal)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er httputil.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er); err == nil && er.Error != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Check asks whether principal holds permission
func (c *Client) Check(ctx context.Context, principal uuid.UUID, permission string) (bool, error) {
	var resp rbac.CheckResponse
	path := "/api/v1/principals/" + principal.String() + "/permissions/" + url.PathEscape(permission)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// Effective returns the resolved permissions of principal. fresh bypasses
// the server's cache.
func (c *Client) Effective(ctx context.Context, principal uuid.UUID, fresh bool) (rbac.Effective, error) {
	path := "/api/v1/principals/" + principal.String() + "/permissions"
	if fresh {
		path += "?fresh=true"
	}
	var resp rbac.EffectiveResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return rbac.Effective{}, err
	}
	return resp.Effective, nil
}

// Invalidate drops the cached result of principal, or every cached result
// when principal is nil
func (c *Client) Invalidate(ctx context.Context, principal *uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/cache/invalidate", rbac.InvalidateRequest{PrincipalID: principal}, nil)
}

// Roles lists the non-deleted roles
func (c *Client) Roles(ctx context.Context) ([]rbac.Role, error) {
	var resp struct {
		Roles []rbac.Role `json:"roles"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/roles", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// AssignRole gives principal the role
func (c *Client) AssignRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error {
	path := "/api/v1/principals/" + principal.String() + "/roles/" + strconv.FormatInt(int64(role), 10)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// RevokeRole removes the role from principal
func (c *Client) RevokeRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error {
	path := "/api/v1/principals/" + principal.String() + "/roles/" + strconv.FormatInt(int64(role), 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
