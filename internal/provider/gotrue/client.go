package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
)

const (
	// Path GoTrue is mounted under behind the Supabase gateway
	BasePath = "/auth/v1"

	DefaultTimeout = 10 * time.Second

	maxBodySize = 1 << 20
)

// Client for the GoTrue REST API
type Client struct {
	// Address of the project, e.g. https://xyz.supabase.co
	BaseURL string
	APIKey  string

	timeout time.Duration
	client  *http.Client
	logger  logger.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

func WithLogger(l logger.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Per request timeout applied on top of the caller context
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func NewClient(baseURL string, apiKey string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		timeout: DefaultTimeout,
		client:  &http.Client{},
		logger:  logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) PasswordGrant(ctx context.Context, email string, password string) (models.AuthResponse, error) {
	resp, err := c.authCall(ctx, "password grant", http.MethodPost, "/token?grant_type=password", "",
		credentialsRequest{Email: email, Password: password})
	if err != nil {
		return resp, err
	}
	if !resp.HasTokens() {
		return resp, fmt.Errorf("%w: password grant returned no token pair", apperrors.ErrMalformedResponse)
	}
	return resp, nil
}

func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (models.AuthResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	resp, err := c.authCall(ctx, "refresh grant", http.MethodPost, "/token?grant_type=refresh_token", "", body)
	if err != nil {
		return resp, err
	}
	if !resp.HasTokens() {
		return resp, fmt.Errorf("%w: refresh grant returned no token pair", apperrors.ErrMalformedResponse)
	}
	return resp, nil
}

// Sign up a new user
// Without auto-confirm the provider answers with the bare user and no tokens
func (c *Client) SignUp(ctx context.Context, email string, password string) (models.AuthResponse, error) {
	return c.authCall(ctx, "signup", http.MethodPost, "/signup", "", credentialsRequest{Email: email, Password: password})
}

// Send a password recovery email
func (c *Client) Recover(ctx context.Context, email string, redirectTo string) error {
	path := "/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.do(ctx, "recover", http.MethodPost, path, "", map[string]string{"email": email}, nil)
}

func (c *Client) Verify(ctx context.Context, params models.OTPParams) (models.AuthResponse, error) {
	if params.Type == "" {
		params.Type = models.OTPTypeSignup
	}
	return c.authCall(ctx, "verify", http.MethodPost, "/verify", "", params)
}

func (c *Client) Resend(ctx context.Context, email string, otpType string) error {
	if otpType == "" {
		otpType = models.OTPTypeSignup
	}
	body := map[string]string{"email": email, "type": otpType}
	return c.do(ctx, "resend", http.MethodPost, "/resend", "", body, nil)
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (models.User, error) {
	var u models.User
	err := c.do(ctx, "get user", http.MethodGet, "/user", accessToken, nil, &u)
	if err == nil && u.ID == "" {
		err = fmt.Errorf("%w: user without id", apperrors.ErrMalformedResponse)
	}
	return u, err
}

// Update user attributes
// attrs is sent as is: {"data": {...}} updates metadata, {"email": ...} starts an email change
func (c *Client) UpdateUser(ctx context.Context, accessToken string, attrs map[string]any) (models.User, error) {
	var u models.User
	err := c.do(ctx, "update user", http.MethodPut, "/user", accessToken, attrs, &u)
	if err == nil && u.ID == "" {
		err = fmt.Errorf("%w: user without id", apperrors.ErrMalformedResponse)
	}
	return u, err
}

// Revoke the refresh tokens of the session the access token belongs to
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, "logout", http.MethodPost, "/logout", accessToken, nil, nil)
}

// Build the URL the browser is sent to for a third party sign in
func (c *Client) AuthorizeURL(provider string, redirectTo string, scopes []string) string {
	q := url.Values{}
	q.Set("provider", provider)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	if len(scopes) > 0 {
		q.Set("scopes", strings.Join(scopes, " "))
	}
	return c.BaseURL + BasePath + "/authorize?" + q.Encode()
}

// Call an endpoint answering either with a session or with a bare user
func (c *Client) authCall(ctx context.Context, op string, method string, path string, bearer string, body any) (models.AuthResponse, error) {
	var raw json.RawMessage
	if err := c.do(ctx, op, method, path, bearer, body, &raw); err != nil {
		return models.AuthResponse{}, err
	}
	return decodeAuthResponse(raw)
}

func decodeAuthResponse(raw json.RawMessage) (models.AuthResponse, error) {
	var resp models.AuthResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if resp.AccessToken != "" || resp.User != nil {
		return resp, nil
	}

	var u models.User
	if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
		resp.User = &u
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, op string, method string, path string, bearer string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+BasePath+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("apikey", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Provider request failed", "op", op, "error", err)
		return apperrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return apperrors.NewNetworkError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := decodeProviderError(resp.StatusCode, data)
		c.logger.Warn("Provider rejected request", "op", op, "status_code", resp.StatusCode, "code", perr.Code)
		return perr
	}

	c.logger.Debug("Provider response", "op", op, "status_code", resp.StatusCode)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrMalformedResponse, op, err)
	}
	return nil
}

// Both GoTrue error shapes are accepted:
//
//	{"error": "invalid_grant", "error_description": "..."}
//	{"code": 422, "error_code": "weak_password", "msg": "..."}
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func decodeProviderError(status int, data []byte) *apperrors.ProviderError {
	perr := &apperrors.ProviderError{Status: status}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		perr.Code = "unexpected_response"
		perr.Description = strings.TrimSpace(string(data))
		return perr
	}

	perr.Code = firstNonEmpty(body.ErrorCode, body.Error, "unexpected_response")
	perr.Description = firstNonEmpty(body.ErrorDescription, body.Msg, body.Message)
	return perr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
