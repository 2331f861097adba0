package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// AuthPathPrefix is shared by the login, register, logout and refresh
// endpoints. Requests under it never carry or renew a bearer token.
const AuthPathPrefix = "/api/auth/"

// Endpoint paths
const (
	PathLogin    = AuthPathPrefix + "login"
	PathRegister = AuthPathPrefix + "register"
	PathLogout   = AuthPathPrefix + "logout"
	PathRefresh  = AuthPathPrefix + "refresh"
	PathProgress = "/api/progreso"
	PathHealth   = "/api/health"
)

// Doer sends HTTP requests. *http.Client and *auth.Coordinator both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an HTTP client for the aula API.
type Client struct {
	BaseURL  string
	DeviceID string
	// HTTP sends auth endpoint requests directly.
	HTTP *http.Client
	// Authorized sends every other request; it attaches credentials.
	// Defaults to HTTP when nil.
	Authorized Doer
}

// New creates a new API client.
func New(baseURL, deviceID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// UserID accepts numeric or string ids.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

// User is the account summary returned by auth endpoints.
type User struct {
	ID     UserID `json:"id"`
	Email  string `json:"email"`
	Nombre string `json:"nombre,omitempty"`
	Rol    string `json:"rol,omitempty"`
}

// SessionResponse is returned by login, register and refresh.
type SessionResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         User   `json:"user"`
}

// Credential converts the response into a stored credential. A refresh
// response without a new refresh token keeps prevRefresh.
func (r *SessionResponse) Credential(prevRefresh string) models.Credential {
	refresh := r.RefreshToken
	if refresh == "" {
		refresh = prevRefresh
	}
	return models.Credential{
		AccessToken:  r.Token,
		RefreshToken: refresh,
		Subject:      string(r.User.ID),
	}
}

// QuizResult is the body for a quiz submission.
type QuizResult struct {
	Answers json.RawMessage `json:"respuestas"`
}

// QuizResultResponse is the graded result.
type QuizResultResponse struct {
	Puntaje  float64 `json:"puntaje"`
	Aprobado bool    `json:"aprobado"`
}

// HealthResponse is the response from GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck verifies the server is reachable.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, http.MethodGet, PathHealth, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Auth endpoints (exempt from credential handling) ---

// Login exchanges email and password for a session.
func (c *Client) Login(ctx context.Context, email, password string) (*SessionResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp SessionResponse
	if err := c.doNoAuth(ctx, http.MethodPost, PathLogin, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register creates an account and returns its session.
func (c *Client) Register(ctx context.Context, nombre, email, password string) (*SessionResponse, error) {
	body := map[string]string{"nombre": nombre, "email": email, "password": password}
	var resp SessionResponse
	if err := c.doNoAuth(ctx, http.MethodPost, PathRegister, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout revokes the refresh token server side.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.doNoAuth(ctx, http.MethodPost, PathLogout, map[string]string{"refreshToken": refreshToken}, nil)
}

// Refresh implements auth.Refresher. A 401 means the refresh token was
// rejected and is reported as auth.ErrRefreshRejected.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.Credential, error) {
	var resp SessionResponse
	err := c.doNoAuth(ctx, http.MethodPost, PathRefresh, map[string]string{"refreshToken": refreshToken}, &resp)
	if errors.Is(err, ErrUnauthorized) {
		return models.Credential{}, fmt.Errorf("%w: %v", auth.ErrRefreshRejected, err)
	}
	if err != nil {
		return models.Credential{}, err
	}
	if resp.Token == "" {
		return models.Credential{}, errors.New("refresh response missing token")
	}
	return resp.Credential(refreshToken), nil
}

// --- Authorized endpoints ---

// SubmitQuizResult posts quiz answers.
func (c *Client) SubmitQuizResult(ctx context.Context, quizID int64, answers json.RawMessage) (*QuizResultResponse, error) {
	var resp QuizResultResponse
	path := "/api/quiz/" + strconv.FormatInt(quizID, 10) + "/resultado"
	if err := c.do(ctx, http.MethodPost, path, QuizResult{Answers: answers}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProgress lists the server's view of the user's progress.
func (c *Client) GetProgress(ctx context.Context) ([]protocol.Progress, error) {
	var resp []protocol.Progress
	if err := c.do(ctx, http.MethodGet, PathProgress, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- HTTP helpers ---

// apiError is the error body from the server. Older routes send
// {code, message}; newer ones send {error}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     string `json:"error"`
}

func (e *apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err
}

func (e *apiError) Error() string {
	if e.Code != "" && e.text() != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.text())
	}
	if e.Code != "" {
		return e.Code
	}
	return e.text()
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	d := c.Authorized
	if d == nil {
		d = c.HTTP
	}
	return c.doRequest(ctx, d, method, path, body, result)
}

func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, c.HTTP, method, path, body, result)
}

func (c *Client) doRequest(ctx context.Context, d Doer, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := d.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && (apiErr.Code != "" || apiErr.text() != "") {
			msg = apiErr.Error()
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		if apiErr.Code != "" || apiErr.text() != "" {
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
