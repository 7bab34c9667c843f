package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"OpenMCP-Relay/internal/trustchain"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Posting a message waits for every agent reply, so it is
// longer than a plain API round trip.
const DefaultHTTPTimeout = 2 * time.Minute

// Header names understood by the gateway.
const (
	HeaderInfraToken   = "X-Infra-Token"
	HeaderRoutingToken = "X-Routing-Token"
)

// Client wraps the HTTP interactions with the relay gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu           sync.RWMutex
	infraKey     ed25519.PrivateKey
	infraSubject string
	infraOrg     string
}

// Activation is returned when a group is activated.
type Activation struct {
	ActorID            string `json:"actor_id"`
	SessionCertificate string `json:"session_certificate"`
}

// RoutingToken authorises one user to read or post in one group.
type RoutingToken struct {
	Token     string `json:"routing_token"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expiry returns ExpiresAt as a time.Time.
func (t RoutingToken) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// Message is one entry of a group log.
type Message struct {
	ID        string    `json:"message_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentRuntime points the group actor at an agent runner for one post.
type AgentRuntime struct {
	AgentID   string `json:"agent_id"`
	RuntimeID string `json:"runtime_id"`
	BaseURL   string `json:"base_url"`
}

// Post is a user message, optionally addressed to agent runtimes.
type Post struct {
	MessageID     string         `json:"message_id,omitempty"`
	Text          string         `json:"text"`
	AgentRuntimes []AgentRuntime `json:"agent_runtimes,omitempty"`
}

// Outcome reports what happened to one agent runtime during a post.
type Outcome struct {
	AgentID    string `json:"agent_id"`
	RuntimeID  string `json:"runtime_id"`
	Delivered  bool   `json:"delivered"`
	Reason     string `json:"reason"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PostResult lists the agent replies appended after the user message.
type PostResult struct {
	MessageID     string    `json:"message_id"`
	AgentMessages []Message `json:"agent_messages"`
	Skipped       []Outcome `json:"skipped"`
}

// APIError represents an error body returned by the gateway.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the gateway. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// SetInfraKey configures the application key used to sign /infra calls. Each
// call gets a fresh token bound to its method and path.
func (c *Client) SetInfraKey(priv ed25519.PrivateKey, subject, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infraKey = priv
	c.infraSubject = subject
	c.infraOrg = orgID
}

// ActivateGroup creates a fresh session for groupID.
func (c *Client) ActivateGroup(ctx context.Context, groupID, orgID string) (Activation, error) {
	var out Activation
	body := map[string]string{"group_id": groupID, "org_id": orgID}
	if err := c.infra(ctx, "/infra/groups", body, &out); err != nil {
		return Activation{}, err
	}
	return out, nil
}

// IssueRoutingToken asks the gateway for a routing token on behalf of userID.
func (c *Client) IssueRoutingToken(ctx context.Context, groupID, userID string) (RoutingToken, error) {
	var out RoutingToken
	body := map[string]string{"group_id": groupID, "user_id": userID}
	if err := c.infra(ctx, "/infra/routing-token", body, &out); err != nil {
		return RoutingToken{}, err
	}
	return out, nil
}

// History returns the full message log of a group.
func (c *Client) History(ctx context.Context, groupID, routingToken string) ([]Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, groupPath(groupID, "history"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderRoutingToken, routingToken)
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostMessage appends a user message and waits for every addressed agent.
func (c *Client) PostMessage(ctx context.Context, groupID, routingToken string, post Post) (PostResult, error) {
	payload, err := json.Marshal(post)
	if err != nil {
		return PostResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, groupPath(groupID, "messages"), bytes.NewReader(payload))
	if err != nil {
		return PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRoutingToken, routingToken)
	var out PostResult
	if err := c.do(req, &out); err != nil {
		return PostResult{}, err
	}
	return out, nil
}

func groupPath(groupID, leaf string) string {
	return "/groups/" + groupID + "/" + leaf
}

func (c *Client) infra(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	key, subject, org := c.infraKey, c.infraSubject, c.infraOrg
	c.mu.RUnlock()
	if len(key) > 0 {
		token, err := trustchain.IssueInfraToken(key, http.MethodPost, req.URL.Path, org, subject, 0)
		if err != nil {
			return fmt.Errorf("sign infra token: %w", err)
		}
		req.Header.Set(HeaderInfraToken, token)
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
