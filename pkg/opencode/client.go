package opencode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
)

// Client manages HTTP communication with an OpenCode server
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	logger     *logger.Logger

	// Subscription tracking - one SSE connection per client
	subCancel context.CancelFunc
	subActive bool

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new OpenCode HTTP client
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log,
	}
}

// GenerateServerPassword generates a cryptographically secure random password
func GenerateServerPassword() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based string if random fails
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// buildAuthHeader creates the Basic auth header value
func (c *Client) buildAuthHeader() string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + credentials
}

// doRequest performs an HTTP request with auth headers
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		url += "&directory=" + c.directory
	} else {
		url += "?directory=" + c.directory
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// doPromptRequest performs an HTTP request with a longer timeout suitable for
// prompts. Prompts can take many minutes to complete, so we use a 60-minute
// transport ceiling; callers bound the real wait with their context.
func (c *Client) doPromptRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		url += "&directory=" + c.directory
	} else {
		url += "?directory=" + c.directory
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	promptClient := &http.Client{
		Timeout: 60 * time.Minute,
	}
	return promptClient.Do(req)
}

// WaitForHealth waits for the OpenCode server to be healthy
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			c.logger.Debug("health check request failed", zap.Error(err))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		bodyBytes, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		c.logger.Debug("health check response",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(bodyBytes)))

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(bodyBytes))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(bodyBytes, &health); err != nil {
			lastErr = fmt.Errorf("parse health response (got: %q): %w", string(bodyBytes), err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("OpenCode server healthy", zap.String("version", health.Version))
			return nil
		}

		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession creates a new OpenCode session
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}

	return session.ID, nil
}

// SendPrompt sends a prompt to the session and returns once the server
// has finished producing the turn. Event consumption runs separately on
// the subscription stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, prompt PromptRequest) error {
	body, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doPromptRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return fmt.Errorf("prompt returned empty response")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}

	// Success response: { info, parts }
	if _, hasInfo := parsed["info"]; hasInfo {
		if _, hasParts := parsed["parts"]; hasParts {
			return nil
		}
	}

	// Error response: { name, data }
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}

	return nil
}

// Abort sends an abort request to stop the current operation
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)

	// Use a short timeout for abort
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil // Ignore abort errors
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission sends a permission reply
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	payload := PermissionReplyRequest{
		Reply: reply,
	}
	if message != nil {
		payload.Message = *message
	} else if reply == PermissionReplyReject {
		// If rejecting without message, provide default
		payload.Message = "User denied this tool use request"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyQuestion answers a question request. Empty answers are allowed;
// the server treats them as accepting the defaults.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers []string) error {
	payload := QuestionReplyRequest{Answers: answers}
	if payload.Answers == nil {
		payload.Answers = []string{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal question reply: %w", err)
	}

	path := fmt.Sprintf("/question/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("question reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// RejectQuestion declines a question request
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	path := fmt.Sprintf("/question/%s/reject", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("question reject request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// Subscribe opens the SSE event stream and returns a channel of events
// for the session. One subscription per client; a second call while a
// stream is active returns an error. The channel closes when ctx is
// cancelled or the server ends the stream.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan *SDKEventEnvelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	if c.subActive {
		c.mu.Unlock()
		return nil, fmt.Errorf("event subscription already active")
	}
	c.subActive = true
	c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.subCancel = cancel
	c.mu.Unlock()

	url := c.baseURL + "/event?directory=" + c.directory
	req, err := http.NewRequestWithContext(subCtx, http.MethodGet, url, nil)
	if err != nil {
		c.endSubscription()
		return nil, fmt.Errorf("create event stream request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// Use a client without timeout for SSE
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		c.endSubscription()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.endSubscription()
		return nil, fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("SSE stream connected", zap.String("session_id", sessionID))

	events := make(chan *SDKEventEnvelope, 64)
	go c.readEventStream(subCtx, sessionID, resp.Body, events)

	return events, nil
}

// readEventStream reads SSE events and forwards the session's events to
// the channel until the stream ends
func (c *Client) readEventStream(ctx context.Context, sessionID string, body io.ReadCloser, events chan<- *SDKEventEnvelope) {
	defer func() {
		_ = body.Close()
		c.endSubscription()
		close(events)
		c.logger.Debug("SSE stream ended", zap.String("session_id", sessionID))
	}()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large events
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()

			if data == "" {
				continue
			}

			event, err := ParseSDKEvent([]byte(data))
			if err != nil {
				c.logger.Warn("failed to parse SDK event", zap.Error(err))
				continue
			}

			if !c.eventMatchesSession(event, sessionID) {
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
}

func (c *Client) endSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.subActive = false
}

// eventMatchesSession checks if an event belongs to the specified session
func (c *Client) eventMatchesSession(event *SDKEventEnvelope, sessionID string) bool {
	// Try to extract sessionID from properties
	var props map[string]any
	if event.Properties != nil {
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return true // If we can't parse, let it through
		}
	}

	// Check various paths where sessionID might be
	extractedID := ""

	switch event.Type {
	case SDKEventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			if id, ok := info["sessionID"].(string); ok {
				extractedID = id
			}
		}
	case SDKEventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			if id, ok := part["sessionID"].(string); ok {
				extractedID = id
			}
		}
	default:
		if id, ok := props["sessionID"].(string); ok {
			extractedID = id
		}
	}

	if extractedID == "" {
		return true // No sessionID in event, let it through
	}

	return extractedID == sessionID
}

// Close terminates any active event subscription
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	c.subActive = false
}
