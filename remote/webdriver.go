package remote

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

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WebDriverError is an error response of a WebDriver server.
type WebDriverError struct {
	Status  int
	Code    string
	Message string
}

func (e *WebDriverError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("webdriver: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("webdriver: %s: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the command may succeed. Server side
// failures and "session not created" qualify.
func (e *WebDriverError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Code == "session not created"
}

// IsTemporary is a RetryPolicy.Retryable that retries transport failures and
// temporary WebDriver errors.
func IsTemporary(err error) bool {
	var wd *WebDriverError
	if errors.As(err, &wd) {
		return wd.Temporary()
	}
	return true
}

// WebDriver is a Factory speaking the W3C WebDriver protocol over HTTP.
type WebDriver struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// WebDriverOption configures a WebDriver.
type WebDriverOption func(*WebDriver)

// WithHTTPClient sets the client used for commands.
func WithHTTPClient(c *http.Client) WebDriverOption {
	return func(w *WebDriver) {
		if c != nil {
			w.client = c
		}
	}
}

// WithWebDriverLogger sets the logger for commands.
func WithWebDriverLogger(l *zap.Logger) WebDriverOption {
	return func(w *WebDriver) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebDriver returns a Factory for the WebDriver server at baseURL, such as
// "http://localhost:4444".
func NewWebDriver(baseURL string, opts ...WebDriverOption) (*WebDriver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "webdriver url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("webdriver url %q: scheme must be http or https", baseURL)
	}
	w := &WebDriver{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// CreateSession implements Factory.
func (w *WebDriver) CreateSession(ctx context.Context, caps Capabilities) (Session, error) {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{"alwaysMatch": caps},
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := w.command(ctx, http.MethodPost, "/session", body, &created); err != nil {
		return nil, err
	}
	if created.SessionID == "" {
		return nil, errors.New("webdriver: new session response without session id")
	}
	return &webDriverSession{driver: w, id: created.SessionID}, nil
}

// command sends one WebDriver command and decodes the "value" member of the
// response into out when out is not nil.
func (w *WebDriver) command(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode command")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.base+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "webdriver %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	w.logger.Debug("webdriver command",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode < 300 {
			return errors.Wrap(err, "decode response")
		}
	}

	if resp.StatusCode >= 300 {
		wdErr := &WebDriverError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var detail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Value, &detail) == nil && detail.Error != "" {
			wdErr.Code = detail.Error
			wdErr.Message = detail.Message
		}
		return wdErr
	}

	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], envelope.Value...)
		return nil
	}
	return errors.Wrap(json.Unmarshal(envelope.Value, out), "decode value")
}

type webDriverSession struct {
	driver *WebDriver
	id     string
}

func (s *webDriverSession) SessionID() string { return s.id }

func (s *webDriverSession) path(suffix string) string {
	return "/session/" + url.PathEscape(s.id) + suffix
}

func (s *webDriverSession) Navigate(ctx context.Context, u string) error {
	return s.driver.command(ctx, http.MethodPost, s.path("/url"), map[string]string{"url": u}, nil)
}

func (s *webDriverSession) Execute(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	var result json.RawMessage
	err := s.driver.command(ctx, http.MethodPost, s.path("/execute/sync"),
		map[string]interface{}{"script": script, "args": args}, &result)
	return result, err
}

// Heartbeat asks for the current URL, the cheapest command that resets the
// server's idle timer.
func (s *webDriverSession) Heartbeat(ctx context.Context, interval time.Duration) error {
	return RunHeartbeat(ctx, interval, func(ctx context.Context) error {
		return s.driver.command(ctx, http.MethodGet, s.path("/url"), nil, nil)
	})
}

func (s *webDriverSession) Quit(ctx context.Context) error {
	return s.driver.command(ctx, http.MethodDelete, s.path(""), nil, nil)
}
