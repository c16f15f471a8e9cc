// Package remote acquires and supervises remote execution environments.
//
// A Factory creates a Session in an environment such as a browser behind a
// WebDriver server. Acquire wraps session creation in a RetryPolicy; a
// running session is kept alive with Heartbeat and released with Quit.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Capabilities describe the environment a session is requested for, such as
// {"browserName": "firefox"}.
type Capabilities map[string]interface{}

// Name returns a short label for logs: the browser name and version when
// present.
func (c Capabilities) Name() string {
	name, _ := c["browserName"].(string)
	if name == "" {
		name = "environment"
	}
	if v, ok := c["browserVersion"].(string); ok && v != "" {
		name += " " + v
	}
	return name
}

// Factory creates sessions.
type Factory interface {
	CreateSession(ctx context.Context, caps Capabilities) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, caps Capabilities) (Session, error)

// CreateSession implements Factory.
func (f FactoryFunc) CreateSession(ctx context.Context, caps Capabilities) (Session, error) {
	return f(ctx, caps)
}

// Session is one acquired remote environment.
type Session interface {
	// SessionID identifies the session in channel messages.
	SessionID() string
	// Navigate loads url in the environment.
	Navigate(ctx context.Context, url string) error
	// Execute runs a script in the environment and returns its JSON result.
	Execute(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error)
	// Heartbeat keeps an idle session alive, pinging it every interval
	// until ctx ends. It returns nil when ctx ends.
	Heartbeat(ctx context.Context, interval time.Duration) error
	// Quit releases the session.
	Quit(ctx context.Context) error
}
