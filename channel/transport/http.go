// Package transport carries remote session messages into a channel.Channel.
//
// Two transports feed the same delivery path. The batch transport accepts
// HTTP POST requests whose body is a JSON array of JSON-encoded messages and
// answers 204 once the batch was accepted. The socket transport keeps one
// WebSocket per remote session and acknowledges every message frame
// individually. Both validate messages against the message schema and honour
// the channel's wait mode before acknowledging.
//
// The HTTP handler also serves the files a remote environment loads, passing
// JavaScript that matches the coverage globs through an Instrumenter.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dshills/suitegraph/channel"
)

// DefaultSocketPath is where the socket transport is mounted.
const DefaultSocketPath = "/__suitegraph/socket"

// FileSource reads files served to remote environments. A missing file is
// reported with an error matching fs.ErrNotExist.
type FileSource interface {
	ReadFile(path string) ([]byte, error)
}

// Instrumenter rewrites JavaScript source to collect code coverage.
type Instrumenter interface {
	Instrument(source, path string) (string, error)
}

// FSSource serves files from an fs.FS.
type FSSource struct {
	FS fs.FS
}

// ReadFile implements FileSource.
func (s FSSource) ReadFile(name string) ([]byte, error) {
	return fs.ReadFile(s.FS, name)
}

// Coverage selects the served files to instrument. Patterns use doublestar
// syntax and match the slash separated path relative to the server root.
type Coverage struct {
	Include []string
	Exclude []string
}

func (c Coverage) validate() error {
	for _, p := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return errors.Errorf("invalid coverage pattern %q", p)
		}
	}
	return nil
}

// matches reports whether name is included and not excluded.
func (c Coverage) matches(name string) bool {
	included := false
	for _, p := range c.Include {
		if ok, _ := doublestar.Match(p, name); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range c.Exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	return true
}

// Handler is the HTTP face of a channel: batch POSTs, the WebSocket endpoint
// and file serving.
type Handler struct {
	ch           *channel.Channel
	dec          *decoder
	logger       *zap.Logger
	files        FileSource
	instrumenter Instrumenter
	coverage     Coverage
	socketPath   string
	upgrader     websocket.Upgrader
	router       chi.Router
}

// Option configures a Handler.
type Option func(*Handler) error

// WithLogger sets the handler logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		h.logger = l
		return nil
	}
}

// WithFiles serves GET and HEAD requests from src.
func WithFiles(src FileSource) Option {
	return func(h *Handler) error {
		h.files = src
		return nil
	}
}

// WithCoverage instruments served JavaScript matching cov through inst.
func WithCoverage(inst Instrumenter, cov Coverage) Option {
	return func(h *Handler) error {
		if err := cov.validate(); err != nil {
			return err
		}
		h.instrumenter = inst
		h.coverage = cov
		return nil
	}
}

// WithSocketPath mounts the socket transport at p instead of
// DefaultSocketPath.
func WithSocketPath(p string) Option {
	return func(h *Handler) error {
		if p == "" || p[0] != '/' {
			return errors.Errorf("socket path %q must start with /", p)
		}
		h.socketPath = p
		return nil
	}
}

// NewHandler creates a Handler delivering into ch.
func NewHandler(ch *channel.Channel, opts ...Option) (*Handler, error) {
	if ch == nil {
		return nil, errors.New("channel must not be nil")
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	h := &Handler{
		ch:         ch,
		dec:        dec,
		logger:     zap.NewNop(),
		socketPath: DefaultSocketPath,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, errors.Wrap(err, "transport option")
		}
	}

	r := chi.NewRouter()
	r.Get(h.socketPath, h.serveSocket)
	r.Post("/*", h.serveBatch)
	r.Get("/*", h.serveFile)
	r.Head("/*", h.serveFile)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
	})
	h.router = r
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// serveBatch delivers a batch in order and answers once every message the
// wait mode selects has been dispatched.
func (h *Handler) serveBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, errors.Wrap(err, "read batch"))
		return
	}
	var batch []string
	if err := json.Unmarshal(body, &batch); err != nil {
		h.fail(w, errors.Wrap(err, "malformed batch"))
		return
	}

	if err := h.deliverBatch(r.Context(), batch); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deliverBatch(ctx context.Context, batch []string) error {
	var waits []*channel.Receipt
	for i, raw := range batch {
		msg, err := h.dec.decode([]byte(raw))
		if err != nil {
			return errors.Wrapf(err, "batch message %d", i)
		}
		receipt, err := h.ch.Deliver(ctx, msg)
		if err != nil {
			return err
		}
		if h.ch.ShouldWait(msg) {
			waits = append(waits, receipt)
		}
	}
	for _, receipt := range waits {
		if err := receipt.Wait(ctx); err != nil {
			return errors.Wrapf(err, "wait for sequence %d", receipt.Sequence)
		}
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.logger.Error("batch rejected", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + chi.URLParam(r, "*"))[1:]
	if h.files == nil || name == "" {
		http.NotFound(w, r)
		return
	}
	data, err := h.files.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("read file", zap.String("path", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if h.instrumenter != nil && path.Ext(name) == ".js" && h.coverage.matches(name) {
		src, err := h.instrumenter.Instrument(string(data), name)
		if err != nil {
			h.logger.Error("instrument file", zap.String("path", name), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		data = []byte(src)
	}

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}
