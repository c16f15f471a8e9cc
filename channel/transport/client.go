package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/dshills/suitegraph/channel"
)

// DefaultMaxPostSize bounds the body of one batch request in bytes.
const DefaultMaxPostSize = 100000

// ErrClientClosed is returned by a SocketClient whose connection ended.
var ErrClientClosed = errors.New("transport: client closed")

// encodeMessage numbers one message of a session.
func encodeMessage(sessionID string, seq int64, name string, data any) ([]byte, error) {
	msg := channel.Message{SessionID: sessionID, Sequence: seq, Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s data", name)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// BatchClient is the sending side of the batch transport for one session. It
// numbers messages from 0, queues them and posts the queue in batches no
// larger than the maximum post size, except that every request carries at
// least one message.
//
// BatchClient is safe for concurrent use.
type BatchClient struct {
	url         string
	sessionID   string
	maxPostSize int
	client      *http.Client

	flushMu sync.Mutex

	mu    sync.Mutex
	next  int64
	queue []string
}

// ClientOption configures a BatchClient.
type ClientOption func(*BatchClient)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(b *BatchClient) {
		if c != nil {
			b.client = c
		}
	}
}

// WithMaxPostSize sets the batch size threshold in bytes.
func WithMaxPostSize(n int) ClientOption {
	return func(b *BatchClient) {
		if n > 0 {
			b.maxPostSize = n
		}
	}
}

// NewBatchClient creates a client posting to url on behalf of sessionID.
func NewBatchClient(url, sessionID string, opts ...ClientOption) *BatchClient {
	b := &BatchClient{
		url:         url,
		sessionID:   sessionID,
		maxPostSize: DefaultMaxPostSize,
		client:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send queues a message and returns its sequence number. Nothing is sent
// until Flush.
func (b *BatchClient) Send(name string, data any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := encodeMessage(b.sessionID, b.next, name, data)
	if err != nil {
		return 0, err
	}
	seq := b.next
	b.next++
	b.queue = append(b.queue, string(raw))
	return seq, nil
}

// Publish sends one message and flushes the queue.
func (b *BatchClient) Publish(ctx context.Context, name string, data any) error {
	if _, err := b.Send(name, data); err != nil {
		return err
	}
	return b.Flush(ctx)
}

// Pending returns the number of queued messages.
func (b *BatchClient) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush posts every queued message. Messages of a failed request stay queued.
func (b *BatchClient) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	queued := append([]string(nil), b.queue...)
	b.mu.Unlock()

	for _, batch := range splitBatches(queued, b.maxPostSize) {
		if err := b.post(ctx, batch); err != nil {
			return err
		}
		b.mu.Lock()
		b.queue = b.queue[len(batch):]
		b.mu.Unlock()
	}
	return nil
}

func (b *BatchClient) post(ctx context.Context, batch []string) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post batch")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("post batch: status %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	return nil
}

// splitBatches groups messages so each encoded batch stays within limit bytes.
// A message larger than limit travels alone.
func splitBatches(msgs []string, limit int) [][]string {
	var (
		batches [][]string
		cur     []string
		size    int
	)
	for _, m := range msgs {
		encoded, _ := json.Marshal(m)
		cost := len(encoded) + 1
		if len(cur) > 0 && size+cost > limit {
			batches = append(batches, cur)
			cur, size = nil, 0
		}
		if len(cur) == 0 {
			size = 1
		}
		cur = append(cur, m)
		size += cost
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// SocketClient is the sending side of the socket transport for one session.
// Send blocks until the server acknowledges the message.
type SocketClient struct {
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	next    int64
	waiters map[int64]chan Ack
	err     error
	done    chan struct{}
}

// DialSocket connects to the socket transport at url, a ws:// or wss:// URL.
func DialSocket(ctx context.Context, url, sessionID string) (*SocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &SocketClient{
		conn:      conn,
		sessionID: sessionID,
		waiters:   make(map[int64]chan Ack),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *SocketClient) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		var a Ack
		if err = c.conn.ReadJSON(&a); err != nil {
			return
		}
		c.mu.Lock()
		w, ok := c.waiters[a.Sequence]
		delete(c.waiters, a.Sequence)
		c.mu.Unlock()
		if ok {
			w <- a
		}
	}
}

// Send transmits one message and waits for its acknowledgement. An ack
// carrying an error is returned as an error.
func (c *SocketClient) Send(ctx context.Context, name string, data any) (int64, error) {
	c.mu.Lock()
	raw, err := encodeMessage(c.sessionID, c.next, name, data)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	seq := c.next
	c.next++
	wait := make(chan Ack, 1)
	c.waiters[seq] = wait
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(seq)
		return seq, errors.Wrapf(err, "send sequence %d", seq)
	}

	select {
	case a := <-wait:
		if a.Error != "" {
			return seq, errors.Errorf("sequence %d rejected: %s", seq, a.Error)
		}
		return seq, nil
	case <-c.done:
		return seq, c.closedErr()
	case <-ctx.Done():
		c.forget(seq)
		return seq, ctx.Err()
	}
}

func (c *SocketClient) forget(seq int64) {
	c.mu.Lock()
	delete(c.waiters, seq)
	c.mu.Unlock()
}

func (c *SocketClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && !websocket.IsCloseError(c.err, websocket.CloseNormalClosure) {
		return errors.Wrap(ErrClientClosed, c.err.Error())
	}
	return ErrClientClosed
}

// Close ends the connection.
func (c *SocketClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
