// Package transport implements the duplex channel between a voxbench client
// and the server: one WebSocket per session carrying JSON control messages in
// text frames and PCM16 audio in binary frames.
//
// Sends from any goroutine are queued to a single writer goroutine, so the
// order in which Send and SendAudio are called is the order in which frames
// reach the peer. The queue is bounded; a sender blocks once it is full until
// its context expires. Receive is meant for a single reader.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbench/pkg/voice"
	"github.com/coder/websocket"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

const (
	defaultQueueSize    = 256
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 5 * time.Second
	closeFlushTimeout   = 2 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

type options struct {
	queueSize    int
	readLimit    int64
	writeTimeout time.Duration
	header       http.Header
}

// Option configures a Conn.
type Option func(*options)

// WithQueueSize sets the capacity of the outbound queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithWriteTimeout bounds each frame write. A peer that does not drain its
// socket within the bound fails the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithHeader adds HTTP headers to the Dial handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize:    defaultQueueSize,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ── Conn ───────────────────────────────────────────────────────────────────────

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one side of a session's duplex channel.
type Conn struct {
	ws   *websocket.Conn
	opts options

	out     chan frame
	closing chan struct{} // closed by Close: writer flushes and exits
	done    chan struct{} // closed when the writer has exited

	closeOnce sync.Once
	reason    string
	err       atomic.Pointer[error]
}

// Accept upgrades an HTTP request to a session connection.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks are left to the surrounding middleware.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return newConn(ws, buildOptions(opts)), nil
}

// Dial connects to a voxbench server session endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: o.header})
	if err != nil {
		return nil, voice.Wrap(voice.KindTransport, "transport: dial", err)
	}
	return newConn(ws, o), nil
}

func newConn(ws *websocket.Conn, o options) *Conn {
	if o.readLimit > 0 {
		ws.SetReadLimit(o.readLimit)
	}
	c := &Conn{
		ws:      ws,
		opts:    o,
		out:     make(chan frame, o.queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues a control message.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", msg.Type, err)
	}
	return c.enqueue(ctx, frame{typ: websocket.MessageText, data: data})
}

// SendAudio queues a chunk of PCM audio. The caller must not modify pcm
// afterwards.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.enqueue(ctx, frame{typ: websocket.MessageBinary, data: pcm})
}

func (c *Conn) enqueue(ctx context.Context, f frame) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return c.closedErr()
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the next frame arrives. A peer close, a read failure or
// a malformed control message is reported as a [voice.KindTransport] error;
// after a local Close it returns ErrClosed.
func (c *Conn) Receive(ctx context.Context) (Inbound, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		select {
		case <-c.closing:
			return Inbound{}, ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return Inbound{}, ctx.Err()
		}
		return Inbound{}, voice.Wrap(voice.KindTransport, "transport: receive", err)
	}
	if typ == websocket.MessageBinary {
		if data == nil {
			data = []byte{}
		}
		return Inbound{Audio: data}, nil
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, voice.Errorf(voice.KindTransport, "transport: receive", "malformed control message: %v", err)
	}
	if msg.Type == "" {
		return Inbound{}, voice.Errorf(voice.KindTransport, "transport: receive", "control message without type")
	}
	return Inbound{Msg: msg}, nil
}

// Close flushes queued frames (bounded) and closes the connection with a
// normal closure. Calling Close more than once is a no-op.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closing)
	})
	select {
	case <-c.done:
	case <-time.After(closeFlushTimeout + c.opts.writeTimeout):
		c.ws.CloseNow()
	}
	return nil
}

// Done is closed once the connection has shut down, locally or because a
// write failed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the write error that failed the connection, if any.
func (c *Conn) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// writeLoop is the single writer. It exits on a write failure or once Close
// has been called and the queue is drained.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				c.fail(err)
				return
			}
		case <-c.closing:
			c.flush()
			c.ws.Close(websocket.StatusNormalClosure, c.reason)
			return
		}
	}
}

func (c *Conn) flush() {
	deadline := time.Now().Add(closeFlushTimeout)
	for time.Now().Before(deadline) {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(f frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, f.typ, f.data)
}

func (c *Conn) fail(err error) {
	werr := voice.Wrap(voice.KindTransport, "transport: send", err)
	c.err.CompareAndSwap(nil, &werr)
	c.ws.CloseNow()
}

// IsDisconnect reports whether err from Receive means the connection went away
// (peer close, dropped socket or local Close) rather than a malformed frame.
func IsDisconnect(err error) bool {
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
