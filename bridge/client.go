package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("bridge: connection closed")
	// ErrQueueFull is returned by Notify when the notification lane is backed up.
	ErrQueueFull = errors.New("bridge: notification queue full")
)

// RemoteError is an error reported by the host for a call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Method, e.Message)
}

// Handler receives the payload of an inbound notification.
type Handler func(payload []byte)

const (
	notifyQueueSize = 64
	callQueueSize   = 8
)

// outbound is one envelope waiting for the writer. sent is nil for notifications.
type outbound struct {
	ctx  context.Context
	env  *Envelope
	sent chan error
}

func (o *outbound) finish(err error) {
	if o.sent != nil {
		o.sent <- err
	}
}

// Client multiplexes calls and notifications over one connection. Calls are matched
// to replies by id, so a slow call never delays another caller. A single writer
// goroutine owns the connection; notifications jump ahead of queued calls and never
// make the sender wait for the wire.
type Client struct {
	ID string

	conn   io.ReadWriteCloser
	logger *zap.Logger

	notifyOut chan *outbound
	callOut   chan *outbound

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *Envelope
	handlers map[string]Handler
	closed   bool
	err      error

	inbound chan *Envelope
	done    chan struct{}
}

// NewClient takes ownership of conn and starts reading from it.
func NewClient(conn io.ReadWriteCloser, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		ID:        uuid.New().String(),
		conn:      conn,
		logger:    logger,
		pending:   make(map[uint64]chan *Envelope),
		handlers:  make(map[string]Handler),
		inbound:   make(chan *Envelope, notifyQueueSize),
		notifyOut: make(chan *outbound, notifyQueueSize),
		callOut:   make(chan *outbound, callQueueSize),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	go c.dispatchLoop()
	return c
}

// Handle registers fn for inbound notifications named method. Handlers run
// sequentially on a dispatch goroutine, never on the read loop.
func (c *Client) Handle(method string, fn Handler) {
	c.mu.Lock()
	c.handlers[method] = fn
	c.mu.Unlock()
}

// Call sends a request and waits for its reply, ctx cancellation or connection loss.
// It gives up on ctx even while the request is still queued or being written.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	payload, err := Encode(req)
	if err != nil {
		return fmt.Errorf("bridge: encode %s request: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	replyCh := make(chan *Envelope, 1)
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	out := &outbound{
		ctx:  ctx,
		env:  &Envelope{ID: id, Kind: KindCall, Method: method, Payload: payload},
		sent: make(chan error, 1),
	}
	select {
	case c.callOut <- out:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	sent := out.sent
	for {
		select {
		case err := <-sent:
			if err != nil {
				return err
			}
			sent = nil
		case reply := <-replyCh:
			if reply == nil {
				return ErrClosed
			}
			if reply.Error != "" {
				return &RemoteError{Method: method, Message: reply.Error}
			}
			if err := Decode(reply.Payload, resp); err != nil {
				return fmt.Errorf("bridge: decode %s reply: %w", method, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

// Notify queues a one-way message and returns without waiting for the wire. When the
// queue is full the message is dropped with ErrQueueFull.
func (c *Client) Notify(method string, payload any) error {
	raw, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("bridge: encode %s notification: %w", method, err)
	}
	return c.enqueueNotify(&Envelope{Kind: KindNotify, Method: method, Payload: raw})
}

func (c *Client) enqueueNotify(env *Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case c.notifyOut <- &outbound{env: env}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) writeLoop() {
	for {
		var out *outbound
		select {
		case out = <-c.notifyOut:
		default:
			select {
			case out = <-c.notifyOut:
			case out = <-c.callOut:
			case <-c.done:
				return
			}
		}

		if out.ctx != nil && out.ctx.Err() != nil {
			out.finish(out.ctx.Err())
			continue
		}
		if err := writeEnvelope(c.conn, out.env); err != nil {
			err = fmt.Errorf("bridge: send %s: %w", out.env.Method, err)
			out.finish(err)
			// A partial frame leaves the stream unusable.
			c.conn.Close()
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		out.finish(nil)
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) readLoop() {
	for {
		env, err := readEnvelope(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("bridge read ended", zap.Error(err))
			}
			c.shutdown(ErrClosed)
			return
		}

		switch env.Kind {
		case KindReply:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case KindNotify:
			select {
			case c.inbound <- env:
			default:
				c.logger.Warn("bridge notification dropped", zap.String("method", env.Method))
			}
		case KindCall:
			reply := &Envelope{ID: env.ID, Kind: KindReply, Method: env.Method, Error: "calls are not accepted by this endpoint"}
			if err := c.enqueueNotify(reply); err != nil {
				c.logger.Debug("bridge reject failed", zap.Error(err))
			}
		default:
			c.logger.Warn("bridge envelope of unknown kind", zap.String("kind", string(env.Kind)))
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case env := <-c.inbound:
			c.mu.Lock()
			fn := c.handlers[env.Method]
			c.mu.Unlock()
			if fn == nil {
				c.logger.Debug("no handler for notification", zap.String("method", env.Method))
				continue
			}
			fn(env.Payload)
		case <-c.done:
			return
		}
	}
}
