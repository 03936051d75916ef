// Package rosbridge speaks the rosbridge v2 JSON protocol over a websocket.
package rosbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	ErrClosed        = errors.New("rosbridge connection closed")
	ErrServiceFailed = errors.New("service call failed")
)

// Options tune a client connection.
type Options struct {
	// TopicTypes maps topics this client publishes to their message type. A
	// topic with a known type is advertised before its first publish.
	TopicTypes       map[string]string
	HandshakeTimeout time.Duration
}

// envelope is the union of every operation the client sends or receives.
type envelope struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Service string          `json:"service,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

type reply struct {
	values json.RawMessage
	err    error
}

// Client is a rosbridge connection. It publishes, subscribes and calls
// services; subscription handlers run on the read goroutine and must not block.
type Client struct {
	conn   *websocket.Conn
	logger logging.Logger
	types  map[string]string

	writeMu sync.Mutex

	mu         sync.Mutex
	handlers   map[string]map[uint64]func([]byte)
	subIDs     map[string]string
	advertised map[string]bool
	pending    map[string]chan reply
	closed     bool

	nextID    atomic.Uint64
	connError atomic.Bool
	done      chan struct{}
}

// Dial connects to a rosbridge server at url.
func Dial(ctx context.Context, url string, opts Options, logger logging.Logger) (*Client, error) {
	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing rosbridge at %s", url)
	}
	c := newClient(conn, opts, logger)
	logger.Infof("connected to rosbridge at %s", url)
	return c, nil
}

func newClient(conn *websocket.Conn, opts Options, logger logging.Logger) *Client {
	c := &Client{
		conn:       conn,
		logger:     logger,
		types:      opts.TopicTypes,
		handlers:   make(map[string]map[uint64]func([]byte)),
		subIDs:     make(map[string]string),
		advertised: make(map[string]bool),
		pending:    make(map[string]chan reply),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) id(prefix string) string {
	return fmt.Sprintf("%s:%d", prefix, c.nextID.Add(1))
}

func (c *Client) write(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", env.Op)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.connError.Store(true)
		return errors.Wrapf(err, "sending %s", env.Op)
	}
	return nil
}

// Publish sends msg on topic, advertising the topic first when its type is
// known.
func (c *Client) Publish(ctx context.Context, topic string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding message for %s", topic)
	}
	if err := c.advertise(topic); err != nil {
		return err
	}
	return c.write(envelope{Op: "publish", Topic: topic, Msg: raw})
}

func (c *Client) advertise(topic string) error {
	msgType, ok := c.types[topic]
	if !ok {
		return nil
	}
	c.mu.Lock()
	if c.advertised[topic] {
		c.mu.Unlock()
		return nil
	}
	c.advertised[topic] = true
	c.mu.Unlock()
	return c.write(envelope{Op: "advertise", ID: c.id("advertise"), Topic: topic, Type: msgType})
}

// Subscribe registers handler for raw messages on topic. The returned function
// removes it; the server subscription ends with the last handler.
func (c *Client) Subscribe(topic string, handler func([]byte)) (func(), error) {
	key := c.nextID.Add(1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	hs, ok := c.handlers[topic]
	if !ok {
		hs = make(map[uint64]func([]byte))
		c.handlers[topic] = hs
	}
	hs[key] = handler
	first := !ok
	subID := c.subIDs[topic]
	if first {
		subID = c.id("subscribe")
		c.subIDs[topic] = subID
	}
	c.mu.Unlock()

	if first {
		if err := c.write(envelope{Op: "subscribe", ID: subID, Topic: topic}); err != nil {
			c.removeHandler(topic, key)
			return nil, err
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if last, id := c.removeHandler(topic, key); last {
				if err := c.write(envelope{Op: "unsubscribe", ID: id, Topic: topic}); err != nil {
					c.logger.Debugf("unsubscribing from %s: %v", topic, err)
				}
			}
		})
	}, nil
}

func (c *Client) removeHandler(topic string, key uint64) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.handlers[topic]
	if !ok {
		return false, ""
	}
	delete(hs, key)
	if len(hs) > 0 {
		return false, ""
	}
	delete(c.handlers, topic)
	id := c.subIDs[topic]
	delete(c.subIDs, topic)
	return !c.closed, id
}

// Call invokes service with req and returns the raw response values.
func (c *Client) Call(ctx context.Context, service string, req any) ([]byte, error) {
	args, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding request for %s", service)
	}
	id := c.id("call_service")
	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{Op: "call_service", ID: id, Service: service, Args: args}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrap(r.err, service)
		}
		return r.values, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// HasConnectionError reports whether the socket has failed.
func (c *Client) HasConnectionError() bool {
	return c.connError.Load()
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warnf("rosbridge read: %v", err)
				c.connError.Store(true)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debugf("ignoring malformed rosbridge frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	switch env.Op {
	case "publish":
		c.mu.Lock()
		hs := make([]func([]byte), 0, len(c.handlers[env.Topic]))
		for _, h := range c.handlers[env.Topic] {
			hs = append(hs, h)
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(env.Msg)
		}
	case "service_response":
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			return
		}
		r := reply{values: env.Values}
		if env.Result != nil && !*env.Result {
			r.err = ErrServiceFailed
			if len(env.Values) > 0 {
				r.err = errors.Wrap(ErrServiceFailed, string(env.Values))
			}
		}
		ch <- r
	case "status":
		c.logger.Debugf("rosbridge status (%s): %s", env.Level, env.Msg)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Close ends the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
