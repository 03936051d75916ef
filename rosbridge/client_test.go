package rosbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeBridge records every frame it receives and lets the test push frames.
type fakeBridge struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []envelope
	onFrame  func(conn *websocket.Conn, env envelope)
	got      chan envelope
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{t: t, got: make(chan envelope, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			b.mu.Lock()
			b.received = append(b.received, env)
			hook := b.onFrame
			b.mu.Unlock()
			if hook != nil {
				hook(conn, env)
			}
			b.got <- env
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBridge) next(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-b.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return envelope{}
	}
}

func (b *fakeBridge) send(t *testing.T, env envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NoError(t, b.conn.WriteMessage(websocket.TextMessage, data))
}

func TestPublishAdvertisesOnce(t *testing.T) {
	bridge := newFakeBridge(t)
	ctx := context.Background()
	c, err := Dial(ctx, bridge.url(), Options{TopicTypes: map[string]string{"/notify": "std_msgs/String"}}, logging.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Publish(ctx, "/notify", map[string]string{"data": "a"}))
	require.NoError(t, c.Publish(ctx, "/notify", map[string]string{"data": "b"}))
	require.NoError(t, c.Publish(ctx, "/untyped", map[string]string{"data": "c"}))

	adv := bridge.next(t)
	assert.Equal(t, "advertise", adv.Op)
	assert.Equal(t, "std_msgs/String", adv.Type)
	first := bridge.next(t)
	assert.Equal(t, "publish", first.Op)
	assert.JSONEq(t, `{"data":"a"}`, string(first.Msg))
	second := bridge.next(t)
	assert.Equal(t, "publish", second.Op)
	third := bridge.next(t)
	assert.Equal(t, "/untyped", third.Topic)
	assert.Equal(t, "publish", third.Op)
}

func TestSubscribeDispatch(t *testing.T) {
	bridge := newFakeBridge(t)
	c, err := Dial(context.Background(), bridge.url(), Options{}, logging.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan string, 4)
	unsubA, err := c.Subscribe("/joint_states", func(b []byte) { got <- "a:" + string(b) })
	require.NoError(t, err)
	unsubB, err := c.Subscribe("/joint_states", func(b []byte) { got <- "b:" + string(b) })
	require.NoError(t, err)

	sub := bridge.next(t)
	assert.Equal(t, "subscribe", sub.Op)
	assert.Equal(t, "/joint_states", sub.Topic)

	bridge.send(t, envelope{Op: "publish", Topic: "/joint_states", Msg: json.RawMessage(`{"name":["j1"]}`)})
	var seen []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen = append(seen, s)
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	assert.ElementsMatch(t, []string{`a:{"name":["j1"]}`, `b:{"name":["j1"]}`}, seen)

	unsubA()
	unsubB()
	unsub := bridge.next(t)
	assert.Equal(t, "unsubscribe", unsub.Op)
	assert.Equal(t, sub.ID, unsub.ID)
}

func TestCallService(t *testing.T) {
	bridge := newFakeBridge(t)
	bridge.onFrame = func(conn *websocket.Conn, env envelope) {
		if env.Op != "call_service" {
			return
		}
		ok := env.Service == "/apply_planning_scene"
		resp := envelope{Op: "service_response", ID: env.ID, Service: env.Service, Result: &ok}
		if ok {
			resp.Values = json.RawMessage(`{"success":true}`)
		} else {
			resp.Values = json.RawMessage(`"unknown service"`)
		}
		data, _ := json.Marshal(resp)
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	c, err := Dial(context.Background(), bridge.url(), Options{}, logging.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	values, err := c.Call(ctx, "/apply_planning_scene", map[string]any{"scene": map[string]any{"is_diff": true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(values))

	_, err = c.Call(ctx, "/missing", struct{}{})
	assert.ErrorIs(t, err, ErrServiceFailed)
}

func TestConnectionErrorOnServerDrop(t *testing.T) {
	bridge := newFakeBridge(t)
	c, err := Dial(context.Background(), bridge.url(), Options{}, logging.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.HasConnectionError())
	_, err = c.Subscribe("/x", func([]byte) {})
	require.NoError(t, err)
	bridge.next(t)

	bridge.mu.Lock()
	bridge.conn.Close()
	bridge.mu.Unlock()

	assert.Eventually(t, c.HasConnectionError, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Call(ctx, "/any", struct{}{})
	assert.Error(t, err)
}
