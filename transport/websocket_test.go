package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
)

// echoServer answers each request with a successful outcome and exposes
// the server side socket so tests can drop it
func echoServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := message.Unmarshal(data)
			if err != nil {
				continue
			}
			out, _ := message.Marshal(req.Reply(message.Succeeded(req.Command)))
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialer_RoundTrip(t *testing.T) {
	srv, _ := echoServer(t)

	received := make(chan message.Envelope, 1)
	link, err := NewWebsocketDialer(nil).Dial(context.Background(),
		Target{Address: wsURL(srv), Timeout: time.Second},
		func(env message.Envelope) { received <- env })
	require.NoError(t, err)
	defer link.Close()

	req, err := message.NewRequest("agent.ping", nil)
	require.NoError(t, err)
	require.NoError(t, link.Send(context.Background(), req))

	select {
	case resp := <-received:
		assert.Equal(t, req.ID, resp.ID)
		assert.True(t, resp.Outcome.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestWebsocketDialer_CloseIsNotLoss(t *testing.T) {
	srv, _ := echoServer(t)

	link, err := NewWebsocketDialer(nil).Dial(context.Background(),
		Target{Address: wsURL(srv), Timeout: time.Second}, nil)
	require.NoError(t, err)

	require.NoError(t, link.Close())
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.NoError(t, link.Err())

	req, _ := message.NewRequest("agent.ping", nil)
	assert.ErrorIs(t, link.Send(context.Background(), req), errors.ErrConnectionClosed)
}

func TestWebsocketDialer_PeerDropIsLoss(t *testing.T) {
	srv, conns := echoServer(t)

	link, err := NewWebsocketDialer(nil).Dial(context.Background(),
		Target{Address: wsURL(srv), Timeout: time.Second}, nil)
	require.NoError(t, err)

	server := <-conns
	_ = server.Close()

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loss not detected")
	}
	assert.ErrorIs(t, link.Err(), errors.ErrConnectionLost)
}

func TestWebsocketDialer_Refused(t *testing.T) {
	srv, _ := echoServer(t)
	addr := wsURL(srv)
	srv.Close()

	_, err := NewWebsocketDialer(nil).Dial(context.Background(), Target{Address: addr, Timeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestTermination_FirstCauseWins(t *testing.T) {
	var term Termination
	assert.True(t, term.End(errors.ErrConnectionLost))
	assert.False(t, term.End(nil))
	<-term.Done()
	assert.ErrorIs(t, term.Err(), errors.ErrConnectionLost)
}
