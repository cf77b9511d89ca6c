package command

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/oid"
	"github.com/sandpolis/agent/testutil"
	"github.com/sandpolis/agent/transport"
)

type handlerFunc func(ctx context.Context, conn *connection.Connection, req message.Envelope) (message.Outcome, error)

func (f handlerFunc) Handle(ctx context.Context, conn *connection.Connection, req message.Envelope) *future.Future[message.Outcome] {
	outcome, err := f(ctx, conn, req)
	if err != nil {
		return future.Failed[message.Outcome](err)
	}
	return future.Resolved(outcome)
}

type fixture struct {
	dialer      *testutil.FakeDialer
	clock       *clock.FakeClock
	connections *connection.Store
	dispatcher  *Dispatcher
}

func newFixture(t *testing.T, requests RequestHandler) *fixture {
	t.Helper()

	tree := state.NewTree()
	col, err := tree.Ensure(oid.MustParse("/connection"))
	require.NoError(t, err)
	connBus := bus.New[connection.Event]("connection", testutil.StartPool(t, "store.event_bus.connection", 1), nil)

	f := &fixture{
		dialer: testutil.NewFakeDialer(),
		clock:  clock.NewFake(time.Unix(1700000000, 0)),
	}

	f.connections = connection.New(nil)
	require.NoError(t, f.connections.Init(func(c *connection.Config) {
		c.Collection = col
		c.Dialer = f.dialer
		c.Outgoing = testutil.StartPool(t, "net.connection.outgoing", 2)
		c.Incoming = testutil.StartPool(t, "net.message.incoming", 2)
		c.Bus = connBus
	}))
	t.Cleanup(func() { _ = f.connections.Stop(time.Second) })

	f.dispatcher = New(nil)
	require.NoError(t, f.dispatcher.Init(func(c *Config) {
		c.Connections = f.connections
		c.ConnectionBus = connBus
		c.Requests = requests
		c.Clock = f.clock
	}))
	t.Cleanup(func() { _ = f.dispatcher.Stop(time.Second) })
	return f
}

func (f *fixture) connect(t *testing.T) (*connection.Connection, *testutil.FakeLink) {
	t.Helper()
	conn, err := f.connections.Connect(transport.Target{Address: "server", Role: transport.RoleServer})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Established().Await(ctx)
	require.NoError(t, err)
	links := f.dialer.Links()
	return conn, links[len(links)-1]
}

func await(t *testing.T, fut interface {
	Await(context.Context) (message.Outcome, error)
}) (message.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Await(ctx)
}

func TestDispatcher_ResponseCompletesFuture(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.Respond(func(req message.Envelope) (message.Outcome, bool) {
		return message.Succeeded(req.Command).With("echo", req.ID), true
	})
	conn, link := f.connect(t)

	outcome, err := await(t, f.dispatcher.Send(context.Background(), conn.CVID(), "auth.password", map[string]string{"password": "x"}))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "auth.password", outcome.Action)

	sent := link.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].ID, outcome.Metadata["echo"])
	assert.JSONEq(t, `{"password":"x"}`, string(sent[0].Payload))
	assert.Equal(t, 0, f.dispatcher.Pending())
}

func TestDispatcher_ConcurrentRequestsCorrelate(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.Respond(func(req message.Envelope) (message.Outcome, bool) {
		return message.Succeeded(req.Command), true
	})
	conn, _ := f.connect(t)

	commands := []string{"a", "b", "c", "d", "e", "f"}
	futures := make(map[string]interface {
		Await(context.Context) (message.Outcome, error)
	})
	for _, cmd := range commands {
		futures[cmd] = f.dispatcher.Send(context.Background(), conn.CVID(), cmd, nil)
	}
	for cmd, fut := range futures {
		outcome, err := await(t, fut)
		require.NoError(t, err)
		assert.Equal(t, cmd, outcome.Action)
	}
}

func TestDispatcher_UnknownCvidFailsImmediately(t *testing.T) {
	f := newFixture(t, nil)

	fut := f.dispatcher.Send(context.Background(), 4242, "agent.ping", nil)
	require.True(t, fut.IsDone())
	_, err, _ := fut.Result()
	assert.ErrorIs(t, err, errors.ErrNoSuchConnection)
	assert.Equal(t, 0, f.clock.PendingCount())
}

func TestDispatcher_Timeout(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.connect(t)

	fut := f.dispatcher.Send(context.Background(), conn.CVID(), "slow", nil)
	f.clock.WaitForTimers(1)
	f.clock.Advance(DefaultTimeout - time.Millisecond)
	assert.False(t, fut.IsDone())

	f.clock.Advance(time.Millisecond)
	_, err := await(t, fut)
	assert.ErrorIs(t, err, errors.ErrCommandTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, f.dispatcher.Pending())
}

func TestDispatcher_PerCallTimeout(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.connect(t)

	fut := f.dispatcher.Send(context.Background(), conn.CVID(), "slow", nil, WithTimeout(2*time.Second))
	f.clock.WaitForTimers(1)
	f.clock.Advance(2 * time.Second)

	_, err := await(t, fut)
	assert.ErrorIs(t, err, errors.ErrCommandTimeout)
}

func TestDispatcher_LateResponseIgnored(t *testing.T) {
	f := newFixture(t, nil)
	conn, link := f.connect(t)

	fut := f.dispatcher.Send(context.Background(), conn.CVID(), "slow", nil)
	f.clock.WaitForTimers(1)
	f.clock.Advance(DefaultTimeout)
	_, err := await(t, fut)
	require.ErrorIs(t, err, errors.ErrCommandTimeout)

	link.Deliver(link.Sent()[0].Reply(message.Succeeded("slow")))
	time.Sleep(20 * time.Millisecond)
	_, err, _ = fut.Result()
	assert.ErrorIs(t, err, errors.ErrCommandTimeout)
}

func TestDispatcher_ConnectionLossFailsPending(t *testing.T) {
	f := newFixture(t, nil)
	conn, link := f.connect(t)

	first := f.dispatcher.Send(context.Background(), conn.CVID(), "one", nil)
	second := f.dispatcher.Send(context.Background(), conn.CVID(), "two", nil)
	require.Equal(t, 2, f.dispatcher.Pending())

	link.Drop()

	for _, fut := range []interface {
		Await(context.Context) (message.Outcome, error)
	}{first, second} {
		_, err := await(t, fut)
		assert.ErrorIs(t, err, errors.ErrConnectionLost)
	}
	assert.Equal(t, 0, f.clock.PendingCount())
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.connect(t)

	fut := f.dispatcher.Send(context.Background(), conn.CVID(), "one", nil)
	require.NoError(t, f.connections.Close(conn.CVID()))

	_, err := await(t, fut)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestDispatcher_SendFailure(t *testing.T) {
	f := newFixture(t, nil)
	conn, link := f.connect(t)
	link.FailSends(errors.ErrTransportRejected)

	_, err := await(t, f.dispatcher.Send(context.Background(), conn.CVID(), "x", nil))
	assert.ErrorIs(t, err, errors.ErrTransportRejected)
	assert.Equal(t, 0, f.dispatcher.Pending())
}

func TestDispatcher_ContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	fut := f.dispatcher.Send(ctx, conn.CVID(), "x", nil)
	cancel()

	_, err := await(t, fut)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_InboundRequestAnswered(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, handlerFunc(func(_ context.Context, _ *connection.Connection, req message.Envelope) (message.Outcome, error) {
		calls.Add(1)
		if req.Command != "agent.ping" {
			return message.Outcome{}, errors.ErrUnknownCommand
		}
		return message.Succeeded("agent.ping"), nil
	}))
	_, link := f.connect(t)

	ping, err := message.NewRequest("agent.ping", nil)
	require.NoError(t, err)
	link.Deliver(ping)

	bogus, err := message.NewRequest("agent.bogus", nil)
	require.NoError(t, err)
	link.Deliver(bogus)

	require.Eventually(t, func() bool { return len(link.Sent()) == 2 }, 5*time.Second, time.Millisecond)
	replies := map[string]message.Envelope{}
	for _, env := range link.Sent() {
		replies[env.ID] = env
	}

	require.Contains(t, replies, ping.ID)
	assert.Equal(t, message.KindResponse, replies[ping.ID].Kind)
	assert.True(t, replies[ping.ID].Outcome.Success)

	require.Contains(t, replies, bogus.ID)
	assert.False(t, replies[bogus.ID].Outcome.Success)
	assert.Equal(t, errors.ErrUnknownCommand.Error(), replies[bogus.ID].Outcome.Reason)
	assert.Equal(t, int32(2), calls.Load())
}

type deferredHandler struct {
	mu      sync.Mutex
	answers []*future.Future[message.Outcome]
}

func (h *deferredHandler) Handle(context.Context, *connection.Connection, message.Envelope) *future.Future[message.Outcome] {
	h.mu.Lock()
	defer h.mu.Unlock()
	answer := future.New[message.Outcome]()
	h.answers = append(h.answers, answer)
	return answer
}

func (h *deferredHandler) answerAll(outcome message.Outcome) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, answer := range h.answers {
		answer.Complete(outcome)
	}
	return len(h.answers)
}

func TestDispatcher_SlowRequestsDoNotDelayResponses(t *testing.T) {
	handler := &deferredHandler{}
	f := newFixture(t, handler)
	f.dialer.Respond(func(req message.Envelope) (message.Outcome, bool) {
		return message.Succeeded(req.Command), true
	})
	conn, link := f.connect(t)

	for i := 0; i < 3; i++ {
		req, err := message.NewRequest("agent.slow", nil)
		require.NoError(t, err)
		link.Deliver(req)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := f.dispatcher.Send(context.Background(), conn.CVID(), "plugin.sync", nil).Await(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.answers) == 3
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 3, handler.answerAll(message.Succeeded("agent.slow")))

	require.Eventually(t, func() bool {
		replies := 0
		for _, env := range link.Sent() {
			if env.Kind == message.KindResponse {
				replies++
			}
		}
		return replies == 3
	}, 5*time.Second, time.Millisecond)
}

func TestDispatcher_StopFailsPending(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.connect(t)

	fut := f.dispatcher.Send(context.Background(), conn.CVID(), "x", nil)
	require.NoError(t, f.dispatcher.Stop(time.Second))

	_, err := await(t, fut)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)

	_, err = await(t, f.dispatcher.Send(context.Background(), conn.CVID(), "x", nil))
	assert.ErrorIs(t, err, errors.ErrStoreNotInitialized)
}
