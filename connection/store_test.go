package connection

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/oid"
	"github.com/sandpolis/agent/testutil"
	"github.com/sandpolis/agent/transport"
)

type fixture struct {
	store      *Store
	dialer     *testutil.FakeDialer
	collection *state.Collection
	events     chan Event
}

func newFixture(t *testing.T, dialer transport.Dialer) *fixture {
	t.Helper()

	fake, _ := dialer.(*testutil.FakeDialer)
	tree := state.NewTree()
	col, err := tree.Ensure(oid.MustParse("/connection"))
	require.NoError(t, err)

	events := make(chan Event, 64)
	b := bus.New[Event]("connection", testutil.StartPool(t, "store.event_bus.connection", 1), nil)
	b.Register("test", func(e Event) { events <- e })

	s := New(nil)
	require.NoError(t, s.Init(func(c *Config) {
		c.Collection = col
		c.Dialer = dialer
		c.Outgoing = testutil.StartPool(t, "net.connection.outgoing", 2)
		c.Incoming = testutil.StartPool(t, "net.message.incoming", 2)
		c.Bus = b
	}))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	return &fixture{store: s, dialer: fake, collection: col, events: events}
}

func (f *fixture) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no connection event")
		return nil
	}
}

func await(t *testing.T, conn *Connection) (*Connection, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Established().Await(ctx)
}

func serverTarget() transport.Target {
	return transport.Target{Address: "wss://server:8768", Role: transport.RoleServer, Timeout: time.Second}
}

func TestStore_ConnectEstablishes(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)

	got, err := await(t, conn)
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, StatusEstablished, conn.Status())
	assert.Positive(t, conn.CVID())

	byCvid, ok := f.store.GetByCvid(conn.CVID())
	require.True(t, ok)
	assert.Same(t, conn, byCvid)

	e := f.nextEvent(t)
	require.IsType(t, EstablishedEvent{}, e)
	assert.Same(t, conn, e.Connection())

	doc, err := f.collection.Document(strconv.Itoa(int(conn.CVID())))
	require.NoError(t, err)
	addr, _ := doc.String("remote_address")
	assert.Equal(t, "wss://server:8768", addr)
	role, _ := doc.String("role")
	assert.Equal(t, "server", role)
}

func TestStore_ConnectStartsInConnecting(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	dialer.Hang(true)
	f := newFixture(t, dialer)

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, conn.Status())
	assert.Zero(t, conn.CVID())
	require.NoError(t, conn.Close())
}

func TestStore_ConnectTimeout(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	dialer.Hang(true)
	f := newFixture(t, dialer)

	target := serverTarget()
	target.Timeout = 50 * time.Millisecond
	conn, err := f.store.Connect(target)
	require.NoError(t, err)

	_, err = await(t, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectTimeout)
	assert.Equal(t, StatusDisconnected, conn.Status())
	assert.ErrorIs(t, conn.Err(), errors.ErrConnectTimeout)

	// no automatic retry
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
	assert.Empty(t, f.store.Connections())
}

func TestStore_DefaultTimeoutApplied(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	f := newFixture(t, dialer)

	target := serverTarget()
	target.Timeout = 0
	conn, err := f.store.Connect(target)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, conn.Target().Timeout)
}

func TestStore_DialFailure(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	dialer.FailWith(assert.AnError)
	f := newFixture(t, dialer)

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)

	_, err = await(t, conn)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, conn.Status())
}

func TestConnection_CloseWhileConnectingNeverEstablishes(t *testing.T) {
	release := make(chan struct{})
	inner := testutil.NewFakeDialer()
	gated := transport.DialerFunc(func(ctx context.Context, target transport.Target, in transport.InboundFunc) (transport.Link, error) {
		<-release
		// succeed even though the dial was abandoned
		return inner.Dial(context.Background(), target, in)
	})
	f := newFixture(t, gated)

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.Equal(t, StatusClosed, conn.Status())

	close(release)
	_, err = await(t, conn)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)

	require.Eventually(t, func() bool {
		links := inner.Links()
		return len(links) == 1 && links[0].Closed()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusClosed, conn.Status())
	assert.Empty(t, f.store.Connections())
	assert.Zero(t, conn.CVID())
}

func TestStore_CloseByCvid(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	_, err = await(t, conn)
	require.NoError(t, err)
	f.nextEvent(t)
	cvid := conn.CVID()

	require.NoError(t, f.store.Close(cvid))
	assert.Equal(t, StatusClosed, conn.Status())
	assert.True(t, f.dialer.Links()[0].Closed())

	_, ok := f.store.GetByCvid(cvid)
	assert.False(t, ok)
	_, err = f.collection.Document(strconv.Itoa(int(cvid)))
	assert.ErrorIs(t, err, errors.ErrNoSuchChild)

	e := f.nextEvent(t)
	assert.IsType(t, ClosedEvent{}, e)

	// unknown and already closed CVIDs are no-ops
	assert.NoError(t, f.store.Close(cvid))
	assert.NoError(t, f.store.Close(9999))
	assert.NoError(t, conn.Close())
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestStore_TransportLoss(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	_, err = await(t, conn)
	require.NoError(t, err)
	f.nextEvent(t)

	f.dialer.Links()[0].Drop()

	e := f.nextEvent(t)
	lost, ok := e.(LostEvent)
	require.True(t, ok, "want LostEvent, got %T", e)
	assert.Same(t, conn, lost.Conn)
	assert.ErrorIs(t, lost.Err, errors.ErrConnectionLost)
	assert.Equal(t, StatusLost, conn.Status())

	_, ok = f.store.GetByCvid(conn.CVID())
	assert.False(t, ok)
	assert.Equal(t, 0, f.collection.Len())

	err = conn.Send(context.Background(), message.Envelope{Command: "x"})
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestStore_InboundDeliveredToHandler(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	type delivery struct {
		conn *Connection
		env  message.Envelope
	}
	got := make(chan delivery, 1)
	f.store.SetMessageHandler(func(conn *Connection, env message.Envelope) {
		got <- delivery{conn, env}
	})

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	_, err = await(t, conn)
	require.NoError(t, err)

	req, err := message.NewRequest("agent.ping", nil)
	require.NoError(t, err)
	f.dialer.Links()[0].Deliver(req)

	select {
	case d := <-got:
		assert.Same(t, conn, d.conn)
		assert.Equal(t, req.ID, d.env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestStore_SendOverEstablished(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	conn, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	_, err = await(t, conn)
	require.NoError(t, err)

	req, err := message.NewRequest("agent.ping", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), req))
	assert.Equal(t, []message.Envelope{req}, f.dialer.Links()[0].Sent())
}

func TestStore_DistinctCvids(t *testing.T) {
	f := newFixture(t, testutil.NewFakeDialer())

	const n = 20
	var wg sync.WaitGroup
	conns := make([]*Connection, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := f.store.Connect(transport.Target{Address: "peer", Role: transport.RolePeer})
			if err == nil {
				conns[i] = conn
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int32]bool)
	for _, conn := range conns {
		require.NotNil(t, conn)
		_, err := await(t, conn)
		require.NoError(t, err)
		assert.False(t, seen[conn.CVID()], "duplicate cvid %d", conn.CVID())
		seen[conn.CVID()] = true
	}
	assert.Len(t, f.store.Connections(), n)
}

func TestStore_NotInitialized(t *testing.T) {
	s := New(nil)
	_, err := s.Connect(serverTarget())
	assert.ErrorIs(t, err, errors.ErrStoreNotInitialized)
}

func TestStore_StopClosesEverything(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	f := newFixture(t, dialer)

	established, err := f.store.Connect(serverTarget())
	require.NoError(t, err)
	_, err = await(t, established)
	require.NoError(t, err)

	dialer.Hang(true)
	dialing, err := f.store.Connect(serverTarget())
	require.NoError(t, err)

	require.NoError(t, f.store.Stop(time.Second))
	assert.Equal(t, StatusClosed, established.Status())
	assert.Equal(t, StatusClosed, dialing.Status())

	_, err = f.store.Connect(serverTarget())
	assert.ErrorIs(t, err, errors.ErrStoreNotInitialized)
}
