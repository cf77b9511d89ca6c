package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/auth"
	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/command"
	"github.com/sandpolis/agent/health"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/network"
	"github.com/sandpolis/agent/pkg/future"
)

type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *stepLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type loggedPlugins struct{ log *stepLog }

func (p loggedPlugins) Synchronize(_ context.Context, cvid int32) *future.Future[message.Outcome] {
	p.log.add("sync")
	return future.Resolved(message.Succeeded("plugin.sync"))
}

func (p loggedPlugins) LoadPlugins(context.Context) error {
	p.log.add("load")
	return nil
}

type unusedSender struct{ log *stepLog }

func (s unusedSender) Send(_ context.Context, _ int32, cmd string, _ any, _ ...command.SendOption) *future.Future[message.Outcome] {
	s.log.add("send " + cmd)
	return future.Failed[message.Outcome](context.Canceled)
}

type loggedCloser struct{ log *stepLog }

func (c loggedCloser) Close(int32) error {
	c.log.add("close")
	return nil
}

func TestServerLinkHandlerRunsPipelineOnEstablished(t *testing.T) {
	log := &stepLog{}
	pipeline := auth.New(nil)
	require.NoError(t, pipeline.Init(func(c *auth.Config) {
		c.Commands = unusedSender{log}
		c.Connections = loggedCloser{log}
		c.Plugins = loggedPlugins{log}
	}))

	networkBus := bus.New[network.Event]("network", nil, nil)
	reports := make(chan auth.Report, 4)
	monitor := health.NewMonitor()
	h := NewServerLinkHandler(context.Background(), networkBus, pipeline, func(r auth.Report, err error) {
		assert.NoError(t, err)
		reports <- r
	}, monitor, nil)
	defer h.Close()

	require.NoError(t, networkBus.Publish(network.ServerEstablishedEvent{CVID: 42}))

	select {
	case r := <-reports:
		assert.Equal(t, int32(42), r.CVID)
		assert.True(t, r.Loaded)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not report")
	}
	assert.Equal(t, []string{"sync", "load"}, log.list())

	status, ok := monitor.Get(ServerLinkHandlerName)
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
}

type countingAuthenticator struct {
	mu    sync.Mutex
	cvids []int32
}

func (a *countingAuthenticator) Run(_ context.Context, cvid int32) *future.Future[auth.Report] {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cvids = append(a.cvids, cvid)
	return future.Resolved(auth.Report{CVID: cvid, Authenticated: true})
}

func (a *countingAuthenticator) runs() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int32(nil), a.cvids...)
}

func TestServerLinkHandlerIgnoresOtherEvents(t *testing.T) {
	networkBus := bus.New[network.Event]("network", nil, nil)
	a := &countingAuthenticator{}
	h := NewServerLinkHandler(context.Background(), networkBus, a, nil, nil, nil)

	require.NoError(t, networkBus.Publish(network.ServerLostEvent{CVID: 1}))
	require.NoError(t, networkBus.Publish(network.ServerEstablishedEvent{CVID: 2}))
	h.Close()
	require.NoError(t, networkBus.Publish(network.ServerEstablishedEvent{CVID: 3}))

	assert.Equal(t, []int32{2}, a.runs())
}

type rejectingAuthenticator struct{}

func (rejectingAuthenticator) Run(_ context.Context, cvid int32) *future.Future[auth.Report] {
	return future.Resolved(auth.Report{CVID: cvid, Outcome: message.Failed("auth.password", "bad credential")})
}

func TestServerLinkHandlerReportsHealth(t *testing.T) {
	networkBus := bus.New[network.Event]("network", nil, nil)
	monitor := health.NewMonitor()
	done := make(chan struct{}, 1)
	h := NewServerLinkHandler(context.Background(), networkBus, rejectingAuthenticator{},
		func(auth.Report, error) { done <- struct{}{} }, monitor, nil)
	defer h.Close()

	require.NoError(t, networkBus.Publish(network.ServerEstablishedEvent{CVID: 5}))
	<-done
	status, _ := monitor.Get(ServerLinkHandlerName)
	assert.True(t, status.IsUnhealthy())

	require.NoError(t, networkBus.Publish(network.ServerLostEvent{CVID: 5}))
	status, _ = monitor.Get(ServerLinkHandlerName)
	assert.True(t, status.IsDegraded())
	assert.True(t, monitor.AggregateHealth("agent").IsDegraded())
}
