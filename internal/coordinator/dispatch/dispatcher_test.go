package dispatch

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetDispatch/internal/coordinator/history"
	"NetDispatch/internal/coordinator/metrics"
	"NetDispatch/internal/coordinator/models"
	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/coordinator/registry"
	shared "NetDispatch/internal/shared/models"
	"NetDispatch/internal/shared/protocol"
)

// echoSession replies to every dispatch frame through the dispatcher's
// correlation path, like a live agent would.
type echoSession struct {
	mu      sync.Mutex
	frames  []*protocol.Dispatch
	reply   func(agentID string, d *protocol.Dispatch)
	agentID string
	silent  bool
}

func (s *echoSession) Send(frame any) error {
	d, ok := frame.(*protocol.Dispatch)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.frames = append(s.frames, d)
	s.mu.Unlock()

	if !s.silent && s.reply != nil {
		go s.reply(s.agentID, d)
	}
	return nil
}

func (s *echoSession) Close(string) {}

func (s *echoSession) sent() []*protocol.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Dispatch(nil), s.frames...)
}

type harness struct {
	pool       *pool.Pool
	registry   *registry.Registry
	history    *history.Ring
	sink       *metrics.MemorySink
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	sink := metrics.NewMemorySink()
	p := pool.New(pool.FairnessPerIP, sink, nil)
	reg := registry.New(p, registry.Config{MaxInFlight: 2}, sink, nil)
	hist := history.NewRing(16)
	d := New(p, reg, hist, cfg, sink, nil)

	return &harness{pool: p, registry: reg, history: hist, sink: sink, dispatcher: d}
}

func (h *harness) addAgent(t *testing.T, agentID string, addrs []string) *echoSession {
	t.Helper()

	s := &echoSession{
		agentID: agentID,
		reply: func(id string, d *protocol.Dispatch) {
			h.dispatcher.HandleResult(id, protocol.NewResult(
				d.JobID, 200, map[string]string{"Content-Type": "text/plain"},
				base64.StdEncoding.EncodeToString([]byte("ok")), 0.01,
			))
		},
	}
	require.NoError(t, h.registry.Register(agentID, "host", "", addrs, s))
	return s
}

func spec(timeoutSec float64) models.JobSpec {
	return models.JobSpec{
		Method:     "GET",
		URL:        "http://example.test/echo",
		TimeoutSec: timeoutSec,
	}
}

func TestDispatcher_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAgent(t, "a1", []string{"10.0.0.1"})

	job := h.dispatcher.Submit(context.Background(), spec(5))

	require.Nil(t, job.Err)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, "a1", job.AssignedAgent)
	assert.Equal(t, "10.0.0.1", job.AssignedIP)
	assert.Equal(t, 200, job.Result.Status)
	assert.Equal(t, []byte("ok"), job.Result.Body)

	assert.Equal(t, 0, h.dispatcher.PendingCount())
	assert.Equal(t, 1, h.history.Len())
}

func TestDispatcher_RoundRobinAcrossEntries(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAgent(t, "a1", []string{"10.0.0.1", "10.0.0.2"})

	var ips []string
	for i := 0; i < 7; i++ {
		job := h.dispatcher.Submit(context.Background(), spec(5))
		require.Nil(t, job.Err)
		ips = append(ips, job.AssignedIP)
	}

	assert.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.2", "10.0.0.1",
	}, ips)
}

func TestDispatcher_EmptyPool(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.dispatcher.Submit(context.Background(), spec(5))

	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindNoAgentsAvailable, job.Err.Kind)
	assert.Equal(t, models.JobStateFailed, job.State)
}

func TestDispatcher_Saturation(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true // registry MaxInFlight is 2; never reply so slots stay taken

	done := make(chan *models.Job, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- h.dispatcher.Submit(context.Background(), spec(0.3))
		}()
	}

	// Wait until both jobs hold their slots.
	require.Eventually(t, func() bool {
		return len(s.sent()) == 2
	}, time.Second, 5*time.Millisecond)

	job := h.dispatcher.Submit(context.Background(), spec(5))
	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindAgentsSaturated, job.Err.Kind)

	for i := 0; i < 2; i++ {
		j := <-done
		assert.Equal(t, shared.KindTimeout, j.Err.Kind)
	}
}

func TestDispatcher_Overload(t *testing.T) {
	h := newHarness(t, Config{MaxTotalInFlight: 1})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	done := make(chan *models.Job, 1)
	go func() {
		done <- h.dispatcher.Submit(context.Background(), spec(0.3))
	}()

	require.Eventually(t, func() bool {
		return len(s.sent()) == 1
	}, time.Second, 5*time.Millisecond)

	job := h.dispatcher.Submit(context.Background(), spec(5))
	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindCoordinatorOverloaded, job.Err.Kind)

	<-done
}

func TestDispatcher_Timeout(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	start := time.Now()
	job := h.dispatcher.Submit(context.Background(), spec(0.2))
	elapsed := time.Since(start)

	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindTimeout, job.Err.Kind)
	assert.Equal(t, models.JobStateTimedOut, job.State)
	assert.Less(t, elapsed, 500*time.Millisecond, "terminal well within deadline plus slack")
	assert.Equal(t, 0, h.dispatcher.PendingCount())
}

func TestDispatcher_LateReplyDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	job := h.dispatcher.Submit(context.Background(), spec(0.2))
	require.Equal(t, shared.KindTimeout, job.Err.Kind)

	histBefore := h.history.Len()
	metricsBefore := h.sink.Snapshot()

	// The agent finally answers long after the deadline.
	frames := s.sent()
	require.Len(t, frames, 1)
	h.dispatcher.HandleResult("a1", protocol.NewResult(
		frames[0].JobID, 200, nil, "", 10,
	))

	assert.Equal(t, histBefore, h.history.Len(), "late reply must not touch history")
	after := h.sink.Snapshot()
	assert.Equal(t, metricsBefore.Resolved, after.Resolved, "late reply must not touch metrics")
}

func TestDispatcher_Cancellation(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	job := h.dispatcher.Submit(ctx, spec(5))

	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindCancelled, job.Err.Kind)
	assert.Equal(t, models.JobStateCancelled, job.State)
	assert.Equal(t, 0, h.dispatcher.PendingCount())
}

func TestDispatcher_AgentLostMidFlight(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	done := make(chan *models.Job, 1)
	go func() {
		done <- h.dispatcher.Submit(context.Background(), spec(30))
	}()

	require.Eventually(t, func() bool {
		return len(s.sent()) == 1
	}, time.Second, 5*time.Millisecond)

	h.registry.Disconnect("a1", s)

	select {
	case job := <-done:
		require.NotNil(t, job.Err)
		assert.Equal(t, shared.KindAgentLost, job.Err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not terminate after agent disconnect")
	}

	assert.Equal(t, 0, h.pool.Size())
}

func TestDispatcher_ErrorFrame(t *testing.T) {
	h := newHarness(t, Config{})

	s := &echoSession{agentID: "a1"}
	s.reply = func(id string, d *protocol.Dispatch) {
		h.dispatcher.HandleError(id, protocol.NewError(d.JobID, shared.KindConnectError, "connection refused"))
	}
	require.NoError(t, h.registry.Register("a1", "host", "", []string{"10.0.0.1"}, s))

	job := h.dispatcher.Submit(context.Background(), spec(5))

	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindConnectError, job.Err.Kind)
	assert.Equal(t, models.JobStateFailed, job.State)

	recent := h.history.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, string(shared.KindConnectError), recent[0].ErrorKind)
}

func TestDispatcher_ResultFromWrongAgentIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.addAgent(t, "a1", []string{"10.0.0.1"})
	s.silent = true

	done := make(chan *models.Job, 1)
	go func() {
		done <- h.dispatcher.Submit(context.Background(), spec(0.3))
	}()

	require.Eventually(t, func() bool {
		return len(s.sent()) == 1
	}, time.Second, 5*time.Millisecond)

	h.dispatcher.HandleResult("impostor", protocol.NewResult(s.sent()[0].JobID, 200, nil, "", 0.1))

	job := <-done
	require.NotNil(t, job.Err)
	assert.Equal(t, shared.KindTimeout, job.Err.Kind)
}
