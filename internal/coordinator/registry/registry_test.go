package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetDispatch/internal/coordinator/metrics"
	"NetDispatch/internal/coordinator/models"
	"NetDispatch/internal/coordinator/pool"
	shared "NetDispatch/internal/shared/models"
)

type fakeSession struct {
	mu     sync.Mutex
	sent   []any
	closed bool
	reason string
}

func (s *fakeSession) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry(cfg Config) (*Registry, *pool.Pool, *metrics.MemorySink) {
	sink := metrics.NewMemorySink()
	p := pool.New(pool.FairnessPerIP, sink, nil)
	return New(p, cfg, sink, nil), p, sink
}

func TestRegistry_RegisterAddsToPool(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	err := r.Register("a1", "host1", "1.0.0", []string{"10.0.0.1", "10.0.0.2"}, &fakeSession{})
	require.NoError(t, err)

	assert.Equal(t, 2, p.Size())

	a, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.AgentStateLive, a.State)
	assert.Equal(t, "host1", a.Hostname)
}

func TestRegistry_RejectsInvalidRegistrations(t *testing.T) {
	r, _, _ := newTestRegistry(Config{})

	assert.Error(t, r.Register("", "h", "", []string{"a"}, &fakeSession{}), "empty id")
	assert.Error(t, r.Register("a1", "h", "", nil, &fakeSession{}), "no addresses")

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'x'
	}
	assert.Error(t, r.Register(string(long), "h", "", []string{"a"}, &fakeSession{}), "id too long")
}

func TestRegistry_ReplaceClosesPreviousSession(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	var downKinds []shared.ErrorKind
	r.SetAgentDownHandler(func(agentID string, kind shared.ErrorKind, msg string) {
		downKinds = append(downKinds, kind)
	})

	first := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"old1", "old2"}, first))

	second := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"new1"}, second))

	assert.True(t, first.isClosed())
	assert.Equal(t, []shared.ErrorKind{shared.KindAgentReplaced}, downKinds)

	// Pool holds the newly reported addresses, not the stale set.
	assert.Equal(t, 1, p.Size())
	e, err := p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "new1", e.IP)

	// Only one live agent under the id.
	live := 0
	for _, a := range r.Snapshot() {
		if a.ID == "a1" && a.State == models.AgentStateLive {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestRegistry_HeartbeatUpdatesAddresses(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})
	require.NoError(t, r.Register("a1", "h", "", []string{"a", "b"}, &fakeSession{}))

	require.NoError(t, r.Heartbeat("a1", []string{"b", "c"}))

	assert.Equal(t, 2, p.Size())
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		seen[e.IP] = true
	}
	assert.True(t, seen["b"])
	assert.True(t, seen["c"])
	assert.False(t, seen["a"])
}

func TestRegistry_HeartbeatFromUnknownAgent(t *testing.T) {
	r, _, _ := newTestRegistry(Config{})
	assert.Error(t, r.Heartbeat("ghost", []string{"a"}))
}

func TestRegistry_DisconnectFailsPendingAndDrainsPool(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	var downAgent string
	var downKind shared.ErrorKind
	r.SetAgentDownHandler(func(agentID string, kind shared.ErrorKind, msg string) {
		downAgent = agentID
		downKind = kind
	})

	s := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, s))

	r.Disconnect("a1", s)

	assert.Equal(t, "a1", downAgent)
	assert.Equal(t, shared.KindAgentLost, downKind)
	assert.Equal(t, 0, p.Size())

	a, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.AgentStateDead, a.State)
}

func TestRegistry_DisconnectOfReplacedSessionIsNoop(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	first := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, first))
	second := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"b"}, second))

	// The old connection's read loop winding down must not tear the new
	// session out of the registry.
	r.Disconnect("a1", first)

	a, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.AgentStateLive, a.State)
	assert.Equal(t, 1, p.Size())
}

func TestRegistry_ReaperDeclaresDead(t *testing.T) {
	r, p, _ := newTestRegistry(Config{HeartbeatTimeout: 50 * time.Millisecond})

	var downKind shared.ErrorKind
	r.SetAgentDownHandler(func(agentID string, kind shared.ErrorKind, msg string) {
		downKind = kind
	})

	s := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, s))

	r.reapOnce(time.Now().Add(100 * time.Millisecond))

	assert.True(t, s.isClosed())
	assert.Equal(t, shared.KindAgentLost, downKind)
	assert.Equal(t, 0, p.Size())

	a, _ := r.Get("a1")
	assert.Equal(t, models.AgentStateDead, a.State)
}

func TestRegistry_ReaperSkipsRecentHeartbeat(t *testing.T) {
	r, p, _ := newTestRegistry(Config{HeartbeatTimeout: time.Minute})

	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, &fakeSession{}))
	r.reapOnce(time.Now())

	a, _ := r.Get("a1")
	assert.Equal(t, models.AgentStateLive, a.State)
	assert.Equal(t, 1, p.Size())
}

func TestRegistry_SlotAccounting(t *testing.T) {
	r, _, _ := newTestRegistry(Config{MaxInFlight: 2})

	s := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, s))

	_, ok := r.AcquireSlot("a1")
	require.True(t, ok)
	_, ok = r.AcquireSlot("a1")
	require.True(t, ok)

	_, ok = r.AcquireSlot("a1")
	assert.False(t, ok, "saturated agent must not accept more work")

	r.ReleaseSlot("a1")
	_, ok = r.AcquireSlot("a1")
	assert.True(t, ok)

	_, ok = r.AcquireSlot("ghost")
	assert.False(t, ok)
}

func TestRegistry_RemoveClosesAndReports(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	s := &fakeSession{}
	require.NoError(t, r.Register("a1", "h", "", []string{"a"}, s))

	assert.True(t, r.Remove("a1"))
	assert.True(t, s.isClosed())
	assert.Equal(t, 0, p.Size())

	_, ok := r.Get("a1")
	assert.False(t, ok)

	assert.False(t, r.Remove("a1"), "second remove finds nothing")
}

func TestRegistry_PoolSizeMatchesLiveAgents(t *testing.T) {
	r, p, _ := newTestRegistry(Config{})

	require.NoError(t, r.Register("a1", "h", "", []string{"a", "b"}, &fakeSession{}))
	require.NoError(t, r.Register("a2", "h", "", []string{"c"}, &fakeSession{}))
	assert.Equal(t, 3, p.Size())

	s3 := &fakeSession{}
	require.NoError(t, r.Register("a3", "h", "", []string{"d", "e"}, s3))
	assert.Equal(t, 5, p.Size())

	r.Disconnect("a3", s3)
	assert.Equal(t, 3, p.Size())
}
