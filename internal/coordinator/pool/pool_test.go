package pool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PickEmpty(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)

	_, err := p.Pick()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestPool_ExactRoundRobin(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"10.0.0.2", "10.0.0.1"})
	p.Add("a2", []string{"10.0.1.1"})

	// Ordered view is sorted by (agent_id, ip).
	want := []Entry{
		{AgentID: "a1", IP: "10.0.0.1"},
		{AgentID: "a1", IP: "10.0.0.2"},
		{AgentID: "a2", IP: "10.0.1.1"},
	}

	const laps = 4
	counts := make(map[Entry]int)
	for i := 0; i < laps*len(want); i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		assert.Equal(t, want[i%len(want)], e, "pick %d out of rotation", i)
		counts[e]++
	}

	// Static pool: after K picks every entry was selected exactly K/N times.
	for _, e := range want {
		assert.Equal(t, laps, counts[e])
	}
}

func TestPool_DedupesAndSortsAddresses(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"b", "a", "b", "", "a"})

	assert.Equal(t, 2, p.Size())

	e, err := p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "a", e.IP)
}

func TestPool_CursorSurvivesChurn(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"a", "b"})

	e, err := p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "a", e.IP)

	// Heartbeat reports a changed set. The counter is preserved: the next
	// pick continues at counter mod new size rather than restarting at 0.
	p.Update("a1", []string{"b", "c"})

	e, err = p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "c", e.IP, "cursor must not reset on churn")

	e, err = p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "b", e.IP)

	// "a" never comes back after the transition.
	for i := 0; i < 10; i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		assert.NotEqual(t, "a", e.IP)
	}
}

func TestPool_RemoveAgentDropsAllEntries(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"a", "b"})
	p.Add("a2", []string{"c"})

	p.Remove("a1")

	assert.Equal(t, 1, p.Size())
	for i := 0; i < 5; i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		assert.Equal(t, "a2", e.AgentID)
	}
}

func TestPool_UpdateWithEmptySetRemoves(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"a"})
	p.Update("a1", nil)

	assert.Equal(t, 0, p.Size())
}

func TestPool_PerAgentFairness(t *testing.T) {
	p := New(FairnessPerAgent, nil, nil)
	p.Add("a1", []string{"a", "b", "c", "d"})
	p.Add("a2", []string{"x"})

	counts := make(map[string]int)
	for i := 0; i < 8; i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		counts[e.AgentID]++
	}

	// Agent-major rotation: load splits evenly regardless of IP counts.
	assert.Equal(t, 4, counts["a1"])
	assert.Equal(t, 4, counts["a2"])
}

func TestPool_PerAgentRotatesOwnAddresses(t *testing.T) {
	p := New(FairnessPerAgent, nil, nil)
	p.Add("a1", []string{"a", "b"})

	var got []string
	for i := 0; i < 4; i++ {
		e, err := p.Pick()
		require.NoError(t, err)
		got = append(got, e.IP)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestPool_SnapshotUsage(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"a", "b"})

	p.MarkUsed(Entry{AgentID: "a1", IP: "a"})
	p.MarkUsed(Entry{AgentID: "a1", IP: "a"})

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].RequestsCount)
	assert.NotNil(t, snap[0].LastUsed)
	assert.Equal(t, int64(0), snap[1].RequestsCount)
	assert.Nil(t, snap[1].LastUsed)
}

func TestPool_NoStarvationUnderChurn(t *testing.T) {
	p := New(FairnessPerIP, nil, nil)
	p.Add("a1", []string{"a", "b"})
	p.Add("a2", []string{"c"})

	// Interleave churn with picks; the survivor set must keep being visited.
	seen := make(map[string]int)
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			p.Update("a2", []string{fmt.Sprintf("churn-%d", i)})
		}
		e, err := p.Pick()
		require.NoError(t, err)
		seen[e.IP]++
	}

	assert.Greater(t, seen["a"], 20)
	assert.Greater(t, seen["b"], 20)
}
