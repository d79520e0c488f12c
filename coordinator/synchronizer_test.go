package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InfiCell/clearwater-etcd/cluster"
	"github.com/InfiCell/clearwater-etcd/cmn"
	"github.com/InfiCell/clearwater-etcd/coordinator"
	"github.com/InfiCell/clearwater-etcd/kvstore/kvstoretest"
	"github.com/InfiCell/clearwater-etcd/plugin"
)

type fakePlugin struct {
	key        string
	shouldJoin bool

	mu    sync.Mutex
	hooks []string
}

func newFakePlugin(key string, shouldJoin bool) *fakePlugin {
	return &fakePlugin{key: key, shouldJoin: shouldJoin}
}

func (p *fakePlugin) Key() string                      { return p.key }
func (p *fakePlugin) ShouldBeInCluster() bool           { return p.shouldJoin }
func (p *fakePlugin) Files() map[string]struct{}        { return nil }
func (p *fakePlugin) record(name string)                { p.mu.Lock(); p.hooks = append(p.hooks, name); p.mu.Unlock() }
func (p *fakePlugin) snapshot() []string                { p.mu.Lock(); defer p.mu.Unlock(); return append([]string(nil), p.hooks...) }
func (p *fakePlugin) OnJoiningCluster(cluster.View) error           { p.record("joining"); return nil }
func (p *fakePlugin) OnNewClusterConfigReady(cluster.View) error    { p.record("config_ready"); return nil }
func (p *fakePlugin) OnStableCluster(cluster.View) error            { p.record("stable"); return nil }
func (p *fakePlugin) OnLeavingCluster(cluster.View) error           { p.record("leaving"); return nil }
func (p *fakePlugin) OnLeavingClusterFinished(cluster.View) error   { p.record("leaving_finished"); return nil }

var _ plugin.Plugin = (*fakePlugin)(nil)

func testPeriodic() cmn.PeriodConf {
	return cmn.PeriodConf{PauseOnException: 10 * time.Millisecond, PauseOnMissingKey: 5 * time.Millisecond}
}

func waitForState(t *testing.T, backend *kvstoretest.Fake, key, self string, want cluster.LocalState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		rec, err := backend.Read(context.Background(), key)
		if err == nil {
			info, derr := cluster.Decode(rec.Value)
			require.NoError(t, derr)
			if info.LocalState(self) == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", self, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSingleNodeJoinEndToEnd(t *testing.T) {
	backend := kvstoretest.New()
	p := newFakePlugin("memcached", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	waitForState(t, backend, "memcached", "A", cluster.Normal)
	sy.Terminate()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"joining", "config_ready", "stable"}, p.snapshot())
}

func TestTerminateStopsLoopPromptly(t *testing.T) {
	backend := kvstoretest.New()
	p := newFakePlugin("cassandra", false) // never wants to join, loop just watches
	sy := coordinator.New(p, "A", backend, 100*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	time.Sleep(20 * time.Millisecond)
	sy.Terminate()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Terminate")
	}
}

func TestMarkNodeFailedSetsError(t *testing.T) {
	backend := kvstoretest.New()
	p := newFakePlugin("chronos", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()
	waitForState(t, backend, "chronos", "A", cluster.Normal)

	require.NoError(t, sy.MarkNodeFailed(context.Background()))
	waitForState(t, backend, "chronos", "A", cluster.Error)

	sy.Terminate()
	require.NoError(t, <-done)
}

func TestLeaveClusterDrivesToDeleteMe(t *testing.T) {
	backend := kvstoretest.New()
	p := newFakePlugin("memcached", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()
	waitForState(t, backend, "memcached", "A", cluster.Normal)

	require.NoError(t, sy.LeaveCluster(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		_, err := backend.Read(context.Background(), "memcached")
		if err != nil {
			break // key deleted: node fully left
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for node to leave")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after leaving alone in the cluster")
	}

	hooks := p.snapshot()
	assert.Contains(t, hooks, "leaving")
	assert.Contains(t, hooks, "leaving_finished")
}

func TestMonitorOnlyPluginTerminatesOnLeaveCluster(t *testing.T) {
	backend := kvstoretest.New()
	p := newFakePlugin("readonly-monitor", false)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sy.LeaveCluster(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit for a monitor-only plugin's leave request")
	}
}

// TestTwoNodeSimultaneousJoin is seed scenario S2: two brand-new nodes
// start against an empty key at the same time and must both converge to
// NORMAL, regardless of which one wins each compare-and-swap race along
// the way.
func TestTwoNodeSimultaneousJoin(t *testing.T) {
	backend := kvstoretest.New()
	pa := newFakePlugin("twonode", true)
	pb := newFakePlugin("twonode", true)
	syA := coordinator.New(pa, "A", backend, 200*time.Millisecond, testPeriodic(), false)
	syB := coordinator.New(pb, "B", backend, 200*time.Millisecond, testPeriodic(), false)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- syA.Run() }()
	go func() { doneB <- syB.Run() }()

	waitForState(t, backend, "twonode", "A", cluster.Normal)
	waitForState(t, backend, "twonode", "B", cluster.Normal)

	rec, err := backend.Read(context.Background(), "twonode")
	require.NoError(t, err)
	info, err := cluster.Decode(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, cluster.View{"A": cluster.Normal, "B": cluster.Normal}, info.View)

	syA.Terminate()
	syB.Terminate()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
}

// TestLeaveBlockedByOngoingJoin is seed scenario S4: a leave request made
// while a peer is still joining must wait for the cluster to stabilize
// before taking effect.
func TestLeaveBlockedByOngoingJoin(t *testing.T) {
	backend := kvstoretest.New()
	seed, err := cluster.Encode(cluster.View{"A": cluster.Normal, "B": cluster.JoiningConfigChanged})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s4", seed, 0))

	p := newFakePlugin("s4", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	require.NoError(t, sy.LeaveCluster(context.Background()))

	// The cluster is still JOINING (B hasn't reached NORMAL yet), so A
	// must not progress to WAITING_TO_LEAVE in the meantime.
	time.Sleep(30 * time.Millisecond)
	rec, err := backend.Read(context.Background(), "s4")
	require.NoError(t, err)
	info, err := cluster.Decode(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, cluster.Normal, info.LocalState("A"), "must not leave while B is still joining")

	// B finishes joining; only now should A's pending leave take effect.
	advanced, err := cluster.Encode(cluster.View{"A": cluster.Normal, "B": cluster.Normal})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s4", advanced, rec.Version))

	waitForState(t, backend, "s4", "A", cluster.WaitingToLeave)

	sy.Terminate()
	require.NoError(t, <-done)
}

// TestLeaveProceedsImmediatelyWithForce is S4's force=true variant: a
// forced leave must not wait for the cluster to settle.
func TestLeaveProceedsImmediatelyWithForce(t *testing.T) {
	backend := kvstoretest.New()
	seed, err := cluster.Encode(cluster.View{"A": cluster.Normal, "B": cluster.JoiningConfigChanged})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s4force", seed, 0))

	p := newFakePlugin("s4force", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), true)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	require.NoError(t, sy.LeaveCluster(context.Background()))
	waitForState(t, backend, "s4force", "A", cluster.WaitingToLeave)

	sy.Terminate()
	require.NoError(t, <-done)
}

// TestCASContentionRetrySucceeds is seed scenario S5: a write loses a
// compare-and-swap race exactly once; retryContended must re-validate
// against the fresh view and retry the same decision rather than giving
// up or corrupting state.
func TestCASContentionRetrySucceeds(t *testing.T) {
	backend := kvstoretest.New()
	seed, err := cluster.Encode(cluster.View{"B": cluster.Normal})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s5", seed, 0))

	// The first write this Synchronizer attempts (WAITING_TO_JOIN, cas=1)
	// loses a simulated race against a peer, forcing exactly one trip
	// through retryContended before it can proceed.
	backend.FailNextCAS(1)

	p := newFakePlugin("s5", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	waitForState(t, backend, "s5", "A", cluster.Normal)

	sy.Terminate()
	require.NoError(t, <-done)
}

// TestCASContentionExhaustsToFatal drives retryContended all the way to
// giving up: every write is contended, so the retry budget is exhausted
// and Run must return a *coordinator.FatalError rather than loop forever.
func TestCASContentionExhaustsToFatal(t *testing.T) {
	backend := kvstoretest.New()
	seed, err := cluster.Encode(cluster.View{"B": cluster.Normal})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s5fatal", seed, 0))

	backend.FailNextCAS(1000) // far more than maxContentionRetries

	p := newFakePlugin("s5fatal", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	select {
	case err := <-done:
		var fe *coordinator.FatalError
		require.ErrorAs(t, err, &fe)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up after exhausting the contention retry budget")
	}
}

// TestBackendOutageRecovers is seed scenario S6: the backend goes away
// entirely (every blocked Watch observes ErrClosed) and later recovers;
// the loop must resume from the correct (view, version) with no state
// regression, picking up changes that happened while it was down.
func TestBackendOutageRecovers(t *testing.T) {
	backend := kvstoretest.New()
	seed, err := cluster.Encode(cluster.View{"A": cluster.Normal})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s6", seed, 0))

	p := newFakePlugin("s6", true)
	sy := coordinator.New(p, "A", backend, 200*time.Millisecond, testPeriodic(), false)

	done := make(chan error, 1)
	go func() { done <- sy.Run() }()

	waitForState(t, backend, "s6", "A", cluster.Normal)

	// Simulate the backend going away while the loop is blocked in Watch.
	backend.Close()
	time.Sleep(30 * time.Millisecond)

	// While it's down, a peer "joins" (this write happens directly
	// against the backend, standing in for a live peer's own
	// synchronizer - the point under test is A's recovery, not B's).
	rec, err := backend.Read(context.Background(), "s6")
	require.NoError(t, err)
	advanced, err := cluster.Encode(cluster.View{"A": cluster.Normal, "B": cluster.WaitingToJoin})
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "s6", advanced, rec.Version))

	backend.Reopen()

	waitForState(t, backend, "s6", "A", cluster.NormalAcknowledgedChange)

	sy.Terminate()
	require.NoError(t, <-done)
}
