// Package fsm implements the Synchronization Finite State Machine: a pure
// function from (local_state, view) to the next local state, plus which
// plugin hook - if any - accompanies that transition. It holds no state of
// its own; the caller (coordinator.Synchronizer) owns the cancellation and
// plugin-hook dispatch Design Notes describe as the alternative to a
// cyclic FSM-to-plugin back-reference.
package fsm

import "github.com/InfiCell/clearwater-etcd/cluster"

// Hook names a plugin callback the dispatcher should invoke alongside a
// transition, synchronously and best-effort (§4.5 - failures are logged,
// the FSM continues).
type Hook int

const (
	NoHook Hook = iota
	HookOnJoiningCluster
	HookOnNewClusterConfigReady
	HookOnStableCluster
	HookOnLeavingCluster
	HookOnLeavingClusterFinished
)

func (h Hook) String() string {
	switch h {
	case HookOnJoiningCluster:
		return "on_joining_cluster"
	case HookOnNewClusterConfigReady:
		return "on_new_cluster_config_ready"
	case HookOnStableCluster:
		return "on_stable_cluster"
	case HookOnLeavingCluster:
		return "on_leaving_cluster"
	case HookOnLeavingClusterFinished:
		return "on_leaving_cluster_finished"
	default:
		return "no_hook"
	}
}

// Decision is the result of a single FSM step.
type Decision struct {
	// NewState is the local state self should move to. Equal to the
	// input local state when Changed is false.
	NewState cluster.LocalState
	// Hook is the plugin callback the dispatcher must invoke before
	// writing NewState, or NoHook.
	Hook Hook
	// Changed reports whether a transition was decided at all ("no
	// change" in the original protocol is distinct from "re-assert the
	// same state").
	Changed bool
}

// joiningAckPeers is the set a peer may be in once this node's join has
// been fully acknowledged (JOINING_ACKNOWLEDGED_CHANGE -> JOINING_CONFIG_CHANGED).
// Includes WaitingToJoin: a second node that has only just queued its own
// join must never block the first node's progress through this barrier,
// or two simultaneous joiners deadlock each other (each waits on the
// other to leave WAITING_TO_JOIN, which neither will do first).
var joiningAckPeers = set(
	cluster.WaitingToJoin,
	cluster.JoiningAcknowledgedChange,
	cluster.JoiningConfigChanged,
	cluster.NormalAcknowledgedChange,
	cluster.NormalConfigChanged,
	cluster.Normal,
)

// joiningConfigPeers: JOINING_CONFIG_CHANGED -> NORMAL_CONFIG_CHANGED.
var joiningConfigPeers = set(
	cluster.JoiningConfigChanged,
	cluster.NormalAcknowledgedChange,
	cluster.NormalConfigChanged,
	cluster.Normal,
)

// normalConfigPeers: NORMAL_CONFIG_CHANGED -> NORMAL.
var normalConfigPeers = set(
	cluster.NormalConfigChanged,
	cluster.Normal,
)

// leavingAckPeers: LEAVING_ACKNOWLEDGED_CHANGE -> LEAVING_CONFIG_CHANGED.
// Includes WaitingToLeave for the same reason joiningAckPeers includes
// WaitingToJoin: a second node only just queued to leave must not block
// the first node's progress through this barrier.
var leavingAckPeers = set(
	cluster.WaitingToLeave,
	cluster.LeavingAcknowledgedChange,
	cluster.LeavingConfigChanged,
	cluster.Finished,
	cluster.NormalAcknowledgedChange,
	cluster.NormalConfigChanged,
	cluster.Normal,
)

// leavingConfigPeers: LEAVING_CONFIG_CHANGED -> FINISHED.
var leavingConfigPeers = set(
	cluster.LeavingConfigChanged,
	cluster.Finished,
	cluster.NormalAcknowledgedChange,
	cluster.NormalConfigChanged,
	cluster.Normal,
)

func set(states ...cluster.LocalState) map[cluster.LocalState]bool {
	m := make(map[cluster.LocalState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

func allIn(view cluster.View, allowed map[cluster.LocalState]bool) bool {
	for _, s := range view {
		if !allowed[s] {
			return false
		}
	}
	return true
}

func anyIs(view cluster.View, targets ...cluster.LocalState) bool {
	want := set(targets...)
	for _, s := range view {
		if want[s] {
			return true
		}
	}
	return false
}

// Decide runs one step of the Sync-FSM. local is self's current state in
// view (cluster.Absent if self is not present). wantsToJoin is the
// plugin's should_be_in_cluster() query result, consulted only from
// Absent. The view passed in must include self's own current entry (or
// omit it, for Absent).
func Decide(local cluster.LocalState, view cluster.View, wantsToJoin bool) Decision {
	switch local {
	case cluster.Absent:
		if wantsToJoin {
			return Decision{NewState: cluster.WaitingToJoin, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.WaitingToJoin:
		// Serializes joins: only one node may be actively
		// JOINING_ACKNOWLEDGED_CHANGE at a time.
		if !anyIs(view, cluster.JoiningAcknowledgedChange) {
			return Decision{NewState: cluster.JoiningAcknowledgedChange, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.JoiningAcknowledgedChange:
		if allIn(view, joiningAckPeers) {
			return Decision{NewState: cluster.JoiningConfigChanged, Hook: HookOnJoiningCluster, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.JoiningConfigChanged:
		if allIn(view, joiningConfigPeers) {
			return Decision{NewState: cluster.NormalConfigChanged, Hook: HookOnNewClusterConfigReady, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.NormalConfigChanged:
		if allIn(view, normalConfigPeers) {
			return Decision{NewState: cluster.Normal, Hook: HookOnStableCluster, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.Normal:
		if anyIs(view, cluster.WaitingToJoin, cluster.WaitingToLeave) {
			return Decision{NewState: cluster.NormalAcknowledgedChange, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.NormalAcknowledgedChange:
		if !anyIs(view, cluster.WaitingToJoin, cluster.WaitingToLeave) {
			return Decision{NewState: cluster.NormalConfigChanged, Hook: HookOnNewClusterConfigReady, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.WaitingToLeave:
		if !anyIs(view, cluster.LeavingAcknowledgedChange) {
			return Decision{NewState: cluster.LeavingAcknowledgedChange, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.LeavingAcknowledgedChange:
		if allIn(view, leavingAckPeers) {
			return Decision{NewState: cluster.LeavingConfigChanged, Hook: HookOnLeavingCluster, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.LeavingConfigChanged:
		if allIn(view, leavingConfigPeers) {
			return Decision{NewState: cluster.Finished, Hook: HookOnLeavingClusterFinished, Changed: true}
		}
		return Decision{NewState: local}

	case cluster.Finished:
		return Decision{NewState: cluster.DeleteMe, Changed: true}

	case cluster.Error:
		// Terminal within the FSM; the synchronizer already CAS'd
		// self to ERROR and stops advancing it.
		return Decision{NewState: local}

	default:
		// Unknown label: treat like ClusterInfo does for a malformed
		// document - no movement, let the caller's ProtocolError path
		// handle reporting.
		return Decision{NewState: local}
	}
}

// IsRunning reports whether the FSM would still make progress from local.
// It is false only for DeleteMe (already signaled for removal) - the
// Synchronizer is responsible for tracking "quit requested" on top of
// this, since that is process lifecycle, not cluster protocol state.
func IsRunning(local cluster.LocalState) bool {
	return local != cluster.DeleteMe
}
