// Package cluster decodes the shared cluster view document and derives the
// summary cluster_state used by the Sync-FSM.
package cluster

// LocalState is one label in the per-peer lifecycle alphabet. The zero
// value, Absent, is the sentinel for "peer not present in the view" - it
// never appears on the wire.
type LocalState string

const (
	Absent                     LocalState = ""
	WaitingToJoin              LocalState = "WAITING_TO_JOIN"
	JoiningAcknowledgedChange  LocalState = "JOINING_ACKNOWLEDGED_CHANGE"
	JoiningConfigChanged       LocalState = "JOINING_CONFIG_CHANGED"
	NormalAcknowledgedChange   LocalState = "NORMAL_ACKNOWLEDGED_CHANGE"
	NormalConfigChanged        LocalState = "NORMAL_CONFIG_CHANGED"
	Normal                     LocalState = "NORMAL"
	WaitingToLeave             LocalState = "WAITING_TO_LEAVE"
	LeavingAcknowledgedChange  LocalState = "LEAVING_ACKNOWLEDGED_CHANGE"
	LeavingConfigChanged       LocalState = "LEAVING_CONFIG_CHANGED"
	Finished                   LocalState = "FINISHED"
	Error                      LocalState = "ERROR"
	// DeleteMe is a transient sentinel issued by the FSM; it must never
	// be written to the view.
	DeleteMe LocalState = "DELETE_ME"
)

// State is the derived, whole-view summary label (§4.2).
type State string

const (
	Stable        State = "STABLE"
	UnstableError State = "UNSTABLE_ERROR"
	Joining       State = "JOINING"
	Leaving       State = "LEAVING"
	Reconfiguring State = "RECONFIGURING"
)

// View maps peer identity to local state. It is what gets serialized at
// the plugin's backend key.
type View map[string]LocalState

// Clone returns a shallow copy of the view, safe to mutate without
// aliasing the original map.
func (v View) Clone() View {
	c := make(View, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}
