package cluster

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/InfiCell/clearwater-etcd/cmn"
)

// ProtocolError wraps a malformed-document condition: an undecodable byte
// slice, or a state label outside the §4.3 alphabet. Callers should log it
// and treat the view as empty for decision purposes, per §7 - letting the
// next write heal the document.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("cluster: protocol error: %v", e.Cause) }
func (e *ProtocolError) Unwrap() error { return e.Cause }

var knownStates = map[LocalState]bool{
	WaitingToJoin:             true,
	JoiningAcknowledgedChange: true,
	JoiningConfigChanged:      true,
	NormalAcknowledgedChange:  true,
	NormalConfigChanged:       true,
	Normal:                    true,
	WaitingToLeave:            true,
	LeavingAcknowledgedChange: true,
	LeavingConfigChanged:      true,
	Finished:                  true,
	Error:                     true,
}

// Info wraps a decoded cluster view and memoizes its derived ClusterState.
type Info struct {
	View  View
	state State
}

// Decode parses the raw document bytes into an Info. An empty or nil
// document decodes to an empty view, per §4.2. A malformed document or an
// out-of-alphabet state label returns a *ProtocolError alongside an Info
// that holds the empty view, so callers can fall back to it directly.
func Decode(doc []byte) (Info, error) {
	empty := Info{View: View{}}
	empty.state = deriveState(empty.View)

	if len(doc) == 0 {
		return empty, nil
	}

	raw := map[string]string{}
	if err := jsoniter.Unmarshal(doc, &raw); err != nil {
		return empty, &ProtocolError{Cause: err}
	}

	view := make(View, len(raw))
	for id, label := range raw {
		state := LocalState(label)
		if !knownStates[state] {
			return empty, &ProtocolError{Cause: fmt.Errorf("unknown state label %q for peer %q", label, id)}
		}
		view[id] = state
	}

	info := Info{View: view}
	info.state = deriveState(view)
	return info, nil
}

// Encode serializes the view back to the stable JSON object form. DeleteMe
// must never reach here - the synchronizer resolves it into a peer removal
// before encoding.
func Encode(view View) ([]byte, error) {
	raw := make(map[string]string, len(view))
	for id, state := range view {
		if state == DeleteMe {
			return nil, fmt.Errorf("cluster: refusing to encode DELETE_ME for peer %q", id)
		}
		raw[id] = string(state)
	}
	return jsoniter.Marshal(raw)
}

// LocalState returns self's state in the view, or Absent if self is not
// present.
func (i Info) LocalState(self string) LocalState {
	if s, ok := i.View[self]; ok {
		return s
	}
	return Absent
}

// ClusterState returns the derived whole-view summary (§4.2), computed
// once at Decode time since View is treated as immutable thereafter.
func (i Info) ClusterState() State { return i.state }

// CanLeave reports whether a user-initiated departure may proceed right
// now: the cluster must be Stable or UnstableError, unless force is set.
func (i Info) CanLeave(force bool) bool {
	if force {
		return true
	}
	switch i.state {
	case Stable, UnstableError:
		return true
	default:
		return false
	}
}

// deriveState applies the §4.2 predicate table, top to bottom, first
// match wins. cluster_state is a pure function of the view alone.
func deriveState(view View) State {
	if len(view) == 0 {
		return Stable
	}

	allNormal := true
	anyError := false
	anyJoining := false
	anyLeaving := false
	anyReconfiguring := false

	for _, s := range view {
		if s != Normal {
			allNormal = false
		}
		switch s {
		case Error:
			anyError = true
		case JoiningAcknowledgedChange, JoiningConfigChanged, WaitingToJoin:
			anyJoining = true
		case LeavingAcknowledgedChange, LeavingConfigChanged, WaitingToLeave, Finished:
			anyLeaving = true
		case NormalAcknowledgedChange, NormalConfigChanged:
			anyReconfiguring = true
		}
	}

	switch {
	case allNormal:
		return Stable
	case anyError:
		return UnstableError
	case anyJoining:
		return Joining
	case anyLeaving:
		return Leaving
	case anyReconfiguring:
		return Reconfiguring
	default:
		// Decode rejects any label outside knownStates before it ever
		// reaches here, so every entry matches one of the branches above.
		cmn.AssertMsg(false, "cluster: deriveState saw a view with no recognized state")
		return Stable
	}
}
