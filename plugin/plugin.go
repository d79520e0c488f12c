// Package plugin defines the data-plane plugin contract the Synchronizer
// invokes at FSM edges (§4.5). Concrete plugins (memcached, Cassandra,
// Chronos, ...) are external to this module; only the interface and the
// discovery/registration mechanism live here.
package plugin

import (
	"fmt"

	"github.com/InfiCell/clearwater-etcd/cluster"
)

// FatalHookError is the signal a hook implementation returns when it hit
// a condition the Synchronizer cannot recover from by simply retrying -
// equivalent to the original's plugin-reported fatal (§7's Fatal
// category). Anything else returned from a hook is logged and the FSM
// keeps running.
type FatalHookError struct {
	Cause error
}

func (e *FatalHookError) Error() string { return fmt.Sprintf("plugin: fatal: %v", e.Cause) }
func (e *FatalHookError) Unwrap() error { return e.Cause }

// Plugin is the capability set a data-plane integration exposes to a
// Synchronizer. Hooks are invoked synchronously and must be idempotent -
// a contended CAS retry can re-enter the same edge.
type Plugin interface {
	// Key is the backend key this plugin coordinates on.
	Key() string
	// ShouldBeInCluster reports whether this node belongs in the
	// cluster view at all; false means "monitor only."
	ShouldBeInCluster() bool
	// Files returns the set of paths this plugin writes, used to
	// deduplicate overlapping plugins at discovery time.
	Files() map[string]struct{}

	OnJoiningCluster(view cluster.View) error
	OnNewClusterConfigReady(view cluster.View) error
	OnStableCluster(view cluster.View) error
	OnLeavingCluster(view cluster.View) error
	OnLeavingClusterFinished(view cluster.View) error
}
