// Package coordinator implements the Synchronizer control loop: it
// couples the pure fsm package to a kvstore.Backend via watch /
// read-modify-write / compare-and-swap, with leader-free coordination
// between peers and graceful cluster-leave.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/InfiCell/clearwater-etcd/cluster"
	"github.com/InfiCell/clearwater-etcd/cmn"
	"github.com/InfiCell/clearwater-etcd/fsm"
	"github.com/InfiCell/clearwater-etcd/kvstore"
	"github.com/InfiCell/clearwater-etcd/plugin"
)

var errTerminate = errors.New("coordinator: terminate requested")

// maxContentionRetries bounds the CAS-contention retry loop (§7's "Fatal
// ... unrecoverable CAS conflicts after bounded retry"). A write that is
// still contended after this many re-validated attempts gives up rather
// than livelocking against a peer that is also retrying every round.
const maxContentionRetries = 8

// Synchronizer is the per-plugin loop described in §4.4. One goroutine
// owns it end to end; external commands (LeaveCluster, MarkNodeFailed,
// Terminate) are safe to call from any other goroutine.
type Synchronizer struct {
	cmn.Named

	plugin     plugin.Plugin
	self       string
	backend    kvstore.Backend
	forceLeave bool

	watchTimeout   time.Duration
	requestTimeout time.Duration
	pauseOnExc     time.Duration
	pauseOnMissing time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	lastVersion kvstore.Version // owned by the loop goroutine only
	leftCluster bool            // owned by the loop goroutine only: DELETE_ME was written

	leavingRequested int32 // atomic bool
	terminateFlag    int32 // atomic bool

	doneCh chan struct{}
}

// New constructs a Synchronizer for p. watchTimeout bounds each Watch
// call; periodic supplies the two §7 backoff durations; forceLeave is wired
// through from the launcher's per-plugin configuration (§9 supplemented
// feature: force_leave as a constructor argument, not only a config
// knob).
func New(p plugin.Plugin, self string, backend kvstore.Backend, watchTimeout time.Duration, periodic cmn.PeriodConf, forceLeave bool) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		plugin:         p,
		self:           self,
		backend:        backend,
		forceLeave:     forceLeave,
		watchTimeout:   watchTimeout,
		requestTimeout: 10 * time.Second,
		pauseOnExc:     periodic.PauseOnException,
		pauseOnMissing: periodic.PauseOnMissingKey,
		ctx:            ctx,
		cancel:         cancel,
		doneCh:         make(chan struct{}),
	}
	s.Setname(p.Key())
	return s
}

// Run is the main cycle (§4.4). It returns nil on graceful termination
// (Terminate called, a monitor-only plugin told to leave, or self's entry
// removed after leaving) and a *FatalError when a plugin hook returns a
// *plugin.FatalHookError or a write is still contended after
// maxContentionRetries retries.
func (s *Synchronizer) Run() (err error) {
	defer close(s.doneCh)

	for {
		if atomic.LoadInt32(&s.terminateFlag) == 1 || s.leftCluster {
			return nil
		}

		info, uerr := s.update()
		if uerr != nil {
			switch {
			case errors.Is(uerr, errTerminate):
				return nil
			case errors.Is(uerr, kvstore.ErrKeyMissing):
				// §7: benign - proceed with the default (empty) view so
				// the first node can create the key, after a brief pause
				// to avoid hammering a key that may simply not exist yet.
				s.sleep(s.pauseOnMissing)
				info, _ = cluster.Decode(nil)
			default:
				var te *kvstore.TransientError
				if errors.As(uerr, &te) {
					glog.Errorf("%s: transient error reading cluster view, err: %v", s.Getname(), uerr)
					s.sleep(s.pauseOnExc)
					continue
				}
				return uerr
			}
		}

		if atomic.LoadInt32(&s.terminateFlag) == 1 {
			return nil
		}

		decision := s.decide(info)
		if !decision.Changed {
			continue
		}

		if werr := s.applyDecision(info, decision); werr != nil {
			var fe *FatalError
			if errors.As(werr, &fe) {
				return werr
			}
			glog.Errorf("%s: failed to apply decision, err: %v", s.Getname(), werr)
			s.sleep(s.pauseOnExc)
		}
	}
}

func (s *Synchronizer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

// update blocks on a change to the cluster view, following §4.4 step 1:
// Watch(since=last) if a version is known, Read otherwise. A watch
// timeout is re-issued silently (not an error, §5).
func (s *Synchronizer) update() (cluster.Info, error) {
	for {
		callCtx, cancel := context.WithTimeout(s.ctx, s.watchTimeout)
		rec, err := s.backend.Watch(callCtx, s.plugin.Key(), s.lastVersion)
		cancel()

		switch {
		case err == nil:
			s.lastVersion = rec.Version
			info, decErr := cluster.Decode(rec.Value)
			if decErr != nil {
				glog.Errorf("%s: protocol error decoding cluster view, treating as empty: %v", s.Getname(), decErr)
			}
			return info, nil

		case errors.Is(err, kvstore.ErrKeyMissing):
			s.lastVersion = 0
			return cluster.Info{}, err

		case errors.Is(err, context.DeadlineExceeded):
			if atomic.LoadInt32(&s.terminateFlag) == 1 {
				return cluster.Info{}, errTerminate
			}
			continue // watch timeout: not an error, re-issue

		case s.ctx.Err() != nil:
			return cluster.Info{}, errTerminate

		default:
			s.lastVersion = 0
			var te *kvstore.TransientError
			if errors.As(err, &te) {
				return cluster.Info{}, err
			}
			return cluster.Info{}, &kvstore.TransientError{Cause: err}
		}
	}
}

// decide applies §4.4 step 3: a pending leave request takes priority over
// the FSM's own opinion, but only once the cluster is actually in a state
// that permits leaving.
func (s *Synchronizer) decide(info cluster.Info) fsm.Decision {
	local := info.LocalState(s.self)
	if atomic.LoadInt32(&s.leavingRequested) == 1 && local != cluster.WaitingToLeave && info.CanLeave(s.forceLeave) {
		glog.Infof("%s: cluster stable, leaving now", s.Getname())
		return fsm.Decision{NewState: cluster.WaitingToLeave, Changed: true}
	}
	return fsm.Decide(local, info.View, s.plugin.ShouldBeInCluster())
}

// applyDecision dispatches the decision's plugin hook (if any), then
// writes the resulting state, handling CAS contention per §4.4 step 7. A
// *FatalError from a plugin hook or from exhausting the contention retry
// budget CASes self to ERROR (best-effort) before propagating.
func (s *Synchronizer) applyDecision(info cluster.Info, d fsm.Decision) error {
	if d.Hook != fsm.NoHook {
		if herr := s.invokeHook(d.Hook, info.View); herr != nil {
			var fhe *plugin.FatalHookError
			if errors.As(herr, &fhe) {
				return s.escalateFatal(info, herr)
			}
		}
	}

	err := s.writeDecided(info, d.NewState, 0)
	var fe *FatalError
	if errors.As(err, &fe) {
		return s.escalateFatal(info, err)
	}
	return err
}

// escalateFatal implements §7's Fatal category: CAS self to ERROR, log
// either way, and return the original cause wrapped for Run to surface.
func (s *Synchronizer) escalateFatal(info cluster.Info, cause error) error {
	glog.Errorf("%s: fatal condition, marking self ERROR: %v", s.Getname(), cause)
	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()
	if werr := s.writeState(ctx, info.View, s.lastVersion, cluster.Error); werr != nil {
		glog.Errorf("%s: failed to CAS self to ERROR after fatal condition: %v", s.Getname(), werr)
	}
	var fe *FatalError
	if errors.As(cause, &fe) {
		return cause
	}
	return &FatalError{Cause: cause}
}

// writeDecided performs the CAS write for a decision reached by the main
// loop, re-validating against the FSM on contention (§4.4 step 7 and the
// Design Notes' open question about it - see DESIGN.md) up to
// maxContentionRetries times before giving up as Fatal. ERROR and
// DELETE_ME targets are forceful, unconditional operations and are always
// retried without FSM re-validation, mirroring the original's unconditional
// retry for those two cases.
func (s *Synchronizer) writeDecided(info cluster.Info, newState cluster.LocalState, attempt int) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	err := s.writeState(ctx, info.View, s.lastVersion, newState)
	cancel()

	switch {
	case err == nil:
		switch newState {
		case cluster.WaitingToLeave:
			atomic.StoreInt32(&s.leavingRequested, 0)
		case cluster.DeleteMe:
			s.leftCluster = true
		}
		return nil

	case errors.Is(err, kvstore.ErrContended):
		if attempt >= maxContentionRetries {
			return &FatalError{Cause: fmt.Errorf("write of %s still contended after %d retries", newState, attempt)}
		}
		return s.retryContended(info, newState, attempt+1)

	default:
		var te *kvstore.TransientError
		if errors.As(err, &te) {
			glog.Errorf("%s: transient error writing %s, err: %v", s.Getname(), newState, err)
			s.lastVersion = 0
			s.sleep(s.pauseOnExc)
			return nil
		}
		return err
	}
}

// retryContended re-reads the current view and, for a regular state
// label, retries the write only if the FSM re-run against the fresh view
// would make the exact same decision - a stricter, safer version of the
// original's "only peers other than self changed" check, which can be
// fooled by an identity swap that leaves cluster_state unchanged.
func (s *Synchronizer) retryContended(info cluster.Info, intendedState cluster.LocalState, attempt int) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	rec, err := s.backend.Read(ctx, s.plugin.Key())
	cancel()
	if err != nil {
		glog.Warningf("%s: contention re-read failed, abandoning iteration: %v", s.Getname(), err)
		return nil
	}
	s.lastVersion = rec.Version
	newInfo, decErr := cluster.Decode(rec.Value)
	if decErr != nil {
		glog.Errorf("%s: protocol error re-reading after contention, abandoning iteration: %v", s.Getname(), decErr)
		return nil
	}

	if intendedState == cluster.DeleteMe || intendedState == cluster.Error {
		return s.writeDecided(newInfo, intendedState, attempt)
	}

	redecision := fsm.Decide(newInfo.LocalState(s.self), newInfo.View, s.plugin.ShouldBeInCluster())
	if redecision.Changed && redecision.NewState == intendedState {
		glog.Infof("%s: retrying contended write of %s against new version (attempt %d)", s.Getname(), intendedState, attempt)
		return s.writeDecided(newInfo, intendedState, attempt)
	}
	glog.Infof("%s: contended write of %s no longer valid against new view, re-deciding", s.Getname(), intendedState)
	return nil
}

// writeState computes the target document for newState (§4.4 step 5) and
// issues the CAS write/delete.
func (s *Synchronizer) writeState(ctx context.Context, view cluster.View, cas kvstore.Version, newState cluster.LocalState) error {
	if newState == cluster.DeleteMe {
		return s.backend.Delete(ctx, s.plugin.Key(), cas)
	}
	v := view.Clone()
	v[s.self] = newState
	// Encode only fails on a DeleteMe entry, already handled above, so an
	// error here means this process built an invalid view itself.
	data, err := cluster.Encode(v)
	cmn.AssertNoErr(err)
	return s.backend.Write(ctx, s.plugin.Key(), data, cas)
}

func (s *Synchronizer) invokeHook(h fsm.Hook, view cluster.View) (err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: plugin hook %s panicked: %v", s.Getname(), h, r)
			err = nil // a panicking hook is a bug in the hook, not Fatal; §7 has no such category
		}
	}()

	switch h {
	case fsm.HookOnJoiningCluster:
		err = s.plugin.OnJoiningCluster(view)
	case fsm.HookOnNewClusterConfigReady:
		err = s.plugin.OnNewClusterConfigReady(view)
	case fsm.HookOnStableCluster:
		err = s.plugin.OnStableCluster(view)
	case fsm.HookOnLeavingCluster:
		err = s.plugin.OnLeavingCluster(view)
	case fsm.HookOnLeavingClusterFinished:
		err = s.plugin.OnLeavingClusterFinished(view)
	}

	var fhe *plugin.FatalHookError
	if err != nil && !errors.As(err, &fhe) {
		glog.Errorf("%s: plugin hook %s failed (continuing): %v", s.Getname(), h, err)
		err = nil
	}
	return err
}

// LeaveCluster is the "leave_cluster()" external command (§4.4). If the
// plugin is monitor-only, it just terminates the loop. Otherwise it sets
// leavingRequested and, if the cluster is already in a leavable state,
// writes WAITING_TO_LEAVE immediately.
func (s *Synchronizer) LeaveCluster(ctx context.Context) error {
	glog.Infof("%s: trying to leave the cluster", s.Getname())
	if !s.plugin.ShouldBeInCluster() {
		glog.Infof("%s: no need to leave a remote cluster - exiting", s.Getname())
		atomic.StoreInt32(&s.terminateFlag, 1)
		s.cancel()
		return nil
	}

	info, cas, err := s.readNonBlocking(ctx)
	if err != nil {
		return err
	}

	atomic.StoreInt32(&s.leavingRequested, 1)
	if !info.CanLeave(s.forceLeave) {
		glog.Infof("%s: cluster not stable, will leave once it settles", s.Getname())
		return nil
	}

	glog.Infof("%s: cluster is stable, leaving immediately", s.Getname())
	if err := s.writeState(ctx, info.View, cas, cluster.WaitingToLeave); err != nil {
		if errors.Is(err, kvstore.ErrContended) {
			// The main loop will still act on leavingRequested on its
			// next iteration; no need to retry here.
			return nil
		}
		return err
	}
	atomic.StoreInt32(&s.leavingRequested, 0)
	return nil
}

// MarkNodeFailed is the "mark_node_failed()" external command.
func (s *Synchronizer) MarkNodeFailed(ctx context.Context) error {
	if !s.plugin.ShouldBeInCluster() {
		return nil
	}
	info, cas, err := s.readNonBlocking(ctx)
	if err != nil {
		return err
	}
	return s.writeState(ctx, info.View, cas, cluster.Error)
}

func (s *Synchronizer) readNonBlocking(ctx context.Context) (cluster.Info, kvstore.Version, error) {
	rec, err := s.backend.Read(ctx, s.plugin.Key())
	switch {
	case err == nil:
		info, decErr := cluster.Decode(rec.Value)
		if decErr != nil {
			glog.Errorf("%s: protocol error, treating view as empty: %v", s.Getname(), decErr)
		}
		return info, rec.Version, nil
	case errors.Is(err, kvstore.ErrKeyMissing):
		empty, _ := cluster.Decode(nil)
		return empty, 0, nil
	default:
		return cluster.Info{}, 0, err
	}
}

// Terminate implements the "terminate()" external command: it sets the
// terminate flag, wakes any in-progress watch, and waits for Run to
// return - within one watch interval plus one FSM step, per §5.
func (s *Synchronizer) Terminate() {
	atomic.StoreInt32(&s.terminateFlag, 1)
	s.cancel()
	<-s.doneCh
}

// Stop implements cmn.Runner; it is equivalent to Terminate but does not
// wait for Run to return, matching the rungroup
// contract of "tell every other runner to stop" after one runner exits.
func (s *Synchronizer) Stop(err error) {
	if err != nil {
		glog.Infof("%s: stopping, cause: %v", s.Getname(), err)
	}
	atomic.StoreInt32(&s.terminateFlag, 1)
	s.cancel()
}
