// Package cmn provides common low-level types and utilities shared by the
// cluster coordinator packages.
package cmn

import "github.com/golang/glog"

// Runner is the contract every long-running component in this module
// implements: the per-plugin coordinator.Synchronizer, csyncd's control
// socket server, and any other daemon-side component supervised by a
// rungroup.
type Runner interface {
	Run() error
	Stop(err error)
	Setname(n string)
	Getname() string
}

// Named gives a Runner a name without requiring every implementation to
// hand-roll the getter/setter pair.
type Named struct {
	name string
}

func (m *Named) Setname(n string) { m.name = n }
func (m *Named) Getname() string  { return m.name }

// Rungroup runs a fixed set of named Runners concurrently and waits for the
// first one to exit, then stops the rest. Mirrors the supervision style of
// a small daemon launcher without pulling in signal/PID-file concerns,
// which are out of this module's scope.
type Rungroup struct {
	runarr []Runner
	runmap map[string]Runner
	errCh  chan error
}

func NewRungroup() *Rungroup {
	return &Rungroup{
		runmap: make(map[string]Runner, 4),
	}
}

func (g *Rungroup) Add(r Runner, name string) {
	r.Setname(name)
	g.runarr = append(g.runarr, r)
	g.runmap[name] = r
}

func (g *Rungroup) Get(name string) Runner { return g.runmap[name] }

// Run starts every registered Runner in its own goroutine and blocks until
// the first one returns, then stops the remaining ones and waits for them
// to finish before returning the first error observed.
func (g *Rungroup) Run() error {
	if len(g.runarr) == 0 {
		return nil
	}
	g.errCh = make(chan error, len(g.runarr))
	for _, r := range g.runarr {
		go func(r Runner) {
			err := r.Run()
			glog.Warningf("runner [%s] exited, err: %v", r.Getname(), err)
			g.errCh <- err
		}(r)
	}

	err := <-g.errCh
	for _, r := range g.runarr {
		r.Stop(err)
	}
	for i := 0; i < cap(g.errCh)-1; i++ {
		<-g.errCh
	}
	return err
}
