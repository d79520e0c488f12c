package main

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/InfiCell/clearwater-etcd/cmn"
	"github.com/InfiCell/clearwater-etcd/coordinator"
	"github.com/InfiCell/clearwater-etcd/kvstore"
	"github.com/InfiCell/clearwater-etcd/kvstore/consulkv"
	"github.com/InfiCell/clearwater-etcd/kvstore/etcdkv"
	"github.com/InfiCell/clearwater-etcd/plugin"
)

func newRunCmd(clivars *cmn.ConfigCLI, socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the coordinator daemon",
		RunE: func(*cobra.Command, []string) error {
			return runDaemon(clivars, *socketPath)
		},
	}
}

func runDaemon(clivars *cmn.ConfigCLI, socketPath string) error {
	cmn.LoadConfig(clivars)
	if socketPath != "" {
		update := cmn.GCO.BeginUpdate()
		update.Control.SocketPath = socketPath
		cmn.GCO.CommitUpdate(update)
	}
	config := cmn.GCO.Get()

	backend, err := dialBackend(config.Backend)
	if err != nil {
		return err
	}

	plugins, err := plugin.Discover(config.Plugin.Dir)
	if err != nil {
		return fmt.Errorf("discovering plugins in %s: %w", config.Plugin.Dir, err)
	}
	if len(plugins) == 0 {
		glog.Warningf("no plugins enabled in %s, nothing to coordinate", config.Plugin.Dir)
	}

	ctrl := newControlServer(config.Control.SocketPath)
	rg := cmn.NewRungroup()
	rg.Add(ctrl, "control")

	for _, p := range plugins {
		sy := coordinator.New(p, config.Self.Identity, backend, config.Backend.WatchTimeout, config.Periodic, config.Plugin.ForceLeave)
		ctrl.register(p.Key(), sy)
		rg.Add(sy, p.Key())
	}

	return rg.Run()
}

func dialBackend(conf cmn.BackendConf) (kvstore.Backend, error) {
	switch conf.Choice {
	case cmn.BackendNativeCAS:
		endpoints := strings.Split(conf.Endpoint, ",")
		return etcdkv.Dial(endpoints, conf.DialTimeout)
	case cmn.BackendHTTPCAS:
		return consulkv.Dial(conf.Endpoint)
	default:
		return nil, fmt.Errorf("unknown backend choice %q", conf.Choice)
	}
}
