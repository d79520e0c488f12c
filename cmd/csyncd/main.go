// Command csyncd runs one Synchronizer per enabled plugin against a
// distributed KV backend, and offers leave/mark-failed subcommands that
// reach a running daemon over its control socket.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/InfiCell/clearwater-etcd/cmn"
)

func newRequestID() string { return uuid.New().String() }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	clivars := &cmn.ConfigCLI{}

	root := &cobra.Command{
		Use:   "csyncd",
		Short: "per-node cluster membership coordinator",
	}
	pf := root.PersistentFlags()
	pf.StringVar(&clivars.ConfFile, "config", "", "JSON config file")
	pf.StringVar(&clivars.SelfID, "self", "", "this node's cluster identity")
	pf.StringVar(&clivars.Backend, "backend", "", "backend choice: native-cas | http-cas")
	pf.StringVar(&clivars.Endpoint, "endpoint", "", "backend endpoint(s), comma-separated")
	pf.StringVar(&clivars.PluginDir, "plugin-dir", "", "directory of plugin manifests")
	pf.BoolVar(&clivars.ForceLeave, "force-leave", false, "leave the cluster regardless of its stability")
	pf.StringVar(&clivars.LogLevel, "log-level", "", "log level stored as log.level in the effective config (not applied to glog)")

	var socketPath string
	pf.StringVar(&socketPath, "socket", "/var/run/csyncd/control.sock", "control socket path")

	root.AddCommand(newRunCmd(clivars, &socketPath))
	root.AddCommand(newLeaveCmd(&socketPath))
	root.AddCommand(newMarkFailedCmd(&socketPath))
	root.AddCommand(newDumpConfigCmd(clivars))
	return root
}

func newLeaveCmd(socketPath *string) *cobra.Command {
	var plugin string
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "ask a running daemon to gracefully leave the cluster",
		RunE: func(*cobra.Command, []string) error {
			return sendControlRequest(*socketPath, "leave", plugin)
		},
	}
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin key to act on")
	cmd.MarkFlagRequired("plugin")
	return cmd
}

func newMarkFailedCmd(socketPath *string) *cobra.Command {
	var plugin string
	cmd := &cobra.Command{
		Use:   "mark-failed",
		Short: "force this node's state for plugin to ERROR",
		RunE: func(*cobra.Command, []string) error {
			return sendControlRequest(*socketPath, "mark-failed", plugin)
		},
	}
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin key to act on")
	cmd.MarkFlagRequired("plugin")
	return cmd
}
