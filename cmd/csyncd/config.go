package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/InfiCell/clearwater-etcd/cmn"
)

// newDumpConfigCmd adds a subcommand that resolves the config file plus CLI
// overrides exactly as "run" would, and writes the result out as indented
// JSON - useful for checking what a given set of flags actually produces
// before pointing a live daemon at it.
func newDumpConfigCmd(clivars *cmn.ConfigCLI) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump-config",
		Short: "resolve config file + flags and write the effective config as JSON",
		RunE: func(*cobra.Command, []string) error {
			cmn.LoadConfig(clivars)
			if err := cmn.LocalSave(out, cmn.GCO.Get()); err != nil {
				return fmt.Errorf("writing effective config to %s: %w", out, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "csyncd-config.json", "file to write the effective config to")
	return cmd
}
