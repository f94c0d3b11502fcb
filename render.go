package main

import (
	"os"

	"github.com/rtinit/rtinit/rtinit"
	"github.com/rtinit/rtinit/rtinit/journal"
	"github.com/spf13/cobra"
)

var renderDryRun bool

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "resolve configuration and render config files, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		j := journal.NewHumanWriter(os.Stderr)

		cfg, err := rtinit.Resolve(cmd.Context(), rtinit.NewEnv(), mounts(), j)
		if err != nil {
			return err
		}

		r := rtinit.NewRenderer(j)
		if renderDryRun {
			return r.Preview(cfg, os.Stdout)
		}

		_, err = r.Render(cfg)
		return err
	},
}

func init() {
	renderCmd.Flags().BoolVarP(&renderDryRun, "dry-run", "n", false,
		"print rendered files to stdout instead of writing them")
}
