package main

import (
	"context"
	"time"

	"github.com/rtinit/rtinit/rtinit"
	"github.com/spf13/cobra"
)

var healthcheckPort int

// healthcheckCmd is the container HEALTHCHECK exec target: it dials the
// supervisor's health port and exits 0 only when every supervised process is
// running.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "probe the health endpoint of a running rtinit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		port := healthcheckPort
		if port == 0 {
			// Derive the port the same way the supervisor does.
			port = rtinit.NewEnv().GetInt("RUTORRENT_PORT") + 1
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()

		return rtinit.CheckRemote(ctx, port)
	},
}

func init() {
	healthcheckCmd.Flags().IntVar(&healthcheckPort, "port", 0,
		"health port (default: RUTORRENT_PORT+1 from the environment)")
}
