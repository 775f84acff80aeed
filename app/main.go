package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oxblood/respd/app/diyredis"
)

// version is overridden at build time via -ldflags, matching the
// zero-config default cobra's own docs recommend for a bare version
// subcommand.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string
	var logLevel string

	root := &cobra.Command{
		Use:   "respd",
		Short: "An in-memory RESP key/value server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			log.SetLevel(level)

			server := diyredis.MakeServer(addr, log)
			return server.Start()
		},
	}

	root.Flags().StringVarP(&addr, "addr", "a", "0.0.0.0:6379", "address to bind (host:port)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	return root
}
