// Command tangram is the server binary: a single process that owns a
// data directory (§2) and exposes it over HTTP (`serve`), plus a
// handful of embedded-mode subcommands that operate on a data
// directory directly, without a running server, for one-shot local
// operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/server"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tangram",
	Short:   "Tangram - content-addressed build system and package manager server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tangram version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))
	config.BindFlags(rootCmd)
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(tagCmd)
}

func initLogging() {
	cfg, err := config.Load(rootCmd)
	if err != nil {
		// Flags aren't fully resolved yet for every subcommand (e.g.
		// --help); fall back to defaults rather than failing init.
		log.Init(log.Config{Level: log.InfoLevel})
		return
	}
	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tangram server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		srv, err := server.New(ctx, cfg)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			}
		case <-sigCh:
			fmt.Println("shutting down...")
		}

		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}
