// Command queuectl is the reference operator CLI for the global
// message queue subsystem: it declares broker topology, runs the
// producer/worker/coordinator roles directly against a real AMQP
// broker and Postgres event store, and replays or purges
// dead-lettered messages. It is deliberately a thin shell over the
// queue package — every subcommand wires the same constructors an
// embedding service would use.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FastyrAI/TuringAgents/pkg/logger"
)

var log *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Operate the global message queue subsystem",
	Long: `queuectl drives the queue subsystem's broker and event-store
connections directly: declaring topology, running a producer, worker,
or coordinator process, and replaying or purging dead-lettered
messages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(func() {
		log = logger.Init(logger.Config{
			Level:  envOr("LOG_LEVEL", "INFO"),
			Format: envOr("LOG_FORMAT", "JSON"),
		})
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "queuectl: "+err.Error())
		os.Exit(exitCode(err))
	}
}
