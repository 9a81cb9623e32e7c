package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FastyrAI/TuringAgents/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume ORG_ID's request queue with bounded prefetch/concurrency until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}
		if cfg.OrgID == "" {
			return newConfigError(fmt.Errorf("ORG_ID is required for worker"))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := dialBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()

		store, err := dialStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rt := buildRuntime(broker, store, cfg)
		rt.Start(ctx)
		defer rt.Shutdown(context.Background())

		wcfg := queue.DefaultWorkerConfig(cfg.OrgID)
		wcfg.Prefetch = cfg.WorkerPrefetch
		wcfg.Concurrency = int64(cfg.WorkerConcurrency)
		wcfg.PoisonThreshold = cfg.PoisonThreshold
		wcfg.DefaultAgentID = cfg.AgentID

		w := queue.NewWorker(wcfg, rt.Broker, rt.Store, rt.EventLog, demoHandlers(), rt.Metrics, rt.Log)

		runErr := make(chan error, 1)
		go func() { runErr <- w.Run(ctx) }()

		select {
		case <-ctx.Done():
			w.Stop()
			return nil
		case err := <-runErr:
			if err != nil {
				return newBrokerError(err)
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
