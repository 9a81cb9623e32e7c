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

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Register AGENT_ID/AGENT_IDS mailboxes and route their responses until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}
		if cfg.OrgID == "" {
			return newConfigError(fmt.Errorf("ORG_ID is required for coordinator"))
		}
		agentIDs := splitAgentIDs(cfg)
		if len(agentIDs) == 0 {
			return newConfigError(fmt.Errorf("AGENT_ID or AGENT_IDS is required for coordinator"))
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

		producer := queue.NewProducer(rt.Broker, rt.Idempotency, rt.EventLog, rt.Backpressure, rt.Promotion, rt.Metrics, rt.Log)
		coord := queue.NewCoordinator(rt.Broker, producer, rt.EventLog, rt.Metrics, rt.Log, queue.DefaultCoordinatorConfig())

		for _, agentID := range agentIDs {
			if _, err := coord.Register(ctx, cfg.OrgID, agentID); err != nil {
				return newBrokerError(err)
			}
		}

		go coord.RunHeartbeatSweep(ctx)

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
}
