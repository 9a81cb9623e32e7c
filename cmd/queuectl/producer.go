package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FastyrAI/TuringAgents/queue"
)

var producerCmd = &cobra.Command{
	Use:   "producer",
	Short: "Publish one Message per line of stdin (newline-delimited JSON)",
	Long: `producer reads one Message per line of stdin, publishes each
through the idempotency- and backpressure-aware Producer, and prints
the resulting PublishOutcome as JSON. A malformed line is skipped with
a warning on stderr rather than aborting the run. Exits 0 once stdin
closes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}

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

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg queue.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				fmt.Fprintln(os.Stderr, "queuectl: skipping malformed message:", err)
				continue
			}
			outcome, err := producer.Publish(ctx, &msg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "queuectl: publish failed:", err)
				continue
			}
			enc, _ := json.Marshal(outcome)
			fmt.Println(string(enc))
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(producerCmd)
}
