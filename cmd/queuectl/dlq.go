package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FastyrAI/TuringAgents/queue"
)

var (
	dlqReplayDryRun bool
	dlqReplayFilter string
	dlqReplayBatch  int
	dlqPurgeOlderThan int64
)

var dlqReplayCmd = &cobra.Command{
	Use:   "dlq-replay",
	Short: "Re-publish ORG_ID's dead-lettered messages through the Producer",
	Long: `dlq-replay lists ORG_ID's DLQ records (optionally filtered by
reason), then re-publishes them batch-by-batch through the same
Producer a live publisher would use, so replayed messages are
idempotency-checked exactly like any other publish. --dry-run reports
the count that would be replayed without publishing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}
		if cfg.OrgID == "" {
			return newConfigError(fmt.Errorf("ORG_ID is required for dlq-replay"))
		}

		store, err := dialStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListDLQ(ctx, cfg.OrgID, dlqReplayFilter, 10000)
		if err != nil {
			return newStoreError(err)
		}
		if len(records) == 0 {
			fmt.Println("no dead-lettered messages match")
			return nil
		}
		if dlqReplayDryRun {
			fmt.Printf("dry-run: would replay %d message(s)\n", len(records))
			return nil
		}

		broker, err := dialBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()

		rt := buildRuntime(broker, store, cfg)
		rt.Start(ctx)
		defer rt.Shutdown(context.Background())

		producer := queue.NewProducer(rt.Broker, rt.Idempotency, rt.EventLog, rt.Backpressure, rt.Promotion, rt.Metrics, rt.Log)

		batch := dlqReplayBatch
		if batch <= 0 {
			batch = 50
		}

		var replayed, failed int
		for i := 0; i < len(records); i += batch {
			end := i + batch
			if end > len(records) {
				end = len(records)
			}
			for _, rec := range records[i:end] {
				msg := *rec.OriginalMessage
				// Cleared so the replay gets a fresh message_id/created_at;
				// dedup_key (if any) is left as-is, so a replay of a message
				// whose idempotency key is still reserved correctly comes
				// back as accepted{duplicate:true} rather than re-enqueuing.
				msg.MessageID = ""
				msg.CreatedAt = time.Time{}
				outcome, err := producer.Publish(ctx, &msg)
				if err != nil {
					fmt.Fprintf(os.Stderr, "queuectl: replay failed for %s: %v\n", rec.OriginalMessage.MessageID, err)
					failed++
					continue
				}
				replayed++
				enc, _ := json.Marshal(outcome)
				fmt.Println(string(enc))
			}
		}
		fmt.Printf("replayed %d, failed %d\n", replayed, failed)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "dlq-purge",
	Short: "Delete ORG_ID's DLQ rows older than --older-than seconds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}
		if cfg.OrgID == "" {
			return newConfigError(fmt.Errorf("ORG_ID is required for dlq-purge"))
		}

		store, err := dialStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := store.DeleteDLQOlderThan(ctx, cfg.OrgID, dlqPurgeOlderThan)
		if err != nil {
			return newStoreError(err)
		}
		fmt.Printf("purged %d dlq row(s) older than %ds\n", removed, dlqPurgeOlderThan)
		return nil
	},
}

func init() {
	dlqReplayCmd.Flags().BoolVar(&dlqReplayDryRun, "dry-run", false, "report how many messages would be replayed without publishing")
	dlqReplayCmd.Flags().StringVar(&dlqReplayFilter, "filter", "", "only replay DLQ records whose reason matches exactly")
	dlqReplayCmd.Flags().IntVar(&dlqReplayBatch, "batch", 50, "number of DLQ records to publish per batch")
	rootCmd.AddCommand(dlqReplayCmd)

	dlqPurgeCmd.Flags().Int64Var(&dlqPurgeOlderThan, "older-than", 604800, "purge DLQ rows with a dlq_timestamp older than this many seconds (default 7d)")
	rootCmd.AddCommand(dlqPurgeCmd)
}
