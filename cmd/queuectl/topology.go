package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FastyrAI/TuringAgents/queue"
)

var initTopologyCmd = &cobra.Command{
	Use:   "init-topology",
	Short: "Declare the request queue, DLQ, and response exchange for ORG_ID, and bind AGENT_ID/AGENT_IDS",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadEnvConfig()
		if err != nil {
			return err
		}
		if cfg.OrgID == "" {
			return newConfigError(fmt.Errorf("ORG_ID is required for init-topology"))
		}

		broker, err := dialBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()

		if err := broker.DeclareOrg(ctx, cfg.OrgID); err != nil {
			return newBrokerError(err)
		}
		agentIDs := splitAgentIDs(cfg)
		for _, agentID := range agentIDs {
			if err := broker.DeclareAgent(ctx, cfg.OrgID, agentID); err != nil {
				return newBrokerError(err)
			}
		}
		fmt.Printf("topology declared: org=%s agents=%d\n", cfg.OrgID, len(agentIDs))
		return nil
	},
}

func splitAgentIDs(cfg queue.EnvConfig) []string {
	var ids []string
	if cfg.AgentID != "" {
		ids = append(ids, cfg.AgentID)
	}
	for _, id := range strings.Split(cfg.AgentIDs, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func init() {
	rootCmd.AddCommand(initTopologyCmd)
}
