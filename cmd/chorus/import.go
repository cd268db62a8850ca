package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chorus/internal/config"
	"github.com/MikeSquared-Agency/chorus/internal/eventlog"
	"github.com/MikeSquared-Agency/chorus/internal/session"
)

func newImportCmd() *cobra.Command {
	var sessionID, agent string
	cmd := &cobra.Command{
		Use:   "import [flags] FILE...",
		Short: "Load exported event logs into the configured store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			policy, err := cfg.Policy()
			if err != nil {
				return err
			}
			svc := session.New(db, nil, policy, slog.Default())
			if _, err := svc.CreateSession(ctx, session.CreateRequest{SessionID: sessionID, AgentName: agent}); err != nil {
				return err
			}

			im := eventlog.NewImporter(svc, slog.Default())
			for _, path := range args {
				sum, err := im.ImportFile(ctx, sessionID, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d read, %d stored into %s\n", path, sum.Read, sum.Stored, sessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "target session id")
	cmd.Flags().StringVar(&agent, "agent", "", "active agent for a newly created session")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
