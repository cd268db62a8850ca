package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chorus/internal/config"
	"github.com/MikeSquared-Agency/chorus/internal/eventlog"
	"github.com/MikeSquared-Agency/chorus/internal/render"
	"github.com/MikeSquared-Agency/chorus/internal/transcript"
)

type transcriptOptions struct {
	events   string
	items    string
	realtime string
	policy   string
	window   time.Duration
	noColor  bool
	asJSON   bool
}

func newTranscriptCmd() *cobra.Command {
	var opts transcriptOptions
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the transcript assembled from exported logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscript(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.events, "events", "", "event log (JSONL or JSON array)")
	f.StringVar(&opts.items, "items", "", "fallback transcript items, used when the event log is empty")
	f.StringVar(&opts.realtime, "realtime", "", "realtime voice log")
	f.StringVar(&opts.policy, "policy", "", "YAML reconciliation policy (default $CHORUS_POLICY_FILE)")
	f.DurationVar(&opts.window, "window", 0, "dedup window (default $CHORUS_DEDUP_WINDOW or 5s)")
	f.BoolVar(&opts.noColor, "no-color", false, "disable colour output")
	f.BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runTranscript(cmd *cobra.Command, opts transcriptOptions) error {
	if opts.events == "" && opts.items == "" && opts.realtime == "" {
		return fmt.Errorf("at least one of --events, --items or --realtime is required")
	}

	cfg := config.Load()
	if opts.policy != "" {
		cfg.PolicyFile = opts.policy
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("window") {
		policy.DedupWindow = opts.window
	}

	var in transcript.Input
	if opts.events != "" {
		if in.Events, err = eventlog.ParseEventsFile(opts.events); err != nil {
			return fmt.Errorf("read events: %w", err)
		}
	}
	if opts.items != "" {
		if in.Fallback, err = eventlog.ParseItemsFile(opts.items); err != nil {
			return fmt.Errorf("read items: %w", err)
		}
	}
	if opts.realtime != "" {
		if in.Realtime, err = eventlog.ParseRealtimeFile(opts.realtime); err != nil {
			return fmt.Errorf("read realtime log: %w", err)
		}
	}

	res := transcript.Build(in, policy)

	if opts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return render.Print(cmd.OutOrStdout(), res, opts.noColor)
}
