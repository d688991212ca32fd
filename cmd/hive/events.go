package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	eventdomain "hive/internal/domain/event"
)

// newEventsCommand tails the change feed.
func newEventsCommand(a *app) *cobra.Command {
	var (
		since  int64
		limit  int
		follow bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the change feed",
		Long: `Lists change feed events in sequence order. With --follow the command
keeps polling for new events until interrupted.`,
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			after := since
			if since == 0 && follow {
				// Tail from the end rather than replaying history.
				latest, err := a.events.LatestSeq(ctx)
				if err != nil {
					return err
				}
				after = latest
			}

			for {
				events, err := a.events.ListSince(ctx, after, limit)
				if err != nil {
					return err
				}
				for _, ev := range events {
					printEvent(ev, asJSON)
					after = ev.Seq
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		}),
	}

	cmd.Flags().Int64Var(&since, "since", 0, "start after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "events per fetch")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func printEvent(ev eventdomain.Event, asJSON bool) {
	if asJSON {
		out, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(out))
		return
	}

	line := fmt.Sprintf("%6d  %s  %-20s", ev.Seq,
		ev.CreatedAt.Format("15:04:05"), color.CyanString(string(ev.Type)))
	if ev.TaskID != "" {
		line += " task=" + ev.TaskID
	}
	if ev.AgentID != "" {
		line += " agent=" + ev.AgentID
	}
	if len(ev.Payload) > 0 {
		line += " " + color.HiBlackString(string(ev.Payload))
	}
	fmt.Println(line)
}
