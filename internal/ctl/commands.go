package ctl

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"example.com/scrollmeter/internal/agent"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/flags"
	"example.com/scrollmeter/internal/stats"
	"example.com/scrollmeter/internal/syncer"
)

// pixelsPerMeter assumes a 96 dpi screen.
const pixelsPerMeter = 3779.5

// NewLoginCmd creates the login command.
func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Sign the agent in as a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			name, _ := cmd.Flags().GetString("name")
			var out struct {
				UserID    string    `json:"user_id"`
				CreatedAt time.Time `json:"created_at"`
			}
			if err := e.client.do(cmd.Context(), http.MethodPost, "/v1/session", map[string]string{
				"user_id":      args[0],
				"display_name": name,
			}, &out); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", out.UserID)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name stored with the account")
	return cmd
}

// NewLogoutCmd creates the logout command.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Push pending distance and sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			if err := e.client.do(cmd.Context(), http.MethodDelete, "/v1/session", nil, nil); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, map[string]bool{"signed_out": true})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

// NewScrollCmd creates the scroll command, which records a delta by hand.
func NewScrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scroll <site> <meters>",
		Short: "Record a scroll delta",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			meters, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("meters must be a number: %w", err))
			}
			pixels, _ := cmd.Flags().GetFloat64("pixels")
			if pixels <= 0 {
				pixels = meters * pixelsPerMeter
			}
			var out struct {
				Accepted int      `json:"accepted"`
				Dropped  int      `json:"dropped"`
				Unlocks  []string `json:"unlocks"`
				Queued   int      `json:"queued"`
			}
			if err := e.client.do(cmd.Context(), http.MethodPost, "/v1/deltas", map[string]any{
				"site":      args[0],
				"pixels":    pixels,
				"meters":    meters,
				"timestamp": e.now().UTC(),
			}, &out); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			if out.Accepted == 0 {
				fmt.Fprintln(w, "Delta dropped: site and positive distances are required")
				return nil
			}
			fmt.Fprintf(w, "Recorded %s on %s\n", formatMeters(meters), args[0])
			for _, key := range out.Unlocks {
				fmt.Fprintf(w, "  unlocked %s\n", key)
			}
			return nil
		},
	}
	cmd.Flags().Float64("pixels", 0, "pixel distance (defaults to meters at 96 dpi)")
	return cmd
}

// NewStatsCmd creates the stats command.
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show today's and lifetime distance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			var d stats.Display
			if err := e.client.do(cmd.Context(), http.MethodGet, "/v1/stats", nil, &d); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, d)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Today (%s): %s\n", d.DayKey, formatMeters(d.TodayMeters))
			for _, s := range bySite(d.TodayBySite) {
				fmt.Fprintf(w, "  %-16s %s\n", s.Site, formatMeters(s.Meters))
			}
			fmt.Fprintf(w, "Total: %s\n", formatMeters(d.TotalMeters))
			if d.PendingMeters > 0 {
				fmt.Fprintf(w, "Pending sync: %s\n", formatMeters(d.PendingMeters))
			}
			if d.Stale {
				fmt.Fprintln(w, "(figures may be out of date)")
			}
			return nil
		},
	}
}

// NewQueueCmd creates the queue command.
func NewQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List achievements waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			var out struct {
				Jobs []delivery.Job `json:"jobs"`
			}
			if err := e.client.do(cmd.Context(), http.MethodGet, "/v1/queue", nil, &out); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, out.Jobs)
			}
			w := cmd.OutOrStdout()
			if len(out.Jobs) == 0 {
				fmt.Fprintln(w, "Queue is empty")
				return nil
			}
			fmt.Fprintf(w, "%s pending\n", pluralize(len(out.Jobs), "achievement"))
			now := e.now()
			for _, job := range out.Jobs {
				line := fmt.Sprintf("  %s  %q  next %s", job.EventKey, job.Toast.Title, formatWhen(job.NextAttemptAt, now))
				if job.Attempt > 0 {
					line += fmt.Sprintf("  (%s failed: %s)", pluralize(job.Attempt, "attempt"), job.LastError)
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending distance and deliver queued achievements now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			full, _ := cmd.Flags().GetBool("maintenance")
			w := cmd.OutOrStdout()
			if full {
				var result agent.MaintenanceResult
				if err := e.client.do(cmd.Context(), http.MethodPost, "/v1/maintenance", agent.MaintenanceInput{
					Reason: "cli", Sync: true, Deliver: true, Reconcile: true,
				}, &result); err != nil {
					return writeCommandError(cmd, err)
				}
				if e.jsonMode {
					return writeJSON(cmd, result)
				}
				fmt.Fprintf(w, "Maintenance %s\n", result.WorkflowID)
				if result.Sync != nil {
					printSync(cmd, result.Sync.Summary)
				}
				if result.Delivery != nil {
					printDelivery(cmd, *result.Delivery)
				}
				if r := result.Reconcile; r != nil && !r.Skipped {
					fmt.Fprintf(w, "Total drift %s, healed: %t\n", formatMeters(r.Drift), r.Healed)
				}
				return nil
			}

			var out struct {
				Sync     syncer.Summary   `json:"sync"`
				Delivery delivery.Summary `json:"delivery"`
			}
			if err := e.client.do(cmd.Context(), http.MethodPost, "/v1/sync", nil, &out); err != nil {
				return writeCommandError(cmd, err)
			}
			if e.jsonMode {
				return writeJSON(cmd, out)
			}
			printSync(cmd, out.Sync)
			printDelivery(cmd, out.Delivery)
			return nil
		},
	}
	cmd.Flags().Bool("maintenance", false, "run a full maintenance pass including total reconciliation")
	return cmd
}

func printSync(cmd *cobra.Command, s syncer.Summary) {
	w := cmd.OutOrStdout()
	switch s.Status {
	case syncer.StatusSynced:
		fmt.Fprintf(w, "Synced %s (%s)\n", formatMeters(s.Meters), pluralize(s.Batches, "batch"))
	case syncer.StatusEmpty:
		fmt.Fprintln(w, "Nothing to sync")
	case syncer.StatusNoSession:
		fmt.Fprintln(w, "Not signed in; distance kept locally")
	default:
		fmt.Fprintf(w, "Sync %s: %s\n", s.Status, s.Error)
	}
}

func printDelivery(cmd *cobra.Command, s delivery.Summary) {
	w := cmd.OutOrStdout()
	switch {
	case s.Skipped:
		fmt.Fprintln(w, "Delivery already running")
	case s.NoSession:
	default:
		fmt.Fprintf(w, "Delivered %d, failed %d, %d left\n", s.Delivered, s.Failed, s.Remaining)
	}
}

// NewFlagsCmd creates the flags command. With key=value arguments it
// overrides flags until the flag file next changes.
func NewFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags [key=value...]",
		Short: "Show or override feature flags",
		Long: `Show or override feature flags.

Keys: rule_engine, toasts, ai_badges
  scrollctl flags                     Show current flags
  scrollctl flags ai_badges=true      Override one flag`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv(cmd)
			var current flags.Flags
			if len(args) == 0 {
				if err := e.client.do(cmd.Context(), http.MethodGet, "/v1/flags", nil, &current); err != nil {
					return writeCommandError(cmd, err)
				}
			} else {
				patch, err := parseFlagArgs(args)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				if err := e.client.do(cmd.Context(), http.MethodPut, "/v1/flags", patch, &current); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			if e.jsonMode {
				return writeJSON(cmd, current)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "rule_engine  %t\n", current.RuleEngine)
			fmt.Fprintf(w, "toasts       %t\n", current.Toasts)
			fmt.Fprintf(w, "ai_badges    %t\n", current.AIBadges)
			return nil
		},
	}
}

var flagKeys = map[string]bool{"rule_engine": true, "toasts": true, "ai_badges": true}

func parseFlagArgs(args []string) (map[string]bool, error) {
	patch := make(map[string]bool, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		key = strings.TrimSpace(key)
		if !flagKeys[key] {
			return nil, fmt.Errorf("unknown flag %q", key)
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", key, err)
		}
		patch[key] = v
	}
	return patch, nil
}
