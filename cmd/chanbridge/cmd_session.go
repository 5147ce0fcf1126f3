package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chanbridge/internal/config"
	"github.com/user/chanbridge/internal/session"
	"github.com/user/chanbridge/internal/state"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionEndCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
	Long: "Inspect stored sessions directly in the configured storage.\n" +
		"While the daemon runs, prefer its /api/sessions endpoints: it caches open sessions.",
}

// openSessions opens the configured backend without starting the daemon.
func openSessions(cfg *config.Config) (*session.Manager, io.Closer, error) {
	backend, closer, err := state.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return session.NewManager(backend), closer, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closer, err := openSessions(loadConfig())
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := context.Background()
		ids, err := mgr.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		return printSessions(ctx, os.Stdout, mgr, ids)
	},
}

func printSessions(ctx context.Context, out io.Writer, mgr *session.Manager, ids []string) error {
	active := color.New(color.FgGreen).SprintFunc()
	ended := color.New(color.FgHiBlack).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tMESSAGES\tTOKENS\tCOST")
	for _, id := range ids {
		rec, err := mgr.Lookup(ctx, id)
		if err != nil || rec == nil {
			fmt.Fprintf(w, "%s\t%s\t\t\t\t\n", id, color.RedString("unreadable"))
			continue
		}
		base := rec.Base()
		status := active("active")
		if base.Ended() {
			status = ended(fmt.Sprintf("ended (%s)", formatMS(base.TotalTimeMS)))
		}
		messages, tokens, cost := "-", "-", "-"
		if s, ok := rec.(*session.EnrichedSession); ok {
			messages = fmt.Sprint(len(s.Messages))
			tokens = fmt.Sprint(s.TotalCost.TotalTokens)
			cost = fmt.Sprintf("$%.4f", s.TotalCost.TotalCost)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, status, base.StartTime, messages, tokens, cost)
	}
	return w.Flush()
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closer, err := openSessions(loadConfig())
		if err != nil {
			return err
		}
		defer closer.Close()

		rec, err := mgr.Lookup(context.Background(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "End a session and archive its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closer, err := openSessions(loadConfig())
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := context.Background()
		rec, err := mgr.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if rec.Base().Ended() {
			fmt.Fprintf(os.Stdout, "Session %s already ended.\n", args[0])
			return nil
		}
		rec, err = mgr.EndSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}
		color.Green("Session %s ended after %s.", args[0], formatMS(rec.Base().TotalTimeMS))
		fmt.Fprintf(os.Stdout, "The next message in this conversation starts a new session.\n")
		return nil
	},
}
