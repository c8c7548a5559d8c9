package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/cron"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/pkg/models"
)

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cron.OpenStore(cfg.CronJobsPath())
			if err != nil {
				return err
			}
			jobs := store.List()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, job := range jobs {
				state := "enabled"
				if !job.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-20s %-24s %s  next=%s  runs=%d\n",
					job.ID, job.Name, job.ScheduleDisplay, state,
					formatTime(job.NextRunAt), job.Repeat.Completed)
			}
			return nil
		},
	})

	var schedule, prompt string
	var repeat int
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cron.OpenStore(cfg.CronJobsPath())
			if err != nil {
				return err
			}
			scheduler := cron.New(store, nil, nil, cfg.Cron.TickInterval, "", nil, nil)
			job, err := scheduler.AddJob(uuid.NewString()[:8], args[0], schedule, prompt, repeat, nil)
			if err != nil {
				return err
			}
			fmt.Printf("added %s, next run %s\n", job.ID, formatTime(job.NextRunAt))
			return nil
		},
	}
	add.Flags().StringVar(&schedule, "schedule", "", "cron expr, 'every N minutes', 'in N hours', or RFC3339 time")
	add.Flags().StringVar(&prompt, "prompt", "", "prompt for the isolated agent run")
	add.MarkFlagRequired("schedule")
	add.MarkFlagRequired("prompt")
	add.Flags().IntVar(&repeat, "times", 0, "finite repeat budget (0 = unbounded)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cron.OpenStore(cfg.CronJobsPath())
			if err != nil {
				return err
			}
			removed, err := store.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Println("removed", args[0])
			return nil
		},
	})

	return cmd
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	var source string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			sessionsList, err := store.ListSessions(context.Background(), models.Platform(source), limit, 0)
			if err != nil {
				return err
			}
			for _, sess := range sessionsList {
				state := "active"
				if !sess.Active() {
					state = string(sess.EndReason)
				}
				fmt.Printf("%s  %-9s %-8s msgs=%-4d tools=%-4d tokens=%d/%d  %s\n",
					sess.ID, sess.Source, state, sess.MessageCount, sess.ToolCallCount,
					sess.InputTokens, sess.OutputTokens, formatTime(sess.StartedAt))
			}
			return nil
		},
	}
	list.Flags().StringVar(&source, "source", "", "filter by source platform")
	list.Flags().IntVar(&limit, "limit", 25, "max sessions")
	cmd.AddCommand(list)

	var role string
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			matches, err := store.SearchMessages(context.Background(), args[0],
				models.Platform(source), models.Role(role), limit, 0)
			if err != nil {
				return err
			}
			for _, m := range matches {
				fmt.Printf("%s [%s] %s\n", m.SessionID, m.Role, m.Snippet)
			}
			if len(matches) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}
	search.Flags().StringVar(&source, "source", "", "filter by source platform")
	search.Flags().StringVar(&role, "role", "", "filter by message role")
	search.Flags().IntVar(&limit, "limit", 10, "max matches")
	cmd.AddCommand(search)

	export := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export one session (or all) as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if len(args) == 1 {
				exported, err := store.ExportSession(context.Background(), args[0])
				if err != nil {
					return err
				}
				return enc.Encode(exported)
			}
			exported, err := store.ExportAll(context.Background(), models.Platform(source))
			if err != nil {
				return err
			}
			return enc.Encode(exported)
		},
	}
	export.Flags().StringVar(&source, "source", "", "filter by source platform")
	cmd.AddCommand(export)

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete ended sessions older than N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.PruneSessions(context.Background(), days, models.Platform(source))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d sessions\n", n)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 30, "age threshold")
	prune.Flags().StringVar(&source, "source", "", "filter by source platform")
	cmd.AddCommand(prune)

	return cmd
}

func openStore() (*sessions.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sessions.Open(cfg.StateDBPath(), sessions.Options{JSONLDir: cfg.SessionsDir()})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
