package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"owleval/internal/app"
	"owleval/internal/config"
	"owleval/internal/domain"
	"owleval/internal/progress"
	"owleval/internal/repo"
	"owleval/internal/screening"
	"owleval/internal/server"
)

func progressCmd() *cobra.Command {
	var includeAnonymous, includeArchived, all bool
	var status string
	cmd := &cobra.Command{
		Use:   "progress [experiment]",
		Short: "Show evaluation progress",
		Long:  "Progress counts completed evaluations from valid participants against tasks x evaluationsPerComparison. Without an experiment, every experiment is listed with the aggregate.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := a.Engine.FilterOptions()
				if includeAnonymous {
					opts.IncludeAnonymous = true
				}
				ref, refErr := experimentRef(args)
				if refErr == nil && !all {
					summary, err := a.Engine.ExperimentProgress(ctx, ref, opts)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(summary)
					}
					renderProgress([]progress.Summary{summary}, nil)
					return nil
				}
				dash, err := a.Engine.DashboardProgress(ctx, repo.ExperimentFilter{
					Status:          domain.ExperimentStatus(status),
					IncludeArchived: includeArchived,
				}, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dash)
				}
				renderProgress(dash.Experiments, &dash.Aggregate)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeAnonymous, "include-anonymous", false, "count anonymous sessions")
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "include archived experiments")
	cmd.Flags().BoolVar(&all, "all", false, "show every experiment even when one is selected")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func renderProgress(items []progress.Summary, agg *progress.Aggregate) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Experiment", "Mode", "Status", "Tasks", "Per task", "Done", "Target", "Progress"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	for _, s := range items {
		perTask := strconv.Itoa(s.EvaluationsPerComparison)
		if s.Misconfigured {
			perTask += " (!)"
		}
		tw.AppendRow(table.Row{
			s.Slug, s.EvaluationMode, s.Status,
			humanize.Comma(int64(s.TaskCount)), perTask,
			humanize.Comma(int64(s.ActualEvaluations)), humanize.Comma(int64(s.TargetEvaluations)),
			percent(s.ProgressPercentage),
		})
	}
	if agg != nil {
		tw.AppendFooter(table.Row{"total", "", "", "", "",
			humanize.Comma(int64(agg.TotalEvaluations)), humanize.Comma(int64(agg.TotalTargetEvaluations)),
			percent(agg.ProgressPercentage)})
	}
	tw.Render()
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{Use: "participant", Short: "Inspect participants"}
	var validOnly, includeAnonymous bool
	list := &cobra.Command{
		Use:   "list [experiment]",
		Short: "List participants with validity and submission counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := a.Engine.FilterOptions()
				if includeAnonymous {
					opts.IncludeAnonymous = true
				}
				items, err := a.Engine.ListParticipants(ctx, ref, opts, validOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Prolific ID", "Session", "Status", "Valid", "Submissions", "Demographics", "Started"})
				for _, s := range items {
					tw.AppendRow(table.Row{
						s.ID, orDash(s.ProlificIDValue()), orDash(s.SessionID), s.Status, s.Valid,
						s.Submissions, orDash(string(s.Metadata.DemographicsSource)), ago(s.CreatedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&validOnly, "valid-only", false, "only participants that count toward progress")
	list.Flags().BoolVar(&includeAnonymous, "include-anonymous", false, "treat anonymous sessions as valid")
	p.AddCommand(list)
	return p
}

func screeningCmd() *cobra.Command {
	s := &cobra.Command{Use: "screening", Short: "Screening quiz"}
	s.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "Show the configured answer key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg.Screening)
		},
	})
	var mode, answersFile string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Grade a JSON answers file against the answer key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := os.ReadFile(answersFile)
			if err != nil {
				return err
			}
			var answers map[string]any
			if err := json.Unmarshal(data, &answers); err != nil {
				return fmt.Errorf("answers: %w", err)
			}
			v := screening.New(cfg.Screening)
			res := v.Validate(domain.EvaluationMode(mode), answers)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Task", "Passed", "Expected", "Answer"})
			for _, id := range v.Tasks(domain.EvaluationMode(mode)) {
				d := res.Details[id]
				tw.AppendRow(table.Row{id, d.Passed, d.ExpectedAnswer, d.ActualAnswer})
			}
			tw.AppendFooter(table.Row{"passed", res.Passed, fmt.Sprintf("%d/%d", len(res.PassedTasks), len(res.Details)), ""})
			tw.Render()
			return nil
		},
	}
	validate.Flags().StringVar(&mode, "mode", string(domain.ModeComparison), "comparison or single_video")
	validate.Flags().StringVar(&answersFile, "answers", "", "JSON object of task id to answer")
	_ = validate.MarkFlagRequired("answers")
	s.AddCommand(validate)
	return s
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to experiments, participants and submissions, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if ref := viper.GetString("experiment"); ref != "" {
					exp, err := a.Engine.GetExperiment(ctx, ref)
					if err != nil {
						return err
					}
					f.ExperimentID = exp.ID
				}
				f.Limit = n
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				for i := len(items) - 1; i >= 0; i-- {
					if err := printEvent(items[i]); err != nil {
						return err
					}
				}
				if !follow {
					return nil
				}
				var cursor int64
				if len(items) > 0 {
					cursor = items[0].ID
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := a.Engine.EventsAfter(ctx, 100, cursor, f.ExperimentID)
					if err != nil {
						return err
					}
					for _, evt := range next {
						if err := printEvent(evt); err != nil {
							return err
						}
						cursor = evt.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printEvent(evt domain.Event) error {
	if viper.GetBool("json") {
		return json.NewEncoder(os.Stdout).Encode(evt)
	}
	fmt.Printf("%d  %s  %-28s %-11s %s  by %s  %s\n", evt.ID, ago(evt.TS), evt.Type, evt.EntityKind, orDash(evt.EntityID), evt.ActorID, evt.Payload)
	return nil
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	var subject string
	var roles []string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			if subject == "" {
				subject = actorID()
			}
			signed, err := server.SignToken(secret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": signed, "subject": subject})
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	token.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	auth.AddCommand(token)
	return auth
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "owleval.yml holds Prolific settings, review thresholds, the screening answer key, server and log settings.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate owleval.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default owleval.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}
