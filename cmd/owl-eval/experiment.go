package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"owleval/internal/app"
	"owleval/internal/domain"
	"owleval/internal/engine"
	"owleval/internal/repo"
)

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage experiments",
	}
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentCreateCmd())
	exp.AddCommand(experimentStatusCmd())
	exp.AddCommand(experimentArchiveCmd())
	exp.AddCommand(experimentUseCmd())
	exp.AddCommand(experimentValidateCmd())
	exp.AddCommand(experimentConfigureCmd())
	exp.AddCommand(experimentTasksCmd())
	exp.AddCommand(experimentExportCmd())
	return exp
}

func experimentListCmd() *cobra.Command {
	var f repo.ExperimentFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				f.Status = domain.ExperimentStatus(status)
				items, err := a.Engine.ListExperiments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slug", "Name", "Mode", "Status", "Prolific study", "Created"})
				for _, e := range items {
					status := string(e.Status)
					if e.Archived {
						status += " (archived)"
					}
					tw.AppendRow(table.Row{e.Slug, e.Name, e.EvaluationMode, status, orDash(deref(e.ProlificStudyID)), ago(e.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "include-archived", false, "include archived experiments")
	cmd.Flags().BoolVar(&f.ArchivedOnly, "archived-only", false, "only archived experiments")
	cmd.Flags().BoolVar(&f.ProlificOnly, "prolific-only", false, "only experiments linked to a Prolific study")
	return cmd
}

func experimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [experiment]",
		Short: "Show an experiment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.GetExperiment(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
}

func experimentCreateCmd() *cobra.Command {
	var opts engine.ExperimentCreateOptions
	var mode, configFile string
	var use bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = domain.EvaluationMode(mode)
			opts.ActorID = actorID()
			if configFile != "" {
				raw, err := os.ReadFile(configFile)
				if err != nil {
					return err
				}
				opts.Config = raw
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.CreateExperiment(ctx, opts)
				if err != nil {
					return err
				}
				if use {
					if _, err := app.SetEnvValue(a.Workspace, app.CurrentExperimentKey, exp.Slug); err != nil {
						return err
					}
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "url-safe identifier")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeComparison), "comparison or single_video")
	cmd.Flags().StringVar(&configFile, "config-file", "", "JSON configuration document")
	cmd.Flags().BoolVar(&use, "use", false, "make it the workspace's current experiment")
	_ = cmd.MarkFlagRequired("slug")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func experimentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <status> [experiment]",
		Short: "Move an experiment to draft, ready, active, paused or completed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.TransitionExperiment(ctx, ref, domain.ExperimentStatus(args[0]), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				fmt.Printf("%s is %s\n", exp.Slug, exp.Status)
				return nil
			})
		},
	}
}

func experimentArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [experiment]",
		Short: "Archive an experiment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.ArchiveExperiment(ctx, ref, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				fmt.Printf("archived %s\n", exp.Slug)
				return nil
			})
		},
	}
}

func experimentUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <experiment>",
		Short: "Set the current experiment for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				path, err := app.SetEnvValue(a.Workspace, app.CurrentExperimentKey, exp.Slug)
				if err != nil {
					return err
				}
				fmt.Printf("Set %s=%s in %s\n", app.CurrentExperimentKey, exp.Slug, path)
				return nil
			})
		},
	}
}

func experimentValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [experiment]",
		Short: "Report configuration problems that distort progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				issues, err := a.Engine.ValidateExperiment(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": len(issues) == 0, "issues": issues})
				}
				if len(issues) == 0 {
					fmt.Println("experiment OK")
					return nil
				}
				for _, is := range issues {
					fmt.Printf("- %s: %s\n", is.Field, is.Message)
				}
				return fmt.Errorf("%d problem(s) found", len(issues))
			})
		},
	}
}

func experimentConfigureCmd() *cobra.Command {
	var file string
	var perComparison int
	cmd := &cobra.Command{
		Use:   "configure [experiment]",
		Short: "Replace the configuration document or set evaluationsPerComparison",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			setPer := cmd.Flags().Changed("evaluations-per-comparison")
			if file == "" && !setPer {
				return fmt.Errorf("--file or --evaluations-per-comparison required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var raw []byte
				if file != "" {
					if raw, err = os.ReadFile(file); err != nil {
						return err
					}
				} else {
					exp, err := a.Engine.GetExperiment(ctx, ref)
					if err != nil {
						return err
					}
					doc := map[string]any{}
					if exp.Config != nil {
						b, err := json.Marshal(exp.Config)
						if err != nil {
							return err
						}
						if err := json.Unmarshal(b, &doc); err != nil {
							return err
						}
					}
					doc["evaluationsPerComparison"] = perComparison
					if raw, err = json.Marshal(doc); err != nil {
						return err
					}
				}
				exp, err := a.Engine.UpdateExperimentConfig(ctx, ref, raw, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(exp.Config)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON configuration document")
	cmd.Flags().IntVar(&perComparison, "evaluations-per-comparison", 0, "evaluations wanted per task")
	return cmd
}

func experimentTasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Manage experiment tasks"}
	tasks.AddCommand(&cobra.Command{
		Use:   "import <manifest.yml> [experiment]",
		Short: "Replace an experiment's tasks from a YAML or JSON manifest",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args[1:])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			manifest, err := engine.ParseTaskManifest(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				counts, err := a.Engine.ReplaceTasks(ctx, ref, manifest, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"comparison": counts.Comparison, "single_video": counts.SingleVideo})
				}
				fmt.Printf("imported %d comparison and %d single-video tasks\n", counts.Comparison, counts.SingleVideo)
				return nil
			})
		},
	})
	return tasks
}

func experimentExportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export [experiment]",
		Short: "Export tasks, participants and submissions for analysis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var w io.Writer = os.Stdout
				toFile := out != "" && out != "-"
				if toFile {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				x, err := a.Engine.ExportExperiment(ctx, ref, engine.ExportFormat(format), w)
				if err != nil {
					return err
				}
				if toFile {
					t := x.TotalRecords
					fmt.Fprintf(os.Stderr, "exported %s to %s: %d tasks, %d submissions, %d participants\n", x.Experiment.Slug, out,
						t.ComparisonTasks+t.SingleVideoTasks, t.ComparisonSubmissions+t.SingleVideoSubmissions, t.Participants)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(engine.ExportJSON), "json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
