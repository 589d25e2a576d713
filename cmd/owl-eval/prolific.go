package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"owleval/internal/app"
	"owleval/internal/engine"
	"owleval/internal/prolific"
)

func prolificCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prolific",
		Short: "Prolific study management",
		Long:  "Requires the API token named by prolific.token_env in owleval.yml, either exported or in the workspace .env.",
	}
	p.AddCommand(prolificCreateCmd())
	p.AddCommand(prolificLinkCmd())
	p.AddCommand(prolificStatusCmd())
	for _, t := range []struct {
		use    string
		action prolific.StudyAction
	}{
		{"publish", prolific.ActionPublish},
		{"pause", prolific.ActionPause},
		{"start", prolific.ActionStart},
		{"stop", prolific.ActionStop},
	} {
		p.AddCommand(prolificTransitionCmd(t.use, t.action))
	}
	p.AddCommand(prolificSyncCmd())
	p.AddCommand(prolificReviewCmd())
	p.AddCommand(prolificExportCmd())
	return p
}

func prolificCreateCmd() *cobra.Command {
	var opts engine.CreateStudyOptions
	cmd := &cobra.Command{
		Use:   "create [experiment]",
		Short: "Create a Prolific study for an experiment and link it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			opts.Experiment = ref
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				study, exp, err := a.Engine.CreateStudy(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"study": study, "experiment": exp})
				}
				printStudy(study)
				fmt.Printf("linked to %s (%s)\n", exp.Slug, exp.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "study title (defaults to the experiment name)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "study description")
	cmd.Flags().IntVar(&opts.Participants, "participants", 0, "places to fill")
	cmd.Flags().IntVar(&opts.TasksPerParticipant, "tasks-per-participant", 0, "tasks each participant evaluates")
	cmd.Flags().StringVar(&opts.Reward, "reward", "", "total reward per participant in major units (defaults to the configured reward)")
	cmd.Flags().StringSliceVar(&opts.Devices, "device", nil, "allowed devices (desktop, tablet, mobile)")
	cmd.Flags().StringVar(&opts.AppBaseURL, "app-base-url", "", "public base URL of the evaluation app")
	_ = cmd.MarkFlagRequired("participants")
	return cmd
}

func prolificLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <study-id> [experiment]",
		Short: "Link an existing Prolific study",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.LinkProlificStudy(ctx, ref, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				fmt.Printf("%s linked to study %s\n", exp.Slug, args[0])
				return nil
			})
		},
	}
}

func prolificStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [experiment]",
		Short: "Show the linked study",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				study, err := a.Engine.StudyStatus(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(study)
				}
				printStudy(study)
				return nil
			})
		},
	}
}

func prolificTransitionCmd(use string, action prolific.StudyAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [experiment]",
		Short: "Send " + string(action) + " to the linked study",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				study, exp, err := a.Engine.TransitionStudy(ctx, ref, action, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"study": study, "experiment": exp})
				}
				fmt.Printf("study %s is %s; %s is %s\n", study.ID, study.Status, exp.Slug, exp.Status)
				return nil
			})
		},
	}
}

func prolificSyncCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [experiment]",
		Short: "Pull submissions and demographics from Prolific",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
					reports, failures, err := a.Engine.SyncActive(ctx, actorID())
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						errs := map[string]string{}
						for slug, ferr := range failures {
							errs[slug] = ferr.Error()
						}
						return printJSON(map[string]any{"reports": reports, "errors": errs})
					}
					slugs := make([]string, 0, len(reports))
					for slug := range reports {
						slugs = append(slugs, slug)
					}
					sort.Strings(slugs)
					for _, slug := range slugs {
						printSyncReport(slug, reports[slug])
					}
					for slug, ferr := range failures {
						fmt.Fprintf(os.Stderr, "%s: %v\n", slug, ferr)
					}
					if len(failures) > 0 {
						return fmt.Errorf("%d experiment(s) failed to sync", len(failures))
					}
					return nil
				})
			}
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := a.Engine.SyncExperiment(ctx, ref, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printSyncReport(ref, report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every active Prolific-linked experiment")
	return cmd
}

func prolificReviewCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "review [experiment]",
		Short: "Approve or reject submissions awaiting review by quality score",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := experimentRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := a.Engine.ReviewStudy(ctx, ref, dryRun, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Submission", "Participant", "Score", "Decision", "Applied", "Error"})
				for _, it := range report.Items {
					score := "-"
					if it.Score != nil {
						score = fmt.Sprintf("%.2f", *it.Score)
					}
					tw.AppendRow(table.Row{it.SubmissionID, it.ParticipantID, score, it.Decision, it.Applied, it.Error})
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d approved / %d rejected / %d skipped", report.Approved, report.Rejected, report.Skipped), "", ""})
				tw.Render()
				if report.DryRun {
					fmt.Println("dry run: nothing sent to Prolific")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decide without sending approvals or rejections")
	return cmd
}

func prolificExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export [experiment]",
		Short: "Write the study and its submissions as JSON",
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
				exp, err := a.Engine.ExportStudy(ctx, ref, w)
				if err != nil {
					return err
				}
				if toFile {
					fmt.Fprintf(os.Stderr, "exported %d submissions to %s\n", len(exp.Submissions), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func printStudy(s prolific.Study) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Name", s.Name},
		{"Status", s.Status},
		{"Reward", prolific.FormatMinorUnits(s.Reward)},
		{"Places", s.TotalAvailablePlaces},
		{"Submissions", s.NumberOfSubmissions},
		{"Completion code", orDash(s.CompletionCode)},
		{"Study URL", orDash(s.ExternalStudyURL)},
	})
	tw.Render()
}

func printSyncReport(label string, r prolific.SyncReport) {
	failed := r.Failed()
	line := fmt.Sprintf("%s: study %s (%s), %d submissions, %d participants synced", label, r.Study.ID, r.Study.Status, len(r.Submissions), r.SyncedParticipants)
	if len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, f := range failed {
			ids = append(ids, f.SubmissionID)
		}
		line += fmt.Sprintf(", %d failed (%s)", len(failed), strings.Join(ids, ", "))
	}
	if r.ExperimentCompleted {
		line += ", experiment completed"
	}
	fmt.Println(line)
}
