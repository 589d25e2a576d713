package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"owleval/internal/app"
	"owleval/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "owl-eval",
	Short: "Human evaluation studies for generated videos",
	Long: `owl-eval runs human evaluation studies that compare or rate AI-generated videos.
- Experiment: a study with comparison or single-video tasks, moving draft -> ready -> active -> paused -> completed.
- Participant: someone evaluating tasks, recruited on Prolific or through an anonymous session.
- Screening: a short quiz with known answers; failing it screens a participant out.
- Progress: valid completed evaluations against tasks x evaluationsPerComparison.
- Prolific: create, publish and sync studies, then approve or reject submissions.
- Event log: every change is recorded; view it with 'owl-eval log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return app.LoadEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OWLEVAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("experiment", "e", "", "experiment id or slug (defaults to OWLEVAL_EXPERIMENT)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "experiment", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(screeningCmd())
	rootCmd.AddCommand(prolificCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func openApp(ctx context.Context) (*app.Context, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogOutput: os.Stderr,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// experimentRef picks the experiment from the first argument, then --experiment, then the
// workspace default.
func experimentRef(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if ref := strings.TrimSpace(viper.GetString("experiment")); ref != "" {
		return ref, nil
	}
	return "", fmt.Errorf("experiment not specified; pass it, use --experiment or run owl-eval experiment use")
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ago renders an RFC3339 stamp relative to now; unparsable values are shown as-is.
func ago(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func percent(p float64) string {
	return humanize.FtoaWithDigits(p, 2) + "%"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
