package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spriteboard/internal/app"
	"spriteboard/internal/db"
	"spriteboard/internal/engine"
	"spriteboard/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Spriteboard CLI",
	Long: `Spriteboard runs coding agents in remote sandboxes ("sprites") for your projects.
- Manifest: one sandbox per project that works through a PRD task list on its own branch.
- Task: a board card; moving it to the ritual column starts an agent in a fresh sandbox.
- Webhooks: sandboxes report back with HMAC-signed callbacks; completed and error are final.
- Event log: every lifecycle change, view with 'sb log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPRITEBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/spriteboard.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	for _, name := range []string{"workspace", "config", "json", "actor-id"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(spriteCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(logCmd())
}

func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(app.Options{
		Workspace:     viper.GetString("workspace"),
		ConfigPath:    viper.GetString("config"),
		EncryptionKey: viper.GetString("encryption_key"),
		GitHubToken:   viper.GetString("github_token"),
		Logger:        logging.NewLogger(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "sb"}),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// statusColor highlights lifecycle states in tables.
func statusColor(status string) string {
	switch status {
	case "completed", "vanquished", "trial", "awaiting_review":
		return color.New(color.FgGreen).Sprint(status)
	case "error", "cursed":
		return color.New(color.FgRed).Sprint(status)
	case "running", "ritual", "in_progress":
		return color.New(color.FgCyan).Sprint(status)
	case "pending":
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
