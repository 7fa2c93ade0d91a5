package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spriteboard/internal/domain"
	"spriteboard/internal/engine"
)

func manifestCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "manifest",
		Short: "Manage manifests",
		Long:  "A manifest is a long-lived sandbox per project that works through a PRD task list on its own branch.",
	}
	m.AddCommand(manifestCreateCmd())
	m.AddCommand(manifestListCmd())
	m.AddCommand(manifestShowCmd())
	m.AddCommand(manifestActionCmd("start", "Start the PRD task loop", func(ctx context.Context, e engine.Engine, id string) (domain.Manifest, error) {
		return e.StartTaskLoop(ctx, id, viper.GetString("model"), actorID())
	}))
	m.AddCommand(manifestActionCmd("stop", "Kill the task loop and keep the sandbox", func(ctx context.Context, e engine.Engine, id string) (domain.Manifest, error) {
		return e.StopManifest(ctx, id, actorID())
	}))
	m.AddCommand(manifestRenameCmd())
	m.AddCommand(manifestDeleteCmd())
	m.AddCommand(manifestPollCmd())
	return m
}

func manifestCreateCmd() *cobra.Command {
	var opts engine.CreateManifestOptions
	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Open a manifest and provision its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = args[0]
				opts.ActorID = actorID()
				m, err := e.CreateManifest(ctx, opts)
				if err != nil {
					return err
				}
				return printManifest(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "manifest name")
	cmd.Flags().StringVar(&opts.PRDName, "prd", "", "PRD name in kebab-case")
	cmd.Flags().StringVar(&opts.Model, "model", "", "agent model override")
	cmd.Flags().BoolVar(&opts.AutoStart, "auto-start", false, "run the task loop once bootstrap finishes")
	cmd.Flags().BoolVar(&opts.NoSpawn, "no-spawn", false, "record the manifest without provisioning a sandbox")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func manifestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List manifests, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListManifests(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "PRD", "Status", "Progress", "Sprite", "PR"})
				for _, m := range items {
					tw.AppendRow(table.Row{shortID(m.ID), m.Name, prdName(m), statusColor(string(m.Status)), progress(m), m.SpriteName, m.PRURL})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func manifestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <manifest-id>",
		Short: "Show a manifest, refreshing progress while its loop runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetManifest(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printManifest(m)
			})
		},
	}
}

func manifestActionCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Manifest, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <manifest-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printManifest(m)
			})
		},
	}
	if use == "start" {
		cmd.Flags().String("model", "", "agent model override")
		_ = viper.BindPFlag("model", cmd.Flags().Lookup("model"))
	}
	return cmd
}

func manifestRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <manifest-id> <prd-name>",
		Short: "Change the PRD of a manifest whose loop has not started",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdatePRDName(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printManifest(m)
			})
		},
	}
}

func manifestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <manifest-id>",
		Short: "Destroy the sandbox and remove the manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteManifest(ctx, args[0], actorID())
			})
		},
	}
}

func manifestPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Check every running manifest against its repository once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PollRunning(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d manifest(s) completed\n", n)
				return nil
			})
		},
	}
}

func printManifest(m domain.Manifest) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", m.ID},
		{"Name", m.Name},
		{"PRD", prdName(m)},
		{"Status", statusColor(string(m.Status))},
		{"Progress", progress(m)},
		{"Branch", m.Branch},
		{"Sprite", m.SpriteName},
		{"URL", m.SpriteURL},
		{"PR", m.PRURL},
		{"Error", m.ErrorMessage},
	})
	tw.Render()
	return nil
}

func prdName(m domain.Manifest) string {
	if m.PRDName == nil {
		return "-"
	}
	return *m.PRDName
}

func progress(m domain.Manifest) string {
	if m.PRDJSON == "" {
		return "-"
	}
	doc, err := domain.ParsePRD([]byte(m.PRDJSON))
	if err != nil {
		return "?"
	}
	return fmt.Sprintf("%d/%d", doc.Passing(), len(doc.Tasks))
}
