package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spriteboard/internal/domain"
	"spriteboard/internal/engine"
	"spriteboard/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectTokenCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.CreateProjectOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project for a GitHub repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				if opts.Name == "" {
					opts.Name = opts.RepoURL
				}
				if opts.GitHubToken == "" {
					opts.GitHubToken = viper.GetString("github_token")
				}
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("created project %s (%s)\n", p.ID, p.RepoURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.RepoURL, "repo", "", "repository as owner/name or GitHub URL")
	cmd.Flags().StringVar(&opts.DefaultBranch, "branch", "main", "default branch")
	cmd.Flags().StringVar(&opts.GitHubToken, "github-token", "", "repository token (defaults to SPRITEBOARD_GITHUB_TOKEN)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects owned by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Repo", "Branch", "Token"})
				for _, p := range items {
					token := "-"
					if p.GithubTokenEnc != "" {
						token = "sealed"
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.RepoURL, p.DefaultBranch, token})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and tear down its sandboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, args[0], actorID())
			})
		},
	}
}

func projectTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <project-id>",
		Short: "Replace the repository token, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret(os.Stdin)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetProjectToken(ctx, args[0], token, actorID())
			})
		},
	}
}

func credentialCmd() *cobra.Command {
	cred := &cobra.Command{Use: "credential", Short: "Agent runtime credentials of --actor-id"}
	cred.AddCommand(&cobra.Command{
		Use:   "set [provider]",
		Short: "Store the agent auth document read from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := engine.CredentialProvider
			if len(args) == 1 {
				provider = args[0]
			}
			secret, err := readSecret(os.Stdin)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetCredential(ctx, actorID(), provider, secret)
			})
		},
	})
	cred.AddCommand(&cobra.Command{
		Use:   "delete [provider]",
		Short: "Remove stored credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := engine.CredentialProvider
			if len(args) == 1 {
				provider = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCredential(ctx, actorID(), provider)
			})
		},
	})
	return cred
}

func spriteCmd() *cobra.Command {
	var branch, typ string
	sp := &cobra.Command{Use: "sprite", Short: "Sandbox records"}
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List sandboxes recorded for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSprites(ctx, args[0], branch, domain.SpriteType(typ), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Type", "Branch", "Status", "URL"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Name, s.Type, s.Branch, statusColor(string(s.Status)), s.URL})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&branch, "branch", "", "branch filter")
	list.Flags().StringVar(&typ, "type", "", "manifest or invocation")
	sp.AddCommand(list)
	sp.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Retry teardown of sandboxes whose destroy failed earlier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepOrphans(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("released %d sandbox(es)\n", n)
				return nil
			})
		},
	})
	return sp
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every lifecycle change: manifests, sandboxes, tasks and agent sessions.",
	}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Show the most recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, args[0], n, f, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + shortID(evt.EntityID), evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func readSecret(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("no input on stdin")
	}
	return secret, nil
}
