package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spriteboard/internal/engine"
	"spriteboard/internal/webhook"
	spriteboardsdk "spriteboard/sdk/go"
)

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Sandbox callbacks"}
	wh.AddCommand(webhookSendCmd())
	return wh
}

// webhookSendCmd replays a sandbox callback against a running server, signed
// with the secret stored for the target. The body is read from --body or stdin.
func webhookSendCmd() *cobra.Command {
	var manifestID, taskID, serverURL, body string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver a signed callback for a manifest or task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (manifestID == "") == (taskID == "") {
				return fmt.Errorf("exactly one of --manifest or --task is required")
			}
			if body == "" {
				in, err := readSecret(os.Stdin)
				if err != nil {
					return err
				}
				body = in
			}
			payload := []byte(strings.TrimSpace(body))
			if serverURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				serverURL = cfg.Server.PublicURL
				if serverURL == "" {
					serverURL = "http://" + cfg.Server.Addr
				}
			}
			client := spriteboardsdk.New(serverURL)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if manifestID != "" {
					if _, err := webhook.ParseManifest(payload); err != nil {
						return err
					}
					m, err := e.Repo.GetManifest(ctx, manifestID)
					if err != nil {
						return err
					}
					return report(client.SendManifestCallback(ctx, m.ID, m.WebhookSecret, payload))
				}
				if _, err := webhook.ParseInvocation(payload); err != nil {
					return err
				}
				s, err := e.Repo.LatestSession(ctx, taskID)
				if err != nil {
					return err
				}
				return report(client.SendInvocationCallback(ctx, taskID, s.WebhookSecret, payload))
			})
		},
	}
	cmd.Flags().StringVar(&manifestID, "manifest", "", "manifest id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&serverURL, "url", "", "server origin (defaults to server.public_url)")
	cmd.Flags().StringVar(&body, "body", "", `callback JSON, e.g. {"type":"started"}`)
	return cmd
}

func report(err error) error {
	if err != nil {
		return err
	}
	if !viper.GetBool("json") {
		fmt.Println("delivered")
	}
	return nil
}
