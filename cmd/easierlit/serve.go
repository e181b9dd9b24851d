package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/smturtle2/easierlit-sub000/internal/app"
	"github.com/smturtle2/easierlit-sub000/internal/client"
	"github.com/smturtle2/easierlit-sub000/internal/config"
	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Easierlit runtime",
		Long: `Starts the runtime standalone: persistence, the Discord bridge when
configured, and the HTTP file surface. Applications that need custom
message handlers embed the server package instead; standalone serve
acknowledges inbound messages and logs them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "easierlit.yaml", "path to Easierlit config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	// .env is optional; environment overrides happen inside config.Parse.
	if err := godotenv.Load(); err == nil {
		log.Printf("easierlit: loaded environment from .env")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cl, err := client.New(client.Opts{
		Handler:           logIncoming,
		MaxMessageWorkers: cfg.Workers.MaxMessageWorkers,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Opts{Config: cfg, Client: cl})
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}

func logIncoming(ctx context.Context, a *app.App, msg *models.IncomingMessage) error {
	log.Printf("easierlit: message %s on thread %s from %s", msg.MessageID, msg.ThreadID, msg.Author)
	return nil
}
