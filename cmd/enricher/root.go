package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/lead-enricher/internal/config"
	"github.com/JakeFAU/lead-enricher/internal/server"
)

// buildApp is the application factory. It's a variable so tests can replace it.
var buildApp = server.Build

type rootOptions struct {
	configPath string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "enricher",
		Short: "Background job engine that classifies contacts by industry.",
		Long: `enricher claims submitted contacts in chunks, fetches each company
website through tiered providers, and classifies the business with an LLM.
Results, retries, and job progress are persisted in Postgres.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML); environment uses the ENRICHER_ prefix")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newRecoverCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// loadConfig reads the dotenv file, when present, then the configuration.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// withApp builds the application, runs fn, and always closes the application.
func (o *rootOptions) withApp(ctx context.Context, fn func(context.Context, *server.App) error) (err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	app, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		err = errors.Join(err, app.Close(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, app)
}
