package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vadim/atom/internal/app"
	"github.com/vadim/atom/internal/config"
	"github.com/vadim/atom/internal/session"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "api",
		Short:        "Atom messaging and notification API",
		SilenceUsage: true,
		RunE:         cmdServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		Args:  cobra.NoArgs,
		RunE:  cmdServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdToken,
	})

	return rootCmd
}

func cmdServe(cmd *cobra.Command, _ []string) error {
	cfg := config.MustLoad()
	ctx := cmd.Context()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	// Run application (blocks until shutdown)
	return application.Run(ctx)
}

func cmdToken(cmd *cobra.Command, args []string) error {
	cfg := config.MustLoad()
	issuer := session.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	token, err := issuer.Issue(args[0])
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
