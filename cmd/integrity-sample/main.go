// Command integrity-sample runs the integrity token flows against the
// in-process fake provider and prints every status line.
//
//	INTEGRITY_CLOUD_PROJECT_NUMBER=0 integrity-sample simple
//	integrity-sample standard --cloud-project-number 0 --request-hash 2cp24z...
//	integrity-sample both --cloud-project-number 0 --verifier http
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const svcName = "integrity-sample"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", svcName, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           svcName,
		Short:         "Request integrity tokens and verify them with a fake server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	opts.bindFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "simple",
			Short: "Request a classic token bound to a nonce",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd, opts)
				if err != nil {
					return err
				}
				defer a.close()

				a.orch.RunSimpleFlow(cmd.Context())
				return nil
			},
		},
		&cobra.Command{
			Use:   "standard",
			Short: "Prepare a token provider, then request a token bound to a request hash",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd, opts)
				if err != nil {
					return err
				}
				defer a.close()

				a.orch.RunDependentFlow(cmd.Context(), a.cfg.RequestHash)
				return nil
			},
		},
		&cobra.Command{
			Use:   "both",
			Short: "Run both flows concurrently",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd, opts)
				if err != nil {
					return err
				}
				defer a.close()

				return a.runBoth(cmd.Context())
			},
		},
	)

	return rootCmd
}

func newLogger(w io.Writer, levelText string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelText, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}
