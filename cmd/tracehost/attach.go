package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tracehost/internal/config"
	"tracehost/internal/control"
)

var attachProviderName string

var attachCmd = &cobra.Command{
	Use:   "attach <pid>",
	Short: "Attach to a process and print the resulting agent session id.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
	attachCmd.Flags().StringVar(&attachProviderName, "provider", "Local System", "name of the provider to attach through")
}

func runAttach(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	svc := control.LocalOnly(cfg.DataDir, cfg.ForwardAgentSessions)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	p, err := waitForProvider(ctx, svc, attachProviderName)
	if err != nil {
		return err
	}

	hostSession, err := p.Create()
	if err != nil {
		return fmt.Errorf("creating host session for %q: %w", attachProviderName, err)
	}

	id, err := hostSession.AttachTo(ctx, pid)
	if err != nil {
		return fmt.Errorf("attaching to pid %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attached: session %s\n", id)
	return nil
}
