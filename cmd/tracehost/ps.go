package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tracehost/internal/config"
	"tracehost/internal/control"
	"tracehost/internal/provider"
)

var psProviderName string

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List processes visible through one provider.",
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
	psCmd.Flags().StringVar(&psProviderName, "provider", "Local System", "name of the provider to enumerate processes on")
}

func runPs(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	svc := control.LocalOnly(cfg.DataDir, cfg.ForwardAgentSessions)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	p, err := waitForProvider(ctx, svc, psProviderName)
	if err != nil {
		return err
	}

	hostSession, err := p.Create()
	if err != nil {
		return fmt.Errorf("creating host session for %q: %w", psProviderName, err)
	}

	processes, err := hostSession.EnumerateProcesses(ctx)
	if err != nil {
		return fmt.Errorf("enumerating processes: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"PID", "NAME"})
	for _, proc := range processes {
		t.AppendRow(table.Row{proc.Pid, proc.Name})
	}
	t.Render()

	return nil
}

// waitForProvider polls svc for a provider named name until ctx expires.
// Backend discovery publishes asynchronously, so a fresh Service may not
// have seen it yet on the first check.
func waitForProvider(ctx context.Context, svc *control.Service, name string) (*provider.Provider, error) {
	for {
		if p := svc.Provider(name); p != nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no provider named %q appeared within the deadline", name)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
