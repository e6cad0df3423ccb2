package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/claude-orc/orc/internal/teamcfg"
)

func resumeCmd() *cobra.Command {
	var (
		port  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "resume <context>",
		Short: "Resume a stored team context",
		Long: "resume restarts every agent of a previously launched context in a new\n" +
			"tmux session, following transcripts that forked across the restart so\n" +
			"each agent continues its prior conversation.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(args[0], port, force)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "broker port (overrides config)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing tmux session")
	return cmd
}

func runResume(contextName string, port int, force bool) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// The stored record supplies the session name and working directory;
	// Resume re-validates it and rebuilds the roster.
	tc, err := a.registry.Get(contextName)
	if err != nil {
		return err
	}

	team := &teamcfg.TeamConfig{
		Name:       contextName,
		Session:    tc.TmuxSession,
		WorkingDir: tc.WorkingDir,
	}
	sup, detector, err := buildSupervisor(a, team, force)
	if err != nil {
		return err
	}
	if err := sup.Resume(context.Background(), contextName); err != nil {
		return err
	}

	brokerCfg := a.cfg.Broker
	if port > 0 {
		brokerCfg.Port = port
	}

	return runTeam(a, sup, detector, brokerCfg, func(ctx context.Context, brokerPort int) error {
		return sup.Start(ctx, brokerPort)
	})
}
