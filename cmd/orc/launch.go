package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/forkdetect"
	"github.com/claude-orc/orc/internal/supervisor"
	"github.com/claude-orc/orc/internal/teamcfg"
	"github.com/claude-orc/orc/internal/tmux"
)

func launchCmd() *cobra.Command {
	var (
		teamRef string
		port    int
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a team of agents in a tmux session",
		Long: "launch loads a team definition, creates its tmux session, starts every\n" +
			"agent in its own pane and runs the broker, ops server and observer\n" +
			"gateway until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(teamRef, port, force)
		},
	}
	cmd.Flags().StringVar(&teamRef, "team", "", "team file path or team name (required)")
	cmd.Flags().IntVar(&port, "port", 0, "broker port (overrides config and team file)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing tmux session and context record")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func runLaunch(teamRef string, port int, force bool) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := teamcfg.Locate(teamRef)
	if err != nil {
		return err
	}
	team, err := teamcfg.Load(path)
	if err != nil {
		return err
	}
	team.ApplyDefaults(a.cfg.Supervisor.DefaultModel)
	if err := team.Validate(); err != nil {
		return err
	}

	sup, detector, err := buildSupervisor(a, team, force)
	if err != nil {
		return err
	}
	for _, spec := range team.Agents {
		if err := sup.Register(supervisor.AgentSpec{
			Name:         spec.Name,
			TranscriptID: uuid.NewString(),
			SystemPrompt: spec.Prompt,
			WorkingDir:   spec.WorkingDir,
			Role:         spec.Role,
			Model:        spec.Model,
		}); err != nil {
			return err
		}
	}

	brokerCfg := a.cfg.Broker
	if team.Broker.Port > 0 {
		brokerCfg.Port = team.Broker.Port
	}
	if port > 0 {
		brokerCfg.Port = port
	}

	return runTeam(a, sup, detector, brokerCfg, func(ctx context.Context, svcPort int) error {
		if err := sup.Start(ctx, svcPort); err != nil {
			return err
		}
		saveContextRecord(ctx, a, team, sup, force)
		return nil
	})
}

// buildSupervisor assembles the supervisor for a team: tmux adapter, fork
// detector, and the shared app plumbing. The detector is returned so the
// fork watcher can share it.
func buildSupervisor(a *app, team *teamcfg.TeamConfig, force bool) (*supervisor.Supervisor, *forkdetect.Detector, error) {
	detector := forkdetect.NewDetector(forkdetect.Config{
		Mode:         a.cfg.ForkDetect.Mode,
		PollInterval: a.cfg.ForkDetect.PollInterval(),
		SettleDelay:  a.cfg.ForkDetect.Settle(),
	}, a.log)

	adapter := tmux.NewAdapter(tmux.Config{SessionName: team.Session}, a.log)

	supCfg := supervisor.ConfigFromApp(a.cfg.Supervisor)
	supCfg.ContextName = team.Name
	supCfg.WorkingDir = team.WorkingDir
	supCfg.Layout = team.Layout
	supCfg.Force = force

	sup, err := supervisor.New(supCfg, supervisor.Deps{
		Terminal: adapter,
		EventBus: a.bus,
		Archive:  a.store,
		Registry: a.registry,
		Detector: detector,
		Logger:   a.log,
	})
	if err != nil {
		return nil, nil, err
	}
	return sup, detector, nil
}

// runTeam is the shared run loop for launch and resume: bring the network
// services up, hand the broker port to start, watch transcripts for forks,
// then hold until SIGINT/SIGTERM and unwind in order.
func runTeam(a *app, sup *supervisor.Supervisor, detector *forkdetect.Detector, brokerCfg config.BrokerConfig, start func(ctx context.Context, brokerPort int) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := startServices(ctx, a, sup, brokerCfg)
	if err != nil {
		return err
	}

	if err := start(ctx, svc.broker.Port()); err != nil {
		svc.stop(a.log)
		return err
	}

	watcher := startForkWatcher(ctx, a, sup, detector)

	a.log.Info("team running",
		zap.Int("broker_port", svc.broker.Port()),
		zap.Int("agents", len(sup.Agents())))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info("shutting down")
	cancel()

	if watcher != nil {
		watcher.Stop()
	}
	svc.stop(a.log)
	sup.Stop()
	return nil
}

// startForkWatcher tracks every agent's transcript directory and rebinds
// agents whose conversations forked across a restart. A watcher failure
// only loses fork-following, never the run.
func startForkWatcher(ctx context.Context, a *app, sup *supervisor.Supervisor, detector *forkdetect.Detector) *forkdetect.Watcher {
	contextName := sup.ContextName()
	handler := func(agentName, oldID, newID string) {
		if err := sup.AdoptTranscript(agentName, newID); err != nil {
			a.log.Warn("transcript adoption failed",
				zap.String("agent", agentName),
				zap.String("new", newID),
				zap.Error(err))
			return
		}
		if err := a.registry.SetAgentTranscript(context.Background(), contextName, agentName, newID); err != nil && !errors.Is(err, contextreg.ErrContextNotFound) {
			a.log.Warn("transcript record update failed",
				zap.String("agent", agentName),
				zap.Error(err))
		}
	}

	watcher, err := forkdetect.NewWatcher(detector, handler, a.bus, a.log)
	if err != nil {
		a.log.Warn("fork watcher unavailable", zap.Error(err))
		return nil
	}
	for _, agent := range sup.Agents() {
		dir := detector.TranscriptDir(contextName, agent.Name, agent.WorkingDir)
		watcher.Track(agent.Name, dir, agent.TranscriptID)
	}
	watcher.Start(ctx)
	return watcher
}

// saveContextRecord persists the running team so resume can find it. The
// snapshot is taken after Start so it carries the transcript ids the
// launchers actually chose. A write failure is reported but does not stop
// the run.
func saveContextRecord(ctx context.Context, a *app, team *teamcfg.TeamConfig, sup *supervisor.Supervisor, force bool) {
	agents := sup.Agents()
	members := make([]contextreg.AgentInfo, 0, len(agents))
	for _, agent := range agents {
		members = append(members, contextreg.AgentInfo{
			Name:         agent.Name,
			Role:         agent.Role,
			Model:        agent.Model,
			PaneIndex:    agent.PaneIndex,
			TranscriptID: agent.TranscriptID,
		})
	}
	record := contextreg.TeamContext{
		ContextName: team.Name,
		TmuxSession: team.Session,
		WorkingDir:  team.WorkingDir,
		Agents:      members,
	}

	_, err := a.registry.Create(ctx, record)
	if errors.Is(err, contextreg.ErrContextExists) && force {
		if delErr := a.registry.Delete(ctx, team.Name); delErr == nil {
			_, err = a.registry.Create(ctx, record)
		} else {
			err = delErr
		}
	}
	if err != nil {
		a.log.Error("context record not saved; resume will not find this team",
			zap.String("context", team.Name),
			zap.Error(err))
		return
	}
	fmt.Printf("Context %q saved (%d agents)\n", team.Name, len(members))
}
