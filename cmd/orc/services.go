package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claude-orc/orc/internal/broker"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/gateway"
	"github.com/claude-orc/orc/internal/opsserver"
	"github.com/claude-orc/orc/internal/supervisor"
)

// serviceStopTimeout bounds the whole network teardown at exit.
const serviceStopTimeout = 10 * time.Second

// services are the network surfaces running beside the supervisor: the
// agent-facing JSON-RPC broker, the observer WebSocket gateway mounted on
// the broker's engine, and the operator MCP server.
type services struct {
	broker  *broker.Server
	gateway *gateway.Gateway
	ops     *opsserver.Server
}

// startServices brings the broker up and, when enabled, the gateway and
// the ops server. A partial failure stops whatever already started.
func startServices(ctx context.Context, a *app, sup *supervisor.Supervisor, brokerCfg config.BrokerConfig) (*services, error) {
	tools := broker.NewToolHandler(sup.Delivery(), sup.Mailbox(), sup, a.bus, a.log)
	srv := broker.NewServer(brokerCfg, tools, a.log)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	svc := &services{broker: srv}

	if a.cfg.Gateway.Enabled {
		gw := gateway.New(a.bus, a.log)
		gw.Mount(srv.Router())
		if err := gw.Start(ctx); err != nil {
			svc.stop(a.log)
			return nil, err
		}
		svc.gateway = gw
	}

	if a.cfg.Ops.Enabled {
		deps := opsserver.Deps{
			Roster:   sup,
			States:   sup.States(),
			Mailbox:  sup.Mailbox(),
			Delivery: sup.Delivery(),
			Contexts: a.registry,
		}
		if a.store != nil {
			deps.Archive = a.store
		}
		ops := opsserver.New(a.cfg.Ops, deps, a.log)
		if err := ops.Start(ctx); err != nil {
			svc.stop(a.log)
			return nil, err
		}
		svc.ops = ops
	}

	return svc, nil
}

// stop shuts the services down: the gateway first so observers see a
// clean close, then the broker and ops server in parallel.
func (s *services) stop(log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), serviceStopTimeout)
	defer cancel()

	if s.gateway != nil {
		s.gateway.Stop()
		s.gateway = nil
	}

	var g errgroup.Group
	if s.ops != nil {
		ops := s.ops
		s.ops = nil
		g.Go(func() error { return ops.Stop(ctx) })
	}
	if s.broker != nil {
		b := s.broker
		s.broker = nil
		g.Go(func() error { return b.Stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		log.Warn("service shutdown incomplete", zap.Error(err))
	}
}
