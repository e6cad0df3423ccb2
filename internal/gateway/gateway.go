package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events/bus"
)

// relaySubjects are the event groups observers receive. NATS-style `>`
// matches every remaining subject token.
var relaySubjects = []string{"agent.>", "message.>", "reminder.>", "anomaly.>"}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback-only deployment; the broker never binds a public
		// interface.
		return true
	},
}

// Frame is the JSON shape relayed to every observer.
type Frame struct {
	Type string                 `json:"type"`
	TS   time.Time              `json:"ts"`
	Data map[string]interface{} `json:"data"`
}

// Gateway bridges the event bus to WebSocket observers. It owns the hub
// loop and the bus subscriptions between Start and Stop.
type Gateway struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	logger *logger.Logger
}

// New creates a gateway over the given event bus.
func New(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		hub:    NewHub(log),
		bus:    eventBus,
		logger: log.WithComponent("gateway"),
	}
}

// Hub exposes the client hub, mainly for tests.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Mount registers the /ws route on the given router. The gateway shares
// the broker's HTTP port rather than binding its own.
func (g *Gateway) Mount(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
}

// Start runs the hub loop and subscribes to the relayed event groups.
func (g *Gateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		g.hub.Run(runCtx)
	}()

	for _, subject := range relaySubjects {
		sub, err := g.bus.Subscribe(subject, g.relay)
		if err != nil {
			g.Stop()
			return fmt.Errorf("gateway: subscribe %s: %w", subject, err)
		}
		g.subs = append(g.subs, sub)
	}
	g.logger.Info("observer gateway started", zap.Strings("subjects", relaySubjects))
	return nil
}

// Stop unsubscribes from the bus and shuts down the hub, closing every
// observer connection. Safe to call more than once.
func (g *Gateway) Stop() {
	for _, sub := range g.subs {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Debug("unsubscribe failed", zap.Error(err))
		}
	}
	g.subs = nil

	if g.cancel != nil {
		g.cancel()
		<-g.done
		g.cancel = nil
	}
}

func (g *Gateway) relay(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(Frame{
		Type: event.Type,
		TS:   event.Timestamp,
		Data: event.Data,
	})
	if err != nil {
		g.logger.Warn("frame marshal failed", zap.String("type", event.Type), zap.Error(err))
		return nil
	}
	g.hub.Broadcast(data)
	return nil
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.logger.Debug("observer connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	g.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}
