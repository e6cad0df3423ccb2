package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sseBuffer = 16

// sseHub tracks open event streams per agent so companion POSTs can
// route responses onto them.
type sseHub struct {
	mu     sync.Mutex
	conns  map[string]map[chan []byte]struct{}
	closed chan struct{}
	once   sync.Once
}

func newSSEHub() *sseHub {
	return &sseHub{
		conns:  make(map[string]map[chan []byte]struct{}),
		closed: make(chan struct{}),
	}
}

func (h *sseHub) register(agent string) chan []byte {
	ch := make(chan []byte, sseBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[agent]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.conns[agent] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (h *sseHub) unregister(agent string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[agent]
	delete(set, ch)
	if len(set) == 0 {
		delete(h.conns, agent)
	}
}

// push offers a payload to every open stream for the agent. Streams with
// full buffers are skipped rather than blocked on. Returns whether at
// least one stream took it.
func (h *sseHub) push(agent string, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for ch := range h.conns[agent] {
		select {
		case ch <- payload:
			delivered = true
		default:
		}
	}
	return delivered
}

func (h *sseHub) connections(agent string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[agent])
}

func (h *sseHub) close() {
	h.once.Do(func() { close(h.closed) })
}

func (h *sseHub) done() <-chan struct{} {
	return h.closed
}

// handleSSE opens an event stream for the agent: a connected event
// first, then responses routed from the companion endpoint, with comment
// keepalives in between. The stream ends on client disconnect or broker
// shutdown.
func (s *Server) handleSSE(c *gin.Context) {
	agent := c.Param("agent")
	ch := s.sse.register(agent)
	defer s.sse.unregister(agent, ch)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	hello, _ := json.Marshal(map[string]string{
		"agent":    agent,
		"endpoint": fmt.Sprintf("/mcp/%s/messages", agent),
	})
	fmt.Fprintf(c.Writer, "event: connected\ndata: %s\n\n", hello)
	c.Writer.Flush()

	s.logger.Debug("sse stream opened", zap.String("agent", agent))

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			s.logger.Debug("sse stream closed", zap.String("agent", agent))
			return
		case <-s.sse.done():
			return
		case payload := <-ch:
			fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", payload)
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}
