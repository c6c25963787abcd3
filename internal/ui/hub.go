// Package ui is the websocket transport pushing telemetry, session, and
// coaching frames to connected dashboards and handling their requests.
package ui

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/msgqueue"
)

// outboundDepth bounds each client's send queue. Telemetry frames are dropped
// oldest-first on overflow; coaching frames evict a telemetry frame instead.
const outboundDepth = 64

// Frame types pushed to clients.
const (
	FrameTelemetry = "telemetry"
	FrameSession   = "session_info"
	FrameCoaching  = "coaching"
	FrameHistory   = "history"
	FrameStatus    = "status"
)

// Frame is the envelope for every outbound message. ID is set on coaching
// frames so clients can deduplicate and acknowledge individual messages.
type Frame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TelemetryView is the reduced per-sample projection pushed to the UI.
type TelemetryView struct {
	SessionTime float64 `json:"session_time"`
	Lap         int     `json:"lap"`
	LapDistPct  float64 `json:"lap_distance_pct"`
	Speed       float64 `json:"speed"`
	RPM         float64 `json:"rpm"`
	Gear        int     `json:"gear"`
	Throttle    float64 `json:"throttle"`
	Brake       float64 `json:"brake"`
	FuelLevel   float64 `json:"fuel_level"`
	DeltaToBest float64 `json:"delta_to_best"`
	HasDelta    bool    `json:"has_delta"`
}

// CoachingView is the coaching frame payload. ImprovementPotential is the
// estimated seconds recoverable by acting on the message.
type CoachingView struct {
	ID                   string   `json:"id"`
	Message              string   `json:"message"`
	Category             string   `json:"category"`
	Corner               string   `json:"corner,omitempty"`
	Priority             int      `json:"priority"`
	Confidence           int      `json:"confidence"` // 0..100
	SecondaryMessages    []string `json:"secondary_messages,omitempty"`
	ImprovementPotential float64  `json:"improvement_potential"`
	Audio                []byte   `json:"audio,omitempty"`
	Source               string   `json:"source"`
}

// request is the inbound message schema.
type request struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	out  chan Frame
}

// Hub fans frames out to websocket clients. Callbacks wire requests back into
// the pipeline.
type Hub struct {
	// History serves get_history requests.
	History func(count int) []msgqueue.Message
	// SetMode applies a coaching-mode change.
	SetMode func(mode string)
	// Status serves get_status requests.
	Status func() any

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		monitoring.Logf("[ui] websocket accept failed: %v", err)
		return
	}

	c := &client{id: newClientID(), conn: conn, out: make(chan Frame, outboundDepth)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	monitoring.Logf("[ui] client %s connected", c.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, c, cancel)
	h.readLoop(ctx, c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	monitoring.Logf("[ui] client %s disconnected", c.id)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var req request
		if err := wsjson.Read(ctx, c.conn, &req); err != nil {
			return
		}
		h.handle(c, &req)
	}
}

func (h *Hub) handle(c *client, req *request) {
	switch req.Type {
	case "get_history":
		if h.History == nil {
			return
		}
		count := req.Count
		if count <= 0 || count > msgqueue.DefaultHistorySize {
			count = 20
		}
		views := make([]CoachingView, 0, count)
		for _, m := range h.History(count) {
			views = append(views, coachingView(&m))
		}
		c.send(Frame{Type: FrameHistory, Timestamp: time.Now(), Data: views}, true)
	case "set_mode":
		if h.SetMode != nil && knownMode(req.Mode) {
			h.SetMode(req.Mode)
			monitoring.Logf("[ui] coaching mode set to %s by client %s", req.Mode, c.id)
		}
	case "get_status":
		if h.Status == nil {
			return
		}
		c.send(Frame{Type: FrameStatus, Timestamp: time.Now(), Data: h.Status()}, true)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c.conn, f)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

// send queues a frame for one client. Telemetry frames are droppable; for
// must-deliver frames a queued telemetry frame is evicted to make room.
func (c *client) send(f Frame, mustDeliver bool) {
	select {
	case c.out <- f:
		return
	default:
	}
	if !mustDeliver {
		return
	}
	select {
	case <-c.out:
	default:
	}
	select {
	case c.out <- f:
	default:
		monitoring.Logf("[ui] dropping frame %s for stuck client %s", f.Type, c.id)
	}
}

func (h *Hub) broadcast(f Frame, mustDeliver bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.send(f, mustDeliver)
	}
}

// PublishTelemetry pushes a telemetry frame; droppable under backpressure.
func (h *Hub) PublishTelemetry(v TelemetryView) {
	h.broadcast(Frame{Type: FrameTelemetry, Timestamp: time.Now(), Data: v}, false)
}

// PublishSession pushes a session_info frame.
func (h *Hub) PublishSession(info any) {
	h.broadcast(Frame{Type: FrameSession, Timestamp: time.Now(), Data: info}, true)
}

// PublishCoaching pushes a dispatched coaching message to every client.
func (h *Hub) PublishCoaching(m msgqueue.Message) {
	h.broadcast(Frame{Type: FrameCoaching, ID: m.ID, Timestamp: time.Now(), Data: coachingView(&m)}, true)
}

func coachingView(m *msgqueue.Message) CoachingView {
	return CoachingView{
		ID:                   m.ID,
		Message:              m.Text,
		Category:             string(m.Category),
		Corner:               m.Corner,
		Priority:             m.Priority,
		Confidence:           int(m.Confidence * 100),
		SecondaryMessages:    m.Secondary,
		ImprovementPotential: m.TimeLoss,
		Audio:                m.Audio,
		Source:               string(m.Source),
	}
}

func knownMode(mode string) bool {
	switch mode {
	case "beginner", "intermediate", "advanced", "race":
		return true
	}
	return false
}

func newClientID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
