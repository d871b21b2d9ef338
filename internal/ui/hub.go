// Package ui renders the scene to browser clients over websockets and
// exposes the viewer's HTTP API.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/session"
	"github.com/signalsfoundry/deconfliction-viewer/model"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// DefaultClientQueue is the per-client outbound buffer; frames beyond it
	// are dropped for that client.
	DefaultClientQueue = 32
)

// ErrUnknownAction is reported for unsupported control actions.
var ErrUnknownAction = errors.New("unknown action")

// Controller is the playback control surface; core.SceneCoordinator
// satisfies it.
type Controller interface {
	Play()
	Pause()
	Reset()
	Seek(fraction float64)
}

// ClientGauge tracks the number of connected clients.
type ClientGauge interface {
	SetWebsocketClients(n int)
}

// Hub is the rendering and UI sink for the scene coordinator. Sink methods
// run on the frame goroutine and batch into one frame message, broadcast on
// EndFrame. Scene-level updates (trajectories, conflicts, results) are sent
// immediately and cached so late joiners receive the current scene.
type Hub struct {
	log      logging.Logger
	controls Controller
	gauge    ClientGauge
	queue    int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	// cached encoded messages, replayed to new clients
	frame        []byte
	trajectories []byte
	conflicts    []byte
	result       []byte

	// frame batch, frame goroutine only
	now       float64
	fraction  float64
	positions map[string]PositionMessage
	dirty     bool
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithClientGauge reports connected client counts.
func WithClientGauge(g ClientGauge) HubOption {
	return func(h *Hub) {
		h.gauge = g
	}
}

// WithClientQueue sets the per-client outbound buffer size.
func WithClientQueue(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// any origin.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// NewHub builds a hub that forwards client control actions to controls.
func NewHub(controls Controller, log logging.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	h := &Hub{
		log:      log,
		controls: controls,
		queue:    DefaultClientQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:   make(map[*client]struct{}),
		positions: make(map[string]PositionMessage),
		dirty:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetControls replaces the control surface. Call it before serving clients.
func (h *Hub) SetControls(controls Controller) {
	h.controls = controls
}

// SetPosition implements core.PositionSink.
func (h *Hub) SetPosition(entityID string, x, y, z float64) {
	p := PositionMessage{X: x, Y: y, Z: z}
	if old, ok := h.positions[entityID]; ok && old == p {
		return
	}
	h.positions[entityID] = p
	h.dirty = true
}

// SetTime implements core.UISink.
func (h *Hub) SetTime(t float64) {
	if t != h.now {
		h.now = t
		h.dirty = true
	}
}

// SetFraction implements core.UISink.
func (h *Hub) SetFraction(f float64) {
	if f != h.fraction {
		h.fraction = f
		h.dirty = true
	}
}

// SetTrajectories implements core.TrajectorySink. Entities that are no
// longer tracked lose their rendered position.
func (h *Hub) SetTrajectories(trajectories []*model.Trajectory) {
	keep := make(map[string]struct{}, len(trajectories))
	for _, t := range trajectories {
		keep[t.ID] = struct{}{}
	}
	for id := range h.positions {
		if _, ok := keep[id]; !ok {
			delete(h.positions, id)
			h.dirty = true
		}
	}
	h.publish(TypeTrajectories, trajectoryMessages(trajectories), &h.trajectories)
}

// SetConflicts implements core.MarkerSink.
func (h *Hub) SetConflicts(conflicts []model.ConflictEvent) {
	h.publish(TypeConflicts, conflictMessages(conflicts), &h.conflicts)
}

// SetResult implements session.ResultSink.
func (h *Hub) SetResult(summary session.Summary) {
	h.publish(TypeResult, resultMessage(summary), &h.result)
}

// EndFrame implements core.FrameEnder and broadcasts the batched frame when
// anything changed since the previous one.
func (h *Hub) EndFrame() {
	if !h.dirty {
		return
	}
	h.dirty = false

	positions := make(map[string]PositionMessage, len(h.positions))
	for id, p := range h.positions {
		positions[id] = p
	}
	data, err := encode(TypeFrame, FrameMessage{
		Time:      h.now,
		TimeLabel: timectrl.FormatSimTime(h.now),
		Fraction:  h.fraction,
		Positions: positions,
	})
	if err != nil {
		h.log.Error(context.Background(), "encode frame failed", logging.Err(err))
		return
	}
	h.mu.Lock()
	h.frame = data
	h.mu.Unlock()
	h.broadcast(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Hijacked websocket connections are not
// closed by http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) publish(typ string, payload any, cache *[]byte) {
	data, err := encode(typ, payload)
	if err != nil {
		h.log.Error(context.Background(), "encode message failed", logging.String("type", typ), logging.Err(err))
		return
	}
	h.mu.Lock()
	*cache = data
	h.mu.Unlock()
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.queue),
		done: make(chan struct{}),
	}
	h.register(c)
	h.log.Info(r.Context(), "websocket client connected", logging.String("remote", r.RemoteAddr))

	go c.writePump()
	h.readPump(r.Context(), c)

	h.unregister(c)
	h.log.Info(r.Context(), "websocket client disconnected", logging.String("remote", r.RemoteAddr))
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, cached := range [][]byte{h.trajectories, h.conflicts, h.result, h.frame} {
		if cached != nil {
			c.enqueue(cached)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.SetWebsocketClients(n)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.SetWebsocketClients(n)
	}
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(ctx, "websocket read failed", logging.Err(err))
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reject(c, "invalid control message")
			continue
		}
		if err := dispatch(h.controls, msg.Action, msg.Fraction); err != nil {
			h.reject(c, err.Error())
		}
	}
}

// dispatch maps an action name onto the control surface.
func dispatch(controls Controller, action string, fraction *float64) error {
	if controls == nil {
		return errors.New("controls unavailable")
	}
	switch action {
	case "play":
		controls.Play()
	case "pause":
		controls.Pause()
	case "reset":
		controls.Reset()
	case "seek":
		if fraction == nil {
			return errors.New("seek requires fraction")
		}
		controls.Seek(*fraction)
	default:
		return ErrUnknownAction
	}
	return nil
}

func (h *Hub) reject(c *client, reason string) {
	data, err := encode(TypeError, ErrorMessage{Error: reason})
	if err != nil {
		return
	}
	h.mu.Lock()
	c.enqueue(data)
	h.mu.Unlock()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// enqueue drops the message when the client's queue is full. Callers hold
// Hub.mu so send is never written after done closes.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
