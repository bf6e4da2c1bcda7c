package transport

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

const helloTimeout = 10 * time.Second

// Hub accepts content script connections over websocket. Each tab opens
// one socket and identifies itself with a hello frame; the hub then routes
// requests in both directions.
type Hub struct {
	cfg      config.TabsConfig
	upgrader websocket.Upgrader
	logger   *events.Logger
	newID    func() string

	mu       sync.RWMutex
	tabs     map[int]*tabConn
	handler  MessageHandler
	listener TabListener
	closing  bool

	pendingMu sync.Mutex
	pending   map[string]chan *models.Response
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(cfg config.TabsConfig, allowedOrigins []string, logger *events.Logger) *Hub {
	h := &Hub{
		cfg:     cfg,
		logger:  logger.WithField("component", "tab_hub"),
		newID:   uuid.NewString,
		tabs:    make(map[int]*tabConn),
		pending: make(map[string]chan *models.Response),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// SetHandler installs the inbound message handler.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SetListener installs the tab lifecycle listener.
func (h *Hub) SetListener(l TabListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

func (h *Hub) callbacks() (MessageHandler, TabListener) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler, h.listener
}

// ServeHTTP upgrades the request and serves the tab until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello Frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Kind != FrameHello || hello.TabID <= 0 {
		h.logger.WithError(err).Warn("Tab did not identify itself")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "hello required"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	tc := newTabConn(ws, hello.TabID, hello.URL, h.logger)
	h.register(tc)

	ctx := context.WithoutCancel(r.Context())
	_, listener := h.callbacks()
	if listener != nil {
		listener.OnTabUpdated(ctx, tc.tabID, tc.URL())
	}

	go tc.pingLoop()
	tc.readLoop(func(f Frame) { h.handleFrame(ctx, tc, f) })

	if h.unregister(tc) && !h.isClosing() {
		if _, listener := h.callbacks(); listener != nil {
			listener.OnTabRemoved(ctx, tc.tabID)
		}
	}
}

func (h *Hub) register(tc *tabConn) {
	h.mu.Lock()
	prev := h.tabs[tc.tabID]
	h.tabs[tc.tabID] = tc
	h.mu.Unlock()

	if prev != nil {
		// A reload reconnects under the same id.
		_ = prev.Close()
	}
	h.logger.WithFields(map[string]any{"tab_id": tc.tabID, "url": tc.URL()}).Info("Tab connected")
}

// unregister reports whether tc was still the tab's current connection.
func (h *Hub) unregister(tc *tabConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tabs[tc.tabID] != tc {
		return false
	}
	delete(h.tabs, tc.tabID)
	h.logger.WithField("tab_id", tc.tabID).Info("Tab disconnected")
	return true
}

func (h *Hub) handleFrame(ctx context.Context, tc *tabConn, f Frame) {
	switch f.Kind {
	case FrameUpdate:
		tc.setURL(f.URL)
		if _, listener := h.callbacks(); listener != nil {
			listener.OnTabUpdated(ctx, tc.tabID, f.URL)
		}

	case FrameRequest:
		if f.Message == nil {
			return
		}
		go h.answer(ctx, tc, f)

	case FrameResponse:
		h.pendingMu.Lock()
		ch, ok := h.pending[f.ID]
		delete(h.pending, f.ID)
		h.pendingMu.Unlock()
		if ok {
			ch <- f.Response
		}

	default:
		h.logger.WithField("kind", f.Kind).Debug("Ignoring frame")
	}
}

func (h *Hub) answer(ctx context.Context, tc *tabConn, f Frame) {
	handler, _ := h.callbacks()
	resp := models.Response{Success: false, Reason: models.ReasonUnknownMessageType}
	if handler != nil {
		resp = handler(ctx, models.Sender{TabID: tc.tabID, URL: tc.URL()}, *f.Message)
	}
	if err := tc.writeFrame(Frame{Kind: FrameResponse, ID: f.ID, Response: &resp}); err != nil {
		h.logger.WithError(err).WithField("tab_id", tc.tabID).Debug("Failed to answer tab")
	}
}

func (h *Hub) conn(tabID int) *tabConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tabs[tabID]
}

// SendToTab sends msg and waits up to the RPC timeout for the answer.
func (h *Hub) SendToTab(ctx context.Context, tabID int, msg models.Message) (*models.Response, error) {
	tc := h.conn(tabID)
	if tc == nil {
		return nil, fmt.Errorf("tab %d: %w", tabID, ErrTabClosed)
	}

	id := h.newID()
	ch := make(chan *models.Response, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	if err := tc.writeFrame(Frame{Kind: FrameRequest, ID: id, Message: &msg}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(h.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			resp = &models.Response{Success: true}
		}
		return resp, nil
	case <-tc.done:
		return nil, fmt.Errorf("tab %d: %w", tabID, ErrTabClosed)
	case <-timer.C:
		return nil, fmt.Errorf("tab %d: no response to %s within %s", tabID, msg.Type, h.cfg.RPCTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast sends msg as an event to every matching tab.
func (h *Hub) Broadcast(ctx context.Context, filter models.TabFilter, msg models.Message) (int, error) {
	h.mu.RLock()
	targets := make([]*tabConn, 0, len(h.tabs))
	for _, tc := range h.tabs {
		if filter.Matches(models.Tab{ID: tc.tabID, URL: tc.URL()}) {
			targets = append(targets, tc)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, tc := range targets {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := tc.writeFrame(Frame{Kind: FrameEvent, Message: &msg}); err != nil {
			h.logger.WithError(err).WithField("tab_id", tc.tabID).Debug("Broadcast to tab failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// GetTab returns the connected tab.
func (h *Hub) GetTab(_ context.Context, tabID int) (*models.Tab, error) {
	tc := h.conn(tabID)
	if tc == nil {
		return nil, fmt.Errorf("tab %d: %w", tabID, models.ErrNotFound)
	}
	return &models.Tab{ID: tabID, URL: tc.URL()}, nil
}

// ListTabs returns connected tabs matching filter, ordered by id.
func (h *Hub) ListTabs(_ context.Context, filter models.TabFilter) ([]models.Tab, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tabs := make([]models.Tab, 0, len(h.tabs))
	for id, tc := range h.tabs {
		t := models.Tab{ID: id, URL: tc.URL()}
		if filter.Matches(t) {
			tabs = append(tabs, t)
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, nil
}

// Count returns the number of connected tabs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

func (h *Hub) isClosing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

// Close disconnects every tab. Tabs dropped this way are not reported as
// removed: the browser still has them.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*tabConn, 0, len(h.tabs))
	for _, tc := range h.tabs {
		conns = append(conns, tc)
	}
	h.mu.Unlock()

	for _, tc := range conns {
		_ = tc.Close()
	}
	return nil
}
