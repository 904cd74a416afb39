// Package streaming serves the dashboard-facing HTTP surface: a
// server-sent-event stream of engine events, a status document, and
// read-only JSON views of repositories, tasks, sandboxes, and patches. The
// whole surface is additive; the engine is fully functional with it
// disabled.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/events/bus"
	"github.com/parallelwork/parallelwork/internal/executor"
	"github.com/parallelwork/parallelwork/internal/taskgraph"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// clientBuffer bounds per-client queues; a slow client drops events rather
// than stalling the broadcast.
const clientBuffer = 64

// StatsProvider yields the live engine summary for /status.
type StatsProvider interface {
	Stats(ctx context.Context) executor.Stats
}

// PatchLister yields pending patches for /api/diffs.
type PatchLister interface {
	ListPendingPatches(ctx context.Context) ([]*v1.Patch, error)
}

// SandboxLister yields persisted sandbox records for /api/containers.
type SandboxLister interface {
	ListActiveSandboxRecords(ctx context.Context) ([]*v1.SandboxRecord, error)
}

// StreamMessage is the wire shape of one streamed event.
type StreamMessage struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub is the streaming server.
type Hub struct {
	cfg       config.StreamingConfig
	bus       bus.EventBus
	stats     StatsProvider
	patches   PatchLister
	sandboxes SandboxLister
	tasks     *taskgraph.Manager
	logger    *logger.Logger

	mu         sync.Mutex
	clients    map[chan StreamMessage]struct{}
	workspaces map[string]bool
	startedAt  time.Time

	srv *http.Server
	sub bus.Subscription
}

// NewHub builds the streaming hub. Any provider may be nil; the matching
// endpoint then serves an empty list.
func NewHub(cfg config.StreamingConfig, eventBus bus.EventBus, stats StatsProvider, patches PatchLister, sandboxes SandboxLister, tasks *taskgraph.Manager, log *logger.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		bus:        eventBus,
		stats:      stats,
		patches:    patches,
		sandboxes:  sandboxes,
		tasks:      tasks,
		logger:     log.WithFields(zap.String("component", "streaming")),
		clients:    make(map[chan StreamMessage]struct{}),
		workspaces: make(map[string]bool),
	}
}

// TrackWorkspace registers a workspace for the repository and task views.
func (h *Hub) TrackWorkspace(path string) {
	h.mu.Lock()
	h.workspaces[path] = true
	h.mu.Unlock()
}

// Start subscribes to the event bus and begins serving. Non-blocking; the
// listener runs on its own goroutine.
func (h *Hub) Start() error {
	sub, err := h.bus.Subscribe(bus.SubjectAll, h.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}
	h.sub = sub
	h.startedAt = time.Now()

	h.srv = &http.Server{
		Addr:        fmt.Sprintf(":%d", h.cfg.Port),
		Handler:     h.Router(),
		ReadTimeout: h.cfg.ReadTimeoutDuration(),
	}

	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("streaming server stopped", zap.Error(err))
		}
	}()
	h.logger.Info("streaming hub listening", zap.Int("port", h.cfg.Port))
	return nil
}

// Shutdown stops the server and disconnects all clients.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan StreamMessage]struct{})
	h.mu.Unlock()

	if h.srv != nil {
		return h.srv.Shutdown(ctx)
	}
	return nil
}

// Router builds the HTTP handler serving the whole surface.
func (h *Hub) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	router.GET("/stream", h.handleStream)
	router.GET("/ws", h.handleWebSocket)
	router.GET("/status", h.handleStatus)
	router.GET("/api/repositories", h.handleRepositories)
	router.GET("/api/tasks", h.handleTasks)
	router.GET("/api/containers", h.handleContainers)
	router.GET("/api/diffs", h.handleDiffs)
	return router
}

// ClientCount returns the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// onEvent fans one bus event out to every connected client. Full client
// queues drop the event; disconnects are handled by the writers.
func (h *Hub) onEvent(ctx context.Context, event *bus.Event) error {
	msg := StreamMessage{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (h *Hub) addClient() chan StreamMessage {
	ch := make(chan StreamMessage, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) removeClient(ch chan StreamMessage) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) handleStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ch := h.addClient()
	defer h.removeClient(ch)

	// Announce the connection so clients know the stream is live.
	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprintf(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket serves the same event feed over a websocket for clients
// that cannot consume SSE.
func (h *Hub) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.addClient()
	defer h.removeClient(ch)

	// Drain client frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.removeClient(ch)
				return
			}
		}
	}()

	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (h *Hub) handleStatus(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"clients": h.ClientCount(),
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.stats != nil {
		status["engine"] = h.stats.Stats(c.Request.Context())
	}
	c.JSON(http.StatusOK, status)
}

type repositoryView struct {
	Path  string         `json:"path"`
	Tasks map[string]int `json:"tasks,omitempty"`
}

func (h *Hub) handleRepositories(c *gin.Context) {
	h.mu.Lock()
	paths := make([]string, 0, len(h.workspaces))
	for p := range h.workspaces {
		paths = append(paths, p)
	}
	h.mu.Unlock()

	repos := make([]repositoryView, 0, len(paths))
	for _, p := range paths {
		view := repositoryView{Path: p}
		if h.tasks != nil {
			if manifest, err := h.tasks.Load(p); err == nil {
				view.Tasks = h.tasks.Validate(manifest).Stats
			}
		}
		repos = append(repos, view)
	}
	c.JSON(http.StatusOK, repos)
}

func (h *Hub) handleTasks(c *gin.Context) {
	h.mu.Lock()
	paths := make([]string, 0, len(h.workspaces))
	for p := range h.workspaces {
		paths = append(paths, p)
	}
	h.mu.Unlock()

	out := make(map[string]*taskgraph.TaskBuckets)
	if h.tasks != nil {
		for _, p := range paths {
			if manifest, err := h.tasks.Load(p); err == nil {
				out[p] = h.tasks.List(manifest)
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *Hub) handleContainers(c *gin.Context) {
	records := []*v1.SandboxRecord{}
	if h.sandboxes != nil {
		if list, err := h.sandboxes.ListActiveSandboxRecords(c.Request.Context()); err == nil {
			records = list
		} else {
			h.logger.Warn("failed to list sandbox records", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, records)
}

func (h *Hub) handleDiffs(c *gin.Context) {
	patches := []*v1.Patch{}
	if h.patches != nil {
		if list, err := h.patches.ListPendingPatches(c.Request.Context()); err == nil {
			patches = list
		} else {
			h.logger.Warn("failed to list pending patches", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, patches)
}

// corsMiddleware allows any origin; the hub serves read-only local data.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
