// Package gateway provides the HTTP control API: enqueue message
// checks, inject text into live sandboxes, and read orchestrator
// status. It is a thin synchronous bridge over the group queue; it
// never blocks a sandbox and never cancels one.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Config holds gateway settings.
type Config struct {
	// Enabled turns the gateway on.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address.
	Address string `yaml:"address"`

	// TokenHash is the bcrypt hash of the bearer token. Empty disables
	// auth (loopback only is sane then).
	TokenHash string `yaml:"token_hash"`

	// SendWait bounds how long a send request waits for a sandbox to
	// become available before reporting timeout.
	SendWait time.Duration `yaml:"send_wait"`
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		Address:  "127.0.0.1:8087",
		SendWait: 10 * time.Second,
	}
}

// Queue is the slice of the group queue the gateway drives.
type Queue interface {
	EnqueueMessageCheck(groupJID string)
	SendMessage(groupJID, text string, attachments []string) bool
	GroupActive(groupJID string) bool
	Snapshot() queue.Status
}

// Gateway is the HTTP control API server.
type Gateway struct {
	cfg       Config
	queue     Queue
	store     store.Store
	transport channels.Transport
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg Config, q Queue, st store.Store, transport channels.Transport, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if cfg.SendWait <= 0 {
		cfg.SendWait = DefaultConfig().SendWait
	}
	return &Gateway{
		cfg:       cfg,
		queue:     q,
		store:     st,
		transport: transport,
		logger:    logger.With("component", "gateway"),
	}
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/groups", g.handleGroups)
	mux.HandleFunc("/api/tasks", g.handleTasks)
	mux.HandleFunc("/api/enqueue", g.handleEnqueue)
	mux.HandleFunc("/api/send", g.handleSend)

	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.securityHeadersMiddleware(g.authMiddleware(mux)),
	}

	if g.cfg.TokenHash == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("gateway: no auth token configured on a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway: server error", "error", err)
		}
	}()
	g.logger.Info("gateway: started", "address", g.cfg.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway: stopping")
	return g.server.Shutdown(ctx)
}

// ---------- handlers ----------

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"queue": g.queue.Snapshot(),
		"transport": map[string]any{
			"name":      g.transport.Name(),
			"connected": g.transport.Connected(),
		},
	})
}

func (g *Gateway) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := g.store.AllGroups()
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, groups)
}

func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.store.AllTasks()
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, tasks)
}

type enqueueRequest struct {
	GroupJID string `json:"groupJid"`
}

// handleEnqueue asks for a message run for a group.
func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupJID == "" {
		g.writeError(w, "groupJid is required", http.StatusBadRequest)
		return
	}
	if group, err := g.store.GroupByJID(req.GroupJID); err != nil || group == nil {
		g.writeError(w, fmt.Sprintf("group %s not registered", req.GroupJID), http.StatusNotFound)
		return
	}

	g.queue.EnqueueMessageCheck(req.GroupJID)
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

type sendRequest struct {
	GroupJID string `json:"groupJid"`
	Text     string `json:"text"`
}

// handleSend injects text into a group's running sandbox. When no
// sandbox is live, a run is enqueued and the request waits up to
// SendWait for pickup; on timeout it reports so — the enqueued run
// itself is not cancelled.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupJID == "" || req.Text == "" {
		g.writeError(w, "groupJid and text are required", http.StatusBadRequest)
		return
	}
	if group, err := g.store.GroupByJID(req.GroupJID); err != nil || group == nil {
		g.writeError(w, fmt.Sprintf("group %s not registered", req.GroupJID), http.StatusNotFound)
		return
	}

	if g.queue.SendMessage(req.GroupJID, req.Text, nil) {
		g.writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "via": "live"})
		return
	}

	// No live sandbox. Seed the batch through the store so the run
	// picks it up, then wait for delivery to become possible.
	if err := g.store.SaveMessage(&store.Message{
		ChatJID:   req.GroupJID,
		Sender:    "gateway",
		Text:      req.Text,
		Timestamp: time.Now(),
	}); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.queue.EnqueueMessageCheck(req.GroupJID)

	deadline := time.Now().Add(g.cfg.SendWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-r.Context().Done():
			g.writeJSON(w, http.StatusAccepted, map[string]any{"delivered": false, "reason": "client gone, run still enqueued"})
			return
		case <-ticker.C:
			if g.queue.GroupActive(req.GroupJID) {
				g.writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "via": "enqueued"})
				return
			}
		}
	}
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"delivered": false,
		"reason":    fmt.Sprintf("no sandbox pickup within %s, run still enqueued", g.cfg.SendWait),
	})
}

// ---------- responses ----------

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("gateway: encoding response failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}
