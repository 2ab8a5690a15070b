package web

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Route paths of the compression functions.
const (
	RouteCompress       = "/function/compress-image"
	RouteCompressBase64 = "/function/compress-image-node"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	compressor compressor.Compressor
	inspector  *metadata.Inspector
	archive    storage.Archive
	stats      *statistics.Statistics
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]*wsClient
	wsMutex    sync.RWMutex
}

// wsClient serializes writes to one connection; a websocket.Conn allows a
// single concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// FunctionInfo describes a deployed compression function.
type FunctionInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

// NewServer wires the compression endpoint. archive may be nil.
func NewServer(cfg *config.Config, log *logrus.Logger, comp compressor.Compressor, archive storage.Archive) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log,
		router:     mux.NewRouter(),
		compressor: comp,
		inspector:  metadata.NewInspector(log),
		archive:    archive,
		stats:      statistics.NewStatistics(),
		wsClients:  make(map[*websocket.Conn]*wsClient),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.Server.AllowedOrigins, "*") ||
				slices.Contains(cfg.Server.AllowedOrigins, origin)
		},
	}

	s.setupRoutes()
	s.handler = s.withCORS(s.withRequestID(s.withLogging(s.router)))
	return s
}

func (s *Server) setupRoutes() {
	// Compression functions
	fn := s.router.PathPrefix("/function").Subrouter()
	fn.Use(s.bodySizeLimit)
	fn.HandleFunc("/compress-image", s.handleCompressBinary).Methods("POST")
	fn.HandleFunc("/compress-image-node", s.handleCompressBase64).Methods("POST")

	// Health
	s.router.HandleFunc("/system/functions", s.handleListFunctions).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Statistics returns the live service counters.
func (s *Server) Statistics() *statistics.Statistics {
	return s.stats
}

func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.log.Infof("Starting compression endpoint on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.wsMutex.Lock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for conn, c := range s.wsClients {
		clients = append(clients, c)
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.mu.Unlock()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, []FunctionInfo{
		{Name: "compress-image", Path: RouteCompress, Encoding: "binary"},
		{Name: "compress-image-node", Path: RouteCompressBase64, Encoding: "base64"},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleNotFound answers unknown /api routes with the JSON envelope and
// everything else with plain text, like the compression functions.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}
	writeText(w, http.StatusNotFound, "404 page not found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func isAPIPath(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.stats.Snapshot(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = &wsClient{conn: conn}
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) wsClientCount() int {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	return len(s.wsClients)
}

func (s *Server) wsClientList() []*wsClient {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for _, c := range s.wsClients {
		clients = append(clients, c)
	}
	return clients
}

// broadcastWSMessage sends an event to every connected client. The hub lock
// is only held to snapshot and prune the client set, never across a write.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	msgBytes, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	for _, c := range s.wsClientList() {
		if err := c.write(msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			s.wsMutex.Lock()
			delete(s.wsClients, c.conn)
			s.wsMutex.Unlock()
			c.conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeText writes the plain-text bodies the compression functions answer with.
func writeText(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}
