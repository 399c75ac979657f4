package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"photo-shrink-go/internal/batch"
	"photo-shrink-go/internal/compressor"
	"photo-shrink-go/internal/config"
	"photo-shrink-go/internal/logger"
	"photo-shrink-go/internal/probe"
	"photo-shrink-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errBusy = errors.New("operation already in progress")

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	prober     probe.CachedProber
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	operation      string
	cancel         context.CancelFunc
	currentStats   *statistics.Statistics
	lastResults    []compressor.Result
	done           chan struct{}
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ScanRequest struct {
	Directory string `json:"directory"`
}

type ShrinkRequest struct {
	SourceDirectory string  `json:"source_directory"`
	MaxSizeKB       float64 `json:"max_size_kb,omitempty"`
	DryRun          bool    `json:"dry_run"`
}

type FileEntry struct {
	Path         string      `json:"path"`
	Name         string      `json:"name"`
	IsDirectory  bool        `json:"is_directory"`
	Size         int64       `json:"size"`
	ModifiedTime string      `json:"modified_time"`
	Image        *probe.Info `json:"image,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		prober:    probe.NewEXIFProber(log, cfg.Processing.Mark),
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/shrink", s.handleShrink).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/files", s.handleListFiles).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels a running operation and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.RLock()
	cancel := s.cancel
	s.operationMutex.RUnlock()
	if cancel != nil {
		cancel()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Wait blocks until the current operation, if any, has finished.
func (s *Server) Wait() {
	s.operationMutex.RLock()
	done := s.done
	s.operationMutex.RUnlock()
	if done != nil {
		<-done
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	operation := s.operation
	stats := s.currentStats
	s.operationMutex.RUnlock()

	var statsData interface{}
	if stats != nil {
		statsData = stats.Snapshot()
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    running,
			"operation":  operation,
			"statistics": statsData,
		},
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Directory == "" {
		s.writeError(w, "Directory is required", http.StatusBadRequest)
		return
	}

	if !dirExists(req.Directory) {
		s.writeError(w, "Directory does not exist", http.StatusBadRequest)
		return
	}

	cfg := *s.cfg
	cfg.SourceDirectory = req.Directory
	cfg.Security.DryRun = true

	if err := s.startOperation("scan", &cfg); err != nil {
		s.writeOperationError(w, err)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Scan started",
	})
}

func (s *Server) handleShrink(w http.ResponseWriter, r *http.Request) {
	var req ShrinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.SourceDirectory == "" {
		s.writeError(w, "Source directory is required", http.StatusBadRequest)
		return
	}

	if req.MaxSizeKB < 0 {
		s.writeError(w, "max_size_kb must be positive", http.StatusBadRequest)
		return
	}

	if !dirExists(req.SourceDirectory) {
		s.writeError(w, "Source directory does not exist", http.StatusBadRequest)
		return
	}

	cfg := *s.cfg
	cfg.SourceDirectory = req.SourceDirectory
	cfg.Security.DryRun = req.DryRun
	if req.MaxSizeKB > 0 {
		cfg.Budget.MaxSizeKB = req.MaxSizeKB
	}

	if err := s.startOperation("shrink", &cfg); err != nil {
		s.writeOperationError(w, err)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Recompression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	cancel := s.cancel
	s.operationMutex.RUnlock()

	if !running || cancel == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Message: "No operation in progress",
		})
		return
	}

	cancel()
	s.broadcastWSMessage("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopped",
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	// prevent directory traversal
	path = filepath.Clean(path)
	if strings.Contains(path, "..") {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read directory: %v", err), http.StatusInternalServerError)
		return
	}

	files := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		fullPath := filepath.Join(path, entry.Name())
		fe := FileEntry{
			Path:         fullPath,
			Name:         entry.Name(),
			IsDirectory:  entry.IsDir(),
			Size:         info.Size(),
			ModifiedTime: info.ModTime().Format(time.RFC3339),
		}
		if !entry.IsDir() && s.cfg.IsSupportedExtension(filepath.Ext(entry.Name())) {
			if img, err := s.prober.Probe(fullPath); err == nil {
				fe.Image = img
			} else {
				logger.WithFile(s.log, fullPath).Debugf("Probe failed: %v", err)
			}
		}
		files = append(files, fe)
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    files,
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	stats := s.currentStats
	results := s.lastResults
	s.operationMutex.RUnlock()

	if stats == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary": stats.GetSummary(),
			"files":   stats.Snapshot(),
			"errors":  stats.GetErrors(),
			"results": results,
		},
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
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// startOperation claims the single operation slot and runs the batch in the
// background. It fails with errBusy while another operation is running.
func (s *Server) startOperation(operation string, cfg *config.Config) error {
	shrinker, err := s.newShrinker(cfg)
	if err != nil {
		return err
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		return errBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	stats := statistics.NewStatistics()
	done := make(chan struct{})
	s.isRunning = true
	s.operation = operation
	s.cancel = cancel
	s.currentStats = stats
	s.lastResults = nil
	s.done = done
	s.operationMutex.Unlock()

	s.broadcastWSMessage(operation+"_started", map[string]interface{}{
		"source_directory": cfg.SourceDirectory,
		"max_size_kb":      cfg.Budget.MaxSizeKB,
		"dry_run":          cfg.Security.DryRun,
	})

	runner := batch.NewRunnerWithLogHook(cfg, s.log, stats, s.prober, shrinker, func(level, message string) {
		s.broadcastWSMessage("log", map[string]interface{}{
			"level":   level,
			"message": message,
		})
	})

	go func() {
		defer close(done)
		defer cancel()

		results, err := runner.Run(ctx)
		if err != nil {
			logger.WithOperation(s.log, operation).Warnf("Operation ended early: %v", err)
		}

		s.operationMutex.Lock()
		s.isRunning = false
		s.cancel = nil
		s.lastResults = results
		s.operationMutex.Unlock()

		if err != nil {
			s.broadcastWSMessage(operation+"_error", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		s.broadcastWSMessage(operation+"_completed", map[string]interface{}{
			"statistics": stats.Snapshot(),
			"summary":    stats.GetSummary(),
		})
	}()
	return nil
}

func (s *Server) newShrinker(cfg *config.Config) (compressor.Shrinker, error) {
	var opts []compressor.Option
	if cfg.Processing.MarkOutput {
		opts = append(opts, compressor.WithMarker(compressor.NewExiftoolMarker(cfg.Processing.Mark)))
	}
	return compressor.NewRecompressor(cfg.Params(), s.log, opts...)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// a websocket connection supports one concurrent writer
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
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
	if err := json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBusy) {
		s.writeError(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeError(w, err.Error(), http.StatusBadRequest)
}

func dirExists(path string) bool {
	info, err := os.Stat(config.ExpandPath(path))
	return err == nil && info.IsDir()
}
