// Package rpc provides the JSON-RPC 2.0 server for the chainledger
// daemon, plus a WebSocket feed of import and provider lifecycle
// events.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chainledger/chainledger/internal/events"
	"github.com/chainledger/chainledger/internal/importer"
	"github.com/chainledger/chainledger/internal/matching"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/registry"
	"github.com/chainledger/chainledger/internal/storage"
	"github.com/chainledger/chainledger/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store     *storage.Storage
	registry  *registry.Registry
	runner    *importer.Runner
	matcher   *matching.Service
	providers *provider.Manager
	bus       *events.Bus
	log       *logging.Logger
	wsHub     *WSHub

	server   *http.Server
	listener net.Listener
	started  time.Time

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server.
func NewServer(store *storage.Storage, reg *registry.Registry, runner *importer.Runner, matcher *matching.Service, providers *provider.Manager, bus *events.Bus) *Server {
	s := &Server{
		store:     store,
		registry:  reg,
		runner:    runner,
		matcher:   matcher,
		providers: providers,
		bus:       bus,
		log:       logging.GetDefault().Component("rpc"),
		handlers:  make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Account methods
	s.handlers["accounts_create"] = s.accountsCreate
	s.handlers["accounts_list"] = s.accountsList
	s.handlers["accounts_get"] = s.accountsGet
	s.handlers["accounts_delete"] = s.accountsDelete

	// Import methods
	s.handlers["import_run"] = s.importRun
	s.handlers["import_sessions"] = s.importSessions
	s.handlers["import_counts"] = s.importCounts

	// Matching methods
	s.handlers["match_run"] = s.matchRun

	// Link methods
	s.handlers["links_list"] = s.linksList
	s.handlers["links_get"] = s.linksGet
	s.handlers["links_confirm"] = s.linksConfirm
	s.handlers["links_delete"] = s.linksDelete

	// Provider methods
	s.handlers["providers_list"] = s.providersList

	// Adapter methods
	s.handlers["adapters_list"] = s.adaptersList
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	// Initialize WebSocket hub and bridge bus events into it
	s.wsHub = NewWSHub()
	go s.wsHub.Run()
	s.bridgeEvents()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // import_run is long-running
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// bridgeEvents forwards every bus event to subscribed WebSocket
// clients. Publishers are synchronous, so the hub's buffered broadcast
// channel absorbs the fan-out.
func (s *Server) bridgeEvents() {
	s.bus.SubscribeAll(func(ev events.Event) {
		s.wsHub.Broadcast(EventType(ev.Topic), map[string]interface{}{
			"session_id": ev.SessionID,
			"account_id": ev.AccountID,
			"source":     ev.Source,
			"provider":   ev.Provider,
			"counts":     ev.Counts,
			"metadata":   ev.Metadata,
		})
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}
