// Package nodeserver wraps one DHT peer in an HTTP server so deployments can
// run each peer in its own process. Incoming messages arrive on POST /message
// or over the /ws WebSocket endpoint; routing state is installed via /init.
package nodeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"dhtlab/chord"
	"dhtlab/config"
	"dhtlab/index"
	"dhtlab/pastry"
	"dhtlab/transport"
)

// Protocol names accepted by New.
const (
	ProtocolChord  = "chord"
	ProtocolPastry = "pastry"
)

// Server hosts a single peer of either protocol.
type Server struct {
	nodeID   int
	protocol string
	cfg      config.Config

	net       *transport.HTTPTransport
	chordNode *chord.Node
	pastryNet *pastry.Overlay

	mux      *http.ServeMux
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	requests atomic.Int64

	logger *zap.Logger
}

// New creates a node server. A Chord peer is usable immediately; a Pastry
// peer answers ErrNotInitialized until /init installs its routing state.
func New(nodeID int, protocol string, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		nodeID:   nodeID,
		protocol: protocol,
		cfg:      cfg,
		net:      transport.NewHTTPTransport(cfg.Timeout, logger),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   logger,
	}

	switch protocol {
	case ProtocolChord:
		s.chordNode = chord.NewNode(nodeID, cfg.M, cfg.Order, s.net, logger)
	case ProtocolPastry:
		s.pastryNet = pastry.NewOverlay(cfg.M, cfg.B, cfg.LeafSetSize, cfg.Order, s.net, logger)
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}

	s.setupRoutes()
	return s, nil
}

// Handler exposes the server's mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves HTTP on address until Shutdown.
func (s *Server) Start(address string) error {
	s.httpSrv = &http.Server{
		Addr:         address,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("node server listening",
		zap.Int("node_id", s.nodeID), zap.String("protocol", s.protocol), zap.String("addr", address))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/message", s.handleMessage)
	s.mux.HandleFunc("/init", s.handleInit)
	s.mux.HandleFunc("/store", s.handleStoreOp(transport.TypeInsert))
	s.mux.HandleFunc("/insert", s.handleStoreOp(transport.TypeInsert))
	s.mux.HandleFunc("/lookup", s.handleStoreOp(transport.TypeLookup))
	s.mux.HandleFunc("/delete", s.handleStoreOp(transport.TypeDelete))
	s.mux.HandleFunc("/info", s.handleInfo)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/reset_stats", s.handleResetStats)
	s.mux.HandleFunc("/ws", s.handleWS)
}

// localHandler resolves the message handler of the hosted peer.
func (s *Server) localHandler() (transport.Handler, error) {
	if s.chordNode != nil {
		return s.chordNode.HandleMessage, nil
	}
	if h, ok := s.pastryNet.Handler(s.nodeID); ok {
		return h, nil
	}
	return nil, transport.ErrNotInitialized
}

func (s *Server) localStorage() (*index.Storage, error) {
	if s.chordNode != nil {
		return s.chordNode.Storage(), nil
	}
	if n, ok := s.pastryNet.Node(s.nodeID); ok {
		return n.Storage(), nil
	}
	return nil, transport.ErrNotInitialized
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.nodeID,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	s.requests.Inc()

	var msg transport.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad envelope: %w", err))
		return
	}
	msg.Value = transport.DecodeValue(msg.Value)

	handler, err := s.localHandler()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := handler(msg)
	if err != nil {
		s.logger.Error("message handling failed",
			zap.String("msg_type", string(msg.Type)), zap.Int("src", msg.Src), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, transport.Reply{Result: transport.EncodeValue(result)})
}

// initPayload carries the routing state installed by the orchestrator.
type initPayload struct {
	Successor   *int              `json:"successor,omitempty"`
	Predecessor *int              `json:"predecessor,omitempty"`
	FingerTable []int             `json:"finger_table,omitempty"`
	AllNodes    []int             `json:"all_nodes,omitempty"`
	Peers       map[string]string `json:"peers,omitempty"` // id -> "host:port"
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.requests.Inc()

	var payload initPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad init payload: %w", err))
		return
	}

	for rawID, addr := range payload.Peers {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad peer id %q", rawID))
			return
		}
		if id != s.nodeID {
			s.net.AddPeer(id, addr)
		}
	}

	switch s.protocol {
	case ProtocolChord:
		if payload.Successor != nil && payload.Predecessor != nil {
			s.chordNode.SetPointers(*payload.Successor, *payload.Predecessor)
		}
		if len(payload.FingerTable) > 0 {
			s.chordNode.SetFingers(payload.FingerTable)
		}

	case ProtocolPastry:
		s.pastryNet.AddNode(s.nodeID)
		if err := s.pastryNet.InitNode(s.nodeID, payload.AllNodes); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.logger.Info("routing state installed", zap.Int("node_id", s.nodeID))
	s.writeJSON(w, http.StatusOK, transport.Reply{Result: "ok"})
}

// handleStoreOp serves the direct local store endpoints, bypassing routing.
func (s *Server) handleStoreOp(op transport.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Inc()

		var req struct {
			Key   string      `json:"key"`
			Value interface{} `json:"value,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
			return
		}

		store, err := s.localStorage()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}

		var result interface{}
		switch op {
		case transport.TypeLookup:
			result = store.Get(req.Key)
		case transport.TypeInsert:
			store.Put(req.Key, transport.DecodeValue(req.Value))
			result = true
		case transport.TypeDelete:
			store.Delete(req.Key)
			result = true
		}

		s.writeJSON(w, http.StatusOK, transport.Reply{Result: transport.EncodeValue(result)})
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"node_id":  s.nodeID,
		"protocol": s.protocol,
		"m":        s.cfg.M,
	}

	switch s.protocol {
	case ProtocolChord:
		info["successor"] = s.chordNode.Successor()
		info["predecessor"] = s.chordNode.Predecessor()
		info["keys"] = s.chordNode.Storage().Len()
	case ProtocolPastry:
		if n, ok := s.pastryNet.Node(s.nodeID); ok {
			info["leaf_smaller"] = n.LeafSmaller()
			info["leaf_larger"] = n.LeafLarger()
			info["keys"] = n.Storage().Len()
		} else {
			info["initialized"] = false
		}
	}

	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.net.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_hops":    stats.TotalHops,
		"message_count": stats.MessageCount,
		"request_count": s.requests.Load(),
	})
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.net.ResetCounters()
	s.requests.Store(0)
	s.writeJSON(w, http.StatusOK, transport.Reply{Result: "ok"})
}

// handleWS serves the WebSocket message endpoint: each text frame is one
// envelope, answered in order with one reply frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.requests.Inc()
		msg.Value = transport.DecodeValue(msg.Value)

		reply := transport.Reply{}
		if handler, err := s.localHandler(); err != nil {
			reply.Error = err.Error()
		} else if result, err := handler(msg); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = transport.EncodeValue(result)
		}

		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, transport.Reply{Error: err.Error()})
}
