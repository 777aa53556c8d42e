package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/mempool"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

// Tree is what the API reads from the block tree
type Tree interface {
	consensus.BlockReader
	QuorumCertFor(id consensus.Hash) (consensus.QuorumCert, bool)
	Len() int
}

// TxPool accepts submitted transactions
type TxPool interface {
	Add(tx []byte) (consensus.Hash, error)
	Len() int
}

// Server handles REST API and WebSocket connections
type Server struct {
	tree   Tree
	pool   TxPool
	router *mux.Router
	hub    *Hub // WebSocket hub
	log    *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(tree Tree, pool TxPool, logger *zap.SugaredLogger) *Server {
	logger = util.OrNop(logger)
	s := &Server{
		tree:   tree,
		pool:   pool,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Tree endpoints
	api.HandleFunc("/tree", s.handleGetTree).Methods("GET")
	api.HandleFunc("/tree/root", s.handleGetRoot).Methods("GET")
	api.HandleFunc("/tree/highest-certified", s.handleGetHighestCertified).Methods("GET")

	// Block endpoints
	api.HandleFunc("/blocks/{id}", s.handleGetBlock).Methods("GET")
	api.HandleFunc("/blocks/{id}/path", s.handleGetPath).Methods("GET")

	// Transaction submission
	api.HandleFunc("/txs", s.handleSubmitTx).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start serves the API on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	hcb, hqc := s.tree.HighestCertified()
	respondJSON(w, TreeStatus{
		Root:             s.blockInfo(s.tree.OrderedRoot()),
		HighestCertified: s.blockInfo(hcb),
		HighestQC:        toQCInfo(hqc),
		Blocks:           s.tree.Len(),
		MempoolSize:      s.pool.Len(),
	})
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.blockInfo(s.tree.OrderedRoot()))
}

func (s *Server) handleGetHighestCertified(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.blockInfo(s.tree.HighestCertifiedBlock()))
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBlock(w, r)
	if !ok {
		return
	}
	info := s.blockInfo(b)
	info.Txs = make([]string, len(b.Payload))
	for i, tx := range b.Payload {
		info.Txs[i] = "0x" + tx.Hash().String()
	}
	respondJSON(w, info)
}

func (s *Server) handleGetPath(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBlock(w, r)
	if !ok {
		return
	}
	path, ok := s.tree.PathFromRoot(b.ID)
	if !ok {
		// pruned between the two reads
		respondError(w, http.StatusNotFound, "block not found", b.ID.String())
		return
	}
	out := make([]BlockInfo, len(path))
	for i, pb := range path {
		out[i] = s.blockInfo(pb)
	}
	respondJSON(w, out)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req SubmitTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	tx, err := hex.DecodeString(strings.TrimPrefix(req.Tx, "0x"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tx hex", err.Error())
		return
	}

	h, err := s.pool.Add(tx)
	if err != nil {
		respondError(w, txErrorStatus(err), "transaction rejected", err.Error())
		return
	}

	s.log.Debugw("tx_submitted", "hash", h.Short(), "bytes", len(tx))
	respondJSON(w, SubmitTxResponse{Status: "submitted", Hash: "0x" + h.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from consensus)
// ==============================

// BroadcastCertified tells "certified" subscribers about a new highest
// certified block
func (s *Server) BroadcastCertified(b *consensus.Block, qc consensus.QuorumCert) {
	s.hub.BroadcastToChannel("certified", CertifiedUpdate{
		Type:  "certified",
		Block: toBlockInfo(b),
		QC:    toQCInfo(qc),
	})
}

// BroadcastCommitted tells "committed" subscribers that the root advanced
func (s *Server) BroadcastCommitted(root *consensus.Block, pruned []consensus.Hash) {
	ids := make([]string, len(pruned))
	for i, h := range pruned {
		ids[i] = "0x" + h.String()
	}
	s.hub.BroadcastToChannel("committed", CommittedUpdate{
		Type:   "committed",
		Root:   toBlockInfo(root),
		Pruned: ids,
	})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) lookupBlock(w http.ResponseWriter, r *http.Request) (*consensus.Block, bool) {
	id, err := consensus.HashFromHex(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid block id", err.Error())
		return nil, false
	}
	b, ok := s.tree.GetBlock(id)
	if !ok {
		respondError(w, http.StatusNotFound, "block not found", id.String())
		return nil, false
	}
	return b, true
}

func (s *Server) blockInfo(b *consensus.Block) BlockInfo {
	info := toBlockInfo(b)
	if qc, ok := s.tree.QuorumCertFor(b.ID); ok {
		q := toQCInfo(qc)
		info.Certified = &q
	}
	return info
}

func txErrorStatus(err error) int {
	switch {
	case errors.Is(err, mempool.ErrDuplicate), errors.Is(err, mempool.ErrAlreadyCommitted):
		return http.StatusConflict
	case errors.Is(err, mempool.ErrFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, mempool.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
