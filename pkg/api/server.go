package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hadv/ockham/pkg/consensus"
	"github.com/hadv/ockham/pkg/node"
)

// StatusSource is the read-only view the API exposes. Snapshots come from
// the store, written only by the engine.
type StatusSource interface {
	GetBlock(h consensus.Hash) (consensus.Block, bool)
	LoadState() (consensus.Snapshot, bool)
}

// Server serves the node status REST API and the websocket commit feed.
type Server struct {
	store  StatusSource
	exec   *node.Executor
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(store StatusSource, exec *node.Executor, log *zap.SugaredLogger) *Server {
	s := &Server{
		store:  store,
		exec:   exec,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/committee", s.handleCommittee).Methods("GET")
	api.HandleFunc("/block/{hash}", s.handleBlock).Methods("GET")

	s.router.HandleFunc("/ws/commits", s.hub.handleUpgrade)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Start(addr string) error {
	go s.hub.Run()
	if s.exec != nil {
		go s.pumpCommits()
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	if s.log != nil {
		s.log.Infow("api_listening", "addr", addr)
	}
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) pumpCommits() {
	for b := range s.exec.SubscribeCommits() {
		msg, err := json.Marshal(blockInfo(b))
		if err != nil {
			continue
		}
		s.hub.Broadcast(msg)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.store.LoadState()
	if !ok {
		http.Error(w, "no state", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, StatusResponse{
		CurrentView:      uint64(snap.CurrentView),
		NotarizedView:    uint64(snap.HighestNotarized.View),
		NotarizedHash:    snap.HighestNotarized.Hash.String(),
		FinalizedView:    uint64(snap.HighestFinalized.View),
		FinalizedHash:    snap.HighestFinalized.Hash.String(),
		CommitteeSize:    len(snap.Validators),
	})
}

func (s *Server) handleCommittee(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.store.LoadState()
	if !ok {
		http.Error(w, "no state", http.StatusServiceUnavailable)
		return
	}
	out := make([]ValidatorInfo, 0, len(snap.Validators))
	for _, v := range snap.Validators {
		out = append(out, ValidatorInfo{
			ID:              string(v.ID),
			Address:         v.Address.Hex(),
			Stake:           snap.Stakes[v.ID],
			InactivityScore: snap.InactivityScores[v.ID],
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(mux.Vars(r)["hash"])
	if err != nil || len(raw) != 32 {
		http.Error(w, "bad hash", http.StatusBadRequest)
		return
	}
	var h consensus.Hash
	copy(h[:], raw)
	b, ok := s.store.GetBlock(h)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, blockInfo(b))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
