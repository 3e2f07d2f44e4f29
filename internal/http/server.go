package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"shardkeeper/pkg/deallocator"
	"shardkeeper/pkg/metadata"
	"shardkeeper/pkg/raftadapter"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	defaultWaitTimeout       = time.Minute
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Execute(ctx context.Context, cmd raftadapter.Cmd) error
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

type iDeallocators interface {
	Start() (*deallocator.Future, error)
	Cancel() bool
	Status() deallocator.Status
}

type iStateSource interface {
	State() *metadata.ClusterState
}

// Server exposes the operator API of a node together with the raft and
// metadata ingress used by the rest of the cluster.
type Server struct {
	node         iRaftNode
	deallocators iDeallocators
	state        iStateSource
	metrics      http.Handler

	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
	waitTimeout       time.Duration
}

// NewServer creates a new server instance
func NewServer(node iRaftNode, deallocators iDeallocators, state iStateSource, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:              node,
		deallocators:      deallocators,
		state:             state,
		metrics:           promhttp.Handler(),
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: defaultReadHeaderTimeout,
		waitTimeout:       defaultWaitTimeout,
	}
}

// SetMetricsHandler replaces the default prometheus handler, e.g. with one
// bound to a private registry.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *Server) SetTimeouts(readHeader, wait time.Duration) {
	if readHeader > 0 {
		s.readHeaderTimeout = readHeader
	}
	if wait > 0 {
		s.waitTimeout = wait
	}
}

// Start starts the raft loop and the HTTP listener.
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("raft node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/deallocation", s.handleStartDeallocation)
		r.Delete("/deallocation", s.handleCancelDeallocation)
		r.Get("/deallocation", s.handleDeallocationStatus)
		r.Get("/cluster/state", s.handleClusterState)

		if s.node != nil {
			r.Post("/internal/metadata", s.handleMetadata)
			r.Post("/internal/raft", s.handleRaft)
		}
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// redirectLeader sends metadata proposals to the raft leader when it is
// known and is not this server.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil || s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		// leader unknown yet: propose locally and let raft forward it
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStartDeallocation(w http.ResponseWriter, r *http.Request) {
	f, err := s.deallocators.Start()
	if err != nil {
		s.writeJSON(w, startErrorStatus(err), NewErrorResponse(err.Error()))
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		_, _ = f.Wait(ctx)
	}

	result, err, done := f.Peek()
	switch {
	case !done:
		s.writeJSON(w, http.StatusAccepted, NewAcceptedResponse())
	case err != nil:
		s.writeJSON(w, outcomeErrorStatus(err), NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusOK, NewResultResponse(result))
	}
}

func (s *Server) handleCancelDeallocation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, CancelResponse{Cancelled: s.deallocators.Cancel()})
}

func (s *Server) handleDeallocationStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewStatusResponse(s.deallocators.Status()))
}

func (s *Server) handleClusterState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.State())
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var cmd metadata.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := cmd.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	if err := s.node.Execute(r.Context(), raftadapter.NewCmd(cmd)); err != nil {
		s.writeJSON(w, metadataErrorStatus(err), NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, deallocator.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, deallocator.ErrInvalidConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func outcomeErrorStatus(err error) int {
	switch {
	case errors.Is(err, deallocator.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, deallocator.ErrRelocationTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func metadataErrorStatus(err error) int {
	switch {
	case errors.Is(err, metadata.ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, metadata.ErrIndexExists):
		return http.StatusConflict
	case errors.Is(err, metadata.ErrInvalidCommand), errors.Is(err, metadata.ErrUnknownOp):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
