// Package server exposes repositories over the Git smart HTTP transport.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gutshub/guts/pkg/protocol"
	"github.com/gutshub/guts/pkg/repo"
)

// Config assembles a Server.
type Config struct {
	Repos  *repo.Manager
	Logger *zap.Logger

	// Policy is applied to every push.
	Policy protocol.PushPolicy

	// JournalPacks archives accepted push packs next to each repository.
	// Only effective with a file-backed manager.
	JournalPacks bool
}

// Server routes smart HTTP traffic to the protocol engine.
type Server struct {
	repos        *repo.Manager
	logger       *zap.Logger
	policy       protocol.PushPolicy
	journalPacks bool
	metrics      *metrics
}

// New builds a Server from cfg. A nil logger disables access logging.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		repos:        cfg.Repos,
		logger:       logger,
		policy:       cfg.Policy,
		journalPacks: cfg.JournalPacks,
		metrics:      newMetrics(),
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{owner}/{repo}/info/refs", s.instrument("info_refs", s.handleInfoRefs))
	mux.HandleFunc("POST /{owner}/{repo}/git-upload-pack", s.instrument("upload_pack", s.handleUploadPack))
	mux.HandleFunc("POST /{owner}/{repo}/git-receive-pack", s.instrument("receive_pack", s.handleReceivePack))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) openRepo(w http.ResponseWriter, r *http.Request) (*repo.Repository, bool) {
	owner := r.PathValue("owner")
	name := r.PathValue("repo")

	repository, err := s.repos.Open(owner, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "repository not found", http.StatusNotFound)
		} else {
			s.logger.Error("open repository",
				zap.String("owner", owner), zap.String("repo", name), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return repository, true
}

// handleInfoRefs serves the reference advertisement for both services.
func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if _, err := protocol.CapabilitiesForService(service); err != nil {
		// Dumb-protocol clients omit the service parameter; only the smart
		// protocol is spoken here.
		http.Error(w, "smart protocol required", http.StatusForbidden)
		return
	}

	repository, ok := s.openRepo(w, r)
	if !ok {
		return
	}

	list, err := repository.Refs.List("refs/")
	if err != nil {
		s.logger.Error("list refs", zap.String("repo", repository.Path()), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	head, err := repository.Head()
	if err != nil {
		s.logger.Error("resolve head", zap.String("repo", repository.Path()), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")

	opts := protocol.AdvertiseOptions{SmartHTTP: true}
	if service == protocol.ServiceUploadPack {
		// HEAD is only meaningful to fetch clients.
		opts.Head = head
	}
	if err := protocol.Advertise(w, service, list, opts); err != nil {
		s.logger.Error("advertise", zap.String("repo", repository.Path()), zap.Error(err))
	}
}

// handleUploadPack serves one fetch negotiation.
func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	repository, ok := s.openRepo(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")

	engine := &protocol.UploadPack{Objects: repository.Objects, Refs: repository.Refs}
	err := engine.Run(r.Context(), r.Body, w)
	s.metrics.fetchesTotal.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		// Headers are committed; the truncated body is the failure signal.
		s.logger.Warn("upload-pack", zap.String("repo", repository.Path()), zap.Error(err))
	}
}

// handleReceivePack serves one push.
func (s *Server) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	repository, ok := s.openRepo(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")

	engine := &protocol.ReceivePack{
		Objects: repository.Objects,
		Refs:    repository.Refs,
		Policy:  s.policy,
	}
	if s.journalPacks {
		if dir, err := s.repos.JournalDir(repository); err != nil {
			s.logger.Error("journal dir", zap.String("repo", repository.Path()), zap.Error(err))
		} else if dir != "" {
			journal, err := repo.NewPackJournal(dir, repository.Objects)
			if err != nil {
				s.logger.Error("open journal", zap.String("repo", repository.Path()), zap.Error(err))
			} else {
				engine.Journal = journal
			}
		}
	}

	err := engine.Run(r.Context(), r.Body, w)
	s.metrics.pushesTotal.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		s.logger.Warn("receive-pack", zap.String("repo", repository.Path()), zap.Error(err))
	}
}
