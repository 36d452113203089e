package api

import (
	"context"
	"net/http"
	"time"

	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
)

type Server struct {
	store   jobs.JobStore
	machine *jobs.Machine
	bus     Bus
	addr    string
	httpSrv *http.Server
}

func NewServer(store jobs.JobStore, machine *jobs.Machine, bus Bus, addr string) *Server {
	return &Server{
		store:   store,
		machine: machine,
		bus:     bus,
		addr:    addr,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	AddRoutes(mux, s.store, s.machine, s.bus)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Logger.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
