package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/api"
	"github.com/ssvlabs/keymanager/api/handlers"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/logging/fields"
)

type Server struct {
	logger     *zap.Logger
	addr       string
	keymanager *handlers.KeyManager
}

func New(logger *zap.Logger, addr string, keymanagerHandler *handlers.KeyManager) *Server {
	return &Server{
		logger:     logger.Named(logging.NameAPIServer),
		addr:       addr,
		keymanager: keymanagerHandler,
	}
}

// Router builds the keymanager API routes.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Get("/eth/v1/keystores", api.Handler(s.keymanager.ListKeystores))
	router.Post("/eth/v1/keystores", api.Handler(s.keymanager.ImportKeystores))
	router.Delete("/eth/v1/keystores", api.Handler(s.keymanager.DeleteKeystores))

	router.Get("/eth/v1/remotekeys", api.Handler(s.keymanager.ListRemoteKeys))
	router.Post("/eth/v1/remotekeys", api.Handler(s.keymanager.ImportRemoteKeys))
	router.Delete("/eth/v1/remotekeys", api.Handler(s.keymanager.DeleteRemoteKeys))

	return router
}

func (s *Server) Run() error {
	s.logger.Info("Serving keymanager API", fields.Address(s.addr))

	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  12 * time.Second,
		WriteTimeout: 12 * time.Second,
	}
	return server.ListenAndServe()
}
