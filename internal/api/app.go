package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/database"
	"github.com/npezzotti/roomsync/internal/server"
	cache "github.com/patrickmn/go-cache"
)

const verifiedUserTTL = time.Minute

type App struct {
	log            *log.Logger
	db             database.Repository
	srv            *http.Server
	cs             *server.ChatServer
	tokens         *TokenManager
	verified       *cache.Cache
	allowedOrigins []string
}

// NewApp routes the websocket endpoint, the procedure endpoint and the health
// check on mux. The caller may register further routes on mux.
func NewApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository, tokens *TokenManager, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		tokens:         tokens,
		verified:       cache.New(verifiedUserTTL, 2*verifiedUserTTL),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.identityMiddleware(s.serveWs))
	mux.Handle("POST /api/rpc/{method}", s.identityMiddleware(s.rpc))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Handler() http.Handler {
	return s.srv.Handler
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
