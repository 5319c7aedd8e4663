package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/authz"
	"github.com/maqalati/server/internal/db"
	"github.com/maqalati/server/internal/handlers"
	"github.com/maqalati/server/internal/logging"
	"github.com/maqalati/server/internal/metrics"
	"github.com/maqalati/server/internal/mq"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/session"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrDatabase marks a failure to reach postgres at startup.
var ErrDatabase = errors.New("failed to connect to database")

// Server wraps the HTTP server, router and the connections it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	redis      *redis.Client
	broker     mq.Backend
	logger     zerolog.Logger
}

// Deps are the collaborators the router is built from.
type Deps struct {
	DB       handlers.Pinger
	Sessions session.Store
	Users    *store.UserRepository
	Unique   *store.UniqueLookup
	Objects  storage.ObjectStorage
	Events   services.Publisher
}

// New connects to every configured backend and builds the router.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return nil, ErrDatabase
	}

	s := &Server{db: dbConn, logger: logger}

	var sessions session.Store
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Store)) {
	case "", "memory":
		sessions = session.NewMemoryStore()
	case "redis":
		s.redis, err = session.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			s.close()
			return nil, err
		}
		sessions = session.NewRedisStore(s.redis)
	default:
		s.close()
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}

	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, err
	}
	if objects != nil {
		if err := objects.EnsureBucket(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
	}

	s.broker, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, err
	}

	deps := Deps{
		DB:       dbConn,
		Sessions: sessions,
		Users:    store.NewUserRepository(dbConn, cfg.Security),
		Unique:   store.NewUniqueLookup(dbConn),
		Objects:  objects,
	}
	if s.broker != nil {
		deps.Events = s.broker
	}
	s.router = NewRouter(cfg, deps, logger)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().
		Str("session_store", cfg.Session.Store).
		Bool("avatars", objects != nil).
		Bool("broker", s.broker != nil).
		Msg("server configured")
	return s, nil
}

// NewRouter wires services and handlers on top of deps.
func NewRouter(cfg config.Config, deps Deps, logger zerolog.Logger) *chi.Mux {
	events := services.NewAccountEvents(deps.Events, cfg.MQ, cfg.Site, logger)
	users := services.NewUserService(deps.Users, deps.Unique, events, storage.NewAvatars(deps.Objects), logger)
	auth := services.NewAuthService(deps.Users, cfg.Security, cfg.Session)

	manager := session.NewManager(deps.Sessions, cfg.Session, cfg.Security, logger)
	manager.SetReauthenticator(auth)

	limiter := handlers.NewLoginLimiter(cfg.Security.LoginRateInterval(), cfg.Security.LoginRateBurst)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if cfg.Security.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(
		middleware.Recoverer,
		logging.Middleware(logger),
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz(deps.DB))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(manager.Middleware, authz.Middleware(deps.Users))
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, auth, users, limiter)
		})
		r.Route("/admin", func(r chi.Router) {
			handlers.AdminRouter(r, users)
		})
	})
	router.Route("/avatars", func(r chi.Router) {
		handlers.AvatarRouter(r, users)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close broker")
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
