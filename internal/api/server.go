// Package api provides the local HTTP surface the presentation layer
// talks to: account state, sync triggers, user operations, pagination
// and a server-sent event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelmail/kestrel/internal/config"
	"github.com/kestrelmail/kestrel/internal/push"
	"github.com/kestrelmail/kestrel/internal/scheduler"
	"github.com/kestrelmail/kestrel/internal/store"
	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

// Syncer defines the orchestrator operations the API needs.
type Syncer interface {
	AccountIDs() []string
	State(accountID string) (kestrelsync.Snapshot, error)
	States() []kestrelsync.Snapshot
	SyncAccount(ctx context.Context, accountID string, force bool) (*kestrelsync.Result, error)
	SyncAll(ctx context.Context) []*kestrelsync.Result
	Pause(accountID string) error
	Resume(accountID string) error
	SetOnline(online bool)
	Online() bool
	EnqueueOperation(ctx context.Context, accountID string, op *kestrelsync.Operation) error
	NextPage(ctx context.Context, accountID string) ([]store.Message, error)
	PrevPage(ctx context.Context, accountID string) ([]store.Message, error)
	GoToPage(ctx context.Context, accountID, token string) ([]store.Message, error)
	ResetPages(accountID string) error
	PageState(accountID string) (kestrelsync.PageState, error)
}

// MailStore defines the store reads the API needs.
type MailStore interface {
	Messages(accountID string) []store.Message
	Message(accountID, messageID string) (store.Message, bool)
	Threads(accountID string) []store.Thread
	Labels(accountID string) []store.Label
	MessageCount(accountID string) int
}

// OpQueue defines the queue reads the API needs.
type OpQueue interface {
	Pending(accountID string) []kestrelsync.Operation
	DroppedCount(accountID string) int
}

// SyncScheduler defines the scheduler operations the API needs.
type SyncScheduler interface {
	Status() []scheduler.AccountStatus
	IsRunning() bool
}

// PushBridge defines the push operations the API needs.
type PushBridge interface {
	HandleNotification(ctx context.Context, n push.Notification)
	Enabled(accountID string) bool
}

// Server is the local HTTP API server.
type Server struct {
	cfg         *config.Config
	syncer      Syncer
	store       MailStore
	queue       OpQueue
	scheduler   SyncScheduler
	bridge      PushBridge
	events      *kestrelsync.Bus
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates an API server.
func NewServer(cfg *config.Config, syncer Syncer, st MailStore, queue OpQueue, sched SyncScheduler, bridge PushBridge, events *kestrelsync.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		syncer:    syncer,
		store:     st,
		queue:     queue,
		scheduler: sched,
		bridge:    bridge,
		events:    events,
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	rps := s.cfg.Server.RequestsPerSec
	if rps <= 0 {
		rps = 50
	}
	s.rateLimiter = NewRateLimiter(float64(rps), rps*2)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)
		r.Get("/accounts/{account}/state", s.handleAccountState)

		r.Post("/accounts/{account}/sync", s.handleSyncAccount)
		r.Post("/sync", s.handleSyncAll)
		r.Post("/accounts/{account}/pause", s.handlePause)
		r.Post("/accounts/{account}/resume", s.handleResume)

		r.Post("/accounts/{account}/operations", s.handleEnqueueOperation)
		r.Get("/accounts/{account}/queue", s.handleQueueStatus)

		r.Get("/accounts/{account}/messages", s.handleListMessages)
		r.Get("/accounts/{account}/messages/{id}", s.handleGetMessage)
		r.Get("/accounts/{account}/threads", s.handleListThreads)
		r.Get("/accounts/{account}/labels", s.handleListLabels)

		r.Post("/accounts/{account}/pages/next", s.handleNextPage)
		r.Post("/accounts/{account}/pages/prev", s.handlePrevPage)
		r.Post("/accounts/{account}/pages/goto", s.handleGoToPage)
		r.Post("/accounts/{account}/pages/reset", s.handleResetPages)
		r.Get("/accounts/{account}/pages", s.handlePageState)

		r.Get("/connection", s.handleGetConnection)
		r.Post("/connection", s.handleSetConnection)

		r.Get("/scheduler/status", s.handleSchedulerStatus)

		r.Get("/events", s.handleEvents)

		r.Post("/push/notifications", s.handlePushNotification)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = "127.0.0.1:8565"
	}

	// No WriteTimeout: /events holds the response open for the life of
	// the SSE subscription.
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
