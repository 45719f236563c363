// Package web serves the JSON API and the alert event WebSocket.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// JobQueue accepts background task runs.
type JobQueue interface {
	Enqueue(name string, args ...string) error
}

type Server struct {
	svc    *tracker.Service
	jobs   JobQueue
	hub    *Hub
	config tracker.HTTP
	mux    *http.ServeMux
}

func New(svc *tracker.Service, jobs JobQueue, hub *Hub, config tracker.HTTP) *Server {
	s := &Server{
		svc:    svc,
		jobs:   jobs,
		hub:    hub,
		config: config,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return recoveryMiddleware(securityHeaders(loggingMiddleware(s.mux)))
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", s.config.Listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := server.Shutdown(shutdown); err != nil {
		return fmt.Errorf("could not shut down server: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	// Auth
	s.mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/v1/auth/me", s.authenticated(s.handleMe))

	// Organizations
	s.mux.HandleFunc("GET /api/v1/organizations", s.authenticated(s.handleOrganizations))
	s.mux.HandleFunc("POST /api/v1/admin/organizations", s.superadmin(s.handleCreateOrganization))
	s.mux.HandleFunc("POST /api/v1/organizations/{name}/members", s.tenant(true, s.handleAddMember))

	// Products
	s.mux.HandleFunc("GET /api/v1/organizations/{name}/products", s.tenant(false, s.handleListProducts))
	s.mux.HandleFunc("POST /api/v1/organizations/{name}/products", s.tenant(true, s.handleAddProduct))
	s.mux.HandleFunc("DELETE /api/v1/organizations/{name}/products/{cpe...}", s.tenant(true, s.handleRemoveProduct))
	s.mux.HandleFunc("PATCH /api/v1/organizations/{name}/product-settings", s.tenant(true, s.handleProductSettings))

	// Alerts
	s.mux.HandleFunc("GET /api/v1/organizations/{name}/alerts", s.tenant(false, s.handleListAlerts))
	s.mux.HandleFunc("GET /api/v1/organizations/{name}/alerts/critical-active-count", s.tenant(false, s.handleCriticalCount))
	s.mux.HandleFunc("PATCH /api/v1/organizations/{name}/alerts/status", s.tenant(true, s.handleAlertStatus))
	s.mux.HandleFunc("PUT /api/v1/organizations/{name}/alerts", s.tenant(true, s.handleUpdateAlert))
	s.mux.HandleFunc("DELETE /api/v1/organizations/{name}/alerts", s.tenant(true, s.handleDeleteAlert))
	s.mux.HandleFunc("PATCH /api/v1/organizations/{name}/alerts/bulk", s.tenant(true, s.handleBulkAlerts))

	// Vulnerability data
	s.mux.HandleFunc("GET /api/v1/cpes/search", s.authenticated(s.handleSearchPlatforms))
	s.mux.HandleFunc("GET /api/v1/cves/{id}", s.authenticated(s.handleVulnerability))

	// Notifications
	s.mux.HandleFunc("GET /api/v1/notifications", s.authenticated(s.handleNotifications))
	s.mux.HandleFunc("PATCH /api/v1/notifications/{id}/read", s.authenticated(s.handleNotificationRead))

	// Superadmin
	s.mux.HandleFunc("POST /api/v1/superadmin/sync", s.superadmin(s.handleSync))
	s.mux.HandleFunc("GET /api/v1/superadmin/synchronization-status", s.superadmin(s.handleSyncStatus))
	s.mux.HandleFunc("GET /api/v1/superadmin/summary", s.superadmin(s.handleSummary))
	s.mux.HandleFunc("GET /api/v1/superadmin/load-progress", s.superadmin(s.handleLoadProgress))

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.authenticated(s.handleWebSocket))
}
