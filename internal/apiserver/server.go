// Package apiserver exposes a small HTTP API over Application resources:
// read-only inspection of sync state and history, plus a trigger endpoint
// that requests an immediate sync cycle.
package apiserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server serves the HTTP API. It implements manager.Runnable and runs on
// every replica regardless of leader election: reads need no leadership and
// the sync trigger is just an annotation write.
type Server struct {
	client client.Client
	addr   string
	logger *slog.Logger
}

// New creates a Server listening on addr once started.
func New(c client.Client, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		client: c,
		addr:   addr,
		logger: logger.With("component", "apiserver"),
	}
}

// NeedLeaderElection reports that the API serves on non-leader replicas too.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Start runs the HTTP server until the context is cancelled.
//
//nolint:noinlineerr // server lifecycle
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http api listening", "addr", s.addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http api failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Wrap(srv.Shutdown(shutdownCtx), "failed to shut down http api")
}

//nolint:funcorder // router wiring below the lifecycle methods
func (s *Server) routes() http.Handler {
	accessLogger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "apiserver").Logger()

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(hlog.NewHandler(accessLogger))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))

	router.Route("/api/v1/applications", func(api chi.Router) {
		api.Get("/", s.listApplications)
		api.Get("/{namespace}/{name}", s.getApplication)
		api.Get("/{namespace}/{name}/history", s.getHistory)
		api.Post("/{namespace}/{name}/sync", s.triggerSync)
	})

	return router
}

// applicationSummary is the list item shape: enough to see sync state at a
// glance without the full object.
type applicationSummary struct {
	Namespace        string `json:"namespace"`
	Name             string `json:"name"`
	RepoURL          string `json:"repoURL"`
	Revision         string `json:"revision"`
	Phase            string `json:"phase"`
	ObservedRevision string `json:"observedRevision,omitempty"`
}

//nolint:funcorder,noinlineerr // http handlers
func (s *Server) listApplications(w http.ResponseWriter, r *http.Request) {
	var apps v1alpha1.ApplicationList

	if err := s.client.List(r.Context(), &apps); err != nil {
		s.writeError(w, err)

		return
	}

	summaries := make([]applicationSummary, 0, len(apps.Items))
	for i := range apps.Items {
		app := &apps.Items[i]
		summaries = append(summaries, applicationSummary{
			Namespace:        app.Namespace,
			Name:             app.Name,
			RepoURL:          app.Spec.Source.RepoURL,
			Revision:         app.Spec.Source.GetRevision(),
			Phase:            app.Status.Phase,
			ObservedRevision: app.Status.ObservedRevision,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"items": summaries})
}

//nolint:funcorder,noinlineerr // http handlers
func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.fetchApplication(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, app)
}

//nolint:funcorder,noinlineerr // http handlers
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	app, err := s.fetchApplication(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	history := app.Status.History
	if history == nil {
		history = []v1alpha1.SyncResult{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"items": history})
}

// triggerSync stamps the force-sync annotation with the request time. The
// annotation change enqueues the Application and the controller clears the
// annotation after the cycle runs.
//
//nolint:funcorder,noinlineerr // http handlers
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	key := types.NamespacedName{
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var app v1alpha1.Application
		if err := s.client.Get(r.Context(), key, &app); err != nil {
			return err
		}

		if app.Annotations == nil {
			app.Annotations = map[string]string{}
		}

		app.Annotations[v1alpha1.ForceSyncAnnotation] = time.Now().UTC().Format(time.RFC3339)

		return s.client.Update(r.Context(), &app)
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"namespace": key.Namespace,
		"name":      key.Name,
		"requested": true,
	})
}

//nolint:funcorder,noinlineerr // http helpers
func (s *Server) fetchApplication(r *http.Request) (*v1alpha1.Application, error) {
	key := types.NamespacedName{
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
	}

	var app v1alpha1.Application
	if err := s.client.Get(r.Context(), key, &app); err != nil {
		return nil, err
	}

	return &app, nil
}

//nolint:funcorder // http helpers
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	//nolint:noinlineerr // best-effort response write
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

//nolint:funcorder // http helpers
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if apierrors.IsNotFound(err) {
		status = http.StatusNotFound
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
