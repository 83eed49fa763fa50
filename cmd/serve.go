package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/db"
	"github.com/sells-group/allabolag-cli/internal/migrate"
	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/monitoring"
	"github.com/sells-group/allabolag-cli/internal/pipeline"
	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
	"github.com/sells-group/allabolag-cli/internal/validate"
)

var servePort int

// jobService is the slice of the pipeline controller the HTTP surface
// uses. Tests substitute a stub.
type jobService interface {
	Preview(ctx context.Context, filters model.Filters) (*pipeline.PreviewResult, error)
	StartJob(ctx context.Context, filters model.Filters, jobType model.JobType) (string, error)
	Resume(ctx context.Context, jobID string) error
	Pause(ctx context.Context, jobID string) error
	Stop(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ResumeInfo(ctx context.Context, jobID string) (*model.ResumeInfo, error)
	Store(ctx context.Context, jobID string) (*staging.Store, func(), error)
}

// server holds the HTTP surface's collaborators. warehouse is nil when
// no warehouse is configured; the migrate endpoint then answers 503.
type server struct {
	jobs       jobService
	preview    jobService
	stagingDir string
	rulesPath  string
	warehouse  func(ctx context.Context) (db.Pool, func(), error)
}

// newRouter builds the chi router for the review UI: the control verbs
// as JSON endpoints, CORS open for the browser frontend.
func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/preview", s.handlePreview)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleStartJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/stop", s.handleStop)
			r.Get("/companies", s.handleCompanies)
			r.Get("/errors", s.handleErrors)
			r.Post("/validate", s.handleValidate)
			r.Post("/migrate", s.handleMigrate)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: unknown jobs
// are 404, operator mistakes 400, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, staging.ErrJobNotFound):
		status = http.StatusNotFound
	case resilience.IsConfigError(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var filters model.Filters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result, err := s.preview.Preview(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	summaries, err := listAllJobs(r.Context(), s.stagingDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (s *server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.Filters
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Mode == "" {
		req.Mode = string(model.JobTypeFullPipeline)
	}
	jobType, err := parseJobType(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.jobs.StartJob(r.Context(), req.Filters, jobType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	resume, err := s.jobs.ResumeInfo(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	st, release, err := s.jobs.Store(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()
	progress, err := st.Progress(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobStatus{Job: job, Progress: progress, Resume: resume})
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Pause, model.JobStatusPaused)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Resume, model.JobStatusRunning)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Stop, model.JobStatusStopped)
}

func (s *server) control(w http.ResponseWriter, r *http.Request, verb func(context.Context, string) error, to model.JobStatus) {
	jobID := chi.URLParam(r, "jobID")
	if err := verb(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(to)})
}

func (s *server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	st, release, err := s.jobs.Store(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	rows, err := st.ListCompanies(r.Context(), jobID, model.CompanyStatus(q.Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageCompanies(rows, q.Get("search"), page, limit))
}

func (s *server) handleErrors(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	st, release, err := s.jobs.Store(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	failures, err := st.ListFailures(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": failures})
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rules := validate.DefaultRules()
	if s.rulesPath != "" {
		var err error
		rules, err = validate.LoadRules(s.rulesPath)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	st, release, err := s.jobs.Store(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	summary, err := validate.Job(r.Context(), st, jobID, rules)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if s.warehouse == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no warehouse configured"})
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var opts migrate.Options
	if r.Body != nil && r.ContentLength != 0 {
		var req struct {
			IncludeWarnings bool `json:"includeWarnings"`
			SkipDuplicates  bool `json:"skipDuplicates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		opts = migrate.Options{IncludeWarnings: req.IncludeWarnings, SkipDuplicates: req.SkipDuplicates}
	}

	pool, release, err := s.warehouse(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	st, storeRelease, err := s.jobs.Store(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer storeRelease()

	summary, err := migrate.New(pool).Migrate(r.Context(), st, jobID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control surface server for the review UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return resilience.NewConfigError(err.Error())
		}

		gw := proxy.New(cfg.Proxy, cfg.Upstream)

		// Jobs go through the mandatory-proxy policy; preview alone may
		// fall back to a direct fetch when no provider is enabled.
		runSessions := session.NewManager(gw, cfg.Upstream.BaseURL)
		runCtl := pipeline.NewController(cfg, runSessions,
			pipeline.NewClientFactory(gw, cfg.Upstream.BaseURL, false))
		defer runCtl.Close()

		previewSessions := session.NewManager(gw, cfg.Upstream.BaseURL, session.WithDirectFallback())
		previewCtl := pipeline.NewController(cfg, previewSessions,
			pipeline.NewClientFactory(gw, cfg.Upstream.BaseURL, true))
		defer previewCtl.Close()

		srv := &server{
			jobs:       runCtl,
			preview:    previewCtl,
			stagingDir: cfg.Staging.Dir,
			rulesPath:  cfg.Validation.RulesPath,
		}
		if cfg.Warehouse.DatabaseURL != "" {
			srv.warehouse = func(ctx context.Context) (db.Pool, func(), error) {
				pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL)
				if err != nil {
					return nil, nil, err
				}
				if err := migrate.EnsureSchema(ctx, pool); err != nil {
					pool.Close()
					return nil, nil, err
				}
				return pool, pool.Close, nil
			}
		}

		// Background health checks over the staging directory.
		checker := monitoring.NewChecker(
			monitoring.NewCollector(cfg.Staging.Dir, gw),
			monitoring.NewAlerter(cfg.Monitor),
			cfg.Monitor,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.newRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
