package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/auth"
	"github.com/fleetforge/backend/internal/logging"
	"github.com/fleetforge/backend/internal/orchestrator"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
)

// Options tune the HTTP surface. Metrics may be nil.
type Options struct {
	CORSOrigins []string
	Metrics     http.Handler
	Logger      *logrus.Logger
}

type Server struct {
	router *chi.Mux
	svc    *orchestrator.Service
	auth   *auth.Authenticator
	opts   Options
}

func NewServer(svc *orchestrator.Service, authn *auth.Authenticator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		auth:   authn,
		opts:   opts,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.RequestLogger(s.opts.Logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.UserHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/instances/{provider}/{region}", func(r chi.Router) {
			r.Get("/", s.listInstances)
			r.Post("/{zone}/provision/{environment}", s.provisionInstance)
			r.Post("/{zone}/attach/{project_id}", s.attachInstance)
			r.Get("/{id}", s.getInstance)
			r.Patch("/{id}", s.updateInstance)
			r.Delete("/{id}", s.removeInstance)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.AdminMiddleware)

			r.Route("/instances", func(r chi.Router) {
				r.Get("/{provider}/{region}", s.adminListInstances)
				r.Get("/{provider}/{region}/user/{user_id}", s.adminListUserInstances)
				r.Post("/{provider}/{region}/{zone}/provision/{environment}", s.adminProvisionInstance)
				r.Post("/{provider}/{region}/{zone}/attach/{project_id}", s.adminAttachInstance)
				r.Get("/{id}", s.adminGetInstance)
				r.Patch("/{id}", s.adminUpdateInstance)
				r.Delete("/{id}", s.adminRemoveInstance)
				r.Post("/{id}/refresh", s.adminRefreshInstance)
			})
		})
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"i18n_code"`
	CID    string `json:"cid"`
}

// writeError renders err with the status and code it carries. Stack conflicts from
// the drivers become 409, anything untyped a 500 with its message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Status: "ko",
		Error:  err.Error(),
		Code:   apperrs.CodeOf(err),
		CID:    middleware.GetReqID(r.Context()),
	}
	status := apperrs.StatusOf(err)

	var appErr *apperrs.Error
	switch {
	case errors.Is(err, provisioner.ErrStackExists):
		status, body.Code = http.StatusConflict, apperrs.CodeStackExists
	case errors.As(err, &appErr) && appErr.Kind == apperrs.KindClient:
		body.Error = appErr.Msg
	}

	log := logging.FromContext(r.Context()).WithField("i18n_code", body.Code)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	} else {
		log.WithField("error", body.Error).Debug("Request rejected")
	}
	writeJSON(w, status, body)
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrs.BadRequest("invalid_body", "invalid request body")
}

func caller(r *http.Request) *store.User {
	return auth.GetUserFromContext(r.Context())
}
