/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     logrus request line (logging.RequestLogger)
  4. Metrics:    Prometheus request counter and latency histogram
  5. CORS:       Cross-origin requests for the patient app
  6. RateLimit:  Token bucket per patient (patient routes only)

ROUTE GROUPS:
  /goal-generator/*     Goal generation, context updates, verification
  /patient/games        Finished game sessions
  /patient/rewards/*    Bronze/silver/gold ladder
  /badges               Active badge catalog
  /health, /metrics     Operations

IDENTITY:
  The patient is named by the X-Patient-ID header. Authentication happens
  upstream; this service trusts the header.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/logging"
	"github.com/pointmotion/progression-engine/metrics"
)

// PatientHeader carries the caller's patient id.
const PatientHeader = "X-Patient-ID"

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Recorder
	RateLimit   *RateLimiter
	Log         logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(log))
	r.Use(opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", PatientHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	r.Get("/badges", h.ListBadges)

	r.Group(func(r chi.Router) {
		r.Use(requirePatient)
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit.Handler)
		}

		r.Route("/goal-generator", func(r chi.Router) {
			r.Post("/goal", h.GenerateGoals)
			r.Post("/update-patient-context", h.UpdatePatientContext)
			r.Post("/verify", h.VerifyGoal)
			r.Get("/goals", h.ListGoals)
		})

		r.Route("/patient", func(r chi.Router) {
			r.Post("/games", h.RecordGame)

			r.Route("/rewards", func(r chi.Router) {
				r.Get("/", h.GetRewards)
				r.Post("/provision", h.ProvisionRewards)
				r.Post("/update", h.UpdateRewards)
				r.Post("/viewed", h.MarkRewardViewed)
				r.Post("/accessed", h.MarkRewardAccessed)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorCode(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}

// requirePatient rejects requests without a patient id header.
func requirePatient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PatientHeader) == "" {
			writeErrorCode(w, http.StatusBadRequest, "validation_error", "missing "+PatientHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func patientID(r *http.Request) string {
	return r.Header.Get(PatientHeader)
}
