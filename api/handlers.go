/*
handlers.go - HTTP API handlers for the progression engine

PURPOSE:
  Exposes goal generation, goal verification and the reward ladder via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the goals and rewards services.

ENDPOINTS:
  Goals:
    POST   /goal-generator/goal                    Generate goals for a game
    POST   /goal-generator/update-patient-context  Fold metric updates into the context
    POST   /goal-generator/verify                  Verify the most recent open goal
    GET    /goal-generator/goals                   List the patient's goals

  Games:
    POST   /patient/games                          Record a finished game session

  Rewards:
    GET    /patient/rewards                        Current ladder
    POST   /patient/rewards/provision              Create the default ladder
    POST   /patient/rewards/update                 Unlock tiers for a date range
    POST   /patient/rewards/viewed                 Mark a tier viewed
    POST   /patient/rewards/accessed               Mark a tier accessed

  Catalog / ops:
    GET    /badges                                 Active badge catalog
    GET    /health                                 Liveness and database ping

REQUEST FLOW:
  1. Read the patient from X-Patient-ID
  2. Decode and validate the body
  3. Call the service
  4. Serialize the envelope
  5. Map errors to status codes

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 404: Missing record (e.g. no game to credit XP to)
  - 409: Optimistic write lost a race; safe to retry
  - 412: Ladder diff precondition violated
  - 502: A collaborator (database, broker) failed
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/progression"
	"github.com/pointmotion/progression-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Goals   *goals.Service
	Rewards *rewards.Service
	Games   progression.GameRepository
	Catalog progression.BadgeCatalog
	DB      Pinger
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func NewHandler(goalSvc *goals.Service, rewardSvc *rewards.Service, games progression.GameRepository, catalog progression.BadgeCatalog, log logrus.FieldLogger) *Handler {
	return &Handler{
		Goals:   goalSvc,
		Rewards: rewardSvc,
		Games:   games,
		Catalog: catalog,
		Log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// GOAL HANDLERS
// =============================================================================

// GenerateGoals creates goals for the patient's next session.
// POST /goal-generator/goal
func (h *Handler) GenerateGoals(w http.ResponseWriter, r *http.Request) {
	var req GenerateGoalsRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.Goals.GenerateGoals(r.Context(), patientID(r), req.GameName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGoalDTOs(created))
}

// UpdatePatientContext folds metric updates into the patient's context.
// POST /goal-generator/update-patient-context
func (h *Handler) UpdatePatientContext(w http.ResponseWriter, r *http.Request) {
	var req UpdateContextRequest
	if !h.decode(w, r, &req) {
		return
	}
	updates := make([]progression.MetricUpdate, len(req.Metrics))
	for i, m := range req.Metrics {
		updates[i] = progression.MetricUpdate{Name: m.Name, Value: *m.Value}
	}
	pctx, err := h.Goals.UpdatePatientContext(r.Context(), patientID(r), updates)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContextData(pctx))
}

// VerifyGoal checks the most recent open goal and grants what it earned.
// POST /goal-generator/verify
func (h *Handler) VerifyGoal(w http.ResponseWriter, r *http.Request) {
	res, err := h.Goals.VerifyGoalCompletion(r.Context(), patientID(r))
	if err != nil && !h.notificationOnly(r, err) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(res))
}

// ListGoals returns the patient's goals, newest first.
// GET /goal-generator/goals
func (h *Handler) ListGoals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Goals.ListGoals(r.Context(), patientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGoalDTOs(list))
}

// =============================================================================
// GAME HANDLERS
// =============================================================================

// RecordGame stores a finished game session.
// POST /patient/games
func (h *Handler) RecordGame(w http.ResponseWriter, r *http.Request) {
	var req RecordGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !goals.IsGame(req.GameName) {
		h.fail(w, r, progression.Invalid("gameName", "unknown game %q", req.GameName))
		return
	}
	completedAt := h.Now()
	if req.CompletedAt != nil {
		completedAt = req.CompletedAt.UTC()
	}
	game, err := h.Games.RecordGame(r.Context(), progression.GameRecord{
		PatientID:   patientID(r),
		Game:        req.GameName,
		CompletedAt: completedAt,
	})
	if err != nil {
		h.fail(w, r, progression.External("game repository", "record", err))
		return
	}
	writeJSON(w, http.StatusCreated, toGameDTO(game))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// GetRewards returns the patient's ladder, empty when not provisioned.
// GET /patient/rewards
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	ladder, err := h.Rewards.Ladder(r.Context(), patientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ladderOrEmpty(ladder))
}

// ProvisionRewards creates the default ladder. An existing ladder is kept.
// POST /patient/rewards/provision
func (h *Handler) ProvisionRewards(w http.ResponseWriter, r *http.Request) {
	ladder, err := h.Rewards.Provision(r.Context(), patientID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ladderOrEmpty(ladder))
}

// UpdateRewards unlocks tiers earned in the date range.
// POST /patient/rewards/update
func (h *Handler) UpdateRewards(w http.ResponseWriter, r *http.Request) {
	var req UpdateRewardsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Rewards.Update(r.Context(), rewards.UpdateRequest{
		PatientID: patientID(r),
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Timezone:  req.UserTimezone,
	})
	if err != nil && !h.notificationOnly(r, err) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardsUpdateDTO(res))
}

// MarkRewardViewed records that the patient saw a tier.
// POST /patient/rewards/viewed
func (h *Handler) MarkRewardViewed(w http.ResponseWriter, r *http.Request) {
	h.markReward(w, r, h.Rewards.MarkViewed)
}

// MarkRewardAccessed records that the patient opened a tier's coupon.
// POST /patient/rewards/accessed
func (h *Handler) MarkRewardAccessed(w http.ResponseWriter, r *http.Request) {
	h.markReward(w, r, h.Rewards.MarkAccessed)
}

func (h *Handler) markReward(w http.ResponseWriter, r *http.Request, mark func(context.Context, string, string) (progression.Ladder, error)) {
	var req RewardTierRequest
	if !h.decode(w, r, &req) {
		return
	}
	ladder, err := mark(r.Context(), patientID(r), req.RewardTier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ladderOrEmpty(ladder))
}

// =============================================================================
// CATALOG / OPS
// =============================================================================

// ListBadges returns the active catalog in order.
// GET /badges
func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	badges, err := h.Catalog.ActiveBadges(r.Context())
	if err != nil {
		h.fail(w, r, progression.External("badge catalog", "list", err))
		return
	}
	out := make([]BadgeDTO, 0, len(badges))
	for _, b := range badges {
		out = append(out, toBadgeDTO(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// Health pings the database when one is configured.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dto := HealthDTO{Status: "ok", Database: "n/a"}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			h.logger().WithError(err).Error("health check failed")
			writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
		dto.Database = "ok"
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. An empty body decodes
// as the zero value. It writes the error response and returns false on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, progression.Invalid("body", "malformed JSON: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.fail(w, r, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		// Drop the request type prefix: "UpdateContextRequest.metrics[0].value".
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return progression.Invalid(field, "failed %q", fe.Tag())
	}
	return progression.Invalid("body", "%v", err)
}

// fail maps a domain error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	entry := h.logger().WithError(err).WithFields(logrus.Fields{
		"patient_id": patientID(r),
		"path":       r.URL.Path,
		"status":     status,
	})
	if status >= 500 {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeErrorCode(w, status, code, err.Error())
}

// notificationOnly reports whether err is a notification sink failure that
// followed a committed write. Those are logged and the result is still
// returned, since retrying would not grant anything twice.
func (h *Handler) notificationOnly(r *http.Request, err error) bool {
	var ext *progression.ExternalServiceError
	if !errors.As(err, &ext) || ext.Service != progression.NotificationService {
		return false
	}
	h.logger().WithError(err).WithFields(logrus.Fields{
		"patient_id": patientID(r),
		"path":       r.URL.Path,
	}).Warn("notification failed after commit")
	return true
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, progression.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, progression.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, progression.ErrConcurrentModification):
		return http.StatusConflict, "conflict"
	case errors.Is(err, progression.ErrPrecondition):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, progression.ErrExternalService):
		return http.StatusBadGateway, "external_service_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) logger() logrus.FieldLogger {
	if h.Log == nil {
		return logrus.StandardLogger()
	}
	return h.Log
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: true, Data: data})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: message}})
}
