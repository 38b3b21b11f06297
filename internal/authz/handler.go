package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-hr/meridian/internal/platform/httpx"
)

// Handler exposes the engine over HTTP: evaluation for application
// backends, version for external caches, recompute for operators.
type Handler struct {
	logger    *slog.Logger
	cache     *DecisionCache
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, cache *DecisionCache, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		cache:     cache,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers the permission API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Post("/evaluate", h.evaluate)
		r.Post("/evaluate-batch", h.evaluateBatch)
		r.Get("/version", h.version)
	})
}

// MountAdminRoutes registers operator endpoints.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Post("/recompute", h.recompute)
}

type evaluateRequest struct {
	UserID     string       `json:"user_id" validate:"required"`
	Permission string       `json:"permission" validate:"required"`
	Resource   *ResourceRef `json:"resource,omitempty"`
}

type evaluateBatchRequest struct {
	UserID      string   `json:"user_id" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type recomputeRequest struct {
	Target string `json:"target" validate:"required"`
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "body must be valid JSON")
		return
	}
	// Evaluation failures are data: a malformed identifier still yields a
	// denial decision rather than an error response.
	if err := h.validator.Struct(req); err != nil {
		httpx.JSON(w, http.StatusOK, Decision{
			Granted:     false,
			Source:      SourceValidationError,
			Reason:      validationReason(err),
			EvaluatedAt: time.Now().UTC(),
		})
		return
	}
	httpx.JSON(w, http.StatusOK, h.cache.Check(r.Context(), req.UserID, req.Permission, req.Resource))
}

func (h *Handler) evaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req evaluateBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationReason(err))
		return
	}
	httpx.JSON(w, http.StatusOK, h.cache.CheckMany(r.Context(), req.UserID, req.Permissions))
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	version, err := h.service.CurrentVersion(r.Context())
	if err != nil {
		h.logger.Error("read ledger version", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"version": version})
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationReason(err))
		return
	}
	if err := h.service.ForceRecompute(r.Context(), req.Target); err != nil {
		if errors.Is(err, ErrInvalidRule) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("force recompute", slog.String("target", req.Target), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Recompute Failed", "previous matrix state retained")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "target": req.Target})
}

func validationReason(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0].Error()
	}
	return err.Error()
}
