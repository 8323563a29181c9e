// Package handler provides HTTP request handlers for the control plane API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/middleware"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/version"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader lets clients retry deploys safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// DeploymentService is the subset of the scheduler the handlers call.
type DeploymentService interface {
	DeployIdempotent(ctx context.Context, key, tenantID, modelName string, replicas int) (*model.TenantDeployment, bool, error)
	Scale(ctx context.Context, deploymentID string, replicas int) error
	Stop(ctx context.Context, deploymentID string) error
	MarkRunning(ctx context.Context, deploymentID string) error
	MarkFailed(ctx context.Context, deploymentID, reason string) error
	RecordRequest(ctx context.Context, deploymentID string, latency time.Duration) error
	Remove(ctx context.Context, deploymentID string) error
	Get(ctx context.Context, deploymentID string) (*model.TenantDeployment, error)
	List(ctx context.Context, tenantID string) ([]*model.TenantDeployment, error)
	Metrics(ctx context.Context) (model.SystemMetrics, error)
	Config() model.PluginConfig
	Predicates() []string
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	service      DeploymentService
	decoder      *decoder
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	service DeploymentService,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		service:      service,
		decoder:      newDecoder(),
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// Info handles GET /v1/info requests.
func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, InfoResponse{
		Name:       version.Name,
		Version:    version.Version,
		Policy:     h.service.Config(),
		Predicates: h.service.Predicates(),
	})
}

// ListDeployments handles GET /v1/deployments requests.
func (h *Handlers) ListDeployments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	deployments, err := h.service.List(ctx, r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []*model.TenantDeployment{}
	}

	h.writeJSONResponse(w, http.StatusOK, DeploymentListResponse{
		Deployments: deployments,
		Count:       len(deployments),
	})
}

// CreateDeployment handles POST /v1/deployments requests.
func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req DeployRequest
	if err := h.decoder.decode(r, &req, false); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	d, replayed, err := h.service.DeployIdempotent(ctx, r.Header.Get(IdempotencyKeyHeader), req.TenantID, req.ModelName, req.Replicas)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/v1/deployments/"+d.DeploymentID)
	h.writeJSONResponse(w, status, DeploymentResponse{Deployment: d, Replayed: replayed})
}

// GetDeployment handles GET /v1/deployments/{id} requests.
func (h *Handlers) GetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	d, err := h.service.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, DeploymentResponse{Deployment: d})
}

// ScaleDeployment handles PUT /v1/deployments/{id}/replicas requests.
func (h *Handlers) ScaleDeployment(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	id := mux.Vars(r)["id"]

	var req ScaleRequest
	if err := h.decoder.decode(r, &req, false); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.Scale(ctx, id, req.Replicas); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeDeployment(w, r, ctx, http.StatusAccepted, id)
}

// StopDeployment handles POST /v1/deployments/{id}/stop requests.
func (h *Handlers) StopDeployment(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, func(ctx context.Context, id string) error {
		return h.service.Stop(ctx, id)
	})
}

// MarkReady handles POST /v1/deployments/{id}/ready requests.
func (h *Handlers) MarkReady(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, func(ctx context.Context, id string) error {
		return h.service.MarkRunning(ctx, id)
	})
}

// MarkFailed handles POST /v1/deployments/{id}/fail requests.
func (h *Handlers) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := h.decoder.decode(r, &req, true); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	h.signal(w, r, func(ctx context.Context, id string) error {
		return h.service.MarkFailed(ctx, id, req.Reason)
	})
}

// RecordServedRequest handles POST /v1/deployments/{id}/requests requests.
func (h *Handlers) RecordServedRequest(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	id := mux.Vars(r)["id"]

	var req RecordRequestRequest
	if err := h.decoder.decode(r, &req, true); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	if err := h.service.RecordRequest(ctx, id, latency); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusAccepted, StatusResponse{Status: "recorded", DeploymentID: id})
}

// DeleteDeployment handles DELETE /v1/deployments/{id} requests.
func (h *Handlers) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.Remove(ctx, id); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "removed", DeploymentID: id})
}

// GetMetrics handles GET /v1/metrics requests.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	m, err := h.service.Metrics(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, m)
}

// signal runs a lifecycle call and answers with the updated deployment.
func (h *Handlers) signal(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := fn(ctx, id); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeDeployment(w, r, ctx, http.StatusOK, id)
}

func (h *Handlers) writeDeployment(w http.ResponseWriter, r *http.Request, ctx context.Context, status int, id string) {
	d, err := h.service.Get(ctx, id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, status, DeploymentResponse{Deployment: d})
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
