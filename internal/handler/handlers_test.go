package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"go.uber.org/zap"
)

// MockDeploymentService is a mock implementation of DeploymentService
type MockDeploymentService struct {
	mock.Mock
}

func (m *MockDeploymentService) DeployIdempotent(ctx context.Context, key, tenantID, modelName string, replicas int) (*model.TenantDeployment, bool, error) {
	args := m.Called(ctx, key, tenantID, modelName, replicas)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.TenantDeployment), args.Bool(1), args.Error(2)
}

func (m *MockDeploymentService) Scale(ctx context.Context, deploymentID string, replicas int) error {
	return m.Called(ctx, deploymentID, replicas).Error(0)
}

func (m *MockDeploymentService) Stop(ctx context.Context, deploymentID string) error {
	return m.Called(ctx, deploymentID).Error(0)
}

func (m *MockDeploymentService) MarkRunning(ctx context.Context, deploymentID string) error {
	return m.Called(ctx, deploymentID).Error(0)
}

func (m *MockDeploymentService) MarkFailed(ctx context.Context, deploymentID, reason string) error {
	return m.Called(ctx, deploymentID, reason).Error(0)
}

func (m *MockDeploymentService) RecordRequest(ctx context.Context, deploymentID string, latency time.Duration) error {
	return m.Called(ctx, deploymentID, latency).Error(0)
}

func (m *MockDeploymentService) Remove(ctx context.Context, deploymentID string) error {
	return m.Called(ctx, deploymentID).Error(0)
}

func (m *MockDeploymentService) Get(ctx context.Context, deploymentID string) (*model.TenantDeployment, error) {
	args := m.Called(ctx, deploymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TenantDeployment), args.Error(1)
}

func (m *MockDeploymentService) List(ctx context.Context, tenantID string) ([]*model.TenantDeployment, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TenantDeployment), args.Error(1)
}

func (m *MockDeploymentService) Metrics(ctx context.Context) (model.SystemMetrics, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.SystemMetrics), args.Error(1)
}

func (m *MockDeploymentService) Config() model.PluginConfig {
	return m.Called().Get(0).(model.PluginConfig)
}

func (m *MockDeploymentService) Predicates() []string {
	return m.Called().Get(0).([]string)
}

func createTestHandlers(svc DeploymentService) *Handlers {
	logger := zap.NewNop()
	return NewHandlers(svc, apierrors.NewHandler(logger), logger, time.Second)
}

func newTestRouter(h *Handlers) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/info", h.Info).Methods(http.MethodGet)
	router.HandleFunc("/v1/metrics", h.GetMetrics).Methods(http.MethodGet)
	router.HandleFunc("/v1/deployments", h.ListDeployments).Methods(http.MethodGet)
	router.HandleFunc("/v1/deployments", h.CreateDeployment).Methods(http.MethodPost)
	router.HandleFunc("/v1/deployments/{id}", h.GetDeployment).Methods(http.MethodGet)
	router.HandleFunc("/v1/deployments/{id}", h.DeleteDeployment).Methods(http.MethodDelete)
	router.HandleFunc("/v1/deployments/{id}/replicas", h.ScaleDeployment).Methods(http.MethodPut)
	router.HandleFunc("/v1/deployments/{id}/stop", h.StopDeployment).Methods(http.MethodPost)
	router.HandleFunc("/v1/deployments/{id}/ready", h.MarkReady).Methods(http.MethodPost)
	router.HandleFunc("/v1/deployments/{id}/fail", h.MarkFailed).Methods(http.MethodPost)
	router.HandleFunc("/v1/deployments/{id}/requests", h.RecordServedRequest).Methods(http.MethodPost)
	return router
}

func serve(h *Handlers, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, req)
	return rec
}

func sampleDeployment(id string, status model.DeploymentStatus) *model.TenantDeployment {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.TenantDeployment{
		DeploymentID: id,
		TenantID:     "acme",
		ModelName:    "llama",
		Status:       status,
		Replicas:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastRequest:  now,
		Version:      1,
	}
}

func TestCreateDeployment(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("DeployIdempotent", mock.Anything, "key-1", "acme", "llama", 2).
			Return(sampleDeployment("d1", model.StatusDeploying), false, nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments",
			`{"tenant_id":"acme","model_name":"llama","replicas":2}`,
			map[string]string{IdempotencyKeyHeader: "key-1"})

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "/v1/deployments/d1", rec.Header().Get("Location"))

		var resp DeploymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "d1", resp.Deployment.DeploymentID)
		assert.Equal(t, model.StatusDeploying, resp.Deployment.Status)
		assert.False(t, resp.Replayed)
		svc.AssertExpectations(t)
	})

	t.Run("replayed", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("DeployIdempotent", mock.Anything, "key-1", "acme", "llama", 1).
			Return(sampleDeployment("d1", model.StatusRunning), true, nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments",
			`{"tenant_id":"acme","model_name":"llama","replicas":1}`,
			map[string]string{IdempotencyKeyHeader: "key-1"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"replayed":true`)
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			body    string
			message string
		}{
			{"empty body", "", "request body is required"},
			{"bad json", "{", "failed to parse request body"},
			{"missing tenant", `{"model_name":"llama","replicas":1}`, "tenant_id is required"},
			{"missing model", `{"tenant_id":"acme","replicas":1}`, "model_name is required"},
			{"missing replicas", `{"tenant_id":"acme","model_name":"llama"}`, "replicas is required"},
			{"negative replicas", `{"tenant_id":"acme","model_name":"llama","replicas":-1}`, "replicas must be at least 1"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc := new(MockDeploymentService)
				rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments", tt.body, nil)

				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), tt.message)
				svc.AssertNotCalled(t, "DeployIdempotent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("admission denied", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("DeployIdempotent", mock.Anything, "", "acme", "llama", 3).
			Return(nil, false, apierrors.New(apierrors.KindReplicaLimitExceeded, "limit", nil))

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments",
			`{"tenant_id":"acme","model_name":"llama","replicas":3}`, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), `"error_code":"REPLICA_LIMIT_EXCEEDED"`)
	})

	t.Run("duplicate", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("DeployIdempotent", mock.Anything, "", "acme", "llama", 1).
			Return(nil, false, apierrors.DuplicateTenantModel("acme", "llama", "d0"))

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments",
			`{"tenant_id":"acme","model_name":"llama","replicas":1}`, nil)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestListDeployments(t *testing.T) {
	svc := new(MockDeploymentService)
	svc.On("List", mock.Anything, "acme").Return([]*model.TenantDeployment{sampleDeployment("d1", model.StatusRunning)}, nil)
	svc.On("List", mock.Anything, "").Return(nil, nil)

	h := createTestHandlers(svc)

	rec := serve(h, http.MethodGet, "/v1/deployments?tenant_id=acme", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp DeploymentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = serve(h, http.MethodGet, "/v1/deployments", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deployments":[]`)
}

func TestGetDeployment(t *testing.T) {
	svc := new(MockDeploymentService)
	svc.On("Get", mock.Anything, "d1").Return(sampleDeployment("d1", model.StatusRunning), nil)
	svc.On("Get", mock.Anything, "missing").Return(nil, apierrors.NotFound("missing"))

	h := createTestHandlers(svc)

	rec := serve(h, http.MethodGet, "/v1/deployments/d1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = serve(h, http.MethodGet, "/v1/deployments/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"NOT_FOUND"`)
}

func TestScaleDeployment(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("Scale", mock.Anything, "d1", 3).Return(nil)
		scaling := sampleDeployment("d1", model.StatusScaling)
		scaling.TargetReplicas = 3
		svc.On("Get", mock.Anything, "d1").Return(scaling, nil)

		rec := serve(createTestHandlers(svc), http.MethodPut, "/v1/deployments/d1/replicas", `{"replicas":3}`, nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), `"target_replicas":3`)
	})

	t.Run("invalid transition", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("Scale", mock.Anything, "d1", 2).Return(apierrors.InvalidTransition("d1", "stopped", "scaling"))

		rec := serve(createTestHandlers(svc), http.MethodPut, "/v1/deployments/d1/replicas", `{"replicas":2}`, nil)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"error_code":"INVALID_TRANSITION"`)
	})

	t.Run("zero replicas", func(t *testing.T) {
		svc := new(MockDeploymentService)
		rec := serve(createTestHandlers(svc), http.MethodPut, "/v1/deployments/d1/replicas", `{"replicas":0}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLifecycleSignals(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("Stop", mock.Anything, "d1").Return(nil)
		svc.On("Get", mock.Anything, "d1").Return(sampleDeployment("d1", model.StatusStopped), nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/stop", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"stopped"`)
	})

	t.Run("ready", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("MarkRunning", mock.Anything, "d1").Return(nil)
		svc.On("Get", mock.Anything, "d1").Return(sampleDeployment("d1", model.StatusRunning), nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("fail with reason", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("MarkFailed", mock.Anything, "d1", "OOM").Return(nil)
		svc.On("Get", mock.Anything, "d1").Return(sampleDeployment("d1", model.StatusFailed), nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/fail", `{"reason":"OOM"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("fail without body", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("MarkFailed", mock.Anything, "d1", "").Return(nil)
		svc.On("Get", mock.Anything, "d1").Return(sampleDeployment("d1", model.StatusFailed), nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/fail", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("stop of stopped deployment", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("Stop", mock.Anything, "d1").Return(apierrors.InvalidTransition("d1", "stopped", "stopped"))

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/stop", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRecordServedRequest(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("RecordRequest", mock.Anything, "d1", 12500*time.Microsecond).Return(nil)

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/requests", `{"latency_ms":12.5}`, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("not serving", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("RecordRequest", mock.Anything, "d1", time.Duration(0)).Return(apierrors.DeploymentNotServing("d1", "stopped"))

		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/requests", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"error_code":"DEPLOYMENT_NOT_SERVING"`)
	})

	t.Run("negative latency", func(t *testing.T) {
		svc := new(MockDeploymentService)
		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/requests", `{"latency_ms":-1}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("latency beyond one hour", func(t *testing.T) {
		svc := new(MockDeploymentService)
		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/requests", `{"latency_ms":1e20}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "must be at most 3600000")
		svc.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("latency of exactly one hour", func(t *testing.T) {
		svc := new(MockDeploymentService)
		svc.On("RecordRequest", mock.Anything, "d1", time.Hour).Return(nil)
		rec := serve(createTestHandlers(svc), http.MethodPost, "/v1/deployments/d1/requests", `{"latency_ms":3600000}`, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		svc.AssertExpectations(t)
	})
}

func TestDeleteDeployment(t *testing.T) {
	svc := new(MockDeploymentService)
	svc.On("Remove", mock.Anything, "d1").Return(nil)
	svc.On("Remove", mock.Anything, "d2").Return(apierrors.InvalidState("d2", "running", "remove"))

	h := createTestHandlers(svc)

	rec := serve(h, http.MethodDelete, "/v1/deployments/d1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"removed"`)

	rec = serve(h, http.MethodDelete, "/v1/deployments/d2", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"INVALID_STATE"`)
}

func TestGetMetricsAndInfo(t *testing.T) {
	svc := new(MockDeploymentService)
	svc.On("Metrics", mock.Anything).Return(model.SystemMetrics{
		TotalDeployments:  4,
		ActiveDeployments: 2,
		TotalRequests:     10,
		AverageLatencyMs:  12.5,
	}, nil)
	svc.On("Config").Return(model.DefaultPluginConfig())
	svc.On("Predicates").Return([]string{"quarantine", "replica_limit", "exclusive_gpu"})

	h := createTestHandlers(svc)

	rec := serve(h, http.MethodGet, "/v1/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var m model.SystemMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, uint64(4), m.TotalDeployments)
	assert.Equal(t, 12.5, m.AverageLatencyMs)

	rec = serve(h, http.MethodGet, "/v1/info", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "multi-tenant-serving", info.Name)
	assert.Equal(t, "0.1.0", info.Version)
	assert.Equal(t, 10, info.Policy.MaxReplicasPerTenant)
	assert.Len(t, info.Predicates, 3)
}
