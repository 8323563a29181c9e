package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

const maxBodyBytes = 1 << 20

// DeployRequest is the body of POST /v1/deployments.
type DeployRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,max=128"`
	ModelName string `json:"model_name" validate:"required,max=256"`
	Replicas  int    `json:"replicas" validate:"required,min=1"`
}

// ScaleRequest is the body of PUT /v1/deployments/{id}/replicas.
type ScaleRequest struct {
	Replicas int `json:"replicas" validate:"required,min=1"`
}

// FailRequest is the body of POST /v1/deployments/{id}/fail.
type FailRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// RecordRequestRequest is the body of POST /v1/deployments/{id}/requests.
type RecordRequestRequest struct {
	LatencyMs float64 `json:"latency_ms" validate:"gte=0,lte=3600000"`
}

// DeploymentResponse wraps a single deployment.
type DeploymentResponse struct {
	Deployment *model.TenantDeployment `json:"deployment"`
	Replayed   bool                    `json:"replayed,omitempty"`
}

// DeploymentListResponse wraps a deployment listing.
type DeploymentListResponse struct {
	Deployments []*model.TenantDeployment `json:"deployments"`
	Count       int                       `json:"count"`
}

// StatusResponse acknowledges a state-changing call.
type StatusResponse struct {
	Status       string `json:"status"`
	DeploymentID string `json:"deployment_id"`
}

// InfoResponse describes the running plugin and its policy.
type InfoResponse struct {
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	Policy     model.PluginConfig `json:"policy"`
	Predicates []string           `json:"admission_predicates"`
}

// decoder reads and validates JSON request bodies.
type decoder struct {
	validate *validator.Validate
}

func newDecoder() *decoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &decoder{validate: v}
}

// decode parses r's body into dst and runs struct validation. An empty body
// is accepted when allowEmpty is set.
func (d *decoder) decode(r *http.Request, dst interface{}, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	if len(strings.TrimSpace(string(body))) == 0 {
		if !allowEmpty {
			return fmt.Errorf("request body is required")
		}
	} else if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}

	if err := d.validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "min", "gte":
		return fmt.Errorf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "lte":
		return fmt.Errorf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}
