// Package errors defines the typed errors returned by the deployment core and
// their HTTP representation.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a deployment error
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindDuplicateTenantModel Kind = "DUPLICATE_TENANT_MODEL"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindInvalidState         Kind = "INVALID_STATE"
	KindDeploymentNotServing Kind = "DEPLOYMENT_NOT_SERVING"
	KindReplicaLimitExceeded Kind = "REPLICA_LIMIT_EXCEEDED"
	KindTenantQuarantined    Kind = "TENANT_QUARANTINED"
	KindExclusiveGPURequired Kind = "EXCLUSIVE_GPU_REQUIRED"
	KindProvisioningTimeout  Kind = "PROVISIONING_TIMEOUT"

	// Transport-level kinds
	KindInvalidArgument Kind = "INVALID_REQUEST"
	KindInternal        Kind = "INTERNAL_ERROR"
	KindRateLimited     Kind = "RATE_LIMITED"
)

// Sentinels for errors.Is matching on kind
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrDuplicateTenantModel = &Error{Kind: KindDuplicateTenantModel}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrDeploymentNotServing = &Error{Kind: KindDeploymentNotServing}
	ErrReplicaLimitExceeded = &Error{Kind: KindReplicaLimitExceeded}
	ErrTenantQuarantined    = &Error{Kind: KindTenantQuarantined}
	ErrExclusiveGPURequired = &Error{Kind: KindExclusiveGPURequired}
	ErrProvisioningTimeout  = &Error{Kind: KindProvisioningTimeout}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrInternal             = &Error{Kind: KindInternal}
)

// Error is a structured error with a kind and context
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new Error
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code returned to clients
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateTenantModel, KindInvalidTransition, KindInvalidState, KindDeploymentNotServing:
		return http.StatusConflict
	case KindReplicaLimitExceeded, KindTenantQuarantined, KindExclusiveGPURequired:
		return http.StatusUnprocessableEntity
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindProvisioningTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors

func NotFound(deploymentID string) *Error {
	return New(KindNotFound, fmt.Sprintf("deployment not found: %s", deploymentID), nil).
		WithDetail("deployment_id", deploymentID)
}

func DuplicateTenantModel(tenantID, modelName, existingID string) *Error {
	return New(KindDuplicateTenantModel,
		fmt.Sprintf("tenant %s already has an active deployment of %s", tenantID, modelName), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("model_name", modelName).
		WithDetail("deployment_id", existingID)
}

func InvalidTransition(deploymentID string, from, to string) *Error {
	return New(KindInvalidTransition,
		fmt.Sprintf("invalid transition %s -> %s", from, to), nil).
		WithDetail("deployment_id", deploymentID).
		WithDetail("from", from).
		WithDetail("to", to)
}

func InvalidState(deploymentID, status, op string) *Error {
	return New(KindInvalidState,
		fmt.Sprintf("cannot %s deployment in state %s", op, status), nil).
		WithDetail("deployment_id", deploymentID).
		WithDetail("status", status)
}

func DeploymentNotServing(deploymentID, status string) *Error {
	return New(KindDeploymentNotServing,
		fmt.Sprintf("deployment %s is not serving (status %s)", deploymentID, status), nil).
		WithDetail("deployment_id", deploymentID).
		WithDetail("status", status)
}

func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, message, nil)
}

func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}
