package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/ratelimit"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db/pagination"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string              `json:"type"`
	Message string              `json:"message"`
	Errors  []ValidationError   `json:"errors,omitempty"`
	Quota   *quotadomain.Denial `json:"quota,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrOrgRequired        = errors.New("organization_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var denial *quotadomain.Denial
	if errors.As(err, &denial) && denial != nil {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "quota_exceeded",
			Message: denial.Message,
			Quota:   denial,
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, matchingdomain.ErrMatchingInProgress),
		errors.Is(err, ratelimit.ErrLocked):
		return http.StatusConflict, errorPayload{
			Type:    "matching_in_progress",
			Message: "matching is already running for this job",
		}
	case errors.Is(err, matchingdomain.ErrMatchingDisabled):
		return http.StatusConflict, errorPayload{
			Type:    "matching_disabled",
			Message: "ai matching is disabled for this job",
		}
	case errors.Is(err, matchingdomain.ErrInvalidTransition),
		errors.Is(err, matchingdomain.ErrNotRetryable):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "the resource is not in a state that allows this action",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, matchingdomain.ErrApplicationExists),
		errors.Is(err, matchingdomain.ErrProfileExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many ai requests, slow down",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, matchingdomain.ErrSchedulingFailed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrOrgRequired),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, quotadomain.ErrInvalidOrganization),
		errors.Is(err, quotadomain.ErrInvalidTier),
		errors.Is(err, quotadomain.ErrInvalidEstimate),
		errors.Is(err, usagedomain.ErrInvalidOrganization),
		errors.Is(err, usagedomain.ErrUnknownEndpoint),
		errors.Is(err, usagedomain.ErrInvalidCount),
		errors.Is(err, usagedomain.ErrInvalidPeriod),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, matchingdomain.ErrInvalidOrganization),
		errors.Is(err, matchingdomain.ErrInvalidJob),
		errors.Is(err, matchingdomain.ErrInvalidThreshold),
		errors.Is(err, matchingdomain.ErrInvalidProfile),
		errors.Is(err, matchingdomain.ErrInvalidEndpoint),
		errors.Is(err, matchingdomain.ErrInvalidStatus):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, matchingdomain.ErrJobNotFound),
		errors.Is(err, matchingdomain.ErrApplicationNotFound),
		errors.Is(err, matchingdomain.ErrProfileNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code
// fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server", payload.Type
	}
	return "client", payload.Type
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	default:
		return unwrapCode(err)
	}
}

// unwrapCode returns the innermost sentinel code of a wrapped error.
func unwrapCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "organization_required":
		return "organization is required"
	default:
		return "invalid value"
	}
}
