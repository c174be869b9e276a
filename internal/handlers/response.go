package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"raffle/internal/apperr"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Code      int    `json:"code"` // 0 on success
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Business codes.
const (
	CodeSuccess             = 0
	CodeBadRequest          = 1000
	CodeBusinessError       = 2000
	CodeDuplicateInFlight   = 2001
	CodeAlreadyProcessed    = 2002
	CodeInvalidState        = 2003
	CodeCapacityExceeded    = 2010
	CodeLimitExceeded       = 2011
	CodeVerificationFailed  = 2020
	CodeVerificationTimeout = 2021
	CodeUnauthorized        = 3000
	CodeInvalidToken        = 3001
	CodeNotFound            = 4004
	CodeSystemError         = 5000
	CodePersistenceFailure  = 5001
)

const (
	retryAfterSeconds = "2"
	traceIDKey        = "trace_id"
	operatorKey       = "operator"
)

type errorMapping struct {
	status int
	code   int
}

var kindMappings = map[apperr.Kind]errorMapping{
	apperr.KindValidation:          {http.StatusBadRequest, CodeBadRequest},
	apperr.KindCapacityExceeded:    {http.StatusConflict, CodeCapacityExceeded},
	apperr.KindLimitExceeded:       {http.StatusConflict, CodeLimitExceeded},
	apperr.KindNotFound:            {http.StatusNotFound, CodeNotFound},
	apperr.KindAlreadyProcessed:    {http.StatusConflict, CodeAlreadyProcessed},
	apperr.KindNotEligible:         {http.StatusConflict, CodeInvalidState},
	apperr.KindVerificationFailed:  {http.StatusPaymentRequired, CodeVerificationFailed},
	apperr.KindVerificationTimeout: {http.StatusGatewayTimeout, CodeVerificationTimeout},
	apperr.KindInFlight:            {http.StatusAccepted, CodeDuplicateInFlight},
	apperr.KindPersistence:         {http.StatusServiceUnavailable, CodePersistenceFailure},
}

func traceID(c *gin.Context) string { return c.GetString(traceIDKey) }

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
		TraceID:   traceID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}

func errorWithMessage(c *gin.Context, status, code int, msg string) {
	c.AbortWithStatusJSON(status, APIResponse{
		Code:      code,
		Message:   msg,
		TraceID:   traceID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}

// fail writes err using its kind. Unclassified errors become a 500 with a
// generic message.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	m, ok := kindMappings[kind]
	if !ok {
		errorWithMessage(c, http.StatusInternalServerError, CodeSystemError, "internal error")
		return
	}
	if apperr.Retryable(err) {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatusJSON(m.status, APIResponse{
		Code:      m.code,
		Message:   err.Error(),
		Data:      gin.H{"kind": kind, "retryable": apperr.Retryable(err)},
		TraceID:   traceID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}
