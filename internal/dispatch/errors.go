package dispatch

import (
	"errors"
	"fmt"

	"github.com/agentoven/brigade/internal/coordinator"
	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/internal/store"
	"github.com/agentoven/brigade/pkg/models"
)

// JSON-RPC error codes. Codes in -32000..-32099 are brigade's own.
const (
	CodeParseError        = -32700
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeNoSpecialist      = -32001
	CodeEngineUnavailable = -32002
	CodeExecutionTimeout  = -32003
	CodePersistence       = -32004
	CodeQueueFull         = -32005
)

var messages = map[int]string{
	CodeParseError:        "Parse error",
	CodeMethodNotFound:    "Method not found",
	CodeInvalidParams:     "Invalid params",
	CodeInternal:          "Internal error",
	CodeNoSpecialist:      "No specialist registered",
	CodeEngineUnavailable: "Execution engine unavailable",
	CodeExecutionTimeout:  "Execution timeout",
	CodePersistence:       "Persistence error",
	CodeQueueFull:         "Execution queue full",
}

var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

// Code returns the JSON-RPC error code for err.
func Code(err error) int {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, store.ErrInvalidLimit),
		errors.Is(err, coordinator.ErrUnknownDomain):
		return CodeInvalidParams
	case errors.Is(err, coordinator.ErrNoSpecialistRegistered):
		return CodeNoSpecialist
	case errors.Is(err, store.ErrPersistence):
		return CodePersistence
	case errors.Is(err, gateway.ErrExecutionTimeout):
		return CodeExecutionTimeout
	case errors.Is(err, gateway.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, gateway.ErrEngineUnavailable), errors.Is(err, gateway.ErrClosed):
		return CodeEngineUnavailable
	default:
		return CodeInternal
	}
}

func errorResponse(id any, code int, data any) *models.Response {
	return &models.Response{
		Jsonrpc: "2.0",
		Error: &models.RPCError{
			Code:    code,
			Message: messages[code],
			Data:    data,
		},
		ID: id,
	}
}

func errResponse(id any, err error) *models.Response {
	return errorResponse(id, Code(err), err.Error())
}

// ParseError is the reply to a line or body that is not a JSON-RPC request.
func ParseError(err error) *models.Response {
	return errorResponse(nil, CodeParseError, err.Error())
}
