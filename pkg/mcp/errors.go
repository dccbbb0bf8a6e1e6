package mcp

import (
	"errors"
	"net/http"

	"github.com/toolgate/toolgate/pkg/jsonrpc"
)

// Error taxonomy surfaced to callers. HTTP handlers and the JSON-RPC
// dispatcher translate these with HTTPStatus and RPCCode; everything not
// covered below is treated as internal.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrPermission      = errors.New("permission denied")
	ErrUnavailable     = errors.New("server unavailable")
	ErrTimeout         = errors.New("timeout")
	ErrNotInitialized  = errors.New("client not initialized")
)

// HTTPStatus maps a taxonomy error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps a taxonomy error to a JSON-RPC error code.
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrNotInitialized):
		return jsonrpc.NotInitialized
	case errors.Is(err, ErrInvalidArgument):
		return jsonrpc.InvalidParams
	case errors.Is(err, ErrNotFound):
		return jsonrpc.InvalidParams
	default:
		return jsonrpc.InternalError
	}
}
