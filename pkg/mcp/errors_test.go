package mcp

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/toolgate/toolgate/pkg/jsonrpc"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrInvalidArgument, http.StatusBadRequest},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{ErrPermission, http.StatusForbidden},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus_Wrapped(t *testing.T) {
	err := fmt.Errorf("resolving: %w", fmt.Errorf("%w: tool %q", ErrNotFound, "x"))
	if got := HTTPStatus(err); got != http.StatusNotFound {
		t.Errorf("wrapped NotFound = %d, want 404", got)
	}
}

func TestRPCCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotInitialized, jsonrpc.NotInitialized},
		{ErrInvalidArgument, jsonrpc.InvalidParams},
		{ErrNotFound, jsonrpc.InvalidParams},
		{ErrUnavailable, jsonrpc.InternalError},
		{fmt.Errorf("anything"), jsonrpc.InternalError},
	}
	for _, tt := range tests {
		if got := RPCCode(tt.err); got != tt.want {
			t.Errorf("RPCCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
