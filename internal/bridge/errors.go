// Package bridge is the service surface of kgraphd: the gin HTTP
// endpoints, the gRPC endpoints, the error envelope both speak, the
// renderer subprocess, and the prometheus metrics.
package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"kgraphd/internal/core"
	"kgraphd/internal/rulepack"
)

// ErrorKind classifies a request failure.
type ErrorKind string

const (
	KindBadRequest        ErrorKind = "bad_request"
	KindValidationFailed  ErrorKind = "validation_failed"
	KindNotFound          ErrorKind = "not_found"
	KindCapacityExhausted ErrorKind = "capacity_exhausted"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
	KindUnsupported       ErrorKind = "unsupported"
)

// Envelope is the wire form of every failure, HTTP and RPC alike.
type Envelope struct {
	Kind    ErrorKind `json:"error_kind"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *Envelope) Error() string { return string(e.Kind) + ": " + e.Message }

// httpStatus maps an error kind to its HTTP status. 499 is the
// nginx-style client-closed-request status for cancelled work.
func httpStatus(kind ErrorKind) int {
	switch kind {
	case KindBadRequest, KindValidationFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityExhausted:
		return http.StatusTooManyRequests
	case KindCancelled:
		return 499
	case KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an error kind to its gRPC status code.
func grpcCode(kind ErrorKind) codes.Code {
	switch kind {
	case KindBadRequest, KindValidationFailed:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindCapacityExhausted:
		return codes.ResourceExhausted
	case KindCancelled:
		return codes.Canceled
	case KindUnsupported:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// classify folds an engine or compiler error into an error kind.
func classify(err error) ErrorKind {
	var unsupported *rulepack.UnsupportedKeysError
	switch {
	case errors.Is(err, core.ErrNotFound):
		return KindNotFound
	case errors.Is(err, core.ErrCapacity):
		return KindCapacityExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &unsupported):
		return KindUnsupported
	default:
		return KindInternal
	}
}

func writeError(c *gin.Context, kind ErrorKind, message string, details any) {
	c.AbortWithStatusJSON(httpStatus(kind), Envelope{Kind: kind, Message: message, Details: details})
}

// writeEngineError classifies err and writes its envelope.
func writeEngineError(c *gin.Context, err error) {
	writeError(c, classify(err), err.Error(), nil)
}

// rpcError converts an envelope-shaped failure into a gRPC status error.
func rpcError(kind ErrorKind, message string) error {
	return status.Error(grpcCode(kind), message)
}

func rpcEngineError(err error) error {
	return rpcError(classify(err), err.Error())
}
