// Package api provides the fasthttp RPC API.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventodb/hyperstore/internal/compression"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/hypertable"
	"github.com/eventodb/hyperstore/internal/logger"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RPCHandler handles RPC requests in array format: ["method", arg1, arg2, ...]
type RPCHandler struct {
	version    string
	svc        *compression.Service
	hypertable *hypertable.Manager
	methods    map[string]RPCMethod
}

// RPCMethod is a function that handles an RPC method call
type RPCMethod func(ctx context.Context, args []interface{}) (interface{}, *RPCError)

// RPCError represents an RPC error response
type RPCError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps an RPCError for JSON serialization
type ErrorResponse struct {
	Error *RPCError `json:"error"`
}

// Error codes
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthInvalidToken = "AUTH_INVALID_TOKEN"
	CodeAuthUnauthorized = "AUTH_UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodePrecondition     = "PRECONDITION_FAILED"
	CodeDuplicateKey     = "DUPLICATE_KEY"
	CodeDeadlock         = "DEADLOCK_DETECTED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeBackendError     = "BACKEND_ERROR"
)

// statusCodes maps error codes to HTTP status; unlisted codes are 500
var statusCodes = map[string]int{
	CodeInvalidRequest:   fasthttp.StatusBadRequest,
	CodeMethodNotFound:   fasthttp.StatusNotFound,
	CodeAuthRequired:     fasthttp.StatusUnauthorized,
	CodeAuthInvalidToken: fasthttp.StatusUnauthorized,
	CodeAuthUnauthorized: fasthttp.StatusForbidden,
	CodeNotFound:         fasthttp.StatusNotFound,
	CodePermissionDenied: fasthttp.StatusForbidden,
	CodeCapabilityDenied: fasthttp.StatusPaymentRequired,
	CodePrecondition:     fasthttp.StatusConflict,
	CodeDuplicateKey:     fasthttp.StatusConflict,
	CodeDeadlock:         fasthttp.StatusConflict,
}

// StatusCode returns the HTTP status of an error code
func StatusCode(code string) int {
	if status, ok := statusCodes[code]; ok {
		return status
	}
	return fasthttp.StatusInternalServerError
}

// NewRPCHandler creates a new RPC handler
func NewRPCHandler(version string, svc *compression.Service, mgr *hypertable.Manager) *RPCHandler {
	h := &RPCHandler{
		version:    version,
		svc:        svc,
		hypertable: mgr,
		methods:    make(map[string]RPCMethod),
	}

	// System
	h.registerMethod("sys.version", h.handleSysVersion)
	h.registerMethod("sys.health", h.handleSysHealth)

	// Chunks
	h.registerMethod("chunk.compress", h.handleChunkCompress)
	h.registerMethod("chunk.decompress", h.handleChunkDecompress)
	h.registerMethod("chunk.stats", h.handleChunkStats)

	// Hypertables
	h.registerMethod("hypertable.create", h.handleHypertableCreate)
	h.registerMethod("hypertable.enable_compression", h.handleHypertableEnableCompression)
	h.registerMethod("hypertable.disable_compression", h.handleHypertableDisableCompression)
	h.registerMethod("hypertable.insert", h.handleHypertableInsert)
	h.registerMethod("hypertable.stats", h.handleHypertableStats)
	h.registerMethod("hypertable.compress_older_than", h.handleHypertableCompressOlderThan)
	h.registerMethod("hypertable.drop_chunks_older_than", h.handleHypertableDropChunksOlderThan)

	// Roles
	h.registerMethod("role.create", h.handleRoleCreate)

	return h
}

// registerMethod registers an RPC method handler
func (h *RPCHandler) registerMethod(name string, handler RPCMethod) {
	h.methods[name] = handler
}

// ServeHTTPFast handles RPC requests
func (h *RPCHandler) ServeHTTPFast(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		writeErrorFast(ctx, fasthttp.StatusMethodNotAllowed, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "Only POST method allowed",
		})
		return
	}

	var req []interface{}
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeErrorFast(ctx, fasthttp.StatusBadRequest, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "Malformed JSON request",
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}
	if len(req) < 1 {
		writeErrorFast(ctx, fasthttp.StatusBadRequest, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "Missing method name",
		})
		return
	}
	method, ok := req[0].(string)
	if !ok {
		writeErrorFast(ctx, fasthttp.StatusBadRequest, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "Method name must be a string",
		})
		return
	}
	args := req[1:]

	reqCtx := RequestContext(ctx)
	logger.FromContext(reqCtx).Debug().
		Str("method", method).
		Int("args_count", len(args)).
		Msg("RPC method invoked")

	result, rpcErr := h.route(reqCtx, method, args)
	if rpcErr != nil {
		status := StatusCode(rpcErr.Code)
		if status == fasthttp.StatusInternalServerError {
			logger.FromContext(reqCtx).Error().
				Str("method", method).
				Str("error_code", rpcErr.Code).
				Str("error_message", rpcErr.Message).
				Msg("RPC internal server error")
		}
		writeErrorFast(ctx, status, rpcErr)
		return
	}
	writeSuccessFast(ctx, result)
}

// route dispatches the request to the appropriate method handler
func (h *RPCHandler) route(ctx context.Context, method string, args []interface{}) (interface{}, *RPCError) {
	handler, exists := h.methods[method]
	if !exists {
		return nil, &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("Unknown method: %s", method),
		}
	}
	return handler(ctx, args)
}

// fromError converts an operation error into an RPC error. The SQLSTATE
// code and hint of a dberr.Error travel in Details.
func fromError(err error) *RPCError {
	code := CodeBackendError
	switch {
	case errors.Is(err, dberr.ErrDuplicateKey):
		code = CodeDuplicateKey
	case errors.Is(err, dberr.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, dberr.ErrPermissionDenied):
		code = CodePermissionDenied
	case errors.Is(err, dberr.ErrCapabilityDenied):
		code = CodeCapabilityDenied
	case errors.Is(err, dberr.ErrPreconditionViolation):
		code = CodePrecondition
	case errors.Is(err, dberr.ErrDeadlock):
		code = CodeDeadlock
	case errors.Is(err, dberr.ErrInternal):
		code = CodeInternal
	}

	rpcErr := &RPCError{Code: code, Message: err.Error()}
	var dbErr *dberr.Error
	if errors.As(err, &dbErr) {
		rpcErr.Details = map[string]interface{}{"sqlstate": dbErr.Code}
		if dbErr.Hint != "" {
			rpcErr.Details["hint"] = dbErr.Hint
		}
	}
	return rpcErr
}

// writeSuccessFast writes a successful JSON response
func writeSuccessFast(ctx *fasthttp.RequestCtx, result interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)

	if err := json.NewEncoder(ctx).Encode(result); err != nil {
		logger.FromContext(RequestContext(ctx)).Error().Err(err).Msg("Error encoding response")
	}
}

// writeErrorFast writes an error JSON response
func writeErrorFast(ctx *fasthttp.RequestCtx, statusCode int, rpcErr *RPCError) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)

	if err := json.NewEncoder(ctx).Encode(ErrorResponse{Error: rpcErr}); err != nil {
		logger.FromContext(RequestContext(ctx)).Error().Err(err).Msg("Error encoding error response")
	}
}
