package api

import (
	"context"
	"strings"
	"time"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// userValueCtx is the fasthttp user value holding the request context
const userValueCtx = "ctx"

// RequestContext returns the context the middleware attached to ctx
func RequestContext(ctx *fasthttp.RequestCtx) context.Context {
	if v, ok := ctx.UserValue(userValueCtx).(context.Context); ok {
		return v
	}
	return context.Background()
}

func setRequestContext(ctx *fasthttp.RequestCtx, reqCtx context.Context) {
	ctx.SetUserValue(userValueCtx, reqCtx)
}

// LoggingMiddlewareFast tags the request context with a request ID and
// logs each request with its timing
func LoggingMiddlewareFast(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		requestID := uuid.NewString()
		setRequestContext(ctx, logger.WithRequestID(RequestContext(ctx), requestID))

		next(ctx)

		log := logger.FromContext(RequestContext(ctx))
		statusCode := ctx.Response.StatusCode()
		event := log.WithLevel(zerolog.InfoLevel)
		if statusCode >= 500 {
			event = log.Error()
		}
		event.
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// AuthMiddlewareFast resolves the bearer token to a stored role and puts
// its session into the request context. In test mode requests without a
// valid token run as the bootstrap superuser.
func AuthMiddlewareFast(eng engine.Engine, testMode bool) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			reqCtx := RequestContext(ctx)
			anonymous := func() {
				session := auth.NewSession(auth.DefaultSuperuser, true)
				setRequestContext(ctx, auth.WithSession(reqCtx, session))
				next(ctx)
			}

			authHeader := string(ctx.Request.Header.Peek("Authorization"))
			if authHeader == "" {
				if testMode {
					anonymous()
					return
				}
				writeErrorFast(ctx, fasthttp.StatusUnauthorized, &RPCError{
					Code:    CodeAuthRequired,
					Message: "Authorization header required",
				})
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				if testMode {
					anonymous()
					return
				}
				writeErrorFast(ctx, fasthttp.StatusUnauthorized, &RPCError{
					Code:    CodeAuthRequired,
					Message: "Authorization header must use Bearer scheme",
				})
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			name, err := auth.ParseToken(token)
			if err != nil {
				if testMode {
					anonymous()
					return
				}
				writeErrorFast(ctx, fasthttp.StatusUnauthorized, &RPCError{
					Code:    CodeAuthInvalidToken,
					Message: "Invalid token format",
					Details: map[string]interface{}{"error": err.Error()},
				})
				return
			}

			role, err := lookupRole(reqCtx, eng, name)
			if err != nil || !auth.VerifyToken(token, role.TokenHash) {
				if err != nil {
					logger.FromContext(reqCtx).Debug().Err(err).Str("role", string(name)).Msg("Role lookup failed")
				}
				writeErrorFast(ctx, fasthttp.StatusForbidden, &RPCError{
					Code:    CodeAuthUnauthorized,
					Message: "Token not authorized for role",
					Details: map[string]interface{}{"role": string(name)},
				})
				return
			}

			session := auth.NewSession(role.Name, role.Superuser)
			setRequestContext(ctx, auth.WithSession(reqCtx, session))
			next(ctx)
		}
	}
}

// lookupRole reads a role in its own read-only transaction
func lookupRole(ctx context.Context, eng engine.Engine, name auth.Role) (*catalog.Role, error) {
	tx, err := eng.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return catalog.New(ctx, tx, nil).Role(name)
}

// Chain wraps the RPC handler with authentication and request logging
func Chain(h *RPCHandler, eng engine.Engine, testMode bool) fasthttp.RequestHandler {
	return LoggingMiddlewareFast(AuthMiddlewareFast(eng, testMode)(h.ServeHTTPFast))
}
