package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc is the shape of a JSON-RPC request handler
type HandlerFunc func(ctx context.Context, params interface{}) (interface{}, error)

// ContextMiddleware adds request context to all operations
type ContextMiddleware struct {
	logger    Logger
	generator RequestIDGenerator
}

// NewContextMiddleware creates a new context middleware
func NewContextMiddleware(logger Logger) *ContextMiddleware {
	return &ContextMiddleware{logger: logger, generator: &UUIDGenerator{}}
}

// WrapHandler wraps a handler with per-request logging. The request id and
// the originId found in the params are attached to the context so that
// everything the handler logs can be correlated.
func (m *ContextMiddleware) WrapHandler(operation string, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, params interface{}) (interface{}, error) {
		requestID := RequestIDFromContext(ctx)
		if requestID == "" {
			requestID = m.generator.Generate()
			ctx = ContextWithRequestID(ctx, requestID)
		}

		fields := []Field{
			String("request_id", requestID),
			String("operation", operation),
		}
		if originID := originFromParams(params); originID != "" {
			ctx = ContextWithOriginID(ctx, originID)
			fields = append(fields, String("origin_id", originID))
		}

		logger := m.logger.WithFields(fields...)
		logger.Debug("Operation started")

		start := time.Now()
		result, err := handler(ctx, params)
		duration := time.Since(start)

		if err != nil {
			logger.WithError(err).WithFields(Duration("duration", duration)).Error("Operation failed")
		} else {
			logger.WithFields(Duration("duration", duration)).Debug("Operation completed")
		}

		return result, err
	}
}

func originFromParams(params interface{}) string {
	var raw []byte
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return ""
	}
	if len(raw) == 0 {
		return ""
	}

	var envelope struct {
		OriginID string `json:"originId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelope.OriginID
}

// RequestIDGenerator generates unique ids
type RequestIDGenerator interface {
	Generate() string
}

// UUIDGenerator generates random UUIDs
type UUIDGenerator struct{}

// Generate generates a new UUID
func (g *UUIDGenerator) Generate() string {
	return uuid.New().String()
}

// PrefixedGenerator generates prefixed ids such as "origin-<uuid>"
type PrefixedGenerator struct {
	Prefix    string
	Generator RequestIDGenerator
}

// Generate generates a new prefixed ID
func (g *PrefixedGenerator) Generate() string {
	gen := g.Generator
	if gen == nil {
		gen = &UUIDGenerator{}
	}
	return fmt.Sprintf("%s-%s", g.Prefix, gen.Generate())
}
