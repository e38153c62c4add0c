package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/query-gate/querygate/internal/ctxkey"
	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/pkg/rpc"
)

// ServerService runs the line-delimited JSON-RPC loop over a reader/writer
// pair and dispatches requests into the registry pipeline. One server serves
// exactly one bound session for its whole lifetime.
type ServerService struct {
	registry *Registry
	sess     *session.Context
	logger   *slog.Logger
}

// NewServerService creates a server bound to one session context.
func NewServerService(registry *Registry, sess *session.Context, logger *slog.Logger) *ServerService {
	return &ServerService{
		registry: registry,
		sess:     sess,
		logger:   logger,
	}
}

// Run reads newline-delimited JSON-RPC messages from src and writes
// responses to dst until EOF or context cancellation. Malformed input gets a
// JSON-RPC error response; it never kills the loop.
func (s *ServerService) Run(ctx context.Context, src io.Reader, dst io.Writer) error {
	// Messages can be large; a SELECT statement alone may approach the
	// schema cap.
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		requestID := uuid.NewString()
		reqCtx := context.WithValue(ctx, ctxkey.RequestIDKey{}, requestID)
		logger := s.logger.With("request_id", requestID)
		reqCtx = context.WithValue(reqCtx, ctxkey.LoggerKey{}, logger)

		start := time.Now()
		response := s.dispatch(reqCtx, raw, logger)
		if response == nil {
			continue
		}

		if _, err := dst.Write(response); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if _, err := dst.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write newline failed: %w", err)
		}

		logger.Debug("request served",
			"latency_us", time.Since(start).Microseconds(),
		)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}

// dispatch handles one raw message and returns the response bytes, or nil
// when no response is owed (notifications).
func (s *ServerService) dispatch(ctx context.Context, raw []byte, logger *slog.Logger) []byte {
	msg, err := rpc.DecodeMessage(raw)
	if err != nil {
		logger.Warn("failed to decode message", "error", err)
		return rpc.NewErrorResponse(nil, rpc.CodeParseError, "parse error", "")
	}

	req := msg.Request()
	if req == nil {
		// Responses and other non-request frames have no business on a
		// server's inbound stream.
		logger.Debug("ignoring non-request message")
		return nil
	}

	id := msg.RawID()
	isNotification := id == nil

	var result interface{}
	var callErr error

	switch msg.Method() {
	case rpc.MethodPing:
		result = map[string]interface{}{}

	case rpc.MethodToolsList:
		tools, err := s.registry.List(ctx, s.sess)
		if err != nil {
			callErr = err
		} else {
			result = map[string]interface{}{"tools": tools}
		}

	case rpc.MethodToolsCall:
		name, args := msg.ToolCallParams()
		if name == "" {
			if isNotification {
				return nil
			}
			return rpc.NewErrorResponse(id, rpc.CodeInvalidParams, "missing tool name", "")
		}
		if args == nil {
			args = map[string]interface{}{}
		}
		result, callErr = s.registry.Execute(ctx, s.sess, name, args)

	default:
		if isNotification {
			return nil
		}
		return rpc.NewErrorResponse(id, rpc.CodeMethodNotFound, "method not found", "")
	}

	if isNotification {
		return nil
	}

	if callErr != nil {
		category := outcome.CategoryOf(callErr)
		return rpc.NewErrorResponse(id, rpc.CodeRequestDenied,
			outcome.SafeMessage(callErr), string(category))
	}

	response, err := rpc.NewResultResponse(id, result)
	if err != nil {
		logger.Error("failed to encode response", "error", err)
		return rpc.NewErrorResponse(id, rpc.CodeInternalError, "internal error", "")
	}
	return response
}
