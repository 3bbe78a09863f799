package grpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arkilian/partman/internal/catalog"
	perrors "github.com/arkilian/partman/internal/errors"
)

// UnaryInterceptor logs every call with its request id and converts
// partitioning errors into gRPC statuses.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := extractRequestID(ctx)
		start := time.Now()
		resp, err := handler(ctx, req)

		attrs := []any{"method", info.FullMethod, "request_id", requestID, "duration", time.Since(start)}
		if err != nil {
			err = toStatus(err)
			logger.Warn("grpc call failed", append(attrs, "code", status.Code(err).String(), "error", err)...)
			return nil, err
		}
		logger.Debug("grpc call", attrs...)
		return resp, nil
	}
}

// extractRequestID extracts or generates a request ID from gRPC metadata.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// toStatus maps the error taxonomy onto gRPC codes. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case catalog.IsNotFound(err):
		code = codes.NotFound
	case perrors.HasCategory(err, perrors.ErrCategoryValidation):
		code = codes.InvalidArgument
	case perrors.HasCategory(err, perrors.ErrCategoryConfiguration):
		code = codes.FailedPrecondition
	case perrors.HasCategory(err, perrors.ErrCategoryCreation):
		code = codes.Aborted
	case perrors.HasCategory(err, perrors.ErrCategoryConcurrency):
		code = codes.Unavailable
	case perrors.GetCode(err) == perrors.CodeDuplicate:
		code = codes.AlreadyExists
	}
	return status.Error(code, err.Error())
}
