package usecase

import (
	"context"
	"strings"

	"workflow-bundles/go-backend/internal/domains/contracts"
)

const bundleComponentName = "bundle"

type actorKey struct{}

// WithActor attaches the calling principal to ctx. It becomes CreatedBy on
// new bundles.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *Service) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", bundleComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationOrNA(correlationID),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", bundleComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationOrNA(correlationID),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

func (s *Service) logError(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", bundleComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationOrNA(correlationID),
	}
	s.logger.Error(message, append(base, attrs...)...)
}

func (s *Service) recordErrorWithContext(category string, err error, operation, correlationID string, attrs ...any) {
	if err == nil {
		return
	}
	if s.deps.RecordError != nil {
		s.deps.RecordError(contracts.WrapCategorizedError(category, err))
	}
	base := []any{
		"component", bundleComponentName,
		"operation", strings.TrimSpace(operation),
		"category", strings.TrimSpace(category),
		"correlation_id", correlationOrNA(correlationID),
		"error", err.Error(),
	}
	s.logger.Error("bundle operation failed", append(base, attrs...)...)
}

func correlationOrNA(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return "n/a"
}
