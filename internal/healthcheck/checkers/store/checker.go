package storechecker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/friendlyfeed/friendlyfeed/internal/healthcheck"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
)

const (
	checkTypeStore = "message.store"
	probeScope     = "_healthcheck"
)

// Checker probes the message store with a read of an empty scope.
type Checker struct {
	logger *slog.Logger
	reader message.Reader
	driver string
}

// NewChecker creates a message store checker. driver only labels the result.
func NewChecker(log *slog.Logger, reader message.Reader, driver string) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_store")),
		reader: reader,
		driver: driver,
	}
}

// ListChecks reports whether the store answers reads.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeStore,
		Type: checkTypeStore,
	}
	if c.reader == nil {
		item.Status = healthcheck.StatusError
		item.Summary = "Message store is not configured."
		return []healthcheck.CheckResult{item}
	}
	if _, err := c.reader.List(ctx, probeScope); err != nil {
		c.logger.Warn("message store check failed", slog.String("driver", c.driver), slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Message store is unavailable."
		if !errors.Is(err, message.ErrStoreUnavailable) {
			item.Summary = "Message store read failed."
		}
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Message store (" + c.driverName() + ") is reachable."
	return []healthcheck.CheckResult{item}
}

func (c *Checker) driverName() string {
	if c.driver == "" {
		return "unknown"
	}
	return c.driver
}
