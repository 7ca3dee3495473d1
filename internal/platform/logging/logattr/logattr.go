// Package logattr holds the slog attribute keys used across the ledger so log
// queries can rely on stable field names.
package logattr

import (
	"log/slog"
	"time"
)

func ServiceName(serviceName string) slog.Attr {
	return slog.String("service_name", serviceName)
}

func Component(component string) slog.Attr {
	return slog.String("component", component)
}

func TenantID(tenantID string) slog.Attr {
	return slog.String("tenant_id", tenantID)
}

func AggregateID(aggregateID string) slog.Attr {
	return slog.String("aggregate_id", aggregateID)
}

func AggregateType(aggregateType string) slog.Attr {
	return slog.String("aggregate_type", aggregateType)
}

func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func Sequence(seq uint64) slog.Attr {
	return slog.Uint64("seq", seq)
}

func Migration(name string) slog.Attr {
	return slog.String("migration", name)
}

func MigrationState(state string) slog.Attr {
	return slog.String("migration_state", state)
}

func RecordKey(key string) slog.Attr {
	return slog.String("record_key", key)
}

func Processed(count int64) slog.Attr {
	return slog.Int64("processed", count)
}

func Attempt(attempt int) slog.Attr {
	return slog.Int("attempt", attempt)
}

func Delay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

// Error renders err as a string attribute; a nil error renders as empty.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
