// Package event defines the immutable domain event envelope stored in the
// ledger and the keys that address aggregate streams.
package event

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/codec"
)

// Type names a domain event kind, e.g. "policy.issued".
type Type string

// AggregateType names a family of aggregates sharing one dispatch table.
type AggregateType string

// Event is one committed change to an aggregate. Seq is 1-based and
// contiguous per (TenantID, AggregateID).
type Event struct {
	ID            string
	TenantID      string
	AggregateID   string
	AggregateType AggregateType
	Seq           uint64
	Type          Type
	PayloadJSON   []byte
	Timestamp     time.Time
}

// Key returns the stream the event belongs to.
func (e Event) Key() StreamKey {
	return StreamKey{TenantID: e.TenantID, AggregateID: e.AggregateID}
}

// Draft is an event not yet appended: the repository assigns its stream,
// sequence, id and timestamp.
type Draft struct {
	Type        Type
	PayloadJSON []byte
}

// NewDraft encodes payload into a draft of the given type.
func NewDraft(eventType Type, payload any) (Draft, error) {
	if strings.TrimSpace(string(eventType)) == "" {
		return Draft{}, apperrors.New(apperrors.CodeInvalidArgument, "event type is required")
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Draft{}, apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("encode %s payload", eventType), err)
	}
	return Draft{Type: eventType, PayloadJSON: data}, nil
}

// Decode unmarshals the event payload into T. Undecodable payloads are
// corrupt history and fail with CodeCorruptEvent.
func Decode[T any](evt Event) (T, error) {
	var payload T
	if len(evt.PayloadJSON) == 0 {
		return payload, nil
	}
	if err := codec.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, apperrors.WrapWithMetadata(
			apperrors.CodeCorruptEvent,
			fmt.Sprintf("decode %s payload", evt.Type),
			map[string]string{
				"tenant_id":    evt.TenantID,
				"aggregate_id": evt.AggregateID,
				"seq":          fmt.Sprintf("%d", evt.Seq),
			},
			err,
		)
	}
	return payload, nil
}

// StreamKey addresses one aggregate stream. Streams are ordered by
// (TenantID, AggregateID); the "tenant/aggregate" string form is only an
// encoding for persisted cursors and must be parsed back before comparing.
type StreamKey struct {
	TenantID    string
	AggregateID string
}

func (k StreamKey) String() string {
	if k.TenantID == "" && k.AggregateID == "" {
		return ""
	}
	return k.TenantID + "/" + k.AggregateID
}

// Less orders keys by tenant, then aggregate.
func (k StreamKey) Less(other StreamKey) bool {
	if k.TenantID != other.TenantID {
		return k.TenantID < other.TenantID
	}
	return k.AggregateID < other.AggregateID
}

// IsZero reports whether the key addresses nothing.
func (k StreamKey) IsZero() bool {
	return k.TenantID == "" && k.AggregateID == ""
}

// Validate checks the identifiers are usable as storage keys.
func (k StreamKey) Validate() error {
	if err := validateID("tenant id", k.TenantID); err != nil {
		return err
	}
	if strings.Contains(k.TenantID, "/") {
		return apperrors.New(apperrors.CodeInvalidArgument, "tenant id must not contain '/'")
	}
	return validateID("aggregate id", k.AggregateID)
}

// ParseStreamKey parses the String form. The empty string parses to the
// zero key.
func ParseStreamKey(raw string) (StreamKey, error) {
	if raw == "" {
		return StreamKey{}, nil
	}
	tenantID, aggregateID, ok := strings.Cut(raw, "/")
	if !ok {
		return StreamKey{}, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("stream key %q has no '/' separator", raw))
	}
	key := StreamKey{TenantID: tenantID, AggregateID: aggregateID}
	if err := key.Validate(); err != nil {
		return StreamKey{}, err
	}
	return key, nil
}

func validateID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, name+" is required")
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return apperrors.New(apperrors.CodeInvalidArgument, name+" must not contain control characters")
		}
	}
	return nil
}
