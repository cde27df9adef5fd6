package transcoder

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UUIDAdapter adapts uuid.UUID to its canonical string wire
// representation.
type UUIDAdapter struct{}

func (UUIDAdapter) Tag() string { return "uuid" }

func (UUIDAdapter) Owns(v any) bool {
	_, ok := v.(uuid.UUID)
	return ok
}

func (UUIDAdapter) Encode(v any) (any, error) {
	u := v.(uuid.UUID)
	return u.String(), nil
}

func (UUIDAdapter) Decode(data any) (any, error) {
	s, _ := data.(string)
	return uuid.Parse(s)
}

// TimestampAdapter adapts time.Time to an RFC3339Nano wire representation,
// so timestamps persist as ISO-8601 text.
type TimestampAdapter struct{}

func (TimestampAdapter) Tag() string { return "timestamp" }

func (TimestampAdapter) Owns(v any) bool {
	_, ok := v.(time.Time)
	return ok
}

func (TimestampAdapter) Encode(v any) (any, error) {
	t := v.(time.Time)
	return t.UTC().Format(time.RFC3339Nano), nil
}

func (TimestampAdapter) Decode(data any) (any, error) {
	s, _ := data.(string)
	return time.Parse(time.RFC3339Nano, s)
}

// DecimalAdapter adapts shopspring/decimal.Decimal to a string wire
// representation, so fixed-point values survive the wire without float
// rounding.
type DecimalAdapter struct{}

func (DecimalAdapter) Tag() string { return "decimal" }

func (DecimalAdapter) Owns(v any) bool {
	_, ok := v.(decimal.Decimal)
	return ok
}

func (DecimalAdapter) Encode(v any) (any, error) {
	d := v.(decimal.Decimal)
	return d.String(), nil
}

func (DecimalAdapter) Decode(data any) (any, error) {
	s, _ := data.(string)
	return decimal.NewFromString(s)
}

// NewDefaultRegistry returns a Registry pre-populated with the library's
// default adapters: UUID, timestamp, and fixed-point decimal.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(UUIDAdapter{})
	r.Register(TimestampAdapter{})
	r.Register(DecimalAdapter{})
	return r
}
