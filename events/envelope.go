package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/infigaming-com/go-events/util"
)

var ErrInvalidEnvelope = errors.New("events: invalid envelope")

// Envelope is the unit of interchange between producers and consumers.
// Producers fill it once via New and must treat it as immutable after it
// has been sent; consumers on other services agree on Type/Version out of
// band and decode Payload themselves.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationId string          `json:"correlationId,omitempty"`
	CausationId   string          `json:"causationId,omitempty"`
	TenantId      string          `json:"tenantId,omitempty"`
	TenantSlug    string          `json:"tenantSlug,omitempty"`
	UserId        string          `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

type Option func(*Envelope)

func WithID(id string) Option {
	return func(e *Envelope) {
		e.ID = id
	}
}

func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = ts
	}
}

func WithCorrelationId(correlationId string) Option {
	return func(e *Envelope) {
		e.CorrelationId = correlationId
	}
}

func WithCausationId(causationId string) Option {
	return func(e *Envelope) {
		e.CausationId = causationId
	}
}

func WithTenant(tenantId, tenantSlug string) Option {
	return func(e *Envelope) {
		e.TenantId = tenantId
		e.TenantSlug = tenantSlug
	}
}

func WithUserId(userId string) Option {
	return func(e *Envelope) {
		e.UserId = userId
	}
}

func WithMetadata(metadata map[string]any) Option {
	return func(e *Envelope) {
		e.Metadata = metadata
	}
}

// New builds an envelope with a fresh UUIDv7 id and the current UTC time.
// payload may be any JSON-serializable value, or a json.RawMessage to pass
// pre-serialized bytes through untouched.
func New(eventType, version, source string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("events: marshal payload for %q: %w", eventType, err)
	}

	e := &Envelope{
		ID:        util.NewUUID(),
		Type:      eventType,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewChild builds an envelope caused by parent: the correlation id is
// carried over (falling back to the parent's id when the parent has none)
// and the causation id points at the parent. Tenant and user context are
// inherited unless overridden via options.
func (e *Envelope) NewChild(eventType, version, source string, payload any, opts ...Option) (*Envelope, error) {
	correlationId := e.CorrelationId
	if correlationId == "" {
		correlationId = e.ID
	}
	inherited := []Option{
		WithCorrelationId(correlationId),
		WithCausationId(e.ID),
		WithTenant(e.TenantId, e.TenantSlug),
		WithUserId(e.UserId),
	}
	return New(eventType, version, source, payload, append(inherited, opts...)...)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEnvelope)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	if e.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidEnvelope)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEnvelope)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}
	return nil
}

// Marshal validates the envelope and returns its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal parses an envelope from its JSON wire form and validates the
// required fields are present.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("events: decode payload of %q: %w", e.Type, err)
	}
	return nil
}

// MetaString returns the metadata value for key when it is a string,
// otherwise the empty string.
func (e *Envelope) MetaString(key string) string {
	return util.GetMapValue(e.Metadata, key, "")
}
