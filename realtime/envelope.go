package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// the wire format is a tagged json envelope. the schema of the entity
// payloads inside `payload` belongs to the server contract and is
// carried opaquely as raw json until a store decodes it.

type MessageKind string

const (
	MessageKindPing MessageKind = "ping"
	MessageKindPong MessageKind = "pong"

	MessageKindSubscribe    MessageKind = "subscribe"
	MessageKindUnsubscribe  MessageKind = "unsubscribe"
	MessageKindEntityCreate MessageKind = "entity_create"
	MessageKindEntityUpdate MessageKind = "entity_update"
	MessageKindEntityDelete MessageKind = "entity_delete"
	MessageKindEntityFetch  MessageKind = "entity_fetch"

	MessageKindResult MessageKind = "result"
	MessageKindError  MessageKind = "error"

	MessageKindEntityCreated MessageKind = "entity_created"
	MessageKindEntityUpdated MessageKind = "entity_updated"
	MessageKindEntityDeleted MessageKind = "entity_deleted"
	MessageKindStateChanged  MessageKind = "state_changed"
)

type Envelope struct {
	MessageId Id              `json:"message_id"`
	Timestamp int64           `json:"timestamp"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Field           string `json:"field,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	CurrentVersion  int64  `json:"current_version,omitempty"`
}

const (
	WireErrorCodeValidation      = "validation"
	WireErrorCodeUnauthorized    = "unauthorized"
	WireErrorCodeVersionConflict = "version_conflict"
	WireErrorCodeNotFound        = "not_found"
)

type SubscribeArgs struct {
	ScopeIds []ScopeId `json:"scope_ids"`
}

type EntityCreateArgs struct {
	EntityKind string          `json:"entity_kind"`
	Entity     json.RawMessage `json:"entity"`
}

type EntityUpdateArgs struct {
	EntityKind      string          `json:"entity_kind"`
	EntityId        uuid.UUID       `json:"entity_id"`
	Entity          json.RawMessage `json:"entity"`
	ExpectedVersion int64           `json:"expected_version"`
}

type EntityDeleteArgs struct {
	EntityKind string    `json:"entity_kind"`
	EntityId   uuid.UUID `json:"entity_id"`
}

type EntityFetchArgs struct {
	EntityKind string    `json:"entity_kind"`
	ScopeId    uuid.UUID `json:"scope_id"`
}

type EntityResult struct {
	Entity json.RawMessage `json:"entity,omitempty"`
}

type EntityFetchResult struct {
	Entities []json.RawMessage `json:"entities"`
}

// broadcast payload for entity_created/entity_updated/entity_deleted
type EntityEvent struct {
	EntityKind string          `json:"entity_kind"`
	EntityId   uuid.UUID       `json:"entity_id"`
	Entity     json.RawMessage `json:"entity,omitempty"`
}

// broadcast payload for state_changed
type StateEvent struct {
	ScopeId uuid.UUID `json:"scope_id"`
	Reason  string    `json:"reason,omitempty"`
}

func NewEnvelope(kind MessageKind, payload any) (*Envelope, error) {
	envelope := &Envelope{
		MessageId: NewId(),
		Timestamp: time.Now().Unix(),
		Kind:      kind,
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payloadBytes
	}
	return envelope, nil
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if envelope.Kind == "" {
		return nil, fmt.Errorf("envelope missing kind")
	}
	return envelope, nil
}

func DecodePayload[T any](envelope *Envelope) (T, error) {
	var payload T
	if len(envelope.Payload) == 0 {
		return payload, fmt.Errorf("envelope %s has no payload", envelope.MessageId)
	}
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return payload, fmt.Errorf("malformed %s payload: %w", envelope.Kind, err)
	}
	return payload, nil
}

// maps a wire error response to the client error taxonomy.
// the rejection message is sanitized before it can reach a caller.
func errorFromWire(wireError *WireError) error {
	switch wireError.Code {
	case WireErrorCodeValidation:
		return &ValidationError{
			Field:   wireError.Field,
			Message: sanitizeServerMessage(wireError.Message),
		}
	case WireErrorCodeVersionConflict:
		return &VersionConflictError{
			ExpectedVersion: wireError.ExpectedVersion,
			CurrentVersion:  wireError.CurrentVersion,
		}
	default:
		return &ServerRejectedError{
			Code:    wireError.Code,
			Message: sanitizeServerMessage(wireError.Message),
			Field:   wireError.Field,
		}
	}
}
