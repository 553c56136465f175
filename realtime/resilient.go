package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// the sync client surface the resilience layers compose around.
// satisfied by *SyncClient. tests substitute scripted senders.
type RequestSender interface {
	SendRequest(ctx context.Context, kind MessageKind, payload any, timeout time.Duration) (*Envelope, error)
}

type ResilientClientSettings struct {
	CircuitBreakerSettings *CircuitBreakerSettings
	RetrySettings          *RetrySettings
}

func DefaultResilientClientSettings() *ResilientClientSettings {
	return &ResilientClientSettings{
		CircuitBreakerSettings: DefaultCircuitBreakerSettings(),
		RetrySettings:          DefaultRetrySettings(),
	}
}

// composes the circuit breaker and retry policy around the sync
// client's operations. errors are wrapped or retried, never swallowed.
type ResilientClient struct {
	client   RequestSender
	breaker  *CircuitBreaker
	settings *ResilientClientSettings
}

func NewResilientClientWithDefaults(client RequestSender) *ResilientClient {
	return NewResilientClient(client, DefaultResilientClientSettings())
}

func NewResilientClient(client RequestSender, settings *ResilientClientSettings) *ResilientClient {
	return &ResilientClient{
		client:   client,
		breaker:  NewCircuitBreaker(settings.CircuitBreakerSettings),
		settings: settings,
	}
}

func (self *ResilientClient) CircuitState() CircuitState {
	return self.breaker.State()
}

// breaker check, then the request, retried per policy.
// a circuit-open rejection is not transient, so the retry policy
// propagates it immediately rather than hammering the cool-down.
func (self *ResilientClient) do(ctx context.Context, kind MessageKind, payload any) (*Envelope, error) {
	op := func(ctx context.Context) (*Envelope, error) {
		if err := self.breaker.Allow(); err != nil {
			return nil, err
		}
		envelope, err := self.client.SendRequest(ctx, kind, payload, 0)
		if err == nil {
			self.breaker.RecordSuccess()
			return envelope, nil
		}
		if IsCircuitFailure(err) {
			self.breaker.RecordFailure()
		}
		return nil, err
	}
	return Retry(ctx, self.settings.RetrySettings, op)
}

func (self *ResilientClient) CreateEntity(ctx context.Context, entityKind string, entity any) (json.RawMessage, error) {
	entityBytes, err := json.Marshal(entity)
	if err != nil {
		return nil, &ValidationError{
			Message: err.Error(),
		}
	}
	response, err := self.do(ctx, MessageKindEntityCreate, &EntityCreateArgs{
		EntityKind: entityKind,
		Entity:     entityBytes,
	})
	if err != nil {
		return nil, err
	}
	result, err := DecodePayload[*EntityResult](response)
	if err != nil {
		return nil, err
	}
	return result.Entity, nil
}

func (self *ResilientClient) UpdateEntity(ctx context.Context, entityKind string, entityId uuid.UUID, entity any, expectedVersion int64) (json.RawMessage, error) {
	entityBytes, err := json.Marshal(entity)
	if err != nil {
		return nil, &ValidationError{
			Message: err.Error(),
		}
	}
	response, err := self.do(ctx, MessageKindEntityUpdate, &EntityUpdateArgs{
		EntityKind:      entityKind,
		EntityId:        entityId,
		Entity:          entityBytes,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}
	result, err := DecodePayload[*EntityResult](response)
	if err != nil {
		return nil, err
	}
	return result.Entity, nil
}

func (self *ResilientClient) DeleteEntity(ctx context.Context, entityKind string, entityId uuid.UUID) error {
	_, err := self.do(ctx, MessageKindEntityDelete, &EntityDeleteArgs{
		EntityKind: entityKind,
		EntityId:   entityId,
	})
	return err
}

func (self *ResilientClient) FetchEntities(ctx context.Context, entityKind string, scopeId ScopeId) ([]json.RawMessage, error) {
	response, err := self.do(ctx, MessageKindEntityFetch, &EntityFetchArgs{
		EntityKind: entityKind,
		ScopeId:    scopeId,
	})
	if err != nil {
		return nil, err
	}
	result, err := DecodePayload[*EntityFetchResult](response)
	if err != nil {
		return nil, err
	}
	return result.Entities, nil
}

func (self *ResilientClient) Subscribe(ctx context.Context, scopeIds []ScopeId) error {
	_, err := self.do(ctx, MessageKindSubscribe, &SubscribeArgs{
		ScopeIds: scopeIds,
	})
	return err
}

func (self *ResilientClient) Unsubscribe(ctx context.Context, scopeIds []ScopeId) error {
	_, err := self.do(ctx, MessageKindUnsubscribe, &SubscribeArgs{
		ScopeIds: scopeIds,
	})
	return err
}
