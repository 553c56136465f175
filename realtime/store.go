package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
)

// coalescing change signal. no payload. subscribers re-read current
// state rather than diffing deltas, so firing liberally is cheap.
type ChangedFunction = func()

// the mutation surface a store calls through.
// satisfied by *ResilientClient.
type EntityClient interface {
	CreateEntity(ctx context.Context, entityKind string, entity any) (json.RawMessage, error)
	UpdateEntity(ctx context.Context, entityKind string, entityId uuid.UUID, entity any, expectedVersion int64) (json.RawMessage, error)
	DeleteEntity(ctx context.Context, entityKind string, entityId uuid.UUID) error
	FetchEntities(ctx context.Context, entityKind string, scopeId ScopeId) ([]json.RawMessage, error)
}

// one in-flight mutation for one entity id.
// original == nil means this is a create.
type PendingUpdate[T Entity[T]] struct {
	entityId   uuid.UUID
	original   *T
	optimistic T
	createdAt  time.Time

	// closed when the mutation confirms or rolls back
	done chan struct{}
}

// generic, thread-safe keyed collection with optimistic-update
// tracking. mutations apply locally first, then call through the
// resilient client. success replaces the optimistic value with the
// server-confirmed one. failure restores the pre-mutation value
// exactly. entities are immutable values, replaced wholesale, so a
// reader always sees an internally-consistent snapshot.
type EntityStore[T Entity[T]] struct {
	entityKind string
	client     EntityClient

	stateLock sync.Mutex
	entities  map[uuid.UUID]T
	pending   map[uuid.UUID]*PendingUpdate[T]

	changedCallbacks *CallbackList[ChangedFunction]
}

func NewEntityStore[T Entity[T]](entityKind string, client EntityClient) *EntityStore[T] {
	return &EntityStore[T]{
		entityKind:       entityKind,
		client:           client,
		entities:         map[uuid.UUID]T{},
		pending:          map[uuid.UUID]*PendingUpdate[T]{},
		changedCallbacks: NewCallbackList[ChangedFunction](),
	}
}

func (self *EntityStore[T]) AddChangedCallback(callback ChangedFunction) func() {
	callbackId := self.changedCallbacks.Add(callback)
	return func() {
		self.changedCallbacks.Remove(callbackId)
	}
}

// fires after every successful mutation, rollback, broadcast
// application, or refresh
func (self *EntityStore[T]) fireChanged() {
	for _, callback := range self.changedCallbacks.Get() {
		handleCallback(callback)
	}
}

func (self *EntityStore[T]) Get(entityId uuid.UUID) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entity, ok := self.entities[entityId]
	if !ok || entity.DeletedAt() != nil {
		var zero T
		return zero, false
	}
	return entity, true
}

// snapshot filter over the current map, excluding soft-deleted entries
func (self *EntityStore[T]) GetAllMatching(predicate func(T) bool) []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matching := []T{}
	for _, entity := range self.entities {
		if entity.DeletedAt() != nil {
			continue
		}
		if predicate(entity) {
			matching = append(matching, entity)
		}
	}
	return matching
}

func (self *EntityStore[T]) HasPending(entityId uuid.UUID) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.pending[entityId]
	return ok
}

func (self *EntityStore[T]) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// must be called inside the state lock
func (self *EntityStore[T]) resolvePending(entityId uuid.UUID) {
	if pendingUpdate, ok := self.pending[entityId]; ok {
		delete(self.pending, entityId)
		close(pendingUpdate.done)
	}
}

// at most one pending update per entity id at a time.
// a second mutation on the same id waits for the first to resolve,
// never interleaves. the absence check and the claim happen in one
// critical section, so two concurrent mutations can never both claim
// the slot. the wait is bounded by the first mutation's own request
// timeout, which clears its pending entry either way.
//
// `claim` runs inside the state lock against the current value and
// returns the pending entry to install, or an error. on success the
// entry's optimistic value is already written to the map.
func (self *EntityStore[T]) claimPending(ctx context.Context, entityId uuid.UUID, claim func(original T, ok bool) (*PendingUpdate[T], error)) (*PendingUpdate[T], error) {
	for {
		self.stateLock.Lock()
		inFlight, pending := self.pending[entityId]
		if !pending {
			original, ok := self.entities[entityId]
			claimed, err := claim(original, ok)
			if err != nil {
				self.stateLock.Unlock()
				return nil, err
			}
			self.entities[entityId] = claimed.optimistic
			self.pending[entityId] = claimed
			self.stateLock.Unlock()
			return claimed, nil
		}
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inFlight.done:
		}
	}
}

// inserts an optimistic value under a temporary id, then calls through.
// success atomically swaps the temporary entry for the server-confirmed
// entity under its real id. a failed create leaves no trace.
func (self *EntityStore[T]) Create(ctx context.Context, value T) (T, error) {
	var zero T

	tempId := uuid.New()
	optimistic := value.WithEntityId(tempId)

	self.stateLock.Lock()
	self.entities[tempId] = optimistic
	self.pending[tempId] = &PendingUpdate[T]{
		entityId:   tempId,
		optimistic: optimistic,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	self.stateLock.Unlock()
	self.fireChanged()

	confirmedBytes, err := self.client.CreateEntity(ctx, self.entityKind, optimistic)
	var confirmed T
	if err == nil {
		confirmed, err = decodeEntity[T](confirmedBytes)
	}

	self.stateLock.Lock()
	delete(self.entities, tempId)
	self.resolvePending(tempId)
	if err == nil {
		self.entities[confirmed.EntityId()] = confirmed
	}
	self.stateLock.Unlock()
	self.fireChanged()

	if err != nil {
		return zero, err
	}
	glog.V(2).Infof("[store]%s created %s -> %s\n", self.entityKind, tempId, confirmed.EntityId())
	return confirmed, nil
}

// applies the field deltas via `apply` plus a local version bump,
// writes the optimistic value, and calls through with the pre-mutation
// version as the expected version. the server-confirmed value is
// authoritative, including its version. failure restores the original
// exactly.
func (self *EntityStore[T]) Update(ctx context.Context, entityId uuid.UUID, apply func(T) T) (T, error) {
	var zero T

	claimed, err := self.claimPending(ctx, entityId, func(original T, ok bool) (*PendingUpdate[T], error) {
		if !ok || original.DeletedAt() != nil {
			return nil, &ValidationError{
				Field:   "entity_id",
				Message: "entity not found",
			}
		}
		optimistic := apply(original).
			WithEntityId(entityId).
			WithEntityVersion(original.EntityVersion() + 1)
		return &PendingUpdate[T]{
			entityId:   entityId,
			original:   &original,
			optimistic: optimistic,
			createdAt:  time.Now(),
			done:       make(chan struct{}),
		}, nil
	})
	if err != nil {
		return zero, err
	}
	original := *claimed.original
	optimistic := claimed.optimistic
	self.fireChanged()

	confirmedBytes, err := self.client.UpdateEntity(ctx, self.entityKind, entityId, optimistic, original.EntityVersion())
	var confirmed T
	if err == nil {
		confirmed, err = decodeEntity[T](confirmedBytes)
	}

	self.stateLock.Lock()
	if err == nil {
		self.entities[confirmed.EntityId()] = confirmed
	} else {
		self.entities[entityId] = original
	}
	self.resolvePending(entityId)
	self.stateLock.Unlock()
	self.fireChanged()

	if err != nil {
		return zero, err
	}
	return confirmed, nil
}

// same optimistic pattern with a soft-delete marker as the optimistic
// value. failure removes the marker.
func (self *EntityStore[T]) Delete(ctx context.Context, entityId uuid.UUID) error {
	claimed, err := self.claimPending(ctx, entityId, func(original T, ok bool) (*PendingUpdate[T], error) {
		if !ok || original.DeletedAt() != nil {
			return nil, &ValidationError{
				Field:   "entity_id",
				Message: "entity not found",
			}
		}
		deletedAt := time.Now()
		return &PendingUpdate[T]{
			entityId:   entityId,
			original:   &original,
			optimistic: original.WithDeletedAt(&deletedAt),
			createdAt:  time.Now(),
			done:       make(chan struct{}),
		}, nil
	})
	if err != nil {
		return err
	}
	original := *claimed.original
	self.fireChanged()

	err = self.client.DeleteEntity(ctx, self.entityKind, entityId)

	self.stateLock.Lock()
	if err != nil {
		// undelete
		self.entities[entityId] = original
	}
	self.resolvePending(entityId)
	self.stateLock.Unlock()
	self.fireChanged()

	return err
}

// broadcasts for an id with a live pending update are ignored. the
// in-flight local operation's own completion is the single source of
// truth for that id. the pending entry is bounded by the request's own
// timeout, so suppression cannot starve broadcasts indefinitely.
func (self *EntityStore[T]) OnEntityCreated(event *EntityEvent) {
	self.applyBroadcast(event)
}

func (self *EntityStore[T]) OnEntityUpdated(event *EntityEvent) {
	self.applyBroadcast(event)
}

func (self *EntityStore[T]) applyBroadcast(event *EntityEvent) {
	if event.EntityKind != self.entityKind {
		return
	}
	entity, err := decodeEntity[T](event.Entity)
	if err != nil {
		glog.Infof("[store]%s broadcast decode error = %s\n", self.entityKind, err)
		return
	}

	self.stateLock.Lock()
	if _, ok := self.pending[event.EntityId]; ok {
		self.stateLock.Unlock()
		glog.V(2).Infof("[store]%s broadcast suppressed for %s\n", self.entityKind, event.EntityId)
		return
	}
	self.entities[entity.EntityId()] = entity
	self.stateLock.Unlock()
	self.fireChanged()
}

func (self *EntityStore[T]) OnEntityDeleted(event *EntityEvent) {
	if event.EntityKind != self.entityKind {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.pending[event.EntityId]; ok {
		self.stateLock.Unlock()
		glog.V(2).Infof("[store]%s broadcast suppressed for %s\n", self.entityKind, event.EntityId)
		return
	}
	entity, ok := self.entities[event.EntityId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	deletedAt := time.Now()
	self.entities[event.EntityId] = entity.WithDeletedAt(&deletedAt)
	self.stateLock.Unlock()
	self.fireChanged()
}

// wholesale replace of all entries within a scope with a freshly
// fetched set. entries with a live pending update are left alone so a
// refresh cannot clobber an in-flight mutation.
func (self *EntityStore[T]) Refresh(ctx context.Context, scopeId ScopeId) error {
	fetchedBytes, err := self.client.FetchEntities(ctx, self.entityKind, scopeId)
	if err != nil {
		return err
	}
	fetched := make([]T, 0, len(fetchedBytes))
	for _, entityBytes := range fetchedBytes {
		entity, err := decodeEntity[T](entityBytes)
		if err != nil {
			return err
		}
		fetched = append(fetched, entity)
	}

	self.stateLock.Lock()
	for _, entityId := range maps.Keys(self.entities) {
		if self.entities[entityId].EntityScopeId() != scopeId {
			continue
		}
		if _, ok := self.pending[entityId]; ok {
			continue
		}
		delete(self.entities, entityId)
	}
	for _, entity := range fetched {
		if _, ok := self.pending[entity.EntityId()]; ok {
			continue
		}
		self.entities[entity.EntityId()] = entity
	}
	self.stateLock.Unlock()
	self.fireChanged()

	glog.V(2).Infof("[store]%s refreshed %d entities for scope %s\n", self.entityKind, len(fetched), scopeId)
	return nil
}

func decodeEntity[T any](entityBytes json.RawMessage) (T, error) {
	var entity T
	if err := json.Unmarshal(entityBytes, &entity); err != nil {
		return entity, err
	}
	return entity, nil
}
