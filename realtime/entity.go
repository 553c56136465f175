package realtime

import (
	"time"

	"github.com/google/uuid"
)

// a scope is the grouping key for subscriptions and refreshes.
// boards are their own scope. cards are scoped to their board.
type ScopeId = uuid.UUID

// entities are immutable values. every mutation derives a new value,
// so a stored reference is always a consistent snapshot. the `With*`
// constructors are how the store derives optimistic values without
// knowing the concrete type.
type Entity[T any] interface {
	EntityId() uuid.UUID
	EntityVersion() int64
	EntityScopeId() ScopeId
	DeletedAt() *time.Time

	WithEntityId(id uuid.UUID) T
	WithEntityVersion(version int64) T
	WithDeletedAt(deletedAt *time.Time) T
}

const (
	EntityKindBoard = "board"
	EntityKindCard  = "card"
)

type Board struct {
	Id      uuid.UUID  `json:"id"`
	Version int64      `json:"version"`
	Deleted *time.Time `json:"deleted,omitempty"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (self Board) EntityId() uuid.UUID {
	return self.Id
}

func (self Board) EntityVersion() int64 {
	return self.Version
}

func (self Board) EntityScopeId() ScopeId {
	return self.Id
}

func (self Board) DeletedAt() *time.Time {
	return self.Deleted
}

func (self Board) WithEntityId(id uuid.UUID) Board {
	self.Id = id
	return self
}

func (self Board) WithEntityVersion(version int64) Board {
	self.Version = version
	return self
}

func (self Board) WithDeletedAt(deletedAt *time.Time) Board {
	self.Deleted = deletedAt
	return self
}

// field deltas. only present fields overwrite.
type BoardDelta struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (self Board) Apply(delta BoardDelta) Board {
	if delta.Name != nil {
		self.Name = *delta.Name
	}
	if delta.Description != nil {
		self.Description = *delta.Description
	}
	return self
}

type Card struct {
	Id      uuid.UUID  `json:"id"`
	BoardId uuid.UUID  `json:"board_id"`
	Version int64      `json:"version"`
	Deleted *time.Time `json:"deleted,omitempty"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Column      string   `json:"column"`
	Position    float64  `json:"position"`
	Labels      []string `json:"labels,omitempty"`
}

func (self Card) EntityId() uuid.UUID {
	return self.Id
}

func (self Card) EntityVersion() int64 {
	return self.Version
}

func (self Card) EntityScopeId() ScopeId {
	return self.BoardId
}

func (self Card) DeletedAt() *time.Time {
	return self.Deleted
}

func (self Card) WithEntityId(id uuid.UUID) Card {
	self.Id = id
	return self
}

func (self Card) WithEntityVersion(version int64) Card {
	self.Version = version
	return self
}

func (self Card) WithDeletedAt(deletedAt *time.Time) Card {
	self.Deleted = deletedAt
	return self
}

type CardDelta struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Column      *string   `json:"column,omitempty"`
	Position    *float64  `json:"position,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
}

func (self Card) Apply(delta CardDelta) Card {
	if delta.Title != nil {
		self.Title = *delta.Title
	}
	if delta.Description != nil {
		self.Description = *delta.Description
	}
	if delta.Column != nil {
		self.Column = *delta.Column
	}
	if delta.Position != nil {
		self.Position = *delta.Position
	}
	if delta.Labels != nil {
		labels := make([]string, len(*delta.Labels))
		copy(labels, *delta.Labels)
		self.Labels = labels
	}
	return self
}
