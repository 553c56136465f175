package realtime

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type AppStateSettings struct {
	SyncClientSettings       *SyncClientSettings
	ResilientClientSettings  *ResilientClientSettings
	ReconnectManagerSettings *ReconnectManagerSettings
}

func DefaultAppStateSettings() *AppStateSettings {
	return &AppStateSettings{
		SyncClientSettings:       DefaultSyncClientSettings(),
		ResilientClientSettings:  DefaultResilientClientSettings(),
		ReconnectManagerSettings: DefaultReconnectManagerSettings(),
	}
}

// aggregates one entity store per entity kind plus the sync client's
// connection state into a single change-notification surface.
// no business logic of its own.
type AppState struct {
	client    *SyncClient
	resilient *ResilientClient
	reconnect *ReconnectManager

	boards *EntityStore[Board]
	cards  *EntityStore[Card]

	changedCallbacks *CallbackList[ChangedFunction]

	removeCallbacks []func()
}

func NewAppStateWithDefaults(ctx context.Context, dial DialFunc) *AppState {
	return NewAppState(ctx, dial, DefaultAppStateSettings())
}

func NewAppState(ctx context.Context, dial DialFunc, settings *AppStateSettings) *AppState {
	client := NewSyncClient(ctx, dial, settings.SyncClientSettings)
	resilient := NewResilientClient(client, settings.ResilientClientSettings)
	reconnect := NewReconnectManager(ctx, client, resilient, settings.ReconnectManagerSettings)

	state := &AppState{
		client:           client,
		resilient:        resilient,
		reconnect:        reconnect,
		boards:           NewEntityStore[Board](EntityKindBoard, resilient),
		cards:            NewEntityStore[Card](EntityKindCard, resilient),
		changedCallbacks: NewCallbackList[ChangedFunction](),
	}

	// broadcasts route to every store. each store ignores kinds that
	// are not its own and ids with in-flight local mutations.
	state.removeCallbacks = append(
		state.removeCallbacks,
		client.AddEntityCreatedCallback(func(event *EntityEvent) {
			state.boards.OnEntityCreated(event)
			state.cards.OnEntityCreated(event)
		}),
		client.AddEntityUpdatedCallback(func(event *EntityEvent) {
			state.boards.OnEntityUpdated(event)
			state.cards.OnEntityUpdated(event)
		}),
		client.AddEntityDeletedCallback(func(event *EntityEvent) {
			state.boards.OnEntityDeleted(event)
			state.cards.OnEntityDeleted(event)
		}),
		state.boards.AddChangedCallback(func() {
			state.fireChanged()
		}),
		state.cards.AddChangedCallback(func() {
			state.fireChanged()
		}),
	)

	return state
}

func (self *AppState) Boards() *EntityStore[Board] {
	return self.boards
}

func (self *AppState) Cards() *EntityStore[Card] {
	return self.cards
}

func (self *AppState) Client() *SyncClient {
	return self.client
}

func (self *AppState) Resilient() *ResilientClient {
	return self.resilient
}

func (self *AppState) Reconnect() *ReconnectManager {
	return self.reconnect
}

func (self *AppState) ConnectionState() ConnectionState {
	return self.client.ConnectionState()
}

func (self *AppState) Health() *ConnectionHealth {
	return self.client.HealthSnapshot()
}

// one combined change event for all stores
func (self *AppState) AddChangedCallback(callback ChangedFunction) func() {
	callbackId := self.changedCallbacks.Add(callback)
	return func() {
		self.changedCallbacks.Remove(callbackId)
	}
}

// one combined connection-state event
func (self *AppState) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	return self.client.AddConnectionStateCallback(callback)
}

func (self *AppState) fireChanged() {
	for _, callback := range self.changedCallbacks.Get() {
		handleCallback(callback)
	}
}

func (self *AppState) Initialize(ctx context.Context) error {
	return self.client.Connect(ctx)
}

// subscribe, then refresh each store for the scope.
// the subscription happens-before the refreshes, so a caller never
// observes "subscribed but stale" as a terminal state.
func (self *AppState) LoadScope(ctx context.Context, scopeId ScopeId) error {
	if err := self.reconnect.Subscribe(ctx, []ScopeId{scopeId}); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return self.boards.Refresh(groupCtx, scopeId)
	})
	group.Go(func() error {
		return self.cards.Refresh(groupCtx, scopeId)
	})
	return group.Wait()
}

func (self *AppState) Close() {
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
	self.reconnect.Close()
	self.client.Close()
}
