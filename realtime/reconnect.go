package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ReconnectEvent struct {
	Reconnected bool
	Attempts    int
}

type ReconnectEventFunction = func(event *ReconnectEvent)

type ReconnectManagerSettings struct {
	MaxAttempts int
	// same backoff-plus-jitter shape as the retry policy
	Backoff *RetrySettings
}

func DefaultReconnectManagerSettings() *ReconnectManagerSettings {
	return &ReconnectManagerSettings{
		MaxAttempts: 10,
		Backoff: &RetrySettings{
			MaxAttempts:       10,
			InitialDelay:      1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// listens for the sync client entering reconnecting and runs a bounded
// reconnect loop. subscriptions are tracked as a plain add/remove set,
// independent of connection state, so tracking survives multiple
// reconnect cycles. after a successful connect every tracked scope is
// re-subscribed before the reconnected signal fires, so a reconnect is
// invisible to callers beyond the gap itself.
type ReconnectManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    *SyncClient
	resilient *ResilientClient
	settings  *ReconnectManagerSettings

	stateLock     sync.Mutex
	subscriptions map[ScopeId]bool
	loopActive    bool

	reconnectCallbacks *CallbackList[ReconnectEventFunction]

	removeStateCallback func()
}

func NewReconnectManagerWithDefaults(ctx context.Context, client *SyncClient, resilient *ResilientClient) *ReconnectManager {
	return NewReconnectManager(ctx, client, resilient, DefaultReconnectManagerSettings())
}

func NewReconnectManager(ctx context.Context, client *SyncClient, resilient *ResilientClient, settings *ReconnectManagerSettings) *ReconnectManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &ReconnectManager{
		ctx:                cancelCtx,
		cancel:             cancel,
		client:             client,
		resilient:          resilient,
		settings:           settings,
		subscriptions:      map[ScopeId]bool{},
		reconnectCallbacks: NewCallbackList[ReconnectEventFunction](),
	}
	manager.removeStateCallback = client.AddConnectionStateCallback(func(state ConnectionState) {
		if state == ConnectionStateReconnecting {
			manager.startReconnectLoop()
		}
	})
	return manager
}

func (self *ReconnectManager) AddReconnectCallback(callback ReconnectEventFunction) func() {
	callbackId := self.reconnectCallbacks.Add(callback)
	return func() {
		self.reconnectCallbacks.Remove(callbackId)
	}
}

func (self *ReconnectManager) fireReconnectEvent(event *ReconnectEvent) {
	for _, callback := range self.reconnectCallbacks.Get() {
		handleCallback(func() {
			callback(event)
		})
	}
}

// subscribes and tracks the scopes for replay
func (self *ReconnectManager) Subscribe(ctx context.Context, scopeIds []ScopeId) error {
	if err := self.resilient.Subscribe(ctx, scopeIds); err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, scopeId := range scopeIds {
		self.subscriptions[scopeId] = true
	}
	return nil
}

func (self *ReconnectManager) Unsubscribe(ctx context.Context, scopeIds []ScopeId) error {
	// untrack first so a reconnect racing this call does not replay
	// a subscription the caller is discarding
	self.stateLock.Lock()
	for _, scopeId := range scopeIds {
		delete(self.subscriptions, scopeId)
	}
	self.stateLock.Unlock()
	return self.resilient.Unsubscribe(ctx, scopeIds)
}

func (self *ReconnectManager) TrackedSubscriptions() []ScopeId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.subscriptions)
}

func (self *ReconnectManager) startReconnectLoop() {
	self.stateLock.Lock()
	if self.loopActive {
		self.stateLock.Unlock()
		return
	}
	self.loopActive = true
	self.stateLock.Unlock()

	go self.reconnectLoop()
}

func (self *ReconnectManager) reconnectLoop() {
	defer func() {
		self.stateLock.Lock()
		self.loopActive = false
		self.stateLock.Unlock()
	}()

	for attempt := 1; attempt <= self.settings.MaxAttempts; attempt += 1 {
		self.client.Health().RecordReconnectAttempt()

		err := self.client.Connect(self.ctx)
		if err == nil {
			// replay happens-before the reconnected signal, so a caller
			// never observes "reconnected but unsubscribed"
			scopeIds := self.TrackedSubscriptions()
			replayed := 0
			for _, scopeId := range scopeIds {
				if err = self.client.Subscribe(self.ctx, []ScopeId{scopeId}); err != nil {
					break
				}
				replayed += 1
			}
			if err == nil {
				glog.Infof("[rc]reconnected after %d attempts, replayed %d subscriptions\n", attempt, replayed)
				self.client.Health().ResetReconnectAttempts()
				self.fireReconnectEvent(&ReconnectEvent{
					Reconnected: true,
					Attempts:    attempt,
				})
				return
			}
			// the connection failed again mid-replay. tear down whatever
			// is left and count this as a failed attempt. the state
			// callback cannot restart the loop while it is still running,
			// so the loop itself must carry on.
			glog.Infof("[rc]replay error = %s\n", err)
			self.client.dropCurrentTransport()
		}

		if self.settings.MaxAttempts <= attempt {
			break
		}
		delay := time.Duration(float64(self.settings.Backoff.BackoffDelay(attempt)) * retryJitter())
		glog.V(2).Infof("[rc]attempt %d failed, next in %s = %s\n", attempt, delay, err)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	// exhausted. the manager does not retry forever.
	// the caller surfaces this terminal state.
	glog.Infof("[rc]reconnect failed after %d attempts\n", self.settings.MaxAttempts)
	self.client.Disconnect(self.ctx)
	self.fireReconnectEvent(&ReconnectEvent{
		Reconnected: false,
		Attempts:    self.settings.MaxAttempts,
	})
}

func (self *ReconnectManager) Close() {
	self.removeStateCallback()
	self.cancel()
}
