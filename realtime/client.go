package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateConnected    ConnectionState = "Connected"
	ConnectionStateReconnecting ConnectionState = "Reconnecting"
	// terminal, post-disposal
	ConnectionStateClosed ConnectionState = "Closed"
)

type EntityEventFunction = func(event *EntityEvent)
type StateEventFunction = func(event *StateEvent)
type ConnectionStateFunction = func(state ConnectionState)

type SyncClientSettings struct {
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	// bounded wait for the loops to exit cooperatively on disconnect
	DrainTimeout time.Duration

	HealthMonitorSettings *HealthMonitorSettings
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		RequestTimeout:        10 * time.Second,
		ConnectTimeout:        5 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		DrainTimeout:          5 * time.Second,
		HealthMonitorSettings: DefaultHealthMonitorSettings(),
	}
}

// owns the transport and the receive and heartbeat loops.
// request/response operations correlate strictly by message id, so
// out-of-order responses resolve to the correct callers. every inbound
// frame that does not match a pending request is a broadcast.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial     DialFunc
	settings *SyncClientSettings

	tracker *RequestTracker
	health  *HealthMonitor

	// serializes frames onto the wire
	sendLock sync.Mutex

	// serializes connection state transitions, independent of sends,
	// so a connect and a disconnect can never race each other
	stateLock  sync.Mutex
	state      ConnectionState
	transport  Transport
	loopCancel context.CancelFunc
	loopDone   *sync.WaitGroup

	entityCreatedCallbacks   *CallbackList[EntityEventFunction]
	entityUpdatedCallbacks   *CallbackList[EntityEventFunction]
	entityDeletedCallbacks   *CallbackList[EntityEventFunction]
	stateChangedCallbacks    *CallbackList[StateEventFunction]
	connectionStateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewSyncClientWithDefaults(ctx context.Context, dial DialFunc) *SyncClient {
	return NewSyncClient(ctx, dial, DefaultSyncClientSettings())
}

func NewSyncClient(ctx context.Context, dial DialFunc, settings *SyncClientSettings) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SyncClient{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		dial:                     dial,
		settings:                 settings,
		tracker:                  NewRequestTracker(),
		health:                   NewHealthMonitor(settings.HealthMonitorSettings),
		state:                    ConnectionStateDisconnected,
		entityCreatedCallbacks:   NewCallbackList[EntityEventFunction](),
		entityUpdatedCallbacks:   NewCallbackList[EntityEventFunction](),
		entityDeletedCallbacks:   NewCallbackList[EntityEventFunction](),
		stateChangedCallbacks:    NewCallbackList[StateEventFunction](),
		connectionStateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	client.health.SetPendingRequestCount(client.tracker.Count)
	return client
}

func (self *SyncClient) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SyncClient) Health() *HealthMonitor {
	return self.health
}

func (self *SyncClient) HealthSnapshot() *ConnectionHealth {
	return self.health.Snapshot()
}

func (self *SyncClient) AddEntityCreatedCallback(callback EntityEventFunction) func() {
	callbackId := self.entityCreatedCallbacks.Add(callback)
	return func() {
		self.entityCreatedCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddEntityUpdatedCallback(callback EntityEventFunction) func() {
	callbackId := self.entityUpdatedCallbacks.Add(callback)
	return func() {
		self.entityUpdatedCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddEntityDeletedCallback(callback EntityEventFunction) func() {
	callbackId := self.entityDeletedCallbacks.Add(callback)
	return func() {
		self.entityDeletedCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddStateChangedCallback(callback StateEventFunction) func() {
	callbackId := self.stateChangedCallbacks.Add(callback)
	return func() {
		self.stateChangedCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.connectionStateCallbacks.Add(callback)
	return func() {
		self.connectionStateCallbacks.Remove(callbackId)
	}
}

func (self *SyncClient) fireConnectionState(state ConnectionState) {
	for _, callback := range self.connectionStateCallbacks.Get() {
		handleCallback(func() {
			callback(state)
		})
	}
}

// establishes the transport and starts the receive and heartbeat loops.
// allowed from disconnected or reconnecting. on failure the state is
// left disconnected only when not in a reconnect cycle, so the
// reconnection manager can keep probing.
func (self *SyncClient) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	switch self.state {
	case ConnectionStateDisconnected, ConnectionStateReconnecting:
	case ConnectionStateClosed:
		self.stateLock.Unlock()
		return fmt.Errorf("client is closed")
	default:
		self.stateLock.Unlock()
		return fmt.Errorf("connect in state %s", self.state)
	}
	previousState := self.state
	self.state = ConnectionStateConnecting
	self.stateLock.Unlock()
	self.fireConnectionState(ConnectionStateConnecting)

	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer dialCancel()
	transport, err := self.dial(dialCtx)
	if err != nil {
		self.stateLock.Lock()
		failedState := ConnectionStateDisconnected
		if previousState == ConnectionStateReconnecting {
			failedState = ConnectionStateReconnecting
		}
		self.state = failedState
		self.stateLock.Unlock()
		self.fireConnectionState(failedState)

		var connectionErr *ConnectionError
		if errors.As(err, &connectionErr) {
			return err
		}
		return NewConnectionError(err)
	}

	self.stateLock.Lock()
	if self.state != ConnectionStateConnecting {
		// a disconnect or close raced the dial
		self.stateLock.Unlock()
		transport.Close()
		return fmt.Errorf("connect interrupted")
	}
	loopCtx, loopCancel := context.WithCancel(self.ctx)
	loopDone := &sync.WaitGroup{}
	loopDone.Add(2)
	self.transport = transport
	self.loopCancel = loopCancel
	self.loopDone = loopDone
	self.state = ConnectionStateConnected
	self.stateLock.Unlock()

	go self.receiveLoop(loopCtx, loopDone, transport)
	go self.heartbeatLoop(loopCtx, loopDone, transport)

	self.fireConnectionState(ConnectionStateConnected)
	glog.V(2).Infof("[c]connected\n")
	return nil
}

// cancels both loops, drains cooperatively, closes the transport
func (self *SyncClient) Disconnect(ctx context.Context) error {
	return self.teardown(ctx, ConnectionStateDisconnected)
}

func (self *SyncClient) teardown(ctx context.Context, endState ConnectionState) error {
	self.stateLock.Lock()
	if self.state == ConnectionStateClosed && endState != ConnectionStateClosed {
		self.stateLock.Unlock()
		return nil
	}
	transport := self.transport
	loopCancel := self.loopCancel
	loopDone := self.loopDone
	self.transport = nil
	self.loopCancel = nil
	self.loopDone = nil
	self.state = endState
	self.stateLock.Unlock()

	// stop accepting new operations first, then cancel the loops,
	// await their cooperative exit, then close the transport
	if loopCancel != nil {
		loopCancel()
	}
	if loopDone != nil {
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			loopDone.Wait()
		}()
		select {
		case <-drained:
		case <-time.After(self.settings.DrainTimeout):
			glog.Infof("[c]drain timeout\n")
		case <-ctx.Done():
		}
	}
	if transport != nil {
		transport.Close()
	}
	self.tracker.FailAll(NewConnectionError(nil))

	self.fireConnectionState(endState)
	return nil
}

// terminal disposal
func (self *SyncClient) Close() {
	self.teardown(context.Background(), ConnectionStateClosed)
	self.cancel()
	self.health.Close()
}

// sends a correlated request and suspends until its matched response,
// timeout, or connection loss. safe to call concurrently. each call
// allocates a fresh message id, so a retried operation is always a new
// request on the wire.
func (self *SyncClient) SendRequest(ctx context.Context, kind MessageKind, payload any, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = self.settings.RequestTimeout
	}

	self.stateLock.Lock()
	transport := self.transport
	state := self.state
	self.stateLock.Unlock()
	if state != ConnectionStateConnected || transport == nil {
		return nil, NewConnectionError(fmt.Errorf("not connected (%s)", state))
	}

	envelope, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, &ValidationError{
			Message: err.Error(),
		}
	}
	frameBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		return nil, &ValidationError{
			Message: err.Error(),
		}
	}

	pending := self.tracker.Add(envelope.MessageId, timeout)

	self.sendLock.Lock()
	err = transport.Send(ctx, frameBytes)
	self.sendLock.Unlock()
	if err != nil {
		self.tracker.remove(envelope.MessageId)
		self.handleConnectionLoss(transport)
		return nil, err
	}
	self.health.RecordMessageSent()
	glog.V(2).Infof("[c]%s %s->\n", kind, envelope.MessageId)

	response, err := self.tracker.Await(ctx, pending)
	if err != nil {
		return nil, err
	}
	if response.Kind == MessageKindError && response.Error != nil {
		return nil, errorFromWire(response.Error)
	}
	return response, nil
}

// subscribe and unsubscribe are ordinary correlated requests
func (self *SyncClient) Subscribe(ctx context.Context, scopeIds []ScopeId) error {
	_, err := self.SendRequest(ctx, MessageKindSubscribe, &SubscribeArgs{ScopeIds: scopeIds}, 0)
	return err
}

func (self *SyncClient) Unsubscribe(ctx context.Context, scopeIds []ScopeId) error {
	_, err := self.SendRequest(ctx, MessageKindUnsubscribe, &SubscribeArgs{ScopeIds: scopeIds}, 0)
	return err
}

// single task. reads frames until transport closure or decode failure,
// completing pending requests and dispatching everything else as
// broadcasts. on exit due to failure the client enters reconnecting and
// every still-pending request fails with a connection-lost error.
func (self *SyncClient) receiveLoop(loopCtx context.Context, loopDone *sync.WaitGroup, transport Transport) {
	defer loopDone.Done()

	for {
		frameBytes, err := transport.Receive(loopCtx)
		if err != nil {
			select {
			case <-loopCtx.Done():
				// cooperative exit, disconnect owns the state
				return
			default:
			}
			self.handleConnectionLoss(transport)
			return
		}
		self.health.RecordMessageReceived()

		envelope, err := DecodeEnvelope(frameBytes)
		if err != nil {
			glog.Infof("[cr]decode error = %s\n", err)
			self.handleConnectionLoss(transport)
			return
		}

		if self.tracker.Complete(envelope) {
			glog.V(2).Infof("[cr]response %s<-\n", envelope.MessageId)
			continue
		}

		switch envelope.Kind {
		case MessageKindPong:
			// correlated to the specific outstanding ping id,
			// never a generic "most recent ping"
			self.health.RecordPong(envelope.MessageId)
		case MessageKindPing:
			// server-initiated ping, echo the id back
			self.sendPong(loopCtx, transport, envelope.MessageId)
		case MessageKindEntityCreated:
			self.dispatchEntityEvent(envelope, self.entityCreatedCallbacks)
		case MessageKindEntityUpdated:
			self.dispatchEntityEvent(envelope, self.entityUpdatedCallbacks)
		case MessageKindEntityDeleted:
			self.dispatchEntityEvent(envelope, self.entityDeletedCallbacks)
		case MessageKindStateChanged:
			event, err := DecodePayload[*StateEvent](envelope)
			if err != nil {
				glog.Infof("[cr]%s\n", err)
				continue
			}
			for _, callback := range self.stateChangedCallbacks.Get() {
				handleCallback(func() {
					callback(event)
				})
			}
		default:
			glog.V(2).Infof("[cr]unmatched %s %s<-\n", envelope.Kind, envelope.MessageId)
		}
	}
}

func (self *SyncClient) dispatchEntityEvent(envelope *Envelope, callbacks *CallbackList[EntityEventFunction]) {
	event, err := DecodePayload[*EntityEvent](envelope)
	if err != nil {
		glog.Infof("[cr]%s\n", err)
		return
	}
	for _, callback := range callbacks.Get() {
		handleCallback(func() {
			callback(event)
		})
	}
}

// single task, independent cadence. each ping is tagged with a fresh
// message id and recorded against that id for latency correlation.
func (self *SyncClient) heartbeatLoop(loopCtx context.Context, loopDone *sync.WaitGroup, transport Transport) {
	defer loopDone.Done()

	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}
		if self.ConnectionState() != ConnectionStateConnected {
			continue
		}

		pingId := NewId()
		envelope := &Envelope{
			MessageId: pingId,
			Timestamp: time.Now().Unix(),
			Kind:      MessageKindPing,
		}
		frameBytes, err := EncodeEnvelope(envelope)
		if err != nil {
			continue
		}
		self.health.RecordPingSent(pingId)

		self.sendLock.Lock()
		err = transport.Send(loopCtx, frameBytes)
		self.sendLock.Unlock()
		if err != nil {
			self.handleConnectionLoss(transport)
			return
		}
		glog.V(2).Infof("[ch]ping %s->\n", pingId)
	}
}

func (self *SyncClient) sendPong(loopCtx context.Context, transport Transport, pingId Id) {
	envelope := &Envelope{
		MessageId: pingId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindPong,
	}
	frameBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		return
	}
	self.sendLock.Lock()
	transport.Send(loopCtx, frameBytes)
	self.sendLock.Unlock()
}

// forces the current transport into the connection-loss path.
// no-op when nothing is connected.
func (self *SyncClient) dropCurrentTransport() {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport != nil {
		self.handleConnectionLoss(transport)
	}
}

// transitions connected -> reconnecting exactly once per transport.
// a stale transport (already replaced or torn down) is a no-op.
func (self *SyncClient) handleConnectionLoss(transport Transport) {
	self.stateLock.Lock()
	if self.transport != transport {
		self.stateLock.Unlock()
		return
	}
	if self.state != ConnectionStateConnected {
		self.stateLock.Unlock()
		return
	}
	self.transport = nil
	self.state = ConnectionStateReconnecting
	loopCancel := self.loopCancel
	self.loopCancel = nil
	self.loopDone = nil
	self.stateLock.Unlock()

	glog.Infof("[c]connection lost\n")
	if loopCancel != nil {
		loopCancel()
	}
	transport.Close()
	self.tracker.FailAll(NewConnectionError(nil))
	self.fireConnectionState(ConnectionStateReconnecting)
}
