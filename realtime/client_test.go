package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory duplex transport. the test side plays the server by reading
// `fromClient` and writing `toClient`.
type memoryTransport struct {
	fromClient chan []byte
	toClient   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		fromClient: make(chan []byte, 16),
		toClient:   make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (self *memoryTransport) Send(ctx context.Context, frameBytes []byte) error {
	select {
	case <-self.closed:
		return NewConnectionError(errors.New("transport closed"))
	case <-ctx.Done():
		return ctx.Err()
	case self.fromClient <- frameBytes:
		return nil
	}
}

func (self *memoryTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-self.closed:
		return nil, NewConnectionError(errors.New("transport closed"))
	case <-ctx.Done():
		return nil, ctx.Err()
	case frameBytes := <-self.toClient:
		return frameBytes, nil
	}
}

func (self *memoryTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *memoryTransport) serverSend(t *testing.T, envelope *Envelope) {
	frameBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case self.toClient <- frameBytes:
	case <-time.After(time.Second):
		t.Fatal("server send timed out")
	}
}

func (self *memoryTransport) serverReceive(t *testing.T) *Envelope {
	select {
	case frameBytes := <-self.fromClient:
		envelope, err := DecodeEnvelope(frameBytes)
		if err != nil {
			t.Fatal(err)
		}
		return envelope
	case <-time.After(time.Second):
		t.Fatal("server receive timed out")
		return nil
	}
}

func staticDial(transport Transport) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		return transport, nil
	}
}

func testClientSettings() *SyncClientSettings {
	settings := DefaultSyncClientSettings()
	settings.RequestTimeout = time.Second
	settings.HeartbeatInterval = time.Hour
	settings.DrainTimeout = time.Second
	return settings
}

func connectedClient(t *testing.T) (*SyncClient, *memoryTransport) {
	transport := newMemoryTransport()
	client := NewSyncClient(context.Background(), staticDial(transport), testClientSettings())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return client, transport
}

func TestClientResponsesMatchByIdNotSendOrder(t *testing.T) {
	ctx := context.Background()
	client, transport := connectedClient(t)
	defer client.Close()

	type outcome struct {
		envelope *Envelope
		err      error
	}
	first := make(chan outcome)
	second := make(chan outcome)
	go func() {
		envelope, err := client.SendRequest(ctx, MessageKindEntityFetch, &EntityFetchArgs{EntityKind: EntityKindBoard}, 0)
		first <- outcome{envelope, err}
	}()
	requestA := transport.serverReceive(t)
	go func() {
		envelope, err := client.SendRequest(ctx, MessageKindEntityFetch, &EntityFetchArgs{EntityKind: EntityKindCard}, 0)
		second <- outcome{envelope, err}
	}()
	requestB := transport.serverReceive(t)

	// respond out of order
	transport.serverSend(t, &Envelope{
		MessageId: requestB.MessageId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindResult,
		Payload:   mustJsonNoT(&EntityFetchResult{}),
	})
	transport.serverSend(t, &Envelope{
		MessageId: requestA.MessageId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindResult,
		Payload:   mustJsonNoT(&EntityFetchResult{}),
	})

	outcomeB := <-second
	assert.Equal(t, nil, outcomeB.err)
	assert.Equal(t, requestB.MessageId, outcomeB.envelope.MessageId)
	outcomeA := <-first
	assert.Equal(t, nil, outcomeA.err)
	assert.Equal(t, requestA.MessageId, outcomeA.envelope.MessageId)
}

func TestClientRequestTimeout(t *testing.T) {
	ctx := context.Background()
	client, transport := connectedClient(t)
	defer client.Close()

	_, err := client.SendRequest(ctx, MessageKindEntityFetch, &EntityFetchArgs{}, 50*time.Millisecond)
	var timeoutErr *RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected RequestTimeoutError, got %v", err)
	}
	// the request made it to the wire, the pending entry did not leak
	transport.serverReceive(t)
	assert.Equal(t, 0, client.tracker.Count())
}

func TestClientConnectionLossFailsPendingAndReconnects(t *testing.T) {
	ctx := context.Background()
	client, transport := connectedClient(t)
	defer client.Close()

	states := make(chan ConnectionState, 8)
	remove := client.AddConnectionStateCallback(func(state ConnectionState) {
		states <- state
	})
	defer remove()

	requestDone := make(chan error)
	go func() {
		_, err := client.SendRequest(ctx, MessageKindEntityFetch, &EntityFetchArgs{}, 5*time.Second)
		requestDone <- err
	}()
	transport.serverReceive(t)

	// the transport drops
	transport.Close()

	err := <-requestDone
	// connection-lost, not timeout, so the caller can tell the two apart
	var connectionErr *ConnectionError
	if !errors.As(err, &connectionErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}

	select {
	case state := <-states:
		assert.Equal(t, ConnectionStateReconnecting, state)
	case <-time.After(time.Second):
		t.Fatal("no reconnecting transition")
	}
	assert.Equal(t, ConnectionStateReconnecting, client.ConnectionState())
}

func TestClientBroadcastDispatch(t *testing.T) {
	client, transport := connectedClient(t)
	defer client.Close()

	events := make(chan *EntityEvent, 1)
	remove := client.AddEntityCreatedCallback(func(event *EntityEvent) {
		events <- event
	})
	defer remove()

	card := Card{Title: "from elsewhere"}
	transport.serverSend(t, &Envelope{
		MessageId: NewId(),
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindEntityCreated,
		Payload: mustJsonNoT(&EntityEvent{
			EntityKind: EntityKindCard,
			Entity:     mustJsonNoT(card),
		}),
	})

	select {
	case event := <-events:
		assert.Equal(t, EntityKindCard, event.EntityKind)
	case <-time.After(time.Second):
		t.Fatal("broadcast not dispatched")
	}
}

func TestClientServerErrorMapsToTaxonomy(t *testing.T) {
	ctx := context.Background()
	client, transport := connectedClient(t)
	defer client.Close()

	requestDone := make(chan error)
	go func() {
		_, err := client.SendRequest(ctx, MessageKindEntityUpdate, &EntityUpdateArgs{}, 0)
		requestDone <- err
	}()
	request := transport.serverReceive(t)
	transport.serverSend(t, &Envelope{
		MessageId: request.MessageId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindError,
		Error: &WireError{
			Code:            WireErrorCodeVersionConflict,
			Message:         "version mismatch",
			ExpectedVersion: 3,
			CurrentVersion:  5,
		},
	})

	err := <-requestDone
	var conflictErr *VersionConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	assert.Equal(t, int64(3), conflictErr.ExpectedVersion)
	assert.Equal(t, int64(5), conflictErr.CurrentVersion)
	// a version conflict never counts as a circuit failure
	assert.Equal(t, false, IsCircuitFailure(err))
}

func TestClientRejectionMessageSanitized(t *testing.T) {
	ctx := context.Background()
	client, transport := connectedClient(t)
	defer client.Close()

	requestDone := make(chan error)
	go func() {
		_, err := client.SendRequest(ctx, MessageKindEntityCreate, &EntityCreateArgs{}, 0)
		requestDone <- err
	}()
	request := transport.serverReceive(t)
	transport.serverSend(t, &Envelope{
		MessageId: request.MessageId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindError,
		Error: &WireError{
			Code:    WireErrorCodeUnauthorized,
			Message: "panic: nil deref in handler.go:42",
		},
	})

	err := <-requestDone
	var rejectedErr *ServerRejectedError
	if !errors.As(err, &rejectedErr) {
		t.Fatalf("expected ServerRejectedError, got %v", err)
	}
	assert.Equal(t, "The server could not process this request.", rejectedErr.Message)
}

func TestClientHeartbeatLatency(t *testing.T) {
	transport := newMemoryTransport()
	settings := testClientSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	client := NewSyncClient(context.Background(), staticDial(transport), settings)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// answer the first heartbeat ping with a pong carrying its id
	ping := transport.serverReceive(t)
	assert.Equal(t, MessageKindPing, ping.Kind)
	transport.serverSend(t, &Envelope{
		MessageId: ping.MessageId,
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindPong,
	})

	deadline := time.Now().Add(time.Second)
	for client.Health().Latency() == 0 {
		if deadline.Before(time.Now()) {
			t.Fatal("no latency sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientDisconnectIsClean(t *testing.T) {
	ctx := context.Background()
	client, _ := connectedClient(t)

	assert.Equal(t, ConnectionStateConnected, client.ConnectionState())
	assert.Equal(t, nil, client.Disconnect(ctx))
	assert.Equal(t, ConnectionStateDisconnected, client.ConnectionState())

	// disconnected clients refuse sends
	_, err := client.SendRequest(ctx, MessageKindEntityFetch, &EntityFetchArgs{}, 0)
	var connectionErr *ConnectionError
	if !errors.As(err, &connectionErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}

	client.Close()
	assert.Equal(t, ConnectionStateClosed, client.ConnectionState())
	assert.NotEqual(t, nil, client.Connect(ctx))
}
