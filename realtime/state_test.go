package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"
)

func runScriptedServer(transport *memoryTransport, handle func(envelope *Envelope) *Envelope) {
	go func() {
		for {
			select {
			case <-transport.closed:
				return
			case frameBytes := <-transport.fromClient:
				envelope, err := DecodeEnvelope(frameBytes)
				if err != nil {
					continue
				}
				response := handle(envelope)
				if response == nil {
					continue
				}
				responseBytes, err := EncodeEnvelope(response)
				if err != nil {
					continue
				}
				select {
				case <-transport.closed:
					return
				case transport.toClient <- responseBytes:
				}
			}
		}
	}()
}

func TestAppStateLoadScope(t *testing.T) {
	ctx := context.Background()

	boardId := uuid.New()
	board := Board{Id: boardId, Version: 1, Name: "launch plan"}
	card := Card{Id: uuid.New(), BoardId: boardId, Version: 1, Title: "ship it", Column: "todo"}

	var transport *memoryTransport
	dial := func(ctx context.Context) (Transport, error) {
		transport = newMemoryTransport()
		runScriptedServer(transport, func(envelope *Envelope) *Envelope {
			response := &Envelope{
				MessageId: envelope.MessageId,
				Timestamp: time.Now().Unix(),
				Kind:      MessageKindResult,
			}
			switch envelope.Kind {
			case MessageKindEntityFetch:
				args, err := DecodePayload[*EntityFetchArgs](envelope)
				if err != nil {
					return nil
				}
				result := &EntityFetchResult{}
				switch args.EntityKind {
				case EntityKindBoard:
					result.Entities = append(result.Entities, mustJsonNoT(board))
				case EntityKindCard:
					result.Entities = append(result.Entities, mustJsonNoT(card))
				}
				response.Payload = mustJsonNoT(result)
			}
			return response
		})
		return transport, nil
	}

	settings := DefaultAppStateSettings()
	settings.SyncClientSettings = testClientSettings()
	state := NewAppState(ctx, dial, settings)
	defer state.Close()

	changed := make(chan struct{}, 64)
	remove := state.AddChangedCallback(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	assert.Equal(t, nil, state.Initialize(ctx))
	assert.Equal(t, ConnectionStateConnected, state.ConnectionState())
	assert.Equal(t, nil, state.LoadScope(ctx, boardId))

	gotBoard, ok := state.Boards().Get(boardId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "launch plan", gotBoard.Name)
	gotCard, ok := state.Cards().Get(card.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ship it", gotCard.Title)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no combined change notification")
	}

	// a broadcast routes to the matching store and fires the combined
	// change event
	moved := card.WithEntityVersion(2)
	moved.Column = "done"
	transport.serverSend(t, &Envelope{
		MessageId: NewId(),
		Timestamp: time.Now().Unix(),
		Kind:      MessageKindEntityUpdated,
		Payload: mustJsonNoT(&EntityEvent{
			EntityKind: EntityKindCard,
			EntityId:   card.Id,
			Entity:     mustJsonNoT(moved),
		}),
	})

	deadline := time.Now().Add(time.Second)
	for {
		gotCard, _ = state.Cards().Get(card.Id)
		if gotCard.Column == "done" {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("broadcast not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// the board store ignored the card event
	gotBoard, _ = state.Boards().Get(boardId)
	assert.Equal(t, int64(1), gotBoard.Version)
}

func TestAppStateMutationThroughResilientClient(t *testing.T) {
	ctx := context.Background()

	boardId := uuid.New()
	realCardId := uuid.New()

	dial := func(ctx context.Context) (Transport, error) {
		transport := newMemoryTransport()
		runScriptedServer(transport, func(envelope *Envelope) *Envelope {
			response := &Envelope{
				MessageId: envelope.MessageId,
				Timestamp: time.Now().Unix(),
				Kind:      MessageKindResult,
			}
			switch envelope.Kind {
			case MessageKindEntityCreate:
				args, err := DecodePayload[*EntityCreateArgs](envelope)
				if err != nil {
					return nil
				}
				optimistic, err := decodeEntity[Card](args.Entity)
				if err != nil {
					return nil
				}
				confirmed := optimistic.WithEntityId(realCardId).WithEntityVersion(1)
				response.Payload = mustJsonNoT(&EntityResult{
					Entity: mustJsonNoT(confirmed),
				})
			case MessageKindEntityFetch:
				response.Payload = mustJsonNoT(&EntityFetchResult{})
			}
			return response
		})
		return transport, nil
	}

	settings := DefaultAppStateSettings()
	settings.SyncClientSettings = testClientSettings()
	state := NewAppState(ctx, dial, settings)
	defer state.Close()

	assert.Equal(t, nil, state.Initialize(ctx))

	confirmed, err := state.Cards().Create(ctx, Card{
		BoardId: boardId,
		Title:   "end to end",
		Column:  "todo",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, realCardId, confirmed.Id)
	assert.Equal(t, int64(1), confirmed.Version)
	assert.Equal(t, 0, state.Cards().PendingCount())
}
