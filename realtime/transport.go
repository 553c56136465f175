package realtime

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// a transport is a duplex binary-frame channel.
// implementations must support one concurrent `Receive` and one
// concurrent `Send`. the sync client serializes sends above this layer
// so frames are never interleaved on the wire.
type Transport interface {
	Send(ctx context.Context, frameBytes []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// (ctx) -> transport
type DialFunc func(ctx context.Context) (Transport, error)

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		// the read timeout must exceed the heartbeat interval
		// or an idle healthy connection looks lost
		ReadTimeout: 2 * time.Minute,
	}
}

// dials the sync endpoint over websocket.
// the bearer credential is appended as an opaque query parameter.
// this client never inspects the credential's contents.
func NewWebsocketDialer(endpointUrl string, authToken string, settings *TransportSettings) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		dialUrl := endpointUrl
		if authToken != "" {
			u, err := url.Parse(endpointUrl)
			if err != nil {
				return nil, NewConnectionError(err)
			}
			q := u.Query()
			q.Set("auth", authToken)
			u.RawQuery = q.Encode()
			dialUrl = u.String()
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, dialUrl, nil)
		if err != nil {
			glog.Infof("[t]dial error = %s\n", err)
			return nil, NewConnectionError(err)
		}
		return newWebsocketTransport(ws, settings), nil
	}
}

type websocketTransport struct {
	ws       *websocket.Conn
	settings *TransportSettings
}

func newWebsocketTransport(ws *websocket.Conn, settings *TransportSettings) *websocketTransport {
	return &websocketTransport{
		ws:       ws,
		settings: settings,
	}
}

func (self *websocketTransport) Send(ctx context.Context, frameBytes []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		glog.Infof("[ts]-> error = %s\n", err)
		return NewConnectionError(err)
	}
	glog.V(2).Infof("[ts]->\n")
	return nil
}

func (self *websocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	messageType, message, err := self.ws.ReadMessage()
	if err != nil {
		glog.Infof("[tr]<- error = %s\n", err)
		return nil, NewConnectionError(err)
	}

	switch messageType {
	case websocket.BinaryMessage, websocket.TextMessage:
		glog.V(2).Infof("[tr]<-\n")
		return message, nil
	default:
		glog.V(2).Infof("[tr]other=%d <-\n", messageType)
		return self.Receive(ctx)
	}
}

func (self *websocketTransport) Close() error {
	return self.ws.Close()
}
