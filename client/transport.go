package client

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

// Transport opens duplex message connections to the backend. The engine
// takes it as an injected capability so the sync logic stays
// host-runtime-agnostic; tests substitute an in-memory implementation.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// Connection delivers ordered, reliable, framed messages while
// connected. The receive channel closes when the connection dies, from
// either side.
type Connection interface {
	Send(message []byte) error
	Receive() <-chan []byte
	Close()
}

type WebSocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	return &WebSocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type WebSocketTransport struct {
	url      string
	settings *WebSocketTransportSettings
}

func NewWebSocketTransportWithDefaults(url string) *WebSocketTransport {
	return NewWebSocketTransport(url, DefaultWebSocketTransportSettings())
}

func NewWebSocketTransport(url string, settings *WebSocketTransportSettings) *WebSocketTransport {
	return &WebSocketTransport{
		url:      url,
		settings: settings,
	}
}

func (self *WebSocketTransport) Connect(ctx context.Context) (Connection, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &webSocketConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		send:     make(chan []byte, TransportBufferSize),
		receive:  make(chan []byte, TransportBufferSize),
		settings: self.settings,
	}
	go connection.writePump()
	go connection.readPump()
	return connection, nil
}

type webSocketConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	send     chan []byte
	receive  chan []byte
	settings *WebSocketTransportSettings
}

func (self *webSocketConnection) Send(message []byte) error {
	select {
	case self.send <- message:
		return nil
	case <-self.ctx.Done():
		return fmt.Errorf("Connection closed.")
	}
}

func (self *webSocketConnection) Receive() <-chan []byte {
	return self.receive
}

func (self *webSocketConnection) Close() {
	self.cancel()
	self.ws.Close()
}

func (self *webSocketConnection) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ts]->\n")
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *webSocketConnection) readPump() {
	defer func() {
		self.cancel()
		close(self.receive)
		self.ws.Close()
	}()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<-\n")
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[tr]drop <-\n")
			}
		default:
			glog.V(2).Infof("[tr]other=%d <-\n", messageType)
		}
	}
}
