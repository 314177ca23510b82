package movex

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/movexdev/movex/protocol"
)

type ServerSettings struct {
	AuthTimeout    time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:    5 * time.Second,
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 32,
	}
}

// websocket endpoint in front of the resource registry. each connected
// session routes frames to the registry and carries snapshots, broadcasts,
// responses and dispatch errors back on an ordered outbound queue.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ResourceRegistry
	settings *ServerSettings

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, registry *ResourceRegistry) *Server {
	return NewServer(ctx, registry, DefaultServerSettings())
}

func NewServer(ctx context.Context, registry *ResourceRegistry, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) Registry() *ResourceRegistry {
	return self.registry
}

func (self *Server) Attach(router *mux.Router) {
	router.Path("/ws").HandlerFunc(self.HandleWs)
}

func (self *Server) HandleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[srv]upgrade error = %s\n", err)
		return
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// the hello must be the first frame. the server echoes the encoded
	// frame verbatim to accept.
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[srv]auth read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		return
	}
	message, err := protocol.DecodeFrame(authBytes)
	if err != nil {
		glog.Infof("[srv]auth decode error = %s\n", err)
		return
	}
	auth, ok := message.(*protocol.Auth)
	if !ok {
		glog.Infof("[srv]auth expected, got %T\n", message)
		return
	}
	clientToken, err := ParseClientTokenUnverified(auth.ClientToken)
	if err != nil {
		glog.Infof("[srv]auth token error = %s\n", err)
		return
	}
	var instanceId Id
	if id, err := IdFromBytes(auth.InstanceId); err == nil {
		instanceId = id
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		glog.Infof("[srv]auth echo error = %s\n", err)
		return
	}

	success = true

	session := newSession(self, ws, clientToken.ClientId, instanceId)
	glog.V(1).Infof("[srv]session open %s %s\n", session.clientId, session.instanceId)
	session.run()
	glog.V(1).Infof("[srv]session close %s %s\n", session.clientId, session.instanceId)
}

func (self *Server) Close() {
	self.cancel()
}

// one session per connected client. implements Subscriber: broadcasts ride
// the session's ordered outbound queue. a session that cannot keep up is
// closed, after which the client resumes via resubscribe + snapshot.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	server     *Server
	ws         *websocket.Conn
	clientId   Id
	instanceId Id

	sendQueue chan []byte
}

func newSession(server *Server, ws *websocket.Conn, clientId Id, instanceId Id) *session {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &session{
		ctx:        cancelCtx,
		cancel:     cancel,
		server:     server,
		ws:         ws,
		clientId:   clientId,
		instanceId: instanceId,
		sendQueue:  make(chan []byte, server.settings.SendBufferSize),
	}
}

// Subscriber

func (self *session) ClientId() Id {
	return self.clientId
}

func (self *session) Notify(event *BroadcastEvent) bool {
	return self.send(&protocol.Broadcast{
		Rid: event.Rid.String(),
		Action: protocol.Action{
			Name:    event.Action.Name,
			Payload: event.Action.Payload,
		},
		LocalTag:       event.LocalTag.Bytes(),
		OriginClientId: event.OriginClientId.Bytes(),
		NewState:       event.NewState,
		SequenceNumber: event.SequenceNumber,
	})
}

func (self *session) send(message any) bool {
	frameBytes, err := protocol.EncodeFrame(message)
	if err != nil {
		glog.Infof("[ss]%s-> encode error = %s\n", self.clientId, err)
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.sendQueue <- frameBytes:
		return true
	default:
		// backpressure. drop the session, the client resumes via
		// resubscribe + snapshot.
		glog.Infof("[ss]%s-> backpressure\n", self.clientId)
		self.cancel()
		return false
	}
}

func (self *session) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.server.registry.UnsubscribeAll(self)
	}()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-self.sendQueue:
				if !ok {
					return
				}

				self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[ss]%s-> error = %s\n", self.clientId, err)
					return
				}
				glog.V(2).Infof("[ss]%s->\n", self.clientId)
			case <-time.After(self.server.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.server.settings.ReadTimeout))
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sr]%s<- error = %s\n", self.clientId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(messageBytes) {
				// ping
				glog.V(2).Infof("[sr]ping %s<-\n", self.clientId)
				continue
			}

			message, err := protocol.DecodeFrame(messageBytes)
			if err != nil {
				glog.Infof("[sr]%s<- decode error = %s\n", self.clientId, err)
				continue
			}
			self.handleMessage(message)
		default:
			glog.V(2).Infof("[sr]other=%d %s<-\n", messageType, self.clientId)
		}
	}
}

func (self *session) handleMessage(message any) {
	switch m := message.(type) {
	case *protocol.CreateRequest:
		rid, stateBytes, err := self.server.registry.Create(m.ResourceType, m.InitialState)
		if err != nil {
			self.send(&protocol.CreateResponse{
				RequestId: m.RequestId,
				Error:     errorToProtocol(err),
			})
			return
		}
		self.send(&protocol.CreateResponse{
			RequestId:      m.RequestId,
			Rid:            rid.String(),
			State:          stateBytes,
			SequenceNumber: 0,
		})
	case *protocol.SubscribeRequest:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			self.send(&protocol.SnapshotResponse{
				RequestId: m.RequestId,
				Rid:       m.Rid,
				Error:     badRequest(err),
			})
			return
		}
		stateBytes, sequenceNumber, appliedTags, err := self.server.registry.Subscribe(rid, self)
		if err != nil {
			self.send(&protocol.SnapshotResponse{
				RequestId: m.RequestId,
				Rid:       m.Rid,
				Error:     errorToProtocol(err),
			})
			return
		}
		appliedTagsBytes := make([][]byte, len(appliedTags))
		for i, tag := range appliedTags {
			appliedTagsBytes[i] = tag.Bytes()
		}
		self.send(&protocol.SnapshotResponse{
			RequestId:      m.RequestId,
			Rid:            m.Rid,
			State:          stateBytes,
			SequenceNumber: sequenceNumber,
			AppliedTags:    appliedTagsBytes,
		})
	case *protocol.UnsubscribeRequest:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			return
		}
		self.server.registry.Unsubscribe(rid, self)
	case *protocol.RemoveRequest:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			self.send(&protocol.RemoveResponse{
				RequestId: m.RequestId,
				Error:     badRequest(err),
			})
			return
		}
		err = self.server.registry.Remove(rid)
		self.send(&protocol.RemoveResponse{
			RequestId: m.RequestId,
			Error:     errorToProtocol(err),
		})
	case *protocol.DispatchEnvelope:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			return
		}
		var localTag Id
		if tag, tagErr := IdFromBytes(m.LocalTag); tagErr == nil {
			localTag = tag
		}
		action := Action{
			Name:    m.Action.Name,
			Payload: m.Action.Payload,
		}
		_, _, err = self.server.registry.Dispatch(
			self.clientId,
			rid,
			action,
			localTag,
			m.ExpectedPredecessorSequence,
		)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDuplicateDispatch) {
			// already applied, drop silently
			return
		}
		// reported to the dispatching session only, never broadcast
		self.send(&protocol.DispatchError{
			Rid:      m.Rid,
			LocalTag: m.LocalTag,
			Error:    errorToProtocol(err),
		})
	default:
		glog.V(1).Infof("[sr]unexpected message %T\n", m)
	}
}

func errorToProtocol(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	var reducerError *ReducerError
	switch {
	case errors.Is(err, ErrUnknownResourceType):
		return &protocol.Error{
			Code:    protocol.ErrorCodeUnknownResourceType,
			Message: err.Error(),
		}
	case errors.Is(err, ErrResourceNotFound):
		return &protocol.Error{
			Code:    protocol.ErrorCodeResourceNotFound,
			Message: err.Error(),
		}
	case errors.As(err, &reducerError):
		return &protocol.Error{
			Code:    protocol.ErrorCodeReducerFailure,
			Message: err.Error(),
		}
	default:
		return &protocol.Error{
			Code:    protocol.ErrorCodeBadRequest,
			Message: err.Error(),
		}
	}
}

func badRequest(err error) *protocol.Error {
	return &protocol.Error{
		Code:    protocol.ErrorCodeBadRequest,
		Message: err.Error(),
	}
}
