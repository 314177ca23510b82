package movex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/movexdev/movex/protocol"
)

var ErrSendBufferFull = errors.New("send buffer full")
var ErrClientClosed = errors.New("client closed")

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
	SendBufferSize     int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     10 * time.Second,
		SendBufferSize:     32,
	}
}

type ClientAuth struct {
	ClientToken string
	InstanceId  Id
	AppVersion  string
}

func (self *ClientAuth) ClientId() (Id, error) {
	clientToken, err := ParseClientTokenUnverified(self.ClientToken)
	if err != nil {
		return Id{}, err
	}
	return clientToken.ClientId, nil
}

// one synchronization agent per connected participant. holds a local mirror
// of every bound resource, applies dispatches optimistically, and reconciles
// against the registry's broadcasts.
//
// the connection runs a forever reconnect loop. on every (re)connect the
// client resubscribes every bound rid and resumes each mirror from the
// snapshot, so a lost connection never needs delta replay.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     *ClientAuth
	clientId Id
	reducers *ReducerRegistry
	settings *ClientSettings

	sendQueue chan []byte

	stateLock sync.Mutex
	mirrors   map[ResourceId]*resourceMirror
	waiters   map[Id]chan any
	connected bool

	connectMonitor *Monitor
}

func NewClientWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	reducers *ReducerRegistry,
) (*Client, error) {
	return NewClient(ctx, url, auth, reducers, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	reducers *ReducerRegistry,
	settings *ClientSettings,
) (*Client, error) {
	clientId, err := auth.ClientId()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		auth:           auth,
		clientId:       clientId,
		reducers:       reducers,
		settings:       settings,
		sendQueue:      make(chan []byte, settings.SendBufferSize),
		mirrors:        map[ResourceId]*resourceMirror{},
		waiters:        map[Id]chan any{},
		connectMonitor: NewMonitor(),
	}
	go client.run()
	return client, nil
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *Client) WaitForConnect(ctx context.Context) error {
	for {
		notify := self.connectMonitor.NotifyChannel()
		if self.IsConnected() {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrClientClosed
		}
	}
}

func (self *Client) setConnected(connected bool) {
	self.stateLock.Lock()
	self.connected = connected
	self.stateLock.Unlock()

	self.connectMonitor.NotifyAll()
}

func (self *Client) run() {
	defer self.cancel()

	authBytes, err := protocol.EncodeFrame(&protocol.Auth{
		ClientToken: self.auth.ClientToken,
		InstanceId:  self.auth.InstanceId.Bytes(),
		AppVersion:  self.auth.AppVersion,
	})
	if err != nil {
		glog.Infof("[t]auth encode error %s = %s\n", self.clientId, err)
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", self.clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setConnected(true)
			defer self.setConnected(false)

			self.resubscribeAll()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.sendQueue:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", self.clientId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", self.clientId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", self.clientId, err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", self.clientId)
							continue
						}

						m, err := protocol.DecodeFrame(message)
						if err != nil {
							glog.Infof("[tr]%s<- decode error = %s\n", self.clientId, err)
							continue
						}
						self.handleMessage(m)
						glog.V(2).Infof("[tr]%s<-\n", self.clientId)
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.clientId)
					}
				}
			}()
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) sendMessage(message any) error {
	frameBytes, err := protocol.EncodeFrame(message)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrClientClosed
	case self.sendQueue <- frameBytes:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (self *Client) resubscribeAll() {
	self.stateLock.Lock()
	rids := maps.Keys(self.mirrors)
	self.stateLock.Unlock()

	for _, rid := range rids {
		err := self.sendMessage(&protocol.SubscribeRequest{
			RequestId: NewId().Bytes(),
			Rid:       rid.String(),
		})
		if err != nil {
			glog.Infof("[t]resubscribe error %s = %s\n", rid, err)
		}
	}
}

func (self *Client) mirror(rid ResourceId) *resourceMirror {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.mirrors[rid]
}

func (self *Client) addWaiter(requestId Id) chan any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	waiter := make(chan any, 1)
	self.waiters[requestId] = waiter
	return waiter
}

func (self *Client) removeWaiter(requestId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.waiters, requestId)
}

func (self *Client) deliverToWaiter(requestIdBytes []byte, message any) bool {
	requestId, err := IdFromBytes(requestIdBytes)
	if err != nil {
		return false
	}

	self.stateLock.Lock()
	waiter, ok := self.waiters[requestId]
	if ok {
		delete(self.waiters, requestId)
	}
	self.stateLock.Unlock()

	if !ok {
		return false
	}
	waiter <- message
	return true
}

func (self *Client) handleMessage(message any) {
	switch m := message.(type) {
	case *protocol.Broadcast:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			glog.Infof("[t]bad rid %s\n", m.Rid)
			return
		}
		mirror := self.mirror(rid)
		if mirror == nil {
			return
		}
		var localTag Id
		if tag, err := IdFromBytes(m.LocalTag); err == nil {
			localTag = tag
		}
		var originClientId Id
		if origin, err := IdFromBytes(m.OriginClientId); err == nil {
			originClientId = origin
		}
		mirror.OnBroadcast(&BroadcastEvent{
			Rid: rid,
			Action: Action{
				Name:    m.Action.Name,
				Payload: m.Action.Payload,
			},
			LocalTag:       localTag,
			OriginClientId: originClientId,
			NewState:       m.NewState,
			SequenceNumber: m.SequenceNumber,
		})
	case *protocol.SnapshotResponse:
		if self.deliverToWaiter(m.RequestId, m) {
			return
		}
		// resubscribe resume
		if m.Error != nil {
			glog.Infof("[t]snapshot error %s = %s\n", m.Rid, m.Error.Message)
			return
		}
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			return
		}
		mirror := self.mirror(rid)
		if mirror == nil {
			return
		}
		if err := mirror.OnSnapshot(m.State, m.SequenceNumber, appliedTagsFromBytes(m.AppliedTags)); err != nil {
			glog.Infof("[t]snapshot resume error %s = %s\n", rid, err)
		}
	case *protocol.CreateResponse:
		self.deliverToWaiter(m.RequestId, m)
	case *protocol.RemoveResponse:
		self.deliverToWaiter(m.RequestId, m)
	case *protocol.DispatchError:
		rid, err := ParseResourceId(m.Rid)
		if err != nil {
			return
		}
		mirror := self.mirror(rid)
		if mirror == nil {
			return
		}
		localTag, err := IdFromBytes(m.LocalTag)
		if err != nil {
			return
		}
		cause := &ReducerError{
			ResourceType: rid.ResourceType,
			ActionName:   "",
			Cause:        errorFromProtocol(m.Error),
		}
		mirror.OnDispatchError(localTag, cause)
	default:
		glog.V(1).Infof("[t]unexpected message %T\n", m)
	}
}

func (self *Client) request(ctx context.Context, requestId Id, message any) (any, error) {
	waiter := self.addWaiter(requestId)
	defer self.removeWaiter(requestId)

	if err := self.sendMessage(message); err != nil {
		return nil, err
	}

	select {
	case response := <-waiter:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrClientClosed
	case <-time.After(self.settings.RequestTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

// typed entry point for one resource type
func (self *Client) Resource(resourceType string) *ResourceAccess {
	return &ResourceAccess{
		client:       self,
		resourceType: resourceType,
	}
}

// removes the resource from the registry. subsequent operations on the rid
// fail with resource not found.
func (self *Client) Remove(ctx context.Context, rid ResourceId) error {
	requestId := NewId()
	response, err := self.request(ctx, requestId, &protocol.RemoveRequest{
		RequestId: requestId.Bytes(),
		Rid:       rid.String(),
	})
	if err != nil {
		return err
	}
	removeResponse, ok := response.(*protocol.RemoveResponse)
	if !ok {
		return fmt.Errorf("unexpected response %T", response)
	}
	if removeResponse.Error != nil {
		return errorFromProtocol(removeResponse.Error)
	}
	return nil
}

func (self *Client) Close() {
	self.cancel()
}

type ResourceAccess struct {
	client       *Client
	resourceType string
}

// allocates a fresh resource and binds it.
// a nil initial state uses the reducer's registered initial state.
func (self *ResourceAccess) Create(ctx context.Context, initialState any) (*ResourceHandle, error) {
	var initialStateBytes cbor.RawMessage
	if initialState != nil {
		var err error
		if rawState, ok := initialState.(cbor.RawMessage); ok {
			initialStateBytes = rawState
		} else if reducer, reducerErr := self.client.reducers.Resolve(self.resourceType); reducerErr == nil {
			initialStateBytes, err = reducer.EncodeState(initialState)
		} else {
			initialStateBytes, err = cbor.Marshal(initialState)
		}
		if err != nil {
			return nil, err
		}
	}

	requestId := NewId()
	response, err := self.client.request(ctx, requestId, &protocol.CreateRequest{
		RequestId:    requestId.Bytes(),
		ResourceType: self.resourceType,
		InitialState: initialStateBytes,
	})
	if err != nil {
		return nil, err
	}
	createResponse, ok := response.(*protocol.CreateResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T", response)
	}
	if createResponse.Error != nil {
		return nil, errorFromProtocol(createResponse.Error)
	}
	rid, err := ParseResourceId(createResponse.Rid)
	if err != nil {
		return nil, err
	}
	return self.Bind(ctx, rid)
}

// binds an existing resource. the handle's state changes value on every
// reconciliation.
func (self *ResourceAccess) Bind(ctx context.Context, rid ResourceId) (*ResourceHandle, error) {
	if rid.ResourceType != self.resourceType {
		return nil, fmt.Errorf("rid %s is not a %s", rid, self.resourceType)
	}
	return self.client.bind(ctx, rid)
}

func (self *Client) bind(ctx context.Context, rid ResourceId) (*ResourceHandle, error) {
	self.stateLock.Lock()
	mirror, ok := self.mirrors[rid]
	if !ok {
		// a miss means this client observes without predicting
		reducer, _ := self.reducers.Resolve(rid.ResourceType)
		mirror = newResourceMirror(
			rid,
			self.clientId,
			reducer,
			func(action Action, localTag Id, expectedPredecessorSequence uint64) error {
				return self.sendMessage(&protocol.DispatchEnvelope{
					Rid: rid.String(),
					Action: protocol.Action{
						Name:    action.Name,
						Payload: action.Payload,
					},
					LocalTag:                    localTag.Bytes(),
					ExpectedPredecessorSequence: expectedPredecessorSequence,
				})
			},
		)
		self.mirrors[rid] = mirror
	}
	self.stateLock.Unlock()

	if ok {
		// already bound, possibly by a concurrent caller whose
		// snapshot is still in flight
		if err := mirror.WaitForReady(ctx); err != nil {
			return nil, err
		}
		return &ResourceHandle{
			client: self,
			mirror: mirror,
		}, nil
	}

	requestId := NewId()
	response, err := self.request(ctx, requestId, &protocol.SubscribeRequest{
		RequestId: requestId.Bytes(),
		Rid:       rid.String(),
	})
	if err != nil {
		self.unbind(rid)
		return nil, err
	}
	snapshotResponse, ok := response.(*protocol.SnapshotResponse)
	if !ok {
		self.unbind(rid)
		return nil, fmt.Errorf("unexpected response %T", response)
	}
	if snapshotResponse.Error != nil {
		self.unbind(rid)
		return nil, errorFromProtocol(snapshotResponse.Error)
	}
	err = mirror.OnSnapshot(
		snapshotResponse.State,
		snapshotResponse.SequenceNumber,
		appliedTagsFromBytes(snapshotResponse.AppliedTags),
	)
	if err != nil {
		self.unbind(rid)
		return nil, err
	}

	return &ResourceHandle{
		client: self,
		mirror: mirror,
	}, nil
}

func (self *Client) unbind(rid ResourceId) {
	self.stateLock.Lock()
	_, ok := self.mirrors[rid]
	delete(self.mirrors, rid)
	self.stateLock.Unlock()

	if ok {
		err := self.sendMessage(&protocol.UnsubscribeRequest{
			Rid: rid.String(),
		})
		if err != nil {
			glog.V(1).Infof("[t]unsubscribe send error %s = %s\n", rid, err)
		}
	}
}

type ResourceHandle struct {
	client *Client
	mirror *resourceMirror
}

func (self *ResourceHandle) Rid() ResourceId {
	return self.mirror.rid
}

// the rendered state and the confirmed sequence number.
// the rendered state reflects local dispatches before confirmation.
func (self *ResourceHandle) State() (any, uint64) {
	return self.mirror.State()
}

func (self *ResourceHandle) PendingCount() int {
	return self.mirror.PendingCount()
}

func (self *ResourceHandle) Dispatch(action Action) error {
	return self.mirror.Dispatch(action)
}

func (self *ResourceHandle) AddStateCallback(stateCallback StateCallback) func() {
	return self.mirror.AddStateCallback(stateCallback)
}

func (self *ResourceHandle) Unbind() {
	self.client.unbind(self.mirror.rid)
}

func appliedTagsFromBytes(appliedTagsBytes [][]byte) []Id {
	var appliedTags []Id
	for _, tagBytes := range appliedTagsBytes {
		if tag, err := IdFromBytes(tagBytes); err == nil {
			appliedTags = append(appliedTags, tag)
		}
	}
	return appliedTags
}

func errorFromProtocol(e *protocol.Error) error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case protocol.ErrorCodeUnknownResourceType:
		return fmt.Errorf("%w: %s", ErrUnknownResourceType, e.Message)
	case protocol.ErrorCodeResourceNotFound:
		return fmt.Errorf("%w: %s", ErrResourceNotFound, e.Message)
	default:
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
}
