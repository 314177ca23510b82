package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// one frame per websocket binary message
// an empty binary message is a keepalive ping and never enters the codec

type MessageType uint8

const (
	MessageTypeAuth               MessageType = 1
	MessageTypeCreateRequest      MessageType = 2
	MessageTypeCreateResponse     MessageType = 3
	MessageTypeSubscribeRequest   MessageType = 4
	MessageTypeSnapshotResponse   MessageType = 5
	MessageTypeUnsubscribeRequest MessageType = 6
	MessageTypeRemoveRequest      MessageType = 7
	MessageTypeRemoveResponse     MessageType = 8
	MessageTypeDispatchEnvelope   MessageType = 9
	MessageTypeBroadcast          MessageType = 10
	MessageTypeDispatchError      MessageType = 11
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeAuth:
		return "Auth"
	case MessageTypeCreateRequest:
		return "CreateRequest"
	case MessageTypeCreateResponse:
		return "CreateResponse"
	case MessageTypeSubscribeRequest:
		return "SubscribeRequest"
	case MessageTypeSnapshotResponse:
		return "SnapshotResponse"
	case MessageTypeUnsubscribeRequest:
		return "UnsubscribeRequest"
	case MessageTypeRemoveRequest:
		return "RemoveRequest"
	case MessageTypeRemoveResponse:
		return "RemoveResponse"
	case MessageTypeDispatchEnvelope:
		return "DispatchEnvelope"
	case MessageTypeBroadcast:
		return "Broadcast"
	case MessageTypeDispatchError:
		return "DispatchError"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(self))
	}
}

type Frame struct {
	MessageType  MessageType `cbor:"t"`
	MessageBytes []byte      `cbor:"b"`
}

const (
	ErrorCodeUnknownResourceType = "unknown_resource_type"
	ErrorCodeResourceNotFound    = "resource_not_found"
	ErrorCodeReducerFailure      = "reducer_failure"
	ErrorCodeBadRequest          = "bad_request"
)

type Error struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// connection hello. the server echoes the encoded frame verbatim to accept.
type Auth struct {
	ClientToken string `cbor:"client_token"`
	InstanceId  []byte `cbor:"instance_id"`
	AppVersion  string `cbor:"app_version"`
}

type Action struct {
	Name    string          `cbor:"name"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

type CreateRequest struct {
	RequestId    []byte          `cbor:"request_id"`
	ResourceType string          `cbor:"resource_type"`
	InitialState cbor.RawMessage `cbor:"initial_state,omitempty"`
}

type CreateResponse struct {
	RequestId      []byte          `cbor:"request_id"`
	Rid            string          `cbor:"rid,omitempty"`
	State          cbor.RawMessage `cbor:"state,omitempty"`
	SequenceNumber uint64          `cbor:"sequence_number"`
	Error          *Error          `cbor:"error,omitempty"`
}

type SubscribeRequest struct {
	RequestId []byte `cbor:"request_id"`
	Rid       string `cbor:"rid"`
}

// AppliedTags lists the requesting client's recently applied local tags
// for the resource, so a resuming client can resolve in-doubt dispatches
type SnapshotResponse struct {
	RequestId      []byte          `cbor:"request_id"`
	Rid            string          `cbor:"rid"`
	State          cbor.RawMessage `cbor:"state,omitempty"`
	SequenceNumber uint64          `cbor:"sequence_number"`
	AppliedTags    [][]byte        `cbor:"applied_tags,omitempty"`
	Error          *Error          `cbor:"error,omitempty"`
}

type UnsubscribeRequest struct {
	Rid string `cbor:"rid"`
}

type RemoveRequest struct {
	RequestId []byte `cbor:"request_id"`
	Rid       string `cbor:"rid"`
}

type RemoveResponse struct {
	RequestId []byte `cbor:"request_id"`
	Error     *Error `cbor:"error,omitempty"`
}

// no synchronous response. confirmation arrives via Broadcast.
type DispatchEnvelope struct {
	Rid                         string `cbor:"rid"`
	Action                      Action `cbor:"action"`
	LocalTag                    []byte `cbor:"local_tag"`
	ExpectedPredecessorSequence uint64 `cbor:"expected_predecessor_sequence"`
}

type Broadcast struct {
	Rid            string          `cbor:"rid"`
	Action         Action          `cbor:"action"`
	LocalTag       []byte          `cbor:"local_tag,omitempty"`
	OriginClientId []byte          `cbor:"origin_client_id,omitempty"`
	NewState       cbor.RawMessage `cbor:"new_state,omitempty"`
	SequenceNumber uint64          `cbor:"sequence_number"`
}

// reducer failure, reported to the dispatching session only
type DispatchError struct {
	Rid      string `cbor:"rid"`
	LocalTag []byte `cbor:"local_tag"`
	Error    *Error `cbor:"error,omitempty"`
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Auth:
		messageType = MessageTypeAuth
	case *CreateRequest:
		messageType = MessageTypeCreateRequest
	case *CreateResponse:
		messageType = MessageTypeCreateResponse
	case *SubscribeRequest:
		messageType = MessageTypeSubscribeRequest
	case *SnapshotResponse:
		messageType = MessageTypeSnapshotResponse
	case *UnsubscribeRequest:
		messageType = MessageTypeUnsubscribeRequest
	case *RemoveRequest:
		messageType = MessageTypeRemoveRequest
	case *RemoveResponse:
		messageType = MessageTypeRemoveResponse
	case *DispatchEnvelope:
		messageType = MessageTypeDispatchEnvelope
	case *Broadcast:
		messageType = MessageTypeBroadcast
	case *DispatchError:
		messageType = MessageTypeDispatchError
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := cbor.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType:  messageType,
		MessageBytes: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypeCreateRequest:
		message = &CreateRequest{}
	case MessageTypeCreateResponse:
		message = &CreateResponse{}
	case MessageTypeSubscribeRequest:
		message = &SubscribeRequest{}
	case MessageTypeSnapshotResponse:
		message = &SnapshotResponse{}
	case MessageTypeUnsubscribeRequest:
		message = &UnsubscribeRequest{}
	case MessageTypeRemoveRequest:
		message = &RemoveRequest{}
	case MessageTypeRemoveResponse:
		message = &RemoveResponse{}
	case MessageTypeDispatchEnvelope:
		message = &DispatchEnvelope{}
	case MessageTypeBroadcast:
		message = &Broadcast{}
	case MessageTypeDispatchError:
		message = &DispatchError{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	err := cbor.Unmarshal(frame.MessageBytes, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func RequireFromFrame(frame *Frame) any {
	message, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return message
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frame)
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	err := cbor.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
