package protocol

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-playground/assert/v2"
)

func TestFrameCodec(t *testing.T) {
	payload, err := cbor.Marshal(5)
	assert.Equal(t, err, nil)

	envelope := &DispatchEnvelope{
		Rid: "counter:00000000-0000-0000-0000-000000000001",
		Action: Action{
			Name:    "incrementBy",
			Payload: payload,
		},
		LocalTag:                    []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		ExpectedPredecessorSequence: 7,
	}

	frameBytes, err := EncodeFrame(envelope)
	assert.Equal(t, err, nil)

	message, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	decoded, ok := message.(*DispatchEnvelope)
	assert.Equal(t, ok, true)
	assert.Equal(t, decoded.Rid, envelope.Rid)
	assert.Equal(t, decoded.Action.Name, envelope.Action.Name)
	assert.Equal(t, decoded.LocalTag, envelope.LocalTag)
	assert.Equal(t, decoded.ExpectedPredecessorSequence, uint64(7))

	amount := 0
	err = cbor.Unmarshal(decoded.Action.Payload, &amount)
	assert.Equal(t, err, nil)
	assert.Equal(t, amount, 5)
}

func TestFrameUnknownMessage(t *testing.T) {
	type notAMessage struct{}
	_, err := ToFrame(&notAMessage{})
	assert.NotEqual(t, err, nil)

	frameBytes, err := cbor.Marshal(&Frame{
		MessageType:  MessageType(200),
		MessageBytes: []byte{},
	})
	assert.Equal(t, err, nil)
	_, err = DecodeFrame(frameBytes)
	assert.NotEqual(t, err, nil)
}

func TestJsonCborTranscode(t *testing.T) {
	jsonBytes := []byte(`{"count":3,"tags":["a","b"]}`)
	cborBytes, err := JsonToCbor(jsonBytes)
	assert.Equal(t, err, nil)

	roundTrip, err := CborToJson(cborBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(roundTrip), `{"count":3,"tags":["a","b"]}`)
}

// json numbers without a fraction must transcode to cbor integers,
// so they decode into integer payload and state fields
func TestJsonCborIntegerNumbers(t *testing.T) {
	cborBytes, err := JsonToCbor([]byte(`5`))
	assert.Equal(t, err, nil)
	amount := 0
	err = cbor.Unmarshal(cborBytes, &amount)
	assert.Equal(t, err, nil)
	assert.Equal(t, amount, 5)

	type mixed struct {
		Count int     `cbor:"count"`
		Ratio float64 `cbor:"ratio"`
		Items []int   `cbor:"items"`
	}
	cborBytes, err = JsonToCbor([]byte(`{"count":3,"ratio":0.5,"items":[7,8]}`))
	assert.Equal(t, err, nil)
	decoded := mixed{}
	err = cbor.Unmarshal(cborBytes, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, mixed{Count: 3, Ratio: 0.5, Items: []int{7, 8}})
}
