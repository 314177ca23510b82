package protocol

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// json <-> cbor transcoding for the boundaries where state and payloads
// are shown to people (cli, http). untyped cbor maps decode with string
// keys so the result is json-encodable. json numbers without a fraction
// encode as cbor integers so they decode into integer fields.

var transcodeDecMode cbor.DecMode

func init() {
	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	transcodeDecMode = decMode
}

func JsonToCbor(jsonBytes []byte) (cbor.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonBytes))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return cbor.Marshal(narrowJsonNumbers(value))
}

func narrowJsonNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, item := range v {
			v[key] = narrowJsonNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = narrowJsonNumbers(item)
		}
		return v
	default:
		return value
	}
}

func CborToJson(cborBytes cbor.RawMessage) ([]byte, error) {
	var value any
	if err := transcodeDecMode.Unmarshal(cborBytes, &value); err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
