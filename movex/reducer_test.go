package movex

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTypedReducer(t *testing.T) {
	reducer := newCounterReducer()
	assert.Equal(t, reducer.ResourceType(), "counter")
	assert.Equal(t, reducer.InitialState(), counterState{})

	state, err := reducer.Reduce(counterState{Count: 1}, Action{Name: "increment"})
	assert.Equal(t, err, nil)
	assert.Equal(t, state, counterState{Count: 2})

	state, err = reducer.Reduce(state, RequireNewAction("incrementBy", 5))
	assert.Equal(t, err, nil)
	assert.Equal(t, state, counterState{Count: 7})

	// determinism
	again, err := reducer.Reduce(counterState{Count: 2}, RequireNewAction("incrementBy", 5))
	assert.Equal(t, err, nil)
	assert.Equal(t, again, state)

	// state round trips through the codec
	stateBytes, err := reducer.EncodeState(state)
	assert.Equal(t, err, nil)
	decoded, err := reducer.DecodeState(stateBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, state)

	// wrong state type is rejected, not coerced
	_, err = reducer.Reduce("not a counter", Action{Name: "increment"})
	assert.NotEqual(t, err, nil)
}

func TestSafeReduceContainsFailure(t *testing.T) {
	reducer := newCounterReducer()

	_, err := safeReduce(reducer, counterState{}, Action{Name: "fail"})
	var reducerErr *ReducerError
	assert.Equal(t, errors.As(err, &reducerErr), true)
	assert.Equal(t, reducerErr.ResourceType, "counter")
	assert.Equal(t, reducerErr.ActionName, "fail")

	// a panic inside the reducer is contained per call
	_, err = safeReduce(reducer, counterState{}, Action{Name: "explode"})
	assert.Equal(t, errors.As(err, &reducerErr), true)

	state, err := safeReduce(reducer, counterState{Count: 3}, Action{Name: "increment"})
	assert.Equal(t, err, nil)
	assert.Equal(t, state, counterState{Count: 4})
}

func TestReducerRegistry(t *testing.T) {
	reducers := NewReducerRegistry(newCounterReducer())

	reducer, err := reducers.Resolve("counter")
	assert.Equal(t, err, nil)
	assert.Equal(t, reducer.ResourceType(), "counter")

	_, err = reducers.Resolve("unknown")
	assert.Equal(t, errors.Is(err, ErrUnknownResourceType), true)

	assert.Equal(t, reducers.ResourceTypes(), []string{"counter"})

	func() {
		defer func() {
			r := recover()
			assert.NotEqual(t, r, nil)
		}()
		reducers.Add(newCounterReducer())
	}()
}

func TestActionPayloadCodec(t *testing.T) {
	action, err := NewAction("incrementBy", 42)
	assert.Equal(t, err, nil)
	amount, err := DecodePayload[int](action)
	assert.Equal(t, err, nil)
	assert.Equal(t, amount, 42)

	// no payload decodes to the zero value
	amount, err = DecodePayload[int](Action{Name: "increment"})
	assert.Equal(t, err, nil)
	assert.Equal(t, amount, 0)
}
