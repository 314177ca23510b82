package movex

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrUnknownResourceType = errors.New("unknown resource type")
var ErrResourceNotFound = errors.New("resource not found")

// the reducer raised rather than returning a state.
// canonical state and sequence number remain unchanged.
type ReducerError struct {
	ResourceType string
	ActionName   string
	Cause        error
}

func (self *ReducerError) Error() string {
	return fmt.Sprintf("reducer %s failed on %s: %s", self.ResourceType, self.ActionName, self.Cause)
}

func (self *ReducerError) Unwrap() error {
	return self.Cause
}

// a tagged, optionally parameterized request to transform a resource's state.
// the payload is opaque to the core.
type Action struct {
	Name    string
	Payload cbor.RawMessage
}

func NewAction(name string, payload any) (Action, error) {
	if payload == nil {
		return Action{Name: name}, nil
	}
	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return Action{}, err
	}
	return Action{
		Name:    name,
		Payload: payloadBytes,
	}, nil
}

func RequireNewAction(name string, payload any) Action {
	action, err := NewAction(name, payload)
	if err != nil {
		panic(err)
	}
	return action
}

func DecodePayload[P any](action Action) (P, error) {
	var payload P
	if action.Payload == nil {
		return payload, nil
	}
	err := cbor.Unmarshal(action.Payload, &payload)
	return payload, err
}

// pure function computing next state from current state and an action.
// the same (state, action) pair must produce the same output on every participant.
type Reducer interface {
	ResourceType() string
	InitialState() any
	Reduce(state any, action Action) (any, error)
	EncodeState(state any) (cbor.RawMessage, error)
	DecodeState(stateBytes cbor.RawMessage) (any, error)
}

type ReduceFunction[S any] func(state S, action Action) (S, error)

type typedReducer[S any] struct {
	resourceType string
	initialState S
	reduce       ReduceFunction[S]
}

// typed adapter resolved at startup. state values round trip through cbor.
func NewReducer[S any](resourceType string, initialState S, reduce ReduceFunction[S]) Reducer {
	if resourceType == "" || strings.Contains(resourceType, ":") {
		panic(fmt.Errorf("bad resource type name %q", resourceType))
	}
	return &typedReducer[S]{
		resourceType: resourceType,
		initialState: initialState,
		reduce:       reduce,
	}
}

func (self *typedReducer[S]) ResourceType() string {
	return self.resourceType
}

func (self *typedReducer[S]) InitialState() any {
	return self.initialState
}

func (self *typedReducer[S]) Reduce(state any, action Action) (any, error) {
	typedState, ok := state.(S)
	if !ok {
		return nil, fmt.Errorf("bad state type %T for %s", state, self.resourceType)
	}
	return self.reduce(typedState, action)
}

func (self *typedReducer[S]) EncodeState(state any) (cbor.RawMessage, error) {
	typedState, ok := state.(S)
	if !ok {
		return nil, fmt.Errorf("bad state type %T for %s", state, self.resourceType)
	}
	return cbor.Marshal(typedState)
}

func (self *typedReducer[S]) DecodeState(stateBytes cbor.RawMessage) (any, error) {
	var state S
	err := cbor.Unmarshal(stateBytes, &state)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// reducer invocation is a checked step. a panic inside a reducer is contained
// per dispatch and surfaced as a *ReducerError.
func safeReduce(reducer Reducer, state any, action Action) (nextState any, returnErr error) {
	defer func() {
		if r := recover(); r != nil {
			returnErr = &ReducerError{
				ResourceType: reducer.ResourceType(),
				ActionName:   action.Name,
				Cause:        fmt.Errorf("panic: %v", r),
			}
		}
	}()
	nextState, err := reducer.Reduce(state, action)
	if err != nil {
		return nil, &ReducerError{
			ResourceType: reducer.ResourceType(),
			ActionName:   action.Name,
			Cause:        err,
		}
	}
	return nextState, nil
}

// mapping from resource type name to reducer, supplied at startup
type ReducerRegistry struct {
	stateLock sync.Mutex
	reducers  map[string]Reducer
}

func NewReducerRegistry(reducers ...Reducer) *ReducerRegistry {
	reducerRegistry := &ReducerRegistry{
		reducers: map[string]Reducer{},
	}
	for _, reducer := range reducers {
		reducerRegistry.Add(reducer)
	}
	return reducerRegistry
}

// duplicate registration is a programmer error
func (self *ReducerRegistry) Add(reducer Reducer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	resourceType := reducer.ResourceType()
	if _, ok := self.reducers[resourceType]; ok {
		panic(fmt.Errorf("duplicate reducer registration for %s", resourceType))
	}
	self.reducers[resourceType] = reducer
}

func (self *ReducerRegistry) Resolve(resourceType string) (Reducer, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	reducer, ok := self.reducers[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
	}
	return reducer, nil
}

func (self *ReducerRegistry) ResourceTypes() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	resourceTypes := maps.Keys(self.reducers)
	slices.Sort(resourceTypes)
	return resourceTypes
}
