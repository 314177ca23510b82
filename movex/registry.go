package movex

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a duplicate envelope (same client, same local tag) was already applied.
// the caller drops it silently. this happens on resume after a reconnect,
// when the client re-sends envelopes the registry applied before the
// connection was lost.
var ErrDuplicateDispatch = errors.New("duplicate dispatch")

type ResourceRegistrySettings struct {
	// per-resource ring of recently applied (client, local tag) pairs.
	// bounds duplicate suppression and the applied tags in snapshots.
	AppliedTagWindowSize int
}

func DefaultResourceRegistrySettings() *ResourceRegistrySettings {
	return &ResourceRegistrySettings{
		AppliedTagWindowSize: 128,
	}
}

type RegistryStats struct {
	ResourceCount         int
	DispatchCount         uint64
	StalePredecessorCount uint64
	DuplicateCount        uint64
	ReducerFailureCount   uint64
}

type appliedTag struct {
	clientId Id
	localTag Id
}

// canonical owner of one resource instance.
// reduce + increment + broadcast is atomic under `stateLock`,
// which makes the per-resource sequence a gapless total order.
type resource struct {
	rid     ResourceId
	reducer Reducer

	stateLock      sync.Mutex
	state          any
	sequenceNumber uint64
	appliedTags    []appliedTag
}

func (self *resource) hasAppliedTag(clientId Id, localTag Id) bool {
	for _, tag := range self.appliedTags {
		if tag.clientId == clientId && tag.localTag == localTag {
			return true
		}
	}
	return false
}

func (self *resource) recordAppliedTag(clientId Id, localTag Id, windowSize int) {
	self.appliedTags = append(self.appliedTags, appliedTag{
		clientId: clientId,
		localTag: localTag,
	})
	if windowSize < len(self.appliedTags) {
		self.appliedTags = slices.Delete(self.appliedTags, 0, len(self.appliedTags)-windowSize)
	}
}

func (self *resource) appliedTagsForClient(clientId Id) []Id {
	var localTags []Id
	for _, tag := range self.appliedTags {
		if tag.clientId == clientId {
			localTags = append(localTags, tag.localTag)
		}
	}
	return localTags
}

// the single source of truth for every resource.
// all client mirrors are derived, never authoritative.
// dispatches to the same rid are serialized by the resource lock.
// dispatches to different rids proceed in parallel.
type ResourceRegistry struct {
	reducers            *ReducerRegistry
	subscriptionManager *SubscriptionManager
	settings            *ResourceRegistrySettings

	stateLock sync.Mutex
	resources map[ResourceId]*resource

	dispatchCount         atomic.Uint64
	stalePredecessorCount atomic.Uint64
	duplicateCount        atomic.Uint64
	reducerFailureCount   atomic.Uint64
}

func NewResourceRegistryWithDefaults(reducers *ReducerRegistry) *ResourceRegistry {
	return NewResourceRegistry(reducers, DefaultResourceRegistrySettings())
}

func NewResourceRegistry(reducers *ReducerRegistry, settings *ResourceRegistrySettings) *ResourceRegistry {
	return &ResourceRegistry{
		reducers:            reducers,
		subscriptionManager: NewSubscriptionManager(),
		settings:            settings,
		resources:           map[ResourceId]*resource{},
	}
}

func (self *ResourceRegistry) SubscriptionManager() *SubscriptionManager {
	return self.subscriptionManager
}

// allocates a fresh resource with sequence number 0.
// a nil initial state uses the reducer's registered initial state.
func (self *ResourceRegistry) Create(resourceType string, initialStateBytes cbor.RawMessage) (ResourceId, cbor.RawMessage, error) {
	reducer, err := self.reducers.Resolve(resourceType)
	if err != nil {
		return ResourceId{}, nil, err
	}

	var state any
	if initialStateBytes == nil {
		state = reducer.InitialState()
	} else {
		state, err = reducer.DecodeState(initialStateBytes)
		if err != nil {
			return ResourceId{}, nil, err
		}
	}

	stateBytes, err := reducer.EncodeState(state)
	if err != nil {
		return ResourceId{}, nil, err
	}

	rid := NewResourceId(resourceType)
	r := &resource{
		rid:     rid,
		reducer: reducer,
		state:   state,
	}

	self.stateLock.Lock()
	self.resources[rid] = r
	self.stateLock.Unlock()

	glog.V(1).Infof("[reg]create %s\n", rid)

	return rid, stateBytes, nil
}

func (self *ResourceRegistry) resource(rid ResourceId) (*resource, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.resources[rid]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r, nil
}

// applies the reducer to the canonical state unconditionally, regardless of
// `expectedPredecessorSequence`. the registry always reduces against its own
// latest state, not the client's guess. a stale predecessor only means the
// originating client will take the rebase path when the broadcast echoes back.
//
// once applied, the dispatch is never rolled back.
func (self *ResourceRegistry) Dispatch(
	clientId Id,
	rid ResourceId,
	action Action,
	localTag Id,
	expectedPredecessorSequence uint64,
) (cbor.RawMessage, uint64, error) {
	r, err := self.resource(rid)
	if err != nil {
		return nil, 0, err
	}

	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	if localTag != (Id{}) && r.hasAppliedTag(clientId, localTag) {
		self.duplicateCount.Add(1)
		glog.V(1).Infof("[reg]duplicate %s %s %s\n", rid, clientId, action.Name)
		return nil, r.sequenceNumber, ErrDuplicateDispatch
	}

	if expectedPredecessorSequence != r.sequenceNumber {
		self.stalePredecessorCount.Add(1)
		glog.V(1).Infof(
			"[reg]stale %s %s expected seq %d actual %d\n",
			rid,
			clientId,
			expectedPredecessorSequence,
			r.sequenceNumber,
		)
	}

	nextState, err := safeReduce(r.reducer, r.state, action)
	if err != nil {
		self.reducerFailureCount.Add(1)
		glog.Infof("[reg]reduce error %s %s = %s\n", rid, action.Name, err)
		return nil, r.sequenceNumber, err
	}

	nextStateBytes, err := r.reducer.EncodeState(nextState)
	if err != nil {
		// the new state cannot be broadcast, so it is not applied
		self.reducerFailureCount.Add(1)
		glog.Infof("[reg]encode error %s %s = %s\n", rid, action.Name, err)
		return nil, r.sequenceNumber, &ReducerError{
			ResourceType: rid.ResourceType,
			ActionName:   action.Name,
			Cause:        err,
		}
	}

	r.state = nextState
	r.sequenceNumber += 1
	if localTag != (Id{}) {
		r.recordAppliedTag(clientId, localTag, self.settings.AppliedTagWindowSize)
	}
	self.dispatchCount.Add(1)

	glog.V(2).Infof("[reg]apply %s %s seq %d\n", rid, action.Name, r.sequenceNumber)

	// emitted under the resource lock so per-rid broadcast order equals seq order
	self.subscriptionManager.Broadcast(&BroadcastEvent{
		Rid:            rid,
		Action:         action,
		LocalTag:       localTag,
		OriginClientId: clientId,
		NewState:       nextStateBytes,
		SequenceNumber: r.sequenceNumber,
	})

	return nextStateBytes, r.sequenceNumber, nil
}

// the snapshot is taken under the resource lock, so the subscriber sees
// every broadcast with seq greater than the snapshot seq and none at or below it
func (self *ResourceRegistry) Subscribe(rid ResourceId, subscriber Subscriber) (cbor.RawMessage, uint64, []Id, error) {
	r, err := self.resource(rid)
	if err != nil {
		return nil, 0, nil, err
	}

	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	stateBytes, err := r.reducer.EncodeState(r.state)
	if err != nil {
		return nil, 0, nil, err
	}

	self.subscriptionManager.Subscribe(rid, subscriber)
	appliedTags := r.appliedTagsForClient(subscriber.ClientId())

	glog.V(1).Infof("[reg]subscribe %s %s seq %d\n", rid, subscriber.ClientId(), r.sequenceNumber)

	return stateBytes, r.sequenceNumber, appliedTags, nil
}

// idempotent
func (self *ResourceRegistry) Unsubscribe(rid ResourceId, subscriber Subscriber) {
	self.subscriptionManager.Unsubscribe(rid, subscriber)
}

func (self *ResourceRegistry) UnsubscribeAll(subscriber Subscriber) {
	self.subscriptionManager.UnsubscribeAll(subscriber)
}

// read-only fetch of the canonical state
func (self *ResourceRegistry) Snapshot(rid ResourceId) (cbor.RawMessage, uint64, error) {
	r, err := self.resource(rid)
	if err != nil {
		return nil, 0, err
	}

	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	stateBytes, err := r.reducer.EncodeState(r.state)
	if err != nil {
		return nil, 0, err
	}
	return stateBytes, r.sequenceNumber, nil
}

func (self *ResourceRegistry) Remove(rid ResourceId) error {
	self.stateLock.Lock()
	_, ok := self.resources[rid]
	if !ok {
		self.stateLock.Unlock()
		return ErrResourceNotFound
	}
	delete(self.resources, rid)
	self.stateLock.Unlock()

	self.subscriptionManager.RemoveResource(rid)

	glog.V(1).Infof("[reg]remove %s\n", rid)

	return nil
}

func (self *ResourceRegistry) Rids() []ResourceId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.resources)
}

func (self *ResourceRegistry) Stats() *RegistryStats {
	self.stateLock.Lock()
	resourceCount := len(self.resources)
	self.stateLock.Unlock()

	return &RegistryStats{
		ResourceCount:         resourceCount,
		DispatchCount:         self.dispatchCount.Load(),
		StalePredecessorCount: self.stalePredecessorCount.Load(),
		DuplicateCount:        self.duplicateCount.Load(),
		ReducerFailureCount:   self.reducerFailureCount.Load(),
	}
}
