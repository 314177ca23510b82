package movex

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// called on every reconciliation that changes the rendered state
// or advances the confirmed sequence number
type StateCallback func(state any, sequenceNumber uint64)

type envelopeSendFunction func(action Action, localTag Id, expectedPredecessorSequence uint64) error

type pendingAction struct {
	localTag Id
	action   Action
}

// client-local derived copy of one resource. never authoritative.
//
// the rendered state is always the fold of the pending queue, in dispatch
// order, over the confirmed state. dispatch applies the local reducer
// immediately for responsiveness. reconciliation against broadcasts either
// confirms the head prediction in place or rebases the remaining pending
// actions onto the new confirmed state. the rebase is deterministic because
// reducers are pure.
//
// a mirror with no reducer is observe only: it cannot predict, so dispatches
// are sent upstream without optimistic apply and the rendered state follows
// broadcasts directly.
type resourceMirror struct {
	rid      ResourceId
	clientId Id
	reducer  Reducer
	send     envelopeSendFunction

	stateLock               sync.Mutex
	confirmedState          any
	confirmedSequenceNumber uint64
	pending                 []pendingAction
	renderedState           any

	// closed after the first authoritative state is adopted
	readyOnce sync.Once
	ready     chan struct{}

	stateCallbacks *CallbackList[StateCallback]
}

func newResourceMirror(rid ResourceId, clientId Id, reducer Reducer, send envelopeSendFunction) *resourceMirror {
	return &resourceMirror{
		rid:            rid,
		clientId:       clientId,
		reducer:        reducer,
		send:           send,
		ready:          make(chan struct{}),
		stateCallbacks: NewCallbackList[StateCallback](),
	}
}

func (self *resourceMirror) setReady() {
	self.readyOnce.Do(func() {
		close(self.ready)
	})
}

// blocks until the mirror has adopted its first snapshot or broadcast.
// until then the rendered state is not meaningful.
func (self *resourceMirror) WaitForReady(ctx context.Context) error {
	select {
	case <-self.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *resourceMirror) State() (any, uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.renderedState, self.confirmedSequenceNumber
}

func (self *resourceMirror) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

func (self *resourceMirror) AddStateCallback(stateCallback StateCallback) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *resourceMirror) notify() {
	self.stateLock.Lock()
	state := self.renderedState
	sequenceNumber := self.confirmedSequenceNumber
	self.stateLock.Unlock()

	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state, sequenceNumber)
	}
}

// applies the local reducer to the rendered state immediately, appends the
// action to the pending queue, and sends the envelope upstream carrying the
// sequence number this client believed was current. a failed send rolls the
// optimistic application back.
func (self *resourceMirror) Dispatch(action Action) error {
	self.stateLock.Lock()

	localTag := NewId()
	expectedPredecessorSequence := self.confirmedSequenceNumber + uint64(len(self.pending))

	if self.reducer == nil {
		// observe only. no prediction, nothing to roll back.
		self.stateLock.Unlock()
		return self.send(action, localTag, expectedPredecessorSequence)
	}

	nextState, err := safeReduce(self.reducer, self.renderedState, action)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}

	self.pending = append(self.pending, pendingAction{
		localTag: localTag,
		action:   action,
	})
	self.renderedState = nextState

	// send while holding the lock so envelope order equals pending order
	err = self.send(action, localTag, expectedPredecessorSequence)
	if err != nil {
		self.removePending(localTag)
		self.rebase()
		self.stateLock.Unlock()
		return err
	}
	self.stateLock.Unlock()

	self.notify()
	return nil
}

// reconciliation, run for every broadcast for this rid, including broadcasts
// of this client's own actions
func (self *resourceMirror) OnBroadcast(event *BroadcastEvent) {
	self.stateLock.Lock()

	if event.SequenceNumber <= self.confirmedSequenceNumber {
		// duplicate or stale
		self.stateLock.Unlock()
		glog.V(2).Infof("[agent]stale broadcast %s seq %d\n", self.rid, event.SequenceNumber)
		return
	}

	state, err := self.decodeState(event.NewState)
	if err != nil {
		self.stateLock.Unlock()
		glog.Infof("[agent]decode error %s = %s\n", self.rid, err)
		return
	}

	isEcho := event.LocalTag != (Id{}) && event.OriginClientId == self.clientId

	if isEcho &&
		event.SequenceNumber == self.confirmedSequenceNumber+1 &&
		0 < len(self.pending) &&
		self.pending[0].localTag == event.LocalTag {
		// fast confirmation. the prediction at the head of the pending queue
		// is exactly what the registry applied, so the rendered state already
		// reflects it. watchers still see the sequence advance.
		self.pending = self.pending[1:]
		self.confirmedState = state
		self.confirmedSequenceNumber = event.SequenceNumber
		self.setReady()
		self.stateLock.Unlock()
		glog.V(2).Infof("[agent]confirm %s seq %d\n", self.rid, event.SequenceNumber)
		self.notify()
		return
	}

	// rollback and rebase. local optimism is discarded and the remaining
	// pending actions replay on the authoritative base.
	self.confirmedState = state
	self.confirmedSequenceNumber = event.SequenceNumber
	if isEcho {
		self.removePending(event.LocalTag)
	}
	self.rebase()
	self.setReady()
	self.stateLock.Unlock()

	glog.V(2).Infof("[agent]rebase %s seq %d\n", self.rid, event.SequenceNumber)

	self.notify()
}

// resume after resubscribe. the snapshot is the registry's current canonical
// state, so pending actions the registry already applied while this client
// was away are dropped. the rest are still in doubt and are re-sent, where
// the registry's duplicate suppression makes the re-send safe.
func (self *resourceMirror) OnSnapshot(stateBytes cbor.RawMessage, sequenceNumber uint64, appliedTags []Id) error {
	self.stateLock.Lock()

	if sequenceNumber < self.confirmedSequenceNumber {
		// a broadcast overtook the snapshot response on the wire.
		// the confirmed state is already newer than the snapshot.
		self.stateLock.Unlock()
		glog.V(1).Infof("[agent]stale snapshot %s seq %d\n", self.rid, sequenceNumber)
		return nil
	}

	state, err := self.decodeState(stateBytes)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}

	self.confirmedState = state
	self.confirmedSequenceNumber = sequenceNumber

	nextPending := []pendingAction{}
	for _, p := range self.pending {
		if slices.Contains(appliedTags, p.localTag) {
			// already reflected in the snapshot
			continue
		}
		nextPending = append(nextPending, p)
	}
	self.pending = nextPending
	self.rebase()

	for i, p := range self.pending {
		sendErr := self.send(p.action, p.localTag, sequenceNumber+uint64(i))
		if sendErr != nil {
			glog.Infof("[agent]resend error %s = %s\n", self.rid, sendErr)
			break
		}
	}
	self.setReady()
	self.stateLock.Unlock()

	glog.V(1).Infof("[agent]snapshot %s seq %d\n", self.rid, sequenceNumber)

	self.notify()
	return nil
}

// the registry rejected the action. it will never be confirmed,
// so the prediction is discarded.
func (self *resourceMirror) OnDispatchError(localTag Id, cause *ReducerError) {
	self.stateLock.Lock()
	removed := self.removePending(localTag)
	if removed {
		self.rebase()
	}
	self.stateLock.Unlock()

	glog.Infof("[agent]dispatch error %s = %s\n", self.rid, cause)

	if removed {
		self.notify()
	}
}

func (self *resourceMirror) decodeState(stateBytes cbor.RawMessage) (any, error) {
	if self.reducer == nil {
		return stateBytes, nil
	}
	return self.reducer.DecodeState(stateBytes)
}

// must be called with `stateLock` held
func (self *resourceMirror) removePending(localTag Id) bool {
	i := slices.IndexFunc(self.pending, func(p pendingAction) bool {
		return p.localTag == localTag
	})
	if i < 0 {
		return false
	}
	self.pending = slices.Delete(slices.Clone(self.pending), i, i+1)
	return true
}

// recomputes the rendered state as the fold of the pending queue over the
// confirmed state. a pending action the reducer now rejects is dropped,
// so reconciliation never fails into an inconsistent rendered state.
// must be called with `stateLock` held.
func (self *resourceMirror) rebase() {
	if self.reducer == nil {
		self.renderedState = self.confirmedState
		return
	}

	rendered := self.confirmedState
	nextPending := []pendingAction{}
	for _, p := range self.pending {
		nextState, err := safeReduce(self.reducer, rendered, p.action)
		if err != nil {
			glog.Infof("[agent]drop pending %s %s = %s\n", self.rid, p.action.Name, err)
			continue
		}
		rendered = nextState
		nextPending = append(nextPending, p)
	}
	self.pending = nextPending
	self.renderedState = rendered
}
