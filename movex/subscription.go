package movex

import (
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// emitted by the registry on every applied dispatch,
// delivered to every subscriber of the rid including the originator
type BroadcastEvent struct {
	Rid            ResourceId
	Action         Action
	LocalTag       Id
	OriginClientId Id
	NewState       cbor.RawMessage
	SequenceNumber uint64
}

type Subscriber interface {
	ClientId() Id
	// delivery must not block the broadcast path.
	// returns false when the subscriber cannot keep up,
	// after which the manager removes it everywhere.
	// the subscriber resumes via resubscribe + snapshot.
	Notify(event *BroadcastEvent) bool
}

// tracks which subscribers are bound to which rids and fans
// authoritative broadcasts out to exactly that set.
// per-rid broadcast order equals sequence order because the registry
// emits under the resource lock. no cross-rid ordering.
type SubscriptionManager struct {
	stateLock   sync.Mutex
	subscribers map[ResourceId]map[Subscriber]bool
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscribers: map[ResourceId]map[Subscriber]bool{},
	}
}

// idempotent
func (self *SubscriptionManager) Subscribe(rid ResourceId, subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ridSubscribers, ok := self.subscribers[rid]
	if !ok {
		ridSubscribers = map[Subscriber]bool{}
		self.subscribers[rid] = ridSubscribers
	}
	ridSubscribers[subscriber] = true
}

// idempotent
func (self *SubscriptionManager) Unsubscribe(rid ResourceId, subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.unsubscribe(rid, subscriber)
}

func (self *SubscriptionManager) unsubscribe(rid ResourceId, subscriber Subscriber) {
	ridSubscribers, ok := self.subscribers[rid]
	if !ok {
		return
	}
	delete(ridSubscribers, subscriber)
	if len(ridSubscribers) == 0 {
		delete(self.subscribers, rid)
	}
}

func (self *SubscriptionManager) UnsubscribeAll(subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, rid := range maps.Keys(self.subscribers) {
		self.unsubscribe(rid, subscriber)
	}
}

func (self *SubscriptionManager) RemoveResource(rid ResourceId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.subscribers, rid)
}

func (self *SubscriptionManager) SubscriberCount(rid ResourceId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers[rid])
}

func (self *SubscriptionManager) Broadcast(event *BroadcastEvent) {
	self.stateLock.Lock()
	ridSubscribers := maps.Keys(self.subscribers[event.Rid])
	self.stateLock.Unlock()

	var failedSubscribers []Subscriber
	for _, subscriber := range ridSubscribers {
		if !subscriber.Notify(event) {
			failedSubscribers = append(failedSubscribers, subscriber)
		}
	}
	for _, subscriber := range failedSubscribers {
		glog.Infof("[sub]drop %s %s<-\n", event.Rid, subscriber.ClientId())
		self.UnsubscribeAll(subscriber)
	}
}
