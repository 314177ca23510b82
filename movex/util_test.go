package movex

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, len(callbacks.Get()), 0)

	removeA := callbacks.Add(func() int { return 1 })
	removeB := callbacks.Add(func() int { return 2 })

	// in add order
	got := []int{}
	for _, callback := range callbacks.Get() {
		got = append(got, callback())
	}
	assert.Equal(t, got, []int{1, 2})

	removeA()
	got = []int{}
	for _, callback := range callbacks.Get() {
		got = append(got, callback())
	}
	assert.Equal(t, got, []int{2})

	// remove is idempotent
	removeA()
	removeB()
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notified early")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("not notified")
	}

	// the channel is replaced after each notify
	notify2 := monitor.NotifyChannel()
	select {
	case <-notify2:
		t.Fatal("notified early")
	default:
	}
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(10 * time.Millisecond)
	start := time.Now()
	<-reconnect.After()
	elapsed := time.Now().Sub(start)
	assert.Equal(t, 10*time.Millisecond <= elapsed+time.Millisecond, true)

	// an expired reconnect fires immediately
	reconnect = NewReconnect(0)
	select {
	case <-reconnect.After():
	case <-time.After(1 * time.Second):
		t.Fatal("not fired")
	}
}
