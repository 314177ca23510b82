package movex

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/go-playground/assert/v2"
)

var testSigningKey = []byte("movex-test")

func startTestServer(ctx context.Context) (string, *ResourceRegistry, *httptest.Server, func()) {
	reducers := NewReducerRegistry(newCounterReducer())
	registry := NewResourceRegistryWithDefaults(reducers)
	server := NewServerWithDefaults(ctx, registry)

	router := mux.NewRouter()
	server.Attach(router)
	ts := httptest.NewServer(router)

	wsUrl := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cleanup := func() {
		server.Close()
		ts.Close()
	}
	return wsUrl, registry, ts, cleanup
}

func newSyncTestClient(t *testing.T, ctx context.Context, url string) *Client {
	clientToken, err := MintClientToken(NewId(), testSigningKey)
	assert.Equal(t, err, nil)

	auth := &ClientAuth{
		ClientToken: clientToken,
		InstanceId:  NewId(),
		AppVersion:  "test",
	}
	client, err := NewClientWithDefaults(ctx, url, auth, NewReducerRegistry(newCounterReducer()))
	assert.Equal(t, err, nil)
	return client
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatal("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// register -> create -> dispatch -> observe on all clients.
// two clients bound to one counter converge through concurrent dispatches.
func TestSyncCounterScenario(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, registry, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	clientA := newSyncTestClient(t, cancelCtx, url)
	defer clientA.Close()
	clientB := newSyncTestClient(t, cancelCtx, url)
	defer clientB.Close()

	handleA, err := clientA.Resource("counter").Create(cancelCtx, nil)
	assert.Equal(t, err, nil)
	state, sequenceNumber := handleA.State()
	assert.Equal(t, state, counterState{})
	assert.Equal(t, sequenceNumber, uint64(0))

	rid := handleA.Rid()

	// the rid round trips through its string form, e.g. for a url
	ridFromString, err := ParseResourceId(rid.String())
	assert.Equal(t, err, nil)

	handleB, err := clientB.Resource("counter").Bind(cancelCtx, ridFromString)
	assert.Equal(t, err, nil)

	// a dispatches, the rendered state reflects it immediately
	err = handleA.Dispatch(Action{Name: "increment"})
	assert.Equal(t, err, nil)
	state, _ = handleA.State()
	assert.Equal(t, state, counterState{Count: 1})

	// confirmation without concurrency leaves the prediction in place
	waitFor(t, 5*time.Second, func() bool {
		_, sequenceNumber := handleA.State()
		return sequenceNumber == 1 && handleA.PendingCount() == 0
	})
	state, _ = handleA.State()
	assert.Equal(t, state, counterState{Count: 1})

	// b observes the broadcast
	waitFor(t, 5*time.Second, func() bool {
		state, _ := handleB.State()
		return state == counterState{Count: 1}
	})

	// concurrent dispatches to the same rid. the registry serializes
	// arrival into sequence 2 and 3.
	err = handleA.Dispatch(RequireNewAction("incrementBy", 5))
	assert.Equal(t, err, nil)
	err = handleB.Dispatch(Action{Name: "decrement"})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		_, sequenceNumberA := handleA.State()
		_, sequenceNumberB := handleB.State()
		return sequenceNumberA == 3 && sequenceNumberB == 3 &&
			handleA.PendingCount() == 0 && handleB.PendingCount() == 0
	})

	// both clients converge to the canonical state regardless of which
	// dispatch was applied first
	stateA, _ := handleA.State()
	stateB, _ := handleB.State()
	assert.Equal(t, stateA, counterState{Count: 5})
	assert.Equal(t, stateB, counterState{Count: 5})

	stateBytes, sequenceNumber, err := registry.Snapshot(rid)
	assert.Equal(t, err, nil)
	assert.Equal(t, sequenceNumber, uint64(3))
	reducer := newCounterReducer()
	canonical, err := reducer.DecodeState(stateBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, canonical, stateA)
}

// connection loss with a dispatch in flight. the run loop reconnects,
// resubscribes every bound rid, and the mirror resolves in-doubt pending
// actions against the snapshot's applied tags. whether the envelope was
// lost, applied without its broadcast, or still queued, the dispatch is
// applied exactly once.
func TestSyncReconnectResume(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, registry, ts, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	clientToken, err := MintClientToken(NewId(), testSigningKey)
	assert.Equal(t, err, nil)
	auth := &ClientAuth{
		ClientToken: clientToken,
		InstanceId:  NewId(),
		AppVersion:  "test",
	}
	settings := DefaultClientSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond
	client, err := NewClient(cancelCtx, url, auth, NewReducerRegistry(newCounterReducer()), settings)
	assert.Equal(t, err, nil)
	defer client.Close()

	handle, err := client.Resource("counter").Create(cancelCtx, nil)
	assert.Equal(t, err, nil)

	err = handle.Dispatch(Action{Name: "increment"})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, sequenceNumber := handle.State()
		return sequenceNumber == 1 && handle.PendingCount() == 0
	})

	err = handle.Dispatch(RequireNewAction("incrementBy", 5))
	assert.Equal(t, err, nil)
	ts.CloseClientConnections()

	waitFor(t, 15*time.Second, func() bool {
		_, sequenceNumber := handle.State()
		return sequenceNumber == 2 && handle.PendingCount() == 0
	})
	state, _ := handle.State()
	assert.Equal(t, state, counterState{Count: 6})

	// the resumed connection behaves normally
	err = handle.Dispatch(Action{Name: "decrement"})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, sequenceNumber := handle.State()
		return sequenceNumber == 3 && handle.PendingCount() == 0
	})

	stateBytes, sequenceNumber, err := registry.Snapshot(handle.Rid())
	assert.Equal(t, err, nil)
	assert.Equal(t, sequenceNumber, uint64(3))
	reducer := newCounterReducer()
	canonical, err := reducer.DecodeState(stateBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, canonical, counterState{Count: 5})
}

// concurrent binds of the same rid share one mirror. the late binders
// wait for the first binder's snapshot instead of returning an empty handle.
func TestSyncConcurrentBind(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	clientA := newSyncTestClient(t, cancelCtx, url)
	defer clientA.Close()
	clientB := newSyncTestClient(t, cancelCtx, url)
	defer clientB.Close()

	handleA, err := clientA.Resource("counter").Create(cancelCtx, counterState{Count: 2})
	assert.Equal(t, err, nil)
	rid := handleA.Rid()

	binderCount := 4
	handles := make(chan *ResourceHandle, binderCount)
	bindErrs := make(chan error, binderCount)
	wg := &sync.WaitGroup{}
	for i := 0; i < binderCount; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := clientB.Resource("counter").Bind(cancelCtx, rid)
			if err != nil {
				bindErrs <- err
				return
			}
			handles <- handle
		}()
	}
	wg.Wait()
	close(handles)
	close(bindErrs)

	for err := range bindErrs {
		assert.Equal(t, err, nil)
	}
	bound := 0
	for handle := range handles {
		state, _ := handle.State()
		assert.Equal(t, state, counterState{Count: 2})
		bound += 1
	}
	assert.Equal(t, bound, binderCount)
}

func TestSyncCreateUnknownType(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	client := newSyncTestClient(t, cancelCtx, url)
	defer client.Close()

	_, err := client.Resource("unknown").Create(cancelCtx, nil)
	assert.Equal(t, errors.Is(err, ErrUnknownResourceType), true)
}

func TestSyncBindNotFound(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	client := newSyncTestClient(t, cancelCtx, url)
	defer client.Close()

	_, err := client.Resource("counter").Bind(cancelCtx, NewResourceId("counter"))
	assert.Equal(t, errors.Is(err, ErrResourceNotFound), true)
}

func TestSyncRemove(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	client := newSyncTestClient(t, cancelCtx, url)
	defer client.Close()

	handle, err := client.Resource("counter").Create(cancelCtx, nil)
	assert.Equal(t, err, nil)
	rid := handle.Rid()
	handle.Unbind()

	err = client.Remove(cancelCtx, rid)
	assert.Equal(t, err, nil)

	err = client.Remove(cancelCtx, rid)
	assert.Equal(t, errors.Is(err, ErrResourceNotFound), true)

	_, err = client.Resource("counter").Bind(cancelCtx, rid)
	assert.Equal(t, errors.Is(err, ErrResourceNotFound), true)
}

func TestSyncCreateWithInitialState(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _, _, cleanup := startTestServer(cancelCtx)
	defer cleanup()

	client := newSyncTestClient(t, cancelCtx, url)
	defer client.Close()

	handle, err := client.Resource("counter").Create(cancelCtx, counterState{Count: 10})
	assert.Equal(t, err, nil)
	state, sequenceNumber := handle.State()
	assert.Equal(t, state, counterState{Count: 10})
	assert.Equal(t, sequenceNumber, uint64(0))
}
