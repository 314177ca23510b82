package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/fxamacker/cbor/v2"

	"github.com/movexdev/movex/examples/counter"
	"github.com/movexdev/movex/movex"
	"github.com/movexdev/movex/protocol"
)

const MovexCtlVersion = "0.1.0"

const DefaultUrl = "ws://localhost:8090/ws"

// identity only. authorization decisions are out of scope, so a locally
// minted token is as good as any.
var devSigningKey = []byte("movex-dev")

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Movex control.

The default url is:
    url: %s

State and payloads are json on the command line. When the payload is
omitted and stdin is a terminal, it is prompted for.

Usage:
    movexctl create <resource_type> [<initial_state>] [--url=<url>] [--jwt=<jwt>] [--verbosity=<verbosity>]
    movexctl dispatch <rid> <action> [<payload>] [--url=<url>] [--jwt=<jwt>] [--verbosity=<verbosity>]
    movexctl get <rid> [--url=<url>] [--jwt=<jwt>] [--verbosity=<verbosity>]
    movexctl watch <rid> [--url=<url>] [--jwt=<jwt>] [--verbosity=<verbosity>]
    movexctl client-id

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Daemon websocket url.
    --jwt=<jwt>              Client session token. Minted locally when omitted.
    --verbosity=<verbosity>  Log verbosity level.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MovexCtlVersion)
	if err != nil {
		panic(err)
	}

	verbosity, _ := opts.Int("--verbosity")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verbosity))

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if dispatch_, _ := opts.Bool("dispatch"); dispatch_ {
		dispatch(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) *movex.Client {
	url := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}

	var clientToken string
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		clientToken = jwtAny.(string)
	} else {
		var err error
		clientToken, err = movex.MintClientToken(movex.NewId(), devSigningKey)
		if err != nil {
			panic(err)
		}
	}

	reducers := movex.NewReducerRegistry(
		counter.NewReducer(),
	)

	auth := &movex.ClientAuth{
		ClientToken: clientToken,
		InstanceId:  movex.NewId(),
		AppVersion:  MovexCtlVersion,
	}

	client, err := movex.NewClientWithDefaults(ctx, url, auth, reducers)
	if err != nil {
		panic(err)
	}
	return client
}

func create(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resourceType := opts["<resource_type>"].(string)

	var initialState any
	if initialStateAny := opts["<initial_state>"]; initialStateAny != nil {
		initialStateBytes, err := protocol.JsonToCbor([]byte(initialStateAny.(string)))
		if err != nil {
			panic(err)
		}
		initialState = cbor.RawMessage(initialStateBytes)
	}

	client := connect(cancelCtx, opts)
	defer client.Close()

	handle, err := client.Resource(resourceType).Create(cancelCtx, initialState)
	if err != nil {
		panic(err)
	}

	state, sequenceNumber := handle.State()
	Out.Printf("rid: %s\n", handle.Rid())
	Out.Printf("seq: %d\n", sequenceNumber)
	Out.Printf("state: %s\n", stateJson(state))
}

func dispatch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rid, err := movex.ParseResourceId(opts["<rid>"].(string))
	if err != nil {
		panic(err)
	}
	actionName := opts["<action>"].(string)

	var payload cbor.RawMessage
	if payloadAny := opts["<payload>"]; payloadAny != nil {
		payload, err = protocol.JsonToCbor([]byte(payloadAny.(string)))
		if err != nil {
			panic(err)
		}
	} else if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Payload (json, empty for none): ")
		line, readErr := bufio.NewReader(os.Stdin).ReadString('\n')
		if readErr == nil && 1 < len(line) {
			payload, err = protocol.JsonToCbor([]byte(line))
			if err != nil {
				panic(err)
			}
		}
	}

	client := connect(cancelCtx, opts)
	defer client.Close()

	handle, err := client.Resource(rid.ResourceType).Bind(cancelCtx, rid)
	if err != nil {
		panic(err)
	}

	confirmed := make(chan struct{}, 1)
	removeCallback := handle.AddStateCallback(func(state any, sequenceNumber uint64) {
		select {
		case confirmed <- struct{}{}:
		default:
		}
	})
	defer removeCallback()

	_, sequenceNumberBefore := handle.State()

	err = handle.Dispatch(movex.Action{
		Name:    actionName,
		Payload: payload,
	})
	if err != nil {
		panic(err)
	}

	// wait for the registry's echo
	deadline := time.After(10 * time.Second)
	for {
		state, sequenceNumber := handle.State()
		if sequenceNumberBefore < sequenceNumber && handle.PendingCount() == 0 {
			Out.Printf("seq: %d\n", sequenceNumber)
			Out.Printf("state: %s\n", stateJson(state))
			return
		}
		select {
		case <-confirmed:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			Err.Printf("no confirmation\n")
			os.Exit(1)
		}
	}
}

func get(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rid, err := movex.ParseResourceId(opts["<rid>"].(string))
	if err != nil {
		panic(err)
	}

	client := connect(cancelCtx, opts)
	defer client.Close()

	handle, err := client.Resource(rid.ResourceType).Bind(cancelCtx, rid)
	if err != nil {
		panic(err)
	}

	state, sequenceNumber := handle.State()
	Out.Printf("seq: %d\n", sequenceNumber)
	Out.Printf("state: %s\n", stateJson(state))
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rid, err := movex.ParseResourceId(opts["<rid>"].(string))
	if err != nil {
		panic(err)
	}

	client := connect(cancelCtx, opts)
	defer client.Close()

	handle, err := client.Resource(rid.ResourceType).Bind(cancelCtx, rid)
	if err != nil {
		panic(err)
	}

	state, sequenceNumber := handle.State()
	Out.Printf("%d %s\n", sequenceNumber, stateJson(state))

	removeCallback := handle.AddStateCallback(func(state any, sequenceNumber uint64) {
		Out.Printf("%d %s\n", sequenceNumber, stateJson(state))
	})
	defer removeCallback()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	select {
	case <-exit:
	case <-cancelCtx.Done():
	}
}

func clientId(opts docopt.Opts) {
	id := movex.NewId()
	clientToken, err := movex.MintClientToken(id, devSigningKey)
	if err != nil {
		panic(err)
	}
	Out.Printf("client_id: %s\n", id)
	Out.Printf("jwt: %s\n", clientToken)
}

func stateJson(state any) string {
	if stateBytes, ok := state.(cbor.RawMessage); ok {
		jsonBytes, err := protocol.CborToJson(stateBytes)
		if err != nil {
			return fmt.Sprintf("%x", []byte(stateBytes))
		}
		return string(jsonBytes)
	}
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Sprintf("%v", state)
	}
	return string(jsonBytes)
}
