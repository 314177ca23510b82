package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/golang/glog"

	"github.com/movexdev/movex/examples/counter"
	"github.com/movexdev/movex/movex"
	"github.com/movexdev/movex/protocol"
)

const MovexdVersion = "0.1.0"

type daemonConfig struct {
	Port      int `env:"MOVEXD_PORT" envDefault:"8090"`
	Verbosity int `env:"MOVEXD_VERBOSITY" envDefault:"0"`
}

func main() {
	usage := `Movex daemon.

Owns the canonical state of every resource and synchronizes it to all
subscribed clients over the websocket endpoint /ws.

Configuration is read from the MOVEXD_PORT and MOVEXD_VERBOSITY
environment variables. Flags take precedence.

Usage:
    movexd serve [--port=<port>] [--verbosity=<verbosity>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    -p --port=<port>         Listen port.
    --verbosity=<verbosity>  Log verbosity level.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MovexdVersion)
	if err != nil {
		panic(err)
	}

	config := &daemonConfig{}
	if err := env.Parse(config); err != nil {
		panic(err)
	}
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if verbosity, err := opts.Int("--verbosity"); err == nil {
		config.Verbosity = verbosity
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", config.Verbosity))

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(config)
	}
}

func serve(config *daemonConfig) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reducers := movex.NewReducerRegistry(
		counter.NewReducer(),
	)
	registry := movex.NewResourceRegistryWithDefaults(reducers)
	server := movex.NewServerWithDefaults(cancelCtx, registry)
	defer server.Close()

	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(1).Infof(
				"[d]%s %s %d %s\n",
				r.Method,
				r.URL,
				m.Code,
				m.Duration,
			)
		})
	})
	server.Attach(router)
	router.Methods(http.MethodGet).Path("/status").HandlerFunc(statusHandler(registry))
	router.Methods(http.MethodGet).Path("/resources/{rid}").HandlerFunc(resourceHandler(registry))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil {
			glog.Infof("[d]listen error = %s\n", err)
		}
	}()

	glog.Infof("[d]movexd %s on *:%d (%v)\n", MovexdVersion, config.Port, reducers.ResourceTypes())

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		glog.Infof("[d]signal %s\n", sig)
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	os.Exit(0)
}

func statusHandler(registry *movex.ResourceRegistry) http.HandlerFunc {
	type statusResult struct {
		Version               string `json:"version"`
		Status                string `json:"status"`
		ResourceCount         int    `json:"resource_count"`
		DispatchCount         uint64 `json:"dispatch_count"`
		StalePredecessorCount uint64 `json:"stale_predecessor_count"`
		DuplicateCount        uint64 `json:"duplicate_count"`
		ReducerFailureCount   uint64 `json:"reducer_failure_count"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		stats := registry.Stats()
		result := &statusResult{
			Version:               MovexdVersion,
			Status:                "ok",
			ResourceCount:         stats.ResourceCount,
			DispatchCount:         stats.DispatchCount,
			StalePredecessorCount: stats.StalePredecessorCount,
			DuplicateCount:        stats.DuplicateCount,
			ReducerFailureCount:   stats.ReducerFailureCount,
		}
		responseJson, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(responseJson)
	}
}

// read-only snapshot of one resource, transcoded to json
func resourceHandler(registry *movex.ResourceRegistry) http.HandlerFunc {
	type resourceResult struct {
		Rid            string          `json:"rid"`
		State          json.RawMessage `json:"state"`
		SequenceNumber uint64          `json:"sequence_number"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rid, err := movex.ParseResourceId(mux.Vars(r)["rid"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stateBytes, sequenceNumber, err := registry.Snapshot(rid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		stateJson, err := protocol.CborToJson(stateBytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		result := &resourceResult{
			Rid:            rid.String(),
			State:          stateJson,
			SequenceNumber: sequenceNumber,
		}
		responseJson, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(responseJson)
	}
}
