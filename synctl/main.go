package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/flowdeck/realtime/realtime"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync control. Diagnostics for the realtime sync endpoint.

Usage:
    synctl watch --url=<url> --scope=<scope_id> [--token=<token>]
    synctl ping --url=<url> [--token=<token>]
        [--count=<count>]
        [--interval=<interval>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Sync endpoint url, e.g. wss://host/sync
    --token=<token>        Bearer token, passed through opaquely.
    --scope=<scope_id>     Scope (board) id to subscribe to.
    --count=<count>        Number of pings to send [default: 5].
    --interval=<interval>  Seconds between pings [default: 1].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if ping_, _ := opts.Bool("ping"); ping_ {
		ping(opts)
	}
}

// connect, subscribe to a scope, and print broadcasts and connection
// transitions until interrupted
func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")
	scopeIdStr, _ := opts.String("--scope")

	scopeId, err := parseScopeId(scopeIdStr)
	if err != nil {
		Err.Printf("Invalid scope id (%s).", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := realtime.NewWebsocketDialer(url, token, realtime.DefaultTransportSettings())
	state := realtime.NewAppStateWithDefaults(cancelCtx, dial)
	defer state.Close()

	state.AddConnectionStateCallback(func(connectionState realtime.ConnectionState) {
		Out.Printf("connection: %s", connectionState)
	})
	state.AddChangedCallback(func() {
		health := state.Health()
		Out.Printf(
			"changed: boards=%d cards=%d quality=%s latency=%s",
			len(state.Boards().GetAllMatching(func(realtime.Board) bool { return true })),
			len(state.Cards().GetAllMatching(func(realtime.Card) bool { return true })),
			health.Quality,
			health.Latency,
		)
	})
	state.Reconnect().AddReconnectCallback(func(event *realtime.ReconnectEvent) {
		if event.Reconnected {
			Out.Printf("reconnected after %d attempts", event.Attempts)
		} else {
			Out.Printf("reconnect failed after %d attempts", event.Attempts)
		}
	})

	if err := state.Initialize(cancelCtx); err != nil {
		Err.Printf("Connect failed (%s).", err)
		os.Exit(1)
	}
	if err := state.LoadScope(cancelCtx, scopeId); err != nil {
		Err.Printf("Load scope failed (%s).", err)
		os.Exit(1)
	}
	Out.Printf("watching scope %s", scopeId)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// measure request latency over the live connection
func ping(opts docopt.Opts) {
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")
	count, err := opts.Int("--count")
	if err != nil {
		count = 5
	}
	intervalSeconds, err := opts.Int("--interval")
	if err != nil {
		intervalSeconds = 1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := realtime.NewWebsocketDialer(url, token, realtime.DefaultTransportSettings())
	client := realtime.NewSyncClientWithDefaults(cancelCtx, dial)
	defer client.Close()

	if err := client.Connect(cancelCtx); err != nil {
		Err.Printf("Connect failed (%s).", err)
		os.Exit(1)
	}

	for i := 0; i < count; i += 1 {
		start := time.Now()
		_, err := client.SendRequest(cancelCtx, realtime.MessageKindPing, nil, 5*time.Second)
		if err != nil {
			Out.Printf("ping %d: error (%s)", i+1, err)
		} else {
			Out.Printf("ping %d: %s", i+1, time.Since(start))
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}

	health := client.HealthSnapshot()
	Out.Printf("quality=%s latency=%s", health.Quality, health.Latency)
}

func parseScopeId(scopeIdStr string) (realtime.ScopeId, error) {
	id, err := realtime.ParseId(scopeIdStr)
	if err != nil {
		return realtime.ScopeId{}, err
	}
	return realtime.ScopeId(id), nil
}
