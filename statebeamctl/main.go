package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/statebeam/statebeam/client"
)

const StateBeamCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `StateBeam control.

Subscribe to queries and call mutations/actions against a sync endpoint.
Function paths look like "module/path:functionName"; a bare path calls the
default export. Arguments are a JSON object.

Usage:
    statebeamctl subscribe --url=<url> <path> [<args>]
        [--jwt=<jwt> | --prompt_auth]
        [--result_count=<result_count>]
    statebeamctl mutation --url=<url> <path> [<args>]
        [--jwt=<jwt> | --prompt_auth]
        [--timeout=<timeout>]
    statebeamctl action --url=<url> <path> [<args>]
        [--jwt=<jwt> | --prompt_auth]
        [--timeout=<timeout>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Sync endpoint websocket url.
    --jwt=<jwt>                    Auth token.
    --prompt_auth                  Prompt for the auth token on stdin.
    --result_count=<result_count>  Print this many results then exit.
    --timeout=<timeout>            Seconds to wait for the result [default: 30].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StateBeamCtlVersion)
	if err != nil {
		panic(err)
	}

	if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		subscribe(opts)
	} else if mutation_, _ := opts.Bool("mutation"); mutation_ {
		call(opts, client.FunctionKindMutation)
	} else if action_, _ := opts.Bool("action"); action_ {
		call(opts, client.FunctionKindAction)
	}
}

func subscribe(opts docopt.Opts) {
	path, _ := opts.String("<path>")

	args, err := parseArgs(opts)
	if err != nil {
		Err.Printf("Invalid args (%s).\n", err)
		return
	}

	var resultCount int
	if resultCount_, err := opts.Int("--result_count"); err == nil {
		resultCount = resultCount_
	} else {
		resultCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncClient, err := newClient(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s\n", err)
		return
	}
	defer syncClient.Close()

	results := make(chan client.FunctionResult, 8)
	subscription, err := syncClient.Subscribe(path, args, func(result client.FunctionResult) {
		results <- result
	})
	if err != nil {
		Err.Printf("Subscribe failed (%s).\n", err)
		return
	}
	defer subscription.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	for i := 0; resultCount < 0 || i < resultCount; i += 1 {
		select {
		case result := <-results:
			printResult(result)
		case <-interrupt:
			return
		}
	}
}

func call(opts docopt.Opts, kind client.FunctionKind) {
	path, _ := opts.String("<path>")

	args, err := parseArgs(opts)
	if err != nil {
		Err.Printf("Invalid args (%s).\n", err)
		return
	}

	timeoutSeconds, err := opts.Int("--timeout")
	if err != nil {
		timeoutSeconds = 30
	}
	timeout := time.Duration(timeoutSeconds) * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncClient, err := newClient(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s\n", err)
		return
	}
	defer syncClient.Close()

	callback, results := client.NewBlockingApiCallback[client.FunctionResult](1)
	switch kind {
	case client.FunctionKindMutation:
		syncClient.Mutation(path, args, callback)
	case client.FunctionKindAction:
		syncClient.Action(path, args, callback)
	}

	select {
	case r := <-results:
		if r.Error != nil {
			Err.Printf("Call failed (%s).\n", r.Error)
			return
		}
		printResult(r.Result)
	case <-time.After(timeout):
		Err.Printf("Call failed (timeout).\n")
	}
}

func newClient(ctx context.Context, opts docopt.Opts) (*client.SyncClient, error) {
	url, _ := opts.String("--url")

	jwt, _ := opts.String("--jwt")
	if promptAuth_, _ := opts.Bool("--prompt_auth"); promptAuth_ {
		fmt.Fprintf(os.Stderr, "Auth token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			return nil, fmt.Errorf("Could not read auth token (%s).", err)
		}
		jwt = string(tokenBytes)
	}

	syncClient := client.NewSyncClientWithDefaults(ctx, url)
	if jwt != "" {
		syncClient.SetAuth(jwt)
	}
	return syncClient, nil
}

func parseArgs(opts docopt.Opts) (client.Value, error) {
	argsStr, _ := opts.String("<args>")
	if argsStr == "" {
		return map[string]client.Value{}, nil
	}
	var args map[string]client.Value
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func printResult(result client.FunctionResult) {
	for _, line := range result.LogLines {
		Err.Printf("log: %s\n", line)
	}
	if !result.Success {
		Out.Printf("error: %s\n", result.ErrorMessage)
		return
	}
	resultJson, err := json.Marshal(result.Value)
	if err != nil {
		Out.Printf("%v\n", result.Value)
		return
	}
	Out.Printf("%s\n", resultJson)
}
