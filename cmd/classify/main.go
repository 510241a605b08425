// Command classify submits one image to the prediction service and prints
// the rendered result.
//
//	classify -domain bloodtype -api http://localhost:8000 sample.png
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/dactylo/internal/logging"
	"github.com/example/dactylo/internal/predictclient"
	"github.com/example/dactylo/internal/prediction"
	"github.com/example/dactylo/internal/render"
	"github.com/example/dactylo/internal/workflow"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("classify", flag.ContinueOnError)
	flags.SetOutput(stderr)
	domainFlag := flags.String("domain", string(prediction.Fingerprint), "classification domain: fingerprint or bloodtype")
	apiFlag := flags.String("api", defaultAPI(), "prediction service origin")
	timeout := flags.Duration("timeout", predictclient.DefaultTimeout, "request timeout")
	asJSON := flags.Bool("json", false, "print the display model as JSON")
	level := flags.String("log-level", "error", "log level")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: classify [flags] IMAGE")
		flags.PrintDefaults()
		return 2
	}

	domain, err := prediction.ParseDomain(*domainFlag)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := logging.NewLogger(*level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	client, err := predictclient.New(*apiFlag, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	path := flags.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	wf := workflow.New(domain, client, logger, workflow.WithTimeout(*timeout), workflow.WithThumbnailer(nil))
	if err := wf.Select(prediction.File{Name: filepath.Base(path), Data: data}); err != nil {
		fmt.Fprintln(stderr, prediction.Classify(err).Message)
		return 1
	}
	if _, err := wf.Analyze(ctx); err != nil {
		fmt.Fprintln(stderr, prediction.Classify(err).Message)
		return 1
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout+time.Second)
	defer cancel()
	state, err := wf.Wait(waitCtx)
	if err != nil {
		logger.Error("gave up waiting for the prediction", zap.Error(err))
		fmt.Fprintln(stderr, prediction.GenericNetworkMessage)
		return 1
	}

	if state.Phase != workflow.PhaseSuccess {
		message := prediction.GenericNetworkMessage
		if state.Err != nil {
			message = state.Err.Message
		}
		fmt.Fprintln(stderr, message)
		return 1
	}

	model := render.For(domain).Render(state.Result)
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(model); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	fmt.Fprint(stdout, model.Text())
	return 0
}

func defaultAPI() string {
	if value := os.Getenv("API_BASE_URL"); value != "" {
		return value
	}
	return "http://localhost:8000"
}
