package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/appdock/appdock/internal/buildinfo"
)

const usageText = `appdock is the CLI for appdockd.

Usage:
  appdock --version
  appdock [--socket PATH] [--json] [--timeout DURATION] apps
  appdock [--socket PATH] [--json] [--timeout DURATION] show <application>
  appdock [--socket PATH] [--json] [--timeout DURATION] params <application> <task> [--input key=value ...]
  appdock [--socket PATH] [--json] [--timeout DURATION] run <application> <task> [--hostname <name>] [--input key=value ...]
  appdock [--socket PATH] [--json] [--timeout DURATION] resume <application> [--hostname <name>]
  appdock [--socket PATH] [--json] [--timeout DURATION] status

Global Flags:
  --socket PATH   Path to appdockd socket (default /run/appdock/appdockd.sock)
  --json          Output json
  --timeout       Request timeout for non-streaming calls (e.g. 30s, 2m)
`

const defaultRequestTimeout = 30 * time.Second

type globalOptions struct {
	socketPath  string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := commonFlags{socketPath: opts.socketPath, jsonOutput: opts.jsonOutput, timeout: opts.timeout}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{socketPath: defaultSocketPath}
	fs := flag.NewFlagSet("appdock", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.socketPath, "socket", defaultSocketPath, "path to appdockd socket")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output json")
	fs.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if opts.socketPath == "" {
		opts.socketPath = defaultSocketPath
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "apps":
		return runApps(ctx, args[1:], base)
	case "show":
		return runShow(ctx, args[1:], base)
	case "params":
		return runParams(ctx, args[1:], base)
	case "run":
		return runTask(ctx, args[1:], base)
	case "resume":
		return runResume(ctx, args[1:], base)
	case "status":
		return runStatus(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func isHelpToken(arg string) bool {
	switch arg {
	case "help", "-h", "--help":
		return true
	}
	return false
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}
