package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
)

var errHelp = errors.New("help requested")

type commonFlags struct {
	socketPath string
	jsonOutput bool
	timeout    time.Duration
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.socketPath, "socket", c.socketPath, "path to appdockd socket")
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, "output json")
}

// inputList collects repeated --input key=value flags.
type inputList map[string]any

func (l inputList) String() string { return "" }

func (l inputList) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("input %q must be key=value", raw)
	}
	l[key] = value
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return err
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

func runApps(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("apps")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, func() { fmt.Fprintln(os.Stdout, "Usage: appdock apps") }, &help); err != nil {
		return err
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	var resp applicationsResponse
	if err := client.doJSON(ctx, http.MethodGet, "/v1/applications", nil, &resp); err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(resp)
	}
	tw := newTabWriter()
	fmt.Fprintln(tw, "ID\tNAME\tEXTENDS\tDESCRIPTION")
	for _, app := range resp.Applications {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", app.ID, app.Name, orDash(app.Extends), orDash(app.Description))
	}
	return tw.Flush()
}

func runShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("show")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	usage := func() { fmt.Fprintln(os.Stdout, "Usage: appdock show <application>") }
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return errors.New("application is required")
	}
	appName := fs.Arg(0)
	client := newAPIClient(opts.socketPath, opts.timeout)
	var detail applicationDetail
	if err := client.doJSON(ctx, http.MethodGet, "/v1/applications/"+url.PathEscape(appName), nil, &detail); err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(detail)
	}
	fmt.Printf("Hierarchy: %s\n", strings.Join(detail.Hierarchy, " -> "))
	tasks := make([]string, 0, len(detail.Tasks))
	for task := range detail.Tasks {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		fmt.Printf("Task %s: %s\n", task, strings.Join(detail.Tasks[task], ", "))
	}
	for _, d := range detail.Details {
		fmt.Printf("Detail: %s\n", d)
	}
	return nil
}

func runParams(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("params")
	opts := base
	opts.bind(fs)
	inputs := make(inputList)
	var help bool
	fs.Var(inputs, "input", "parameter value as key=value (repeatable)")
	fs.BoolVar(&help, "help", false, "show help")
	usage := func() {
		fmt.Fprintln(os.Stdout, "Usage: appdock params <application> <task> [--input key=value ...]")
	}
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		usage()
		return errors.New("application and task are required")
	}
	appName, task := fs.Arg(0), fs.Arg(1)

	query := url.Values{}
	for key, value := range inputs {
		query.Set(key, fmt.Sprint(value))
	}
	path := fmt.Sprintf("/v1/applications/%s/tasks/%s/parameters", url.PathEscape(appName), url.PathEscape(task))
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	var resp parametersResponse
	if err := client.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(resp)
	}
	resolved := make(map[string]bool, len(resp.Resolved))
	for _, id := range resp.Resolved {
		resolved[id] = true
	}
	unresolved := make(map[string]bool, len(resp.Unresolved))
	for _, id := range resp.Unresolved {
		unresolved[id] = true
	}
	tw := newTabWriter()
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tDEFAULT\tSTATE")
	for _, p := range resp.Parameters {
		state := "optional"
		switch {
		case resolved[p.ID]:
			state = "resolved"
		case unresolved[p.ID]:
			state = "required"
		}
		def := "-"
		if p.Default != nil {
			def = fmt.Sprint(p.Default)
			if p.Secure {
				def = "********"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, orDash(p.Name), orDash(p.Type), def, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, d := range resp.Details {
		fmt.Printf("Detail: %s\n", d)
	}
	return nil
}

func runTask(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("run")
	opts := base
	opts.bind(fs)
	inputs := make(inputList)
	var hostname string
	var help bool
	fs.Var(inputs, "input", "parameter value as key=value (repeatable)")
	fs.StringVar(&hostname, "hostname", "", "container hostname")
	fs.BoolVar(&help, "help", false, "show help")
	usage := func() {
		fmt.Fprintln(os.Stdout, "Usage: appdock run <application> <task> [--hostname <name>] [--input key=value ...]")
	}
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		usage()
		return errors.New("application and task are required")
	}
	req := runRequest{
		Application: fs.Arg(0),
		Task:        fs.Arg(1),
		Hostname:    hostname,
		Inputs:      inputs,
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	return streamAndRender(ctx, client, "/v1/tasks", req, opts.jsonOutput)
}

func runResume(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("resume")
	opts := base
	opts.bind(fs)
	var hostname string
	var help bool
	fs.StringVar(&hostname, "hostname", "", "container hostname")
	fs.BoolVar(&help, "help", false, "show help")
	usage := func() {
		fmt.Fprintln(os.Stdout, "Usage: appdock resume <application> [--hostname <name>]")
	}
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return errors.New("application is required")
	}
	req := runRequest{Application: fs.Arg(0), Hostname: hostname}
	client := newAPIClient(opts.socketPath, opts.timeout)
	return streamAndRender(ctx, client, "/v1/tasks/resume", req, opts.jsonOutput)
}

func runStatus(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("status")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, func() { fmt.Fprintln(os.Stdout, "Usage: appdock status") }, &help); err != nil {
		return err
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	var resp statusResponse
	if err := client.doJSON(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("appdockd: %s, %d applications\n", resp.Status, resp.Applications)
	return nil
}

// streamAndRender runs a task and renders each streamed line. A run
// that ends with an error line or unresolved parameters exits nonzero.
func streamAndRender(ctx context.Context, client *apiClient, path string, req runRequest, jsonOutput bool) error {
	var final *runResult
	var runErr error
	err := client.stream(ctx, path, req, func(line streamLine) error {
		switch {
		case line.Message != nil:
			if jsonOutput {
				return printJSON(line.Message)
			}
			printMessage(*line.Message)
		case line.Result != nil:
			final = line.Result
		case line.Error != "":
			runErr = fmt.Errorf("appdockd: %s", line.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if final == nil {
		return errors.New("stream ended without a result")
	}
	if len(final.Unresolved) > 0 {
		if jsonOutput {
			_ = printJSON(final)
		}
		return fmt.Errorf("missing required parameters: %s", strings.Join(final.Unresolved, ", "))
	}
	if jsonOutput {
		return printJSON(final)
	}
	for _, d := range final.Details {
		fmt.Printf("Detail: %s\n", d)
	}
	if len(final.Outputs) > 0 {
		keys := make([]string, 0, len(final.Outputs))
		for key := range final.Outputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		tw := newTabWriter()
		fmt.Fprintln(tw, "OUTPUT\tVALUE")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%v\n", key, final.Outputs[key])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if stdoutIsTerminal() {
		fmt.Println("done")
	}
	return nil
}

func printMessage(m runMessage) {
	prefix := ""
	switch m.Level {
	case "skip":
		prefix = "skip "
	case "error":
		prefix = "error "
	}
	if m.Target != "" {
		fmt.Printf("[%d] %s%s (%s): %s\n", m.Index, prefix, m.Command, m.Target, m.Text)
	} else {
		fmt.Printf("[%d] %s%s: %s\n", m.Index, prefix, m.Command, m.Text)
	}
	if m.Stderr != "" {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(m.Stderr))
	}
}

func printJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
