package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/mattjoyce/overseer/internal/config"
	"github.com/mattjoyce/overseer/internal/log"
	"github.com/mattjoyce/overseer/internal/service"
	"github.com/mattjoyce/overseer/internal/storage"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

type workerSummary struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout"`
	Retries int      `json:"retries"`
}

func runWorkerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	workers := summarizeWorkers(cfg)
	if *jsonOut {
		return printJSON(workers)
	}

	if len(workers) == 0 {
		fmt.Println("No workers configured.")
		return 0
	}
	fmt.Printf("%-20s %-10s %-8s %s\n", "NAME", "TIMEOUT", "RETRIES", "COMMAND")
	for _, w := range workers {
		fmt.Printf("%-20s %-10s %-8d %s\n", w.Name, w.Timeout, w.Retries, strings.TrimSpace(w.Command+" "+strings.Join(w.Args, " ")))
	}
	return 0
}

// summarizeWorkers reports each worker with its effective timeout and retry
// budget after supervisor defaults are applied.
func summarizeWorkers(cfg *config.Config) []workerSummary {
	sc := cfg.SupervisorConfig()
	out := make([]workerSummary, 0, len(cfg.Workers))
	for name, w := range cfg.Workers {
		opts, _ := cfg.WorkerOptions(name)
		timeout, retries := sc.Timeout, sc.Retries
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Retries != nil {
			retries = *opts.Retries
		}
		out = append(out, workerSummary{
			Name:    name,
			Command: w.Command,
			Args:    w.Args,
			Timeout: timeout.String(),
			Retries: retries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type runOutput struct {
	ID       string `json:"id"`
	Result   string `json:"result"`
	Messages []any  `json:"messages"`
	Error    string `json:"error,omitempty"`
}

func runWorkerRun(args []string) int {
	name, rest := splitPositional(args, "config", "input")

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	input := fs.String("input", "", "JSON input passed to the worker")
	jsonOut := fs.Bool("json", false, "Output the result as one JSON document")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: overseer worker run <name> [--config PATH] [--input JSON] [--json]")
		return 1
	}

	var raw json.RawMessage
	if *input != "" {
		if !json.Valid([]byte(*input)) {
			fmt.Fprintln(os.Stderr, "Error: --input must be valid JSON")
			return 1
		}
		raw = json.RawMessage(*input)
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	// One-off runs keep no history and must not touch a running service's database.
	cfg.History.Path = storage.MemoryPath
	cfg.History.Retention = 0

	log.SetupWriter(os.Stderr, cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, service.Deps{Logger: log.WithComponent("run")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer svc.Close()

	res, err := svc.Run(ctx, name, raw)
	if res == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	out := runOutput{ID: res.ID, Result: supervisor.ResultOf(err), Messages: res.Messages}
	if out.Messages == nil {
		out.Messages = []any{}
	}
	switch {
	case errors.Is(err, supervisor.ErrNotLaunched):
		out.Result = "dropped"
	case errors.Is(err, context.Canceled):
		out.Result = supervisor.ResultCancelled
	}
	if err != nil {
		out.Error = err.Error()
	}

	if *jsonOut {
		printJSON(out)
	} else {
		for _, msg := range out.Messages {
			line, _ := json.Marshal(msg)
			fmt.Println(string(line))
		}
		fmt.Fprintf(os.Stderr, "%s: %s (%d message(s))\n", out.ID, out.Result, len(out.Messages))
		if out.Error != "" {
			fmt.Fprintf(os.Stderr, "error: %s\n", out.Error)
		}
	}

	if out.Result != supervisor.ResultSucceeded {
		return 1
	}
	return 0
}
