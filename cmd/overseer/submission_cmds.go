package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/overseer/internal/config"
	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/storage"
)

func openHistory(ctx context.Context, configPath string) (*history.Store, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return openHistoryAt(ctx, cfg)
}

func openHistoryAt(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history %s: %w", cfg.History.Path, err)
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

func runSubmissionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	worker := fs.String("worker", "", "Only submissions for this worker")
	status := fs.String("status", "", "Only submissions in this status")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := history.ListFilter{Worker: *worker, Status: history.Status(*status), Limit: *limit}
	if filter.Status != "" && !filter.Status.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", *status)
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()

	subs, err := store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(subs)
	}
	if len(subs) == 0 {
		fmt.Println("No submissions.")
		return 0
	}
	fmt.Printf("%-36s %-20s %-10s %-4s %s\n", "ID", "WORKER", "STATUS", "TRY", "CREATED")
	for _, s := range subs {
		fmt.Printf("%-36s %-20s %-10s %-4d %s\n", s.ID, s.Worker, s.Status, s.Attempts, s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return 0
}

func runSubmissionGet(args []string) int {
	id, rest := splitPositional(args, "config")

	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: overseer submission get <id> [--config PATH]")
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()

	sub, err := store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Submission %s not found\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
		return 1
	}
	return printJSON(sub)
}
