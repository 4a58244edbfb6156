package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/mattjoyce/overseer/internal/config"
)

type checkReport struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Files    []string `json:"files,omitempty"`
	Workers  []string `json:"workers,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report := checkConfig(configPath)

	if jsonOut {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else {
		printCheckReport(report)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// checkConfig loads the config the way start does and adds warnings for
// things that load fine but are probably mistakes.
func checkConfig(configPath string) checkReport {
	report := checkReport{Config: configPath}

	cfg, err := config.Load(configPath)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Valid = true
	report.Files = cfg.SourceFiles

	for name := range cfg.Workers {
		report.Workers = append(report.Workers, name)
	}
	sort.Strings(report.Workers)

	if len(cfg.Workers) == 0 {
		report.Warnings = append(report.Warnings, "no workers configured; every submission will be rejected")
	}
	if integrity, err := config.VerifyChecksums(cfg.SourceFiles[0], cfg.SourceFiles); err == nil {
		report.Warnings = append(report.Warnings, integrity.Warnings...)
	}
	for _, name := range report.Workers {
		w := cfg.Workers[name]
		if w.Timeout > 0 && cfg.Supervisor.Timeout > 0 && w.Timeout > cfg.Supervisor.Timeout*10 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("worker %q: timeout %s is far above the supervisor default %s", name, w.Timeout, cfg.Supervisor.Timeout))
		}
	}

	return report
}

func printCheckReport(r checkReport) {
	if r.Valid {
		fmt.Printf("Configuration OK: %s\n", r.Config)
	} else {
		fmt.Printf("Configuration INVALID: %s\n", r.Config)
	}
	for _, e := range r.Errors {
		fmt.Printf("  ERROR   %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  WARNING %s\n", w)
	}
	if len(r.Files) > 0 {
		fmt.Printf("Files: %d\n", len(r.Files))
	}
	if len(r.Workers) > 0 {
		fmt.Printf("Workers: %d\n", len(r.Workers))
		for _, name := range r.Workers {
			fmt.Printf("  - %s\n", name)
		}
	}
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.WriteChecksums(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d file(s) (not written): %s\n", len(report.Files), report.ChecksumPath)
	} else {
		fmt.Printf("Successfully locked %d file(s): %s\n", len(report.Files), report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	entity, rest := splitPositional(args, "config")

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if entity != "" {
		res, err := cfg.GetPath(entity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		return printJSON(result)
	}
	return printYAML(result)
}

func runConfigGet(args []string) int {
	path, rest := splitPositional(args, "config")

	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if path == "" || fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: overseer config get <path> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(val)
	}
	fmt.Printf("%v\n", val)
	return 0
}
