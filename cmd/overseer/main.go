package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/overseer/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "submission":
		return runSubmissionNoun(args)

	case "start":
		return runStart(args)
	case "monitor":
		return runMonitor(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`overseer - Bounded-concurrency worker process supervisor

Usage:
  overseer <noun> <action> [flags]

Core Resources (Nouns):
  system      Service lifecycle and health
  config      Configuration and integrity
  worker      Configured worker programs
  submission  Recorded submissions

System Commands:
  system start        Start the service in the foreground
  system status       Show live status from a running service
  system monitor      Real-time monitoring TUI

Config Commands:
  config check        Validate syntax, policy, and integrity
  config lock         Authorize current state (update integrity hashes)
  config show         Show the resolved configuration
  config get <path>   Read a single configuration value

Worker Commands:
  worker list         Show configured workers
  worker run <name>   Run one submission in-process and print its messages

Submission Commands:
  submission list     Show recent submissions from history
  submission get <id> Show one submission

General:
  version             Show version information
  help                Show this help message

Use 'overseer <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	run  func([]string) int
	help string
}

// dispatch runs the named action of a noun, printing help for help tokens
// and for --help anywhere in the action's flags.
func dispatch(noun string, args []string, actions map[string]action, order []string) int {
	printNounHelp := func(w *os.File) {
		fmt.Fprintf(w, "Usage: overseer %s <action> [flags]\n", noun)
		fmt.Fprintf(w, "Actions: %s\n", strings.Join(order, ", "))
	}

	if len(args) < 1 {
		printNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout)
		return 0
	}

	name, actionArgs := args[0], args[1:]
	a, ok := actions[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, name)
		return 1
	}
	if hasHelpFlag(actionArgs) {
		fmt.Println(a.help)
		return 0
	}
	return a.run(actionArgs)
}

func runSystemNoun(args []string) int {
	return dispatch("system", args, map[string]action{
		"start": {runStart, "Usage: overseer system start [--config PATH]\n" +
			"Start the service in the foreground. SIGHUP reloads worker definitions."},
		"status": {runSystemStatus, "Usage: overseer system status [--api-url URL] [--token TOKEN]\n" +
			"Show live status from a running service."},
		"monitor": {runMonitor, "Usage: overseer system monitor [--api-url URL] [--token TOKEN]\n" +
			"Real-time monitoring TUI fed by the service event stream."},
	}, []string{"start", "status", "monitor"})
}

func runConfigNoun(args []string) int {
	return dispatch("config", args, map[string]action{
		"check": {runConfigCheck, "Usage: overseer config check [--config PATH] [--json]\n" +
			"Validate configuration syntax, policy, and integrity."},
		"lock": {runConfigLock, "Usage: overseer config lock [--config PATH] [-v|--verbose] [--dry-run]\n" +
			"Authorize current configuration state by regenerating integrity hashes."},
		"show": {runConfigShow, "Usage: overseer config show [entity] [--config PATH] [--json]\n" +
			"Show full resolved configuration or a filtered entity node."},
		"get": {runConfigGet, "Usage: overseer config get <path> [--config PATH] [--json]\n" +
			"Read a single value from the resolved configuration."},
	}, []string{"check", "lock", "show", "get"})
}

func runWorkerNoun(args []string) int {
	return dispatch("worker", args, map[string]action{
		"list": {runWorkerList, "Usage: overseer worker list [--config PATH] [--json]\n" +
			"Show configured workers."},
		"run": {runWorkerRun, "Usage: overseer worker run <name> [--config PATH] [--input JSON] [--json]\n" +
			"Run one submission in-process with the configured policy and print its messages."},
	}, []string{"list", "run"})
}

func runSubmissionNoun(args []string) int {
	return dispatch("submission", args, map[string]action{
		"list": {runSubmissionList, "Usage: overseer submission list [--config PATH] [--worker NAME] [--status STATUS] [--limit N] [--json]\n" +
			"Show recent submissions from the history database."},
		"get": {runSubmissionGet, "Usage: overseer submission get <id> [--config PATH]\n" +
			"Show one submission as JSON."},
	}, []string{"list", "get"})
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional separates the first non-flag argument so flags may follow
// it, as in 'overseer worker run echo --input {}'.
func splitPositional(args []string, valueFlags ...string) (string, []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue["-"+f] = true
		takesValue["--"+f] = true
	}

	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "-"):
			rest = append(rest, arg)
			if takesValue[arg] && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
		case positional == "":
			positional = arg
		default:
			rest = append(rest, arg)
		}
	}
	return positional, rest
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printYAML(v any) int {
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: overseer version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("overseer %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
