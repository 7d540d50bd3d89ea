// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing for nelson.
//
// CLI: Comprehensive help and examples for all commands
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdQueue
	CmdSync
	CmdStatus
	CmdServe
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name used in JSON output.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdAsk:
		return "ask"
	case CmdQueue:
		return "queue"
	case CmdSync:
		return "sync"
	case CmdStatus:
		return "status"
	case CmdServe:
		return "serve"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Offline    bool   // pin connectivity offline
	Verbose    bool   // component logs to stderr
	JSON       bool   // machine-readable output
	Mode       string // academic or clinical, overrides ui.default_mode
	ConfigPath string // explicit config file

	// Command-specific
	Query      string
	Subcommand string
	ConfigKey  string
	ConfigVal  string
	Signal     bool // sync --signal
	Addr       string

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `nelson - pediatric knowledge chat client

Answers come from the Nelson knowledge service with chapter and section
citations. Questions asked while offline are queued on disk and sent, in
order, when the service is reachable again.

Usage:
  nelson                       Interactive chat (default)
  nelson chat                  Interactive chat
  nelson ask "question"        Ask a single question
  nelson queue [list|clear]    Show or clear queued offline actions
  nelson sync [--signal]       Flush the offline queue now
  nelson status, s             Show connectivity, queue and storage status
  nelson serve [--addr ADDR]   Run the local control server
  nelson config [show|path]    Show configuration or its file path
  nelson config get KEY        Read one setting (e.g. remote.url)
  nelson config set KEY VALUE  Change one setting and save
  nelson version               Show version information
  nelson help                  Show this help

Global Flags:
  --offline                    Work offline; sends are queued
  --mode academic|clinical     Answer register for new conversations
  --config FILE                Load configuration from FILE
  --json                       Output in JSON format
  -v, --verbose                Log component activity to stderr

Chat Commands:
  /new [mode]                  Start a new conversation
  /mode [academic|clinical]    Show or change the conversation mode
  /list                        List conversations
  /open N|ID                   Switch to a conversation
  /delete [N|ID]               Delete a conversation
  /retry                       Re-send the last failed message
  /queue                       Show queued offline actions
  /sync                        Flush the offline queue
  /offline, /online            Toggle forced offline mode
  /settings [key value]        Show or change user settings
  /help                        Show chat commands
  /quit                        Exit

Sync Signal:
  nelson sync --signal drops a file into ~/.nelson/spool; a running client
  watching that directory flushes its queue immediately.

Environment:
  NELSON_API_URL, NELSON_ANON_KEY, NELSON_ACCESS_TOKEN, NELSON_USER_ID,
  NELSON_OFFLINE, NELSON_DATA_DIR, NELSON_STORAGE_KEY, NELSON_STREAM_TIMEOUT
  NO_COLOR disables colored output.
`

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses the given arguments (without the program name).
func ParseArgs(argv []string) (Command, Args) {
	remaining, parsedArgs := parseGlobalFlags(argv)

	// If no remaining args, default to chat
	if len(remaining) == 0 {
		return CmdChat, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "chat":
		return CmdChat, parsedArgs

	case "ask", "a":
		parsedArgs.Query = strings.TrimSpace(strings.Join(remaining, " "))
		return CmdAsk, parsedArgs

	case "queue", "q":
		parser := NewArgParser(remaining)
		parsedArgs.Subcommand = strings.ToLower(parser.Subcommand())
		if parsedArgs.Subcommand == "" {
			parsedArgs.Subcommand = "list"
		}
		return CmdQueue, parsedArgs

	case "sync":
		parser := NewArgParser(remaining)
		parsedArgs.Signal = parser.BoolFlag("signal")
		return CmdSync, parsedArgs

	case "status", "s":
		return CmdStatus, parsedArgs

	case "serve", "server":
		parser := NewArgParser(remaining)
		parsedArgs.Addr = parser.Flag("addr")
		return CmdServe, parsedArgs

	case "config":
		parseConfigArgs(&parsedArgs, remaining)
		return CmdConfig, parsedArgs

	case "version", "--version", "-V":
		return CmdVersion, parsedArgs

	case "help", "--help", "-h":
		return CmdHelp, parsedArgs

	default:
		// Bare text is a question
		parsedArgs.Query = strings.TrimSpace(strings.Join(append([]string{cmd}, remaining...), " "))
		return CmdAsk, parsedArgs
	}
}

// parseGlobalFlags extracts flags valid for every command.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "--offline":
			parsedArgs.Offline = true
		case "-v", "--verbose":
			parsedArgs.Verbose = true
		case "--json":
			parsedArgs.JSON = true
		case "--mode":
			if i+1 < len(args) {
				i++
				parsedArgs.Mode = args[i]
			}
		case "--config":
			if i+1 < len(args) {
				i++
				parsedArgs.ConfigPath = args[i]
			}
		default:
			switch {
			case strings.HasPrefix(arg, "--mode="):
				parsedArgs.Mode = strings.TrimPrefix(arg, "--mode=")
			case strings.HasPrefix(arg, "--config="):
				parsedArgs.ConfigPath = strings.TrimPrefix(arg, "--config=")
			default:
				remaining = append(remaining, arg)
			}
		}
	}

	return remaining, parsedArgs
}

// parseConfigArgs parses "config [show|path|get KEY|set KEY VALUE]".
func parseConfigArgs(args *Args, remaining []string) {
	parser := NewArgParser(remaining)
	args.Subcommand = strings.ToLower(parser.Subcommand())
	if args.Subcommand == "" {
		args.Subcommand = "show"
	}
	args.ConfigKey = parser.Positional(1)
	args.ConfigVal = JoinPositionalArgs(parser, 2)
}

// =============================================================================
// HELP AND VERSION
// =============================================================================

// HandleHelp prints usage.
func HandleHelp() {
	fmt.Print(usageText)
}

// VersionInfo is the version command's JSON payload.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// currentVersion collects build information.
func currentVersion() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// HandleVersion prints version information.
func HandleVersion(args Args) error {
	info := currentVersion()
	if args.JSON {
		return NewJSONResponse(CmdVersion.String(), info).Print()
	}
	fmt.Printf("nelson %s\n", info.Version)
	fmt.Printf("  %s %s\n", RenderLabel("Commit:", 10), info.GitCommit)
	fmt.Printf("  %s %s\n", RenderLabel("Built:", 10), info.BuildDate)
	fmt.Printf("  %s %s (%s)\n", RenderLabel("Go:", 10), info.GoVersion, info.Platform)
	return nil
}
