// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the nelson commands.
//
// # Key Types
//
//   - Command: Enumeration of the CLI commands
//   - Args: Parsed global and command-specific arguments
//   - ArgParser: Flag/positional splitting for subcommands
//   - ChatSession: Interactive REPL state over a running client
//   - JSONResponse: Envelope for --json output
//
// # Usage
//
//	cmd, args := cli.Parse()
//	switch cmd {
//	case cli.CmdAsk:
//	    err = cli.HandleAsk(args)
//	case cli.CmdChat:
//	    err = cli.HandleChat(args)
//	// ... other commands
//	}
//
// # Output
//
// Answers stream to stdout as they arrive. On a TTY with ui.markdown set,
// the answer is rendered once complete with glamour instead. Citations are
// listed under the answer, ranked by similarity. Colors follow NO_COLOR and
// TTY detection.
package cli
