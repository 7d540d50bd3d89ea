// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - status, queue, sync, serve and config commands.
//
// Command: status
// Short:   Show connectivity, queue and storage status
// Aliases: s
//
// Command: queue [list|clear]
// Short:   Inspect or discard queued offline actions
//
// Command: sync [--signal]
// Short:   Flush the offline queue now. With --signal, ask an already
//          running client to flush instead.
//
// Command: serve [--addr ADDR]
// Short:   Run the client headless with the local control server
//
// Command: config [show|path|get KEY|set KEY VALUE]
// Short:   View and modify configuration

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/nelson-client/internal/app"
	"github.com/jeranaias/nelson-client/internal/config"
	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/syncer"
	"github.com/jeranaias/nelson-client/internal/trigger"
	"github.com/jeranaias/nelson-client/internal/util"
)

// =============================================================================
// STATUS
// =============================================================================

// StatusInfo is the status command's payload.
type StatusInfo struct {
	Connection    string        `json:"connection"`
	Online        bool          `json:"online"`
	Remote        string        `json:"remote"`
	Owner         string        `json:"owner"`
	QueueLength   int           `json:"queue_length"`
	Conversations int           `json:"conversations"`
	DataDir       string        `json:"data_dir"`
	Encrypted     bool          `json:"encrypted"`
	Server        string        `json:"server,omitempty"`
	LastSync      syncer.Report `json:"last_sync"`
}

// collectStatus gathers the state of a client.
func collectStatus(ctx context.Context, a *app.App) (StatusInfo, error) {
	n, err := a.Queue.Len(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{
		Connection:    a.Monitor.String(),
		Online:        a.Monitor.IsOnline(),
		Remote:        a.Config.Remote.URL,
		Owner:         a.Engine.Owner(),
		QueueLength:   n,
		Conversations: len(a.Engine.Conversations()),
		DataDir:       a.Paths.Root,
		Encrypted:     a.Snapshots.Encrypted(),
		LastSync:      a.Flusher.LastReport(),
	}
	if a.Server != nil {
		info.Server = a.Server.Addr()
	}
	return info, nil
}

// printStatus renders status for humans.
func printStatus(out io.Writer, info StatusInfo) {
	remote := info.Remote
	if remote == "" {
		remote = DimStyle.Render("not configured")
	}
	connection := RenderStatus("offline")
	if info.Online {
		connection = RenderStatus("online")
	}

	fmt.Fprintln(out, TitleStyle.Render("Nelson Status"))
	fmt.Fprintln(out, RenderSeparator(40))
	fmt.Fprintf(out, "%s %s %s\n", RenderLabel("Connection:"), connection, DimStyle.Render(info.Connection))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Remote:"), remote)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("User:"), info.Owner)
	fmt.Fprintf(out, "%s %d\n", RenderLabel("Queued actions:"), info.QueueLength)
	fmt.Fprintf(out, "%s %d\n", RenderLabel("Conversations:"), info.Conversations)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Data directory:"), info.DataDir)
	fmt.Fprintf(out, "%s %t\n", RenderLabel("Encrypted:"), info.Encrypted)
	if info.Server != "" {
		fmt.Fprintf(out, "%s http://%s\n", RenderLabel("Control server:"), info.Server)
	}
	if info.LastSync.Processed > 0 {
		fmt.Fprintf(out, "%s %s\n", RenderLabel("Last sync:"), formatReport(info.LastSync))
	}
}

// HandleStatus probes the remote once and prints client state.
func HandleStatus(args Args) error {
	a, err := openClient(args, false)
	if err != nil {
		return err
	}
	defer closeClient(a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Prober.Probe(ctx)

	return OutputJSON(args.JSON, CmdStatus.String(), func() (any, error) {
		info, err := collectStatus(ctx, a)
		if err == nil && !args.JSON {
			printStatus(os.Stdout, info)
		}
		return info, err
	})
}

// =============================================================================
// QUEUE
// =============================================================================

// QueueEntry is one queued action as shown to the user.
type QueueEntry struct {
	ID         int64      `json:"id"`
	Kind       queue.Kind `json:"kind"`
	RetryCount int        `json:"retry_count"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Summary    string     `json:"summary"`
}

// summarizeAction describes a queued action in one line.
func summarizeAction(action queue.Action) string {
	switch action.Kind {
	case queue.KindSendMessage:
		if p, err := action.DecodeSendMessage(); err == nil {
			return fmt.Sprintf("%q", truncateLine(p.Content, 50))
		}
	case queue.KindDeleteConversation:
		if p, err := action.DecodeDeleteConversation(); err == nil {
			return "conversation " + shortID(p.ConversationID)
		}
	case queue.KindUpdateSettings:
		if p, err := action.DecodeSettings(); err == nil {
			data, _ := json.Marshal(p.Patch)
			return string(data)
		}
	}
	return DimStyle.Render("(unreadable payload)")
}

func queueEntries(actions []queue.Action) []QueueEntry {
	entries := make([]QueueEntry, 0, len(actions))
	for _, action := range actions {
		entries = append(entries, QueueEntry{
			ID:         action.ID,
			Kind:       action.Kind,
			RetryCount: action.RetryCount,
			EnqueuedAt: action.EnqueuedAt,
			Summary:    summarizeAction(action),
		})
	}
	return entries
}

// RenderQueue renders queued actions oldest first.
func RenderQueue(actions []queue.Action) string {
	if len(actions) == 0 {
		return DimStyle.Render("Queue is empty.") + "\n"
	}
	var b strings.Builder
	for _, e := range queueEntries(actions) {
		retries := ""
		if e.RetryCount > 0 {
			retries = WarningStyle.Render(fmt.Sprintf(" (retried %d)", e.RetryCount))
		}
		fmt.Fprintf(&b, "  %4d  %-20s %-10s %s%s\n",
			e.ID, e.Kind, DimStyle.Render(formatAge(e.EnqueuedAt)), e.Summary, retries)
	}
	return b.String()
}

// HandleQueue lists or clears the offline queue. It only opens the queue
// database, so it is safe to run beside a running client.
func HandleQueue(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	paths, err := cfg.Paths()
	if err != nil {
		return err
	}
	if err := util.EnsureDir(paths.Root); err != nil {
		return err
	}
	store, err := queue.Open(paths.Queue)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	switch args.Subcommand {
	case "list", "ls", "show":
		actions, err := store.List(ctx)
		return OutputJSON(args.JSON, CmdQueue.String(), func() (any, error) {
			if err != nil {
				return nil, err
			}
			if !args.JSON {
				fmt.Print(RenderQueue(actions))
			}
			return map[string]any{"actions": queueEntries(actions)}, nil
		})

	case "clear":
		return OutputJSON(args.JSON, CmdQueue.String(), func() (any, error) {
			n, err := store.Len(ctx)
			if err != nil {
				return nil, err
			}
			if err := store.Clear(ctx); err != nil {
				return nil, err
			}
			if !args.JSON {
				fmt.Printf("%s Discarded %d queued action(s)\n", SuccessStyle.Render("[OK]"), n)
			}
			return map[string]int{"cleared": n}, nil
		})

	default:
		return fmt.Errorf("unknown queue subcommand: %s (use list or clear)", args.Subcommand)
	}
}

// =============================================================================
// SYNC
// =============================================================================

// ErrOffline is returned when a command needs the remote service.
var ErrOffline = errors.New("remote service unreachable")

func formatReport(r syncer.Report) string {
	s := fmt.Sprintf("%d processed, %d sent, %d failed, %d dropped", r.Processed, r.Succeeded, r.Failed, r.Dropped)
	if r.Halted {
		s += " (halted: connection lost)"
	}
	return s
}

// HandleSync flushes the queue in this process, or with --signal asks a
// running client to do it.
func HandleSync(args Args) error {
	if args.Signal {
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		paths, err := cfg.Paths()
		if err != nil {
			return err
		}
		return OutputJSON(args.JSON, CmdSync.String(), func() (any, error) {
			path, err := trigger.Signal(paths.Spool)
			if err != nil {
				return nil, err
			}
			if !args.JSON {
				fmt.Printf("%s Sync requested (%s)\n", SuccessStyle.Render("[OK]"), path)
			}
			return map[string]string{"signal": path}, nil
		})
	}

	a, err := openClient(args, false)
	if err != nil {
		return err
	}
	defer closeClient(a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return OutputJSON(args.JSON, CmdSync.String(), func() (any, error) {
		if !a.Prober.Probe(ctx) {
			return nil, fmt.Errorf("%w (%s)", ErrOffline, a.Monitor)
		}
		report, err := a.Flusher.Flush(ctx)
		if err != nil {
			return nil, err
		}
		if !args.JSON {
			fmt.Printf("%s %s\n", InfoStyle.Render("[Sync]"), formatReport(report))
		}
		return report, nil
	})
}

// =============================================================================
// SERVE
// =============================================================================

// HandleServe runs the client headless with the control server until
// interrupted.
func HandleServe(args Args) error {
	client, err := startSession(args, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := client.app
	fmt.Fprintf(os.Stderr, "%s Control server on http://%s (%s)\n",
		SuccessStyle.Render("[Serve]"), a.Server.Addr(), a.Monitor)
	if a.Config.Server.AuthToken == "" {
		fmt.Fprintf(os.Stderr, "%s No auth token set; any local process can use the API\n",
			WarningStyle.Render("[Serve]"))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-client.done:
		client.done <- runErr
	}
	if err := client.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// =============================================================================
// CONFIG
// =============================================================================

// HandleConfig shows or edits configuration.
func HandleConfig(args Args) error {
	switch args.Subcommand {
	case "show":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse(CmdConfig.String(), json.RawMessage(cfg.String())).Print()
		}
		fmt.Println(cfg.String())
		return nil

	case "path":
		path, err := configFilePath(args)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil

	case "get":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		value, err := cfg.Get(args.ConfigKey)
		if err != nil {
			return err
		}
		return OutputJSON(args.JSON, CmdConfig.String(), func() (any, error) {
			if !args.JSON {
				fmt.Println(value)
			}
			return map[string]any{args.ConfigKey: value}, nil
		})

	case "set":
		return setConfigValue(args)

	default:
		return fmt.Errorf("unknown config subcommand: %s (use show, path, get or set)", args.Subcommand)
	}
}

// configFilePath is the file config set writes to.
func configFilePath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPathTOML()
}

// setConfigValue edits the TOML file without baking in environment
// overrides.
func setConfigValue(args Args) error {
	if args.ConfigKey == "" || args.ConfigVal == "" {
		return errors.New("usage: nelson config set KEY VALUE")
	}
	path, err := configFilePath(args)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return err
		}
	}
	if err := cfg.Set(args.ConfigKey, args.ConfigVal); err != nil {
		return err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}
	fmt.Printf("%s %s saved to %s\n", SuccessStyle.Render("[OK]"), args.ConfigKey, path)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func truncateLine(s string, width int) string {
	return model.TruncateDisplay(model.OneLine(s), width)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
