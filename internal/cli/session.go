// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session.go - Config loading and client lifecycle shared by commands.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jeranaias/nelson-client/internal/app"
	"github.com/jeranaias/nelson-client/internal/config"
	"github.com/jeranaias/nelson-client/internal/engine"
	"github.com/jeranaias/nelson-client/internal/model"
)

// shutdownTimeout bounds the final settings flush on exit.
const shutdownTimeout = 5 * time.Second

// =============================================================================
// CONFIG
// =============================================================================

// loadConfig loads configuration and applies command-line overrides.
// A broken config file falls back to defaults with a warning.
func loadConfig(args Args) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if args.ConfigPath != "" {
		if cfg, err = config.LoadFromPath(args.ConfigPath); err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.Load()
		if cfg == nil {
			return nil, err
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v (using defaults)\n", WarningStyle.Render("[Config]"), err)
		}
	}

	if args.Verbose {
		cfg.UI.Verbose = true
	}
	if args.Offline {
		cfg.Connectivity.ForceOffline = true
	}
	if args.Mode != "" {
		mode, err := model.ParseMode(args.Mode)
		if err != nil {
			return nil, err
		}
		cfg.UI.DefaultMode = string(mode)
	}

	config.SetGlobal(cfg)
	return cfg, nil
}

// =============================================================================
// CLIENT SESSION
// =============================================================================

// clientSession is a configured client whose background loops run until
// Close.
type clientSession struct {
	cfg *config.Config
	app *app.App

	cancel context.CancelFunc
	done   chan error
}

// openClient builds the client without starting background loops.
func openClient(args Args, serve bool) (*app.App, error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, err
	}
	if serve && args.Addr != "" {
		cfg.Server.Addr = args.Addr
	}
	return app.New(cfg, app.Options{ForceOffline: args.Offline, Serve: serve})
}

// startSession builds the client and starts its background loops.
func startSession(args Args, serve bool) (*clientSession, error) {
	a, err := openClient(args, serve)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &clientSession{cfg: a.Config, app: a, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- a.Run(ctx) }()
	return s, nil
}

// Err returns the background error if the loops stopped on their own.
func (s *clientSession) Err() error {
	select {
	case err := <-s.done:
		s.done <- err
		return err
	default:
		return nil
	}
}

// Close stops the background loops, flushes pending settings and releases
// resources.
func (s *clientSession) Close() error {
	s.cancel()
	if err := <-s.done; err != nil {
		s.app.Logger.Printf("[app] background loop stopped: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.app.Close(ctx)
}

// closeClient releases a client opened without background loops.
func closeClient(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Close(ctx)
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes answer text to out as message.updated events arrive
// for the reply being awaited. With live off, nothing is written until the
// caller renders the final message.
type streamPrinter struct {
	out  io.Writer
	live bool

	mu      sync.Mutex
	convID  string
	replyID string
	printed int
}

func newStreamPrinter(out io.Writer, live bool) *streamPrinter {
	return &streamPrinter{out: out, live: live}
}

// arm starts tracking the next assistant message in conversation convID.
func (p *streamPrinter) arm(convID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convID, p.replyID, p.printed = convID, "", 0
}

// disarm stops tracking and returns how many bytes of content were written.
func (p *streamPrinter) disarm() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.printed
	p.convID, p.replyID, p.printed = "", "", 0
	return n
}

// ReplyID is the assistant message being tracked, if one has appeared.
func (p *streamPrinter) ReplyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replyID
}

// Handle is an engine subscriber.
func (p *streamPrinter) Handle(ev engine.Event) {
	if ev.Kind != engine.EventMessageUpdated || ev.Message == nil || ev.Message.Role != model.RoleAssistant {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.convID == "" || ev.ConversationID != p.convID {
		return
	}
	if p.replyID == "" {
		if ev.Message.Status.IsTerminal() {
			return
		}
		p.replyID = ev.Message.ID
	}
	if ev.Message.ID != p.replyID || !p.live {
		return
	}
	// Content only grows while streaming
	content := ev.Message.Content
	if len(content) > p.printed {
		fmt.Fprint(p.out, content[p.printed:])
		p.printed = len(content)
	}
}

// finishAnswer writes whatever the stream did not: the remaining content,
// or the full rendered answer in markdown mode, followed by citations and
// any failure.
func finishAnswer(out io.Writer, msg *model.Message, printed int, markdown bool) {
	if markdown {
		fmt.Fprint(out, RenderAnswer(msg, true))
		return
	}
	if printed < len(msg.Content) {
		fmt.Fprint(out, msg.Content[printed:])
	}
	if msg.Content != "" {
		fmt.Fprintln(out)
	}
	tail := msg.Clone()
	tail.Content = ""
	fmt.Fprint(out, RenderAnswer(tail, false))
}
