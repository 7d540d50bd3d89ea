// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// CLI: Comprehensive help and examples for all commands
// USABILITY: Markdown rendering and history for better CLI experience
//
// Command: chat (default)
// Short:   Start an interactive chat session
//
// Examples:
//   nelson                        Start chatting
//   nelson --mode clinical chat   New conversations use clinical mode
//   nelson --offline              Queue everything until /online
//
// Interactive Commands (during chat):
//   /new [mode]          Start a new conversation
//   /mode [mode]         Show or change the conversation mode
//   /list, /l            List conversations
//   /open N|ID           Switch to a conversation
//   /delete [N|ID]       Delete a conversation (active by default)
//   /retry               Re-send the last failed message
//   /history             Show the active conversation
//   /queue               Show queued offline actions
//   /sync                Flush the offline queue
//   /offline, /online    Toggle forced offline mode
//   /settings [k v]      Show or change user settings
//   /status              Show connectivity and queue state
//   /help, /h            Show available commands
//   /quit, /q            Exit chat
//   Ctrl+C               Cancel current answer
//   Ctrl+D               Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"

	"github.com/jeranaias/nelson-client/internal/app"
	"github.com/jeranaias/nelson-client/internal/engine"
	"github.com/jeranaias/nelson-client/internal/model"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
// USABILITY: Supports arrow keys for history navigation and line editing.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor backed by historyFile.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history (0600) and restores the terminal.
func (c *ChatCLI) Close() {
	// SECURITY: questions may contain patient details
	if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the state for an interactive chat session.
type ChatSession struct {
	app      *app.App
	out      io.Writer
	markdown bool
	printer  *streamPrinter

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the answer in flight
}

// NewChatSession wires a session to a running client. Output goes to out.
func NewChatSession(a *app.App, out io.Writer, markdown bool) *ChatSession {
	return &ChatSession{
		app:      a,
		out:      out,
		markdown: markdown,
		printer:  newStreamPrinter(out, !markdown),
	}
}

// Subscribe attaches the session to engine events and returns the
// unsubscribe func.
func (s *ChatSession) Subscribe() func() {
	return s.app.Engine.Subscribe(func(ev engine.Event) {
		s.printer.Handle(ev)
		s.notify(ev)
	})
}

// notify prints background notices: connectivity changes, dropped sync
// actions, and answers to queued questions.
func (s *ChatSession) notify(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnectivity:
		if ev.Online == nil {
			return
		}
		if *ev.Online {
			fmt.Fprintf(s.out, "\n%s Connection restored\n", RenderStatus("online"))
		} else {
			fmt.Fprintf(s.out, "\n%s Questions will be queued\n", RenderStatus("offline"))
		}
	case engine.EventSyncFailed:
		fmt.Fprintf(s.out, "\n%s Gave up on queued %s after %d attempts: %s\n",
			ErrorStyle.Render("[Sync]"), ev.Action, ev.Attempts, ev.Error)
	case engine.EventMessageUpdated:
		msg := ev.Message
		if msg == nil || msg.Role != model.RoleAssistant || msg.Status != model.StatusSent {
			return
		}
		if msg.ID == s.printer.ReplyID() {
			return
		}
		if conv, err := s.app.Engine.Conversation(ev.ConversationID); err == nil {
			fmt.Fprintf(s.out, "\n%s Answer received for queued question in %q (/open to read)\n",
				InfoStyle.Render("[Sync]"), conv.Title)
		}
	}
}

// =============================================================================
// MAIN LOOP
// =============================================================================

// HandleChat runs the interactive REPL.
func HandleChat(args Args) error {
	client, err := startSession(args, false)
	if err != nil {
		return err
	}
	defer client.Close()

	a := client.app
	session := NewChatSession(a, os.Stdout, useMarkdown(a.Config.UI.Markdown))
	defer session.Subscribe()()

	input := NewChatCLI(a.Paths.History)
	defer input.Close()

	printWelcome(session)

	// First Ctrl+C cancels the answer in flight
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if session.cancelCurrent() {
				fmt.Fprintln(os.Stderr, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		line, err := input.ReadInput(promptFor(a))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D, or a closed stdin
			fmt.Println()
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return nil
		}

		if strings.HasPrefix(line, "/") {
			more, err := session.handleSlashCommand(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !more {
				return nil
			}
			continue
		}

		if err := session.processMessage(line); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		if err := client.Err(); err != nil {
			return fmt.Errorf("background sync stopped: %w", err)
		}
	}
}

// promptFor renders "nelson> " with an offline badge when needed.
func promptFor(a *app.App) string {
	prompt := "nelson> "
	if badge := a.Monitor.StatusBadge(); badge != "" {
		prompt = badge + " " + prompt
	}
	return PromptStyle.Render(prompt)
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// answerContext returns a context the signal handler can cancel.
func (s *ChatSession) answerContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}
}

// cancelCurrent cancels the answer in flight, if any.
func (s *ChatSession) cancelCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// processMessage sends input in the active conversation and prints the
// answer as it streams.
func (s *ChatSession) processMessage(input string) error {
	return s.send(func(ctx context.Context) (*model.Message, error) {
		return s.app.Engine.SendMessage(ctx, input)
	})
}

// send runs one send (or retry) with streaming output.
func (s *ChatSession) send(fn func(ctx context.Context) (*model.Message, error)) error {
	eng := s.app.Engine
	if eng.Active() == nil {
		eng.StartConversation("")
	}

	ctx, done := s.answerContext()
	defer done()

	s.printer.arm(eng.ActiveID())
	fmt.Fprintln(s.out)
	msg, err := fn(ctx)
	printed := s.printer.disarm()
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	if msg.Role == model.RoleUser {
		if msg.Status == model.StatusFailed {
			return fmt.Errorf("question not saved: %s", msg.Error)
		}
		fmt.Fprintf(s.out, "%s Offline. Your question is queued and will be sent when the connection returns.\n\n",
			WarningStyle.Render("[Queued]"))
		return nil
	}

	finishAnswer(s.out, msg, printed, s.markdown)
	fmt.Fprintln(s.out)
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (shouldContinue, error) where shouldContinue=false means exit.
func (s *ChatSession) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]
	eng := s.app.Engine

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp(s.out)

	case "/quit", "/q", "/exit":
		return false, nil

	case "/new", "/n":
		var mode model.Mode
		if len(args) > 0 {
			m, err := model.ParseMode(args[0])
			if err != nil {
				return true, err
			}
			mode = m
		}
		conv := eng.StartConversation(mode)
		fmt.Fprintf(s.out, "%s New %s conversation\n", SuccessStyle.Render("[OK]"), conv.Mode)

	case "/mode", "/m":
		if len(args) == 0 {
			mode := s.app.Config.Mode()
			if conv := eng.Active(); conv != nil {
				mode = conv.Mode
			}
			fmt.Fprintf(s.out, "%s %s\n", InfoStyle.Render("[Mode]"), mode)
			return true, nil
		}
		if err := eng.SetMode(model.Mode(args[0])); err != nil {
			if errors.Is(err, model.ErrModeLocked) {
				return true, fmt.Errorf("%w (use /new %s)", err, args[0])
			}
			return true, err
		}
		fmt.Fprintf(s.out, "%s Mode set to %s\n", SuccessStyle.Render("[OK]"), strings.ToLower(args[0]))

	case "/list", "/l":
		fmt.Fprint(s.out, RenderConversationList(eng.Conversations(), eng.ActiveID()))

	case "/open", "/o":
		if len(args) == 0 {
			return true, errors.New("usage: /open N|ID")
		}
		id, err := s.resolveConversation(args[0])
		if err != nil {
			return true, err
		}
		if err := eng.SetActive(id); err != nil {
			return true, err
		}
		if s.app.Monitor.IsOnline() {
			ctx, done := s.answerContext()
			if err := eng.LoadConversationMessages(ctx, id); err != nil {
				fmt.Fprintf(s.out, "%s showing local copy: %v\n", WarningStyle.Render("[Sync]"), err)
			}
			done()
		}
		return true, s.printActive()

	case "/history":
		return true, s.printActive()

	case "/delete", "/d":
		id := eng.ActiveID()
		if len(args) > 0 {
			var err error
			if id, err = s.resolveConversation(args[0]); err != nil {
				return true, err
			}
		}
		if id == "" {
			return true, errors.New("no active conversation")
		}
		ctx, done := s.answerContext()
		err := eng.DeleteConversation(ctx, id)
		done()
		if err != nil {
			return true, err
		}
		fmt.Fprintf(s.out, "%s Conversation deleted\n", SuccessStyle.Render("[OK]"))

	case "/retry", "/r":
		id := lastFailedMessage(eng.Active())
		if len(args) > 0 {
			id = args[0]
		}
		if id == "" {
			return true, errors.New("nothing to retry")
		}
		return true, s.send(func(ctx context.Context) (*model.Message, error) {
			return eng.RetryMessage(ctx, id)
		})

	case "/queue":
		actions, err := s.app.Queue.List(context.Background())
		if err != nil {
			return true, err
		}
		fmt.Fprint(s.out, RenderQueue(actions))

	case "/sync":
		if !s.app.Monitor.IsOnline() {
			return true, errors.New("offline; queued actions are sent when the connection returns")
		}
		n, err := s.app.Queue.Len(context.Background())
		if err != nil {
			return true, err
		}
		s.app.Flusher.Trigger()
		fmt.Fprintf(s.out, "%s Flushing %d queued action(s)\n", InfoStyle.Render("[Sync]"), n)

	case "/offline":
		s.app.Monitor.SetForcedOffline(true)
		fmt.Fprintf(s.out, "%s Working offline\n", RenderStatus("offline"))

	case "/online":
		if !s.app.Remote.IsConfigured() {
			return true, errors.New("no remote configured (set remote.url)")
		}
		s.app.Monitor.SetForcedOffline(false)
		if s.app.Prober.Probe(context.Background()) {
			fmt.Fprintf(s.out, "%s Connected\n", RenderStatus("online"))
		} else {
			fmt.Fprintf(s.out, "%s Service unreachable; will keep trying\n", RenderStatus("offline"))
		}

	case "/settings":
		return true, s.handleSettings(args)

	case "/status", "/s":
		status, err := collectStatus(context.Background(), s.app)
		if err != nil {
			return true, err
		}
		printStatus(s.out, status)

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// handleSettings shows settings or applies "key value".
func (s *ChatSession) handleSettings(args []string) error {
	eng := s.app.Engine
	if len(args) == 0 {
		st := eng.Settings()
		rows := [][2]string{
			{"theme", st.Theme},
			{"font_size", st.FontSize},
			{"ai_style", st.AIStyle},
			{"show_disclaimers", strconv.FormatBool(st.ShowDisclaimers)},
			{"notifications", strconv.FormatBool(st.Notifications)},
			{"share_analytics", strconv.FormatBool(st.ShareAnalytics)},
		}
		for _, r := range rows {
			fmt.Fprintf(s.out, "  %s %s\n", RenderLabel(r[0]), ValueStyle.Render(r[1]))
		}
		return nil
	}
	if len(args) < 2 {
		return errors.New("usage: /settings KEY VALUE")
	}
	patch, err := model.ParseSettingsPatch(strings.ToLower(args[0]), strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if _, err := eng.UpdateSettings(patch); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s updated\n", SuccessStyle.Render("[OK]"), args[0])
	return nil
}

// resolveConversation accepts a 1-based list position or an id (or unique
// id prefix).
func (s *ChatSession) resolveConversation(ref string) (string, error) {
	convs := s.app.Engine.Conversations()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(convs) {
			return "", fmt.Errorf("%w: no conversation #%d", model.ErrConversationNotFound, n)
		}
		return convs[n-1].ID, nil
	}
	var match string
	for _, conv := range convs {
		if conv.ID == ref {
			return conv.ID, nil
		}
		if strings.HasPrefix(conv.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("ambiguous conversation id %q", ref)
			}
			match = conv.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", model.ErrConversationNotFound, ref)
	}
	return match, nil
}

// printActive prints the active conversation's transcript.
func (s *ChatSession) printActive() error {
	conv := s.app.Engine.Active()
	if conv == nil {
		return errors.New("no active conversation")
	}
	fmt.Fprint(s.out, RenderTranscript(conv, s.markdown))
	return nil
}

// lastFailedMessage returns the most recent failed message id, or "".
func lastFailedMessage(conv *model.Conversation) string {
	if conv == nil {
		return ""
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Status == model.StatusFailed {
			return conv.Messages[i].ID
		}
	}
	return ""
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

// printWelcome prints the welcome banner.
func printWelcome(s *ChatSession) {
	a := s.app
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, TitleStyle.Render("Nelson pediatric knowledge chat"))
	fmt.Fprintln(s.out, RenderSeparator(32))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Mode:", 12), a.Config.Mode())
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Connection:", 12), a.Monitor.String())
	if n, err := a.Queue.Len(context.Background()); err == nil && n > 0 {
		fmt.Fprintf(s.out, "%s %d queued action(s)\n", RenderLabel("Queue:", 12), n)
	}
	if convs := a.Engine.Conversations(); len(convs) > 0 {
		fmt.Fprintf(s.out, "%s %d saved (/list)\n", RenderLabel("History:", 12), len(convs))
	}
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, DimStyle.Render("Type your question and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(s.out)
}

// printHelp prints available commands.
func printHelp(out io.Writer) {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/new [mode]", "Start a new conversation"},
		{"/mode [mode]", "Show or change mode (academic, clinical)"},
		{"/list", "List conversations"},
		{"/open N|ID", "Switch to a conversation"},
		{"/delete [N|ID]", "Delete a conversation"},
		{"/retry", "Re-send the last failed message"},
		{"/history", "Show the active conversation"},
		{"/queue", "Show queued offline actions"},
		{"/sync", "Flush the offline queue"},
		{"/offline, /online", "Toggle forced offline mode"},
		{"/settings [k v]", "Show or change user settings"},
		{"/status", "Show connectivity and queue state"},
		{"/quit", "Exit chat"},
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, SectionStyle.Render("Available Commands"))
	for _, c := range commands {
		fmt.Fprintf(out, "  %s  %s\n", HighlightCommand(fmt.Sprintf("%-18s", c.cmd)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, DimStyle.Render("Tip: Ctrl+C cancels the current answer, Ctrl+D exits"))
	fmt.Fprintln(out)
}

// HighlightCommand renders a command name.
func HighlightCommand(s string) string {
	return SuccessStyle.UnsetBold().Render(s)
}
