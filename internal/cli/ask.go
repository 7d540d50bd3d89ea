// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Command: ask "question"
// Short:   Ask a single question and print the cited answer
//
// Examples:
//   nelson ask "first-line treatment for croup"
//   nelson --mode clinical ask "dosing of amoxicillin in AOM"
//   nelson ask --json "signs of intussusception"
//   echo "febrile infant workup" | nelson ask
//
// Offline, the question is queued and sent by the next running client.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeranaias/nelson-client/internal/model"
)

// AskResult is the ask command's JSON payload.
type AskResult struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Status         model.Status     `json:"status"`
	Queued         bool             `json:"queued"`
	Content        string           `json:"content,omitempty"`
	Citations      []model.Citation `json:"citations,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ErrNoQuery is returned when ask has nothing to send.
var ErrNoQuery = errors.New("no question given")

// HandleAsk sends one question in a new conversation.
func HandleAsk(args Args) error {
	query := args.Query
	if query == "" && !IsTTY() {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		query = strings.TrimSpace(string(data))
	}
	if query == "" {
		return fmt.Errorf("%w: usage: nelson ask \"question\"", ErrNoQuery)
	}

	a, err := openClient(args, false)
	if err != nil {
		return err
	}
	defer closeClient(a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Prober.Probe(ctx)

	markdown := !args.JSON && useMarkdown(a.Config.UI.Markdown)
	printer := newStreamPrinter(os.Stdout, !args.JSON && !markdown)
	unsub := a.Engine.Subscribe(printer.Handle)
	defer unsub()

	conv := a.Engine.StartConversation(a.Config.Mode())
	printer.arm(conv.ID)
	msg, err := a.Engine.SendMessage(ctx, query)
	printed := printer.disarm()
	if err != nil {
		return err
	}

	result := AskResult{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Status:         msg.Status,
		Queued:         msg.Role == model.RoleUser && msg.Status == model.StatusPending,
		Content:        msg.Content,
		Citations:      msg.Citations,
		Error:          msg.Error,
	}
	if msg.Role == model.RoleUser {
		// Offline: no answer
		result.Content = ""
	}

	if args.JSON {
		return NewJSONResponse(CmdAsk.String(), result).Print()
	}

	switch {
	case result.Queued:
		fmt.Fprintf(os.Stderr, "%s Offline. Your question is queued and will be sent when the connection returns.\n",
			WarningStyle.Render("[Queued]"))
		return nil
	case msg.Role == model.RoleUser:
		return fmt.Errorf("question not sent: %s", msg.Error)
	}

	finishAnswer(os.Stdout, msg, printed, markdown)
	if msg.Status == model.StatusFailed {
		return fmt.Errorf("answer failed: %s", msg.Error)
	}
	return nil
}
