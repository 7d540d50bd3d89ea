// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/nelson-client/internal/app"
	"github.com/jeranaias/nelson-client/internal/config"
	"github.com/jeranaias/nelson-client/internal/engine"
	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
)

func TestMain(m *testing.M) {
	ForceColorsEnabled(false)
	lipgloss.SetColorProfile(GetColorProfile())
	os.Exit(m.Run())
}

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		wantCmd  Command
		validate func(*testing.T, Args)
	}{
		{
			name:    "no args starts chat",
			argv:    nil,
			wantCmd: CmdChat,
		},
		{
			name:    "ask joins words",
			argv:    []string{"ask", "croup", "treatment"},
			wantCmd: CmdAsk,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "croup treatment", a.Query)
			},
		},
		{
			name:    "bare text is a question",
			argv:    []string{"what", "is", "kawasaki", "disease"},
			wantCmd: CmdAsk,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "what is kawasaki disease", a.Query)
			},
		},
		{
			name:    "queue defaults to list",
			argv:    []string{"queue"},
			wantCmd: CmdQueue,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "list", a.Subcommand)
			},
		},
		{
			name:    "queue clear",
			argv:    []string{"queue", "CLEAR"},
			wantCmd: CmdQueue,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "clear", a.Subcommand)
			},
		},
		{
			name:    "sync signal",
			argv:    []string{"sync", "--signal"},
			wantCmd: CmdSync,
			validate: func(t *testing.T, a Args) {
				assert.True(t, a.Signal)
			},
		},
		{
			name:    "serve with addr",
			argv:    []string{"serve", "--addr", "127.0.0.1:9000"},
			wantCmd: CmdServe,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "127.0.0.1:9000", a.Addr)
			},
		},
		{
			name:    "config defaults to show",
			argv:    []string{"config"},
			wantCmd: CmdConfig,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "show", a.Subcommand)
			},
		},
		{
			name:    "config set",
			argv:    []string{"config", "set", "remote.url", "https://abc.supabase.co"},
			wantCmd: CmdConfig,
			validate: func(t *testing.T, a Args) {
				assert.Equal(t, "set", a.Subcommand)
				assert.Equal(t, "remote.url", a.ConfigKey)
				assert.Equal(t, "https://abc.supabase.co", a.ConfigVal)
			},
		},
		{
			name:    "global flags anywhere",
			argv:    []string{"--offline", "ask", "--mode=clinical", "-v", "--json", "--config", "/tmp/n.toml", "fever"},
			wantCmd: CmdAsk,
			validate: func(t *testing.T, a Args) {
				assert.True(t, a.Offline)
				assert.True(t, a.Verbose)
				assert.True(t, a.JSON)
				assert.Equal(t, "clinical", a.Mode)
				assert.Equal(t, "/tmp/n.toml", a.ConfigPath)
				assert.Equal(t, "fever", a.Query)
			},
		},
		{
			name:    "status alias",
			argv:    []string{"s"},
			wantCmd: CmdStatus,
		},
		{
			name:    "version flag",
			argv:    []string{"--version"},
			wantCmd: CmdVersion,
		},
		{
			name:    "help",
			argv:    []string{"help"},
			wantCmd: CmdHelp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args := ParseArgs(tt.argv)
			assert.Equal(t, tt.wantCmd, cmd)
			if tt.validate != nil {
				tt.validate(t, args)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "ask", CmdAsk.String())
	assert.Equal(t, "queue", CmdQueue.String())
	assert.Equal(t, "help", CmdHelp.String())
}

// =============================================================================
// ARG PARSER TESTS
// =============================================================================

func TestArgParser(t *testing.T) {
	p := NewArgParser([]string{"set", "--addr", "127.0.0.1:1", "--limit=5", "--json", "key", "-3"})

	assert.Equal(t, "set", p.Subcommand())
	assert.Equal(t, "127.0.0.1:1", p.Flag("addr"))
	assert.Equal(t, "5", p.Flag("--limit"))
	assert.True(t, p.BoolFlag("json"))
	assert.True(t, p.HasFlag("addr"))
	assert.False(t, p.HasFlag("missing"))
	assert.Equal(t, "key", p.Positional(1))
	assert.Equal(t, "-3", p.Positional(2))
	assert.Equal(t, 3, p.PositionalCount())
	assert.Equal(t, "", p.Positional(9))
	assert.Equal(t, "fallback", p.FlagOrDefault("nope", "fallback"))
}

func TestArgParser_BoolFlagDoesNotConsumeValue(t *testing.T) {
	p := NewArgParser([]string{"--signal", "now"})
	assert.True(t, p.BoolFlag("signal"))
	assert.Equal(t, "now", p.Subcommand())
}

func TestArgParser_ExplicitBool(t *testing.T) {
	p := NewArgParser([]string{"--json=false"})
	assert.False(t, p.BoolFlag("json"))
	assert.True(t, p.HasFlag("json"))
}

func TestParseBoolString(t *testing.T) {
	for _, s := range []string{"true", "YES", "y", "1", "on"} {
		v, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "No", "n", "0", "off"} {
		v, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := ParseBoolString("maybe")
	assert.Error(t, err)
}

// =============================================================================
// RENDER TESTS
// =============================================================================

func TestRenderCitations(t *testing.T) {
	assert.Empty(t, RenderCitations(nil, 80))

	page := 412
	out := RenderCitations([]model.Citation{
		{ChapterTitle: "Croup", SectionTitle: "Treatment", PageNumber: &page, Similarity: 0.91},
		{ChapterTitle: "Bronchiolitis", Similarity: 0.5},
	}, 80)

	assert.Contains(t, out, "Sources")
	assert.Contains(t, out, "1. Croup > Treatment, p. 412 (91%)")
	assert.Contains(t, out, "2. Bronchiolitis (50%)")
}

func TestRenderCitations_Wraps(t *testing.T) {
	long := strings.Repeat("word ", 30)
	out := RenderCitations([]model.Citation{{ChapterTitle: long, Similarity: 1}}, 40)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		assert.LessOrEqual(t, len(strings.TrimRight(line, " ")), 40, line)
	}
}

func TestRenderAnswer_Failed(t *testing.T) {
	msg := model.NewAssistantMessage()
	msg.AppendToken("partial")
	msg.MarkFailed("timed out")

	out := RenderAnswer(msg, false)
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "[Failed]")
	assert.Contains(t, out, "timed out")
}

func TestRenderConversationList(t *testing.T) {
	assert.Contains(t, RenderConversationList(nil, ""), "No conversations")

	a := model.NewConversation("u", model.ModeAcademic)
	a.AddUserMessage("Febrile seizure workup")
	b := model.NewConversation("u", model.ModeClinical)
	b.Pinned = true
	b.SyncStatus = model.SyncSynced

	out := RenderConversationList([]*model.Conversation{a, b}, b.ID)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], " "), "inactive row unmarked")
	assert.Contains(t, lines[0], "Febrile seizure workup")
	assert.Contains(t, lines[0], "[PENDING]")
	assert.True(t, strings.HasPrefix(lines[1], "*"), "active row marked")
	assert.Contains(t, lines[1], "^ "+model.DefaultTitle)
	assert.Contains(t, lines[1], "clinical")
}

func TestRenderQueue(t *testing.T) {
	assert.Contains(t, RenderQueue(nil), "Queue is empty")

	send, _ := json.Marshal(queue.SendMessagePayload{ConversationID: "c1", MessageID: "m1", Content: "dose of ibuprofen"})
	del, _ := json.Marshal(queue.DeleteConversationPayload{ConversationID: "0123456789abcdef"})
	out := RenderQueue([]queue.Action{
		{ID: 1, Kind: queue.KindSendMessage, Payload: send},
		{ID: 2, Kind: queue.KindDeleteConversation, Payload: del, RetryCount: 2},
		{ID: 3, Kind: queue.KindSendMessage, Payload: []byte(`{}`)},
	})

	assert.Contains(t, out, `"dose of ibuprofen"`)
	assert.Contains(t, out, "conversation 01234567")
	assert.Contains(t, out, "(retried 2)")
	assert.Contains(t, out, "(unreadable payload)")
}

func TestJSONResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONResponse("status", map[string]int{"queue_length": 2}).Write(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "status", decoded["command"])
	assert.Nil(t, decoded["error"])

	buf.Reset()
	require.NoError(t, NewJSONErrorResponse("sync", ErrOffline).Write(&buf))
	assert.Contains(t, buf.String(), ErrOffline.Error())
}

// =============================================================================
// STREAM PRINTER TESTS
// =============================================================================

func streamingEvent(convID string, msg *model.Message) engine.Event {
	return engine.Event{Kind: engine.EventMessageUpdated, ConversationID: convID, Message: msg.Clone()}
}

func TestStreamPrinter_PrintsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, true)
	p.arm("c1")

	reply := model.NewAssistantMessage()
	for _, tok := range []string{"Dexa", "methasone ", "0.6 mg/kg"} {
		reply.AppendToken(tok)
		p.Handle(streamingEvent("c1", reply))
	}
	// Other conversations are ignored
	other := model.NewAssistantMessage()
	other.AppendToken("noise")
	p.Handle(streamingEvent("c2", other))

	assert.Equal(t, reply.ID, p.ReplyID())
	assert.Equal(t, "Dexamethasone 0.6 mg/kg", buf.String())
	assert.Equal(t, len("Dexamethasone 0.6 mg/kg"), p.disarm())
}

func TestStreamPrinter_IgnoresTerminalBeforeReply(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, true)
	p.arm("c1")

	old := model.NewAssistantMessage()
	old.AppendToken("old answer")
	old.MarkSent()
	p.Handle(streamingEvent("c1", old))

	assert.Empty(t, p.ReplyID())
	assert.Empty(t, buf.String())
}

func TestStreamPrinter_NotLive(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, false)
	p.arm("c1")

	reply := model.NewAssistantMessage()
	reply.AppendToken("hidden")
	p.Handle(streamingEvent("c1", reply))

	assert.Equal(t, reply.ID, p.ReplyID())
	assert.Empty(t, buf.String())
}

func TestFinishAnswer_PrintsRemainder(t *testing.T) {
	msg := model.NewAssistantMessage()
	msg.AppendToken("Hello world")
	page := 3
	msg.SetCitations([]model.Citation{{ChapterTitle: "Intro", PageNumber: &page, Similarity: 0.8}})
	msg.MarkSent()

	var buf bytes.Buffer
	finishAnswer(&buf, msg.Clone(), len("Hello"), false)
	assert.True(t, strings.HasPrefix(buf.String(), " world\n"))
	assert.Contains(t, buf.String(), "Intro, p. 3 (80%)")
}

// =============================================================================
// CHAT SESSION TESTS
// =============================================================================

// chatBackend streams "Answer: <question>" for every chat request.
func chatBackend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/functions/v1/nelson-chat":
			var req struct {
				Message string `json:"message"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.Header().Set("Content-Type", "text/event-stream")
			first, _ := json.Marshal(map[string]string{"content": "Answer: "})
			second, _ := json.Marshal(map[string]any{
				"content":   req.Message,
				"citations": []map[string]any{{"chapter_title": "Airway", "similarity": 0.7}},
			})
			fmt.Fprintf(w, "data: %s\n\ndata: %s\n\ndata: [DONE]\n\n", first, second)
		case r.Method == http.MethodGet:
			io.WriteString(w, "[]")
		default:
			w.WriteHeader(http.StatusCreated)
		}
	})
}

func testApp(t *testing.T, remoteURL string) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Remote.URL = remoteURL
	cfg.Auth.UserID = "user-1"
	cfg.Connectivity.ProbeIntervalSecs = 0
	cfg.Sync.RatePerSecond = 100
	cfg.Sync.SettingsDebounceMs = 10

	a, err := app.New(cfg, app.Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func newTestSession(t *testing.T, remoteURL string) (*ChatSession, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	s := NewChatSession(testApp(t, remoteURL), &buf, false)
	t.Cleanup(s.Subscribe())
	return s, &buf
}

func TestChat_OfflineQuestionIsQueued(t *testing.T) {
	s, out := newTestSession(t, "")

	require.NoError(t, s.processMessage("neonatal jaundice thresholds"))

	assert.Contains(t, out.String(), "[Queued]")
	n, err := s.app.Queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out.Reset()
	more, err := s.handleSlashCommand("/queue")
	require.NoError(t, err)
	assert.True(t, more)
	assert.Contains(t, out.String(), "neonatal jaundice thresholds")
}

func TestChat_OnlineAnswerStreams(t *testing.T) {
	srv := httptest.NewServer(chatBackend())
	defer srv.Close()
	s, out := newTestSession(t, srv.URL)
	require.True(t, s.app.Monitor.IsOnline())

	require.NoError(t, s.processMessage("stridor"))

	assert.Contains(t, out.String(), "Answer: stridor")
	assert.Equal(t, 1, strings.Count(out.String(), "Answer: stridor"), "streamed text is not repeated")
	assert.Contains(t, out.String(), "Airway (70%)")
	assert.NotContains(t, out.String(), "[Sync]", "live answer is not reported as a queued reply")

	conv := s.app.Engine.Active()
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.StatusSent, conv.Messages[1].Status)
}

func TestChat_NewAndModeCommands(t *testing.T) {
	s, out := newTestSession(t, "")

	_, err := s.handleSlashCommand("/new clinical")
	require.NoError(t, err)
	assert.Equal(t, model.ModeClinical, s.app.Engine.Active().Mode)

	_, err = s.handleSlashCommand("/mode academic")
	require.NoError(t, err)
	assert.Equal(t, model.ModeAcademic, s.app.Engine.Active().Mode)

	require.NoError(t, s.processMessage("question"))
	_, err = s.handleSlashCommand("/mode clinical")
	assert.ErrorIs(t, err, model.ErrModeLocked)

	out.Reset()
	_, err = s.handleSlashCommand("/mode")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "academic")

	_, err = s.handleSlashCommand("/new pediatric")
	assert.ErrorIs(t, err, model.ErrInvalidMode)
}

func TestChat_ListOpenDelete(t *testing.T) {
	s, out := newTestSession(t, "")
	eng := s.app.Engine

	first := eng.StartConversation(model.ModeAcademic)
	require.NoError(t, s.processMessage("first question"))
	second := eng.StartConversation(model.ModeAcademic)

	out.Reset()
	_, err := s.handleSlashCommand("/list")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "first question")

	// Newest first: #2 is the older conversation
	out.Reset()
	_, err = s.handleSlashCommand("/open 2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, eng.ActiveID())
	assert.Contains(t, out.String(), "first question")

	_, err = s.handleSlashCommand("/open " + second.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, second.ID, eng.ActiveID())

	_, err = s.handleSlashCommand("/open 9")
	assert.ErrorIs(t, err, model.ErrConversationNotFound)

	_, err = s.handleSlashCommand("/delete " + first.ID)
	require.NoError(t, err)
	_, err = eng.Conversation(first.ID)
	assert.ErrorIs(t, err, model.ErrConversationNotFound)
}

func TestChat_Settings(t *testing.T) {
	s, out := newTestSession(t, "")

	_, err := s.handleSlashCommand("/settings font_size large")
	require.NoError(t, err)
	assert.Equal(t, "large", s.app.Engine.Settings().FontSize)

	out.Reset()
	_, err = s.handleSlashCommand("/settings")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "large")

	_, err = s.handleSlashCommand("/settings font_size huge")
	assert.ErrorIs(t, err, model.ErrInvalidSetting)

	_, err = s.handleSlashCommand("/settings theme")
	assert.Error(t, err)
}

func TestChat_ConnectivityCommands(t *testing.T) {
	s, out := newTestSession(t, "")

	_, err := s.handleSlashCommand("/online")
	assert.Error(t, err, "no remote configured")

	_, err = s.handleSlashCommand("/sync")
	assert.Error(t, err, "offline")

	_, err = s.handleSlashCommand("/offline")
	require.NoError(t, err)
	assert.True(t, s.app.Monitor.Forced())

	out.Reset()
	_, err = s.handleSlashCommand("/status")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "offline (forced)")
}

func TestChat_RetryWithoutFailure(t *testing.T) {
	s, _ := newTestSession(t, "")
	_, err := s.handleSlashCommand("/retry")
	assert.Error(t, err)
}

func TestChat_UnknownAndQuit(t *testing.T) {
	s, _ := newTestSession(t, "")

	more, err := s.handleSlashCommand("/bogus")
	assert.True(t, more)
	assert.Error(t, err)

	more, err = s.handleSlashCommand("/quit")
	assert.False(t, more)
	assert.NoError(t, err)
}

func TestChat_SyncFailedNotice(t *testing.T) {
	s, out := newTestSession(t, "")
	s.app.Engine.PublishSyncFailed(7, string(queue.KindSendMessage), 3, assert.AnError)
	assert.Contains(t, out.String(), "Gave up on queued send_message after 3 attempts")
}

// =============================================================================
// CONFIG COMMAND TESTS
// =============================================================================

func TestSetConfigValue(t *testing.T) {
	t.Setenv("NELSON_API_URL", "")
	path := filepath.Join(t.TempDir(), "config.toml")

	err := setConfigValue(Args{ConfigPath: path, ConfigKey: "remote.url", ConfigVal: "https://abc.supabase.co/"})
	require.NoError(t, err)
	err = setConfigValue(Args{ConfigPath: path, ConfigKey: "sync.poll_interval_secs", ConfigVal: "9"})
	require.NoError(t, err)

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co", cfg.Remote.URL)
	assert.Equal(t, 9, cfg.Sync.PollIntervalSecs)

	err = setConfigValue(Args{ConfigPath: path, ConfigKey: "remote.nope", ConfigVal: "x"})
	assert.Error(t, err)

	err = setConfigValue(Args{ConfigPath: path, ConfigKey: "remote.url"})
	assert.Error(t, err)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Cleanup(config.ResetGlobalForTesting)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveTOML(config.Default(), path))

	cfg, err := loadConfig(Args{ConfigPath: path, Offline: true, Verbose: true, Mode: "Clinical"})
	require.NoError(t, err)
	assert.True(t, cfg.Connectivity.ForceOffline)
	assert.True(t, cfg.UI.Verbose)
	assert.Equal(t, model.ModeClinical, cfg.Mode())

	_, err = loadConfig(Args{ConfigPath: path, Mode: "surgical"})
	assert.ErrorIs(t, err, model.ErrInvalidMode)
}
