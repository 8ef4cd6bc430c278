package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/query"
)

type sent struct {
	kind    string
	id      string
	content string
}

type fakeMessenger struct {
	mu      sync.Mutex
	log     []sent
	next    int
	failAll bool
}

func (f *fakeMessenger) record(kind, id, content string) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("missing permissions")
	}
	if id == "" {
		f.next++
		id = fmt.Sprintf("m%d", f.next)
	}
	f.log = append(f.log, sent{kind: kind, id: id, content: content})
	return &discordgo.Message{ID: id}, nil
}

func (f *fakeMessenger) ChannelMessageSendReply(_, content string, _ *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record("reply", "", content)
}

func (f *fakeMessenger) ChannelMessageSend(_, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record("send", "", content)
}

func (f *fakeMessenger) ChannelMessageEdit(_, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record("edit", messageID, content)
}

type fakeEngine struct {
	resp *query.Response
	err  error
	got  query.Request
}

func (f *fakeEngine) Process(_ context.Context, req query.Request) (*query.Response, error) {
	f.got = req
	req.Status("Fetching wiki data...")
	return f.resp, f.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

func newBot(engine Engine, limiter Limiter) *Bot {
	return &Bot{
		cfg:     Config{Prefixes: []string{"!ask", "!yomi", "!askyomi"}, QueryTimeout: time.Second},
		engine:  engine,
		limiter: limiter,
		log:     zap.NewNop(),
	}
}

func message(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "u1",
		ChannelID: "c1",
		Content:   content,
		Author:    &discordgo.User{ID: "42", Username: "zezima"},
		Member:    &discordgo.Member{Nick: "Zez"},
	}
}

func TestHandleAnswersThroughStatusMessage(t *testing.T) {
	engine := &fakeEngine{resp: &query.Response{ID: "q1", Response: "**Vorkath**\n- Bring antifire"}}
	out := &fakeMessenger{}
	m := message("!askyomi how do I kill vorkath")
	m.Attachments = []*discordgo.MessageAttachment{
		{Filename: "gear.PNG", URL: "https://cdn.discordapp.com/a/gear.PNG"},
		{Filename: "notes.txt", URL: "https://cdn.discordapp.com/a/notes.txt"},
	}
	m.ReferencedMessage = &discordgo.Message{Content: "earlier answer"}

	newBot(engine, nil).handle(context.Background(), out, m)

	assert.Equal(t, "how do I kill vorkath", engine.got.Query)
	assert.Equal(t, []string{"https://cdn.discordapp.com/a/gear.PNG"}, engine.got.ImageURLs)
	assert.Equal(t, "Zez", engine.got.Requester)
	assert.Equal(t, "42", engine.got.UserID)
	assert.Equal(t, "earlier answer", engine.got.RepliedTo)

	assert.Equal(t, []sent{
		{"reply", "m1", processingImagesText},
		{"edit", "m1", "Fetching wiki data..."},
		{"edit", "m1", "**Vorkath**\n- Bring antifire"},
	}, out.log)
}

func TestHandleSplitsLongAnswers(t *testing.T) {
	long := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1500)
	engine := &fakeEngine{resp: &query.Response{Response: long}}
	out := &fakeMessenger{}

	newBot(engine, nil).handle(context.Background(), out, message("!ask q"))

	require.Len(t, out.log, 4)
	assert.Equal(t, strings.Repeat("a", 1500), out.log[2].content)
	assert.Equal(t, sent{"send", "m2", strings.Repeat("b", 1500)}, out.log[3])
}

func TestHandleRendersGatewayExhaustion(t *testing.T) {
	engine := &fakeEngine{err: &llm.AllModelsUnavailableError{RetryAfter: 2 * time.Minute}}
	out := &fakeMessenger{}

	newBot(engine, nil).handle(context.Background(), out, message("!yomi q"))

	last := out.log[len(out.log)-1]
	assert.Equal(t, "edit", last.kind)
	assert.Equal(t, "Sorry, all AI models are currently rate limited. Please try again in 2 minutes.", last.content)
}

func TestHandleIgnoresAndRejects(t *testing.T) {
	engine := &fakeEngine{resp: &query.Response{Response: "x"}}

	out := &fakeMessenger{}
	newBot(engine, nil).handle(context.Background(), out, message("!asking something"))
	newBot(engine, nil).handle(context.Background(), out, message("hello there"))
	assert.Empty(t, out.log)

	newBot(engine, nil).handle(context.Background(), out, message("!ask   "))
	require.Len(t, out.log, 1)
	assert.Equal(t, query.UserMessage(query.ErrEmptyQuery), out.log[0].content)

	out = &fakeMessenger{}
	newBot(engine, denyLimiter{}).handle(context.Background(), out, message("!ask q"))
	require.Len(t, out.log, 1)
	assert.Equal(t, rateLimitedText, out.log[0].content)
}

func TestHandleWithoutStatusMessage(t *testing.T) {
	engine := &fakeEngine{resp: &query.Response{Response: "answer"}}
	out := &fakeMessenger{failAll: true}

	assert.NotPanics(t, func() {
		newBot(engine, nil).handle(context.Background(), out, message("!ask q"))
	})
	assert.Equal(t, "q", engine.got.Query)
}

func TestParseCommand(t *testing.T) {
	prefixes := []string{"!ask", "!yomi", "!askyomi"}
	cases := map[string]struct {
		query string
		ok    bool
	}{
		"!ask best slayer task":   {"best slayer task", true},
		"  !ASK  Vorkath ":        {"Vorkath", true},
		"!askyomi zulrah":         {"zulrah", true},
		"!yomi\nmultiline":        {"multiline", true},
		"!ask":                    {"", true},
		"!asking for a friend":    {"", false},
		"what does !ask do":       {"", false},
		"!askyomizulrah rotation": {"", false},
	}
	for in, want := range cases {
		got, ok := ParseCommand(in, prefixes)
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.query, got, in)
	}
}

func TestSplitMessageProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-cé\n]{0,5000}`).Draw(t, "text")
		limit := rapid.IntRange(10, 2000).Draw(t, "limit")

		chunks := SplitMessage(text, limit)
		for _, c := range chunks {
			if c == "" || utf8.RuneCountInString(c) > limit {
				t.Fatalf("bad chunk of %d chars", utf8.RuneCountInString(c))
			}
		}
		strip := func(s string) string { return strings.ReplaceAll(s, "\n", "") }
		if strip(strings.Join(chunks, "")) != strip(text) {
			t.Fatalf("content lost")
		}
	})
}
