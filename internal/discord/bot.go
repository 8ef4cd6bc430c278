// Package discord is the chat command surface: it turns prefixed messages
// into pipeline requests and keeps one status reply updated as stages run.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/internal/query"
	"github.com/yomibot/backend/pkg/logger"
)

const (
	processingText       = "Processing your request, this may take a moment..."
	processingImagesText = "Processing your image(s) and request, this may take a moment..."
)

const rateLimitedText = "You're asking questions too quickly. Please wait a moment and try again."

type Engine interface {
	Process(ctx context.Context, req query.Request) (*query.Response, error)
}

// Limiter is satisfied by ratelimit.RateLimiter.
type Limiter interface {
	Allow(key string) bool
}

// Messenger is the part of *discordgo.Session the bot writes through.
type Messenger interface {
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Config struct {
	Token        string
	Prefixes     []string
	Agentic      bool
	QueryTimeout time.Duration
}

type Bot struct {
	cfg     Config
	engine  Engine
	limiter Limiter
	session *discordgo.Session
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares a gateway session; nothing connects until Start. limiter may
// be nil.
func New(cfg Config, engine Engine, limiter Limiter) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = []string{"!askyomi", "!yomi", "!ask"}
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Minute
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		cfg:     cfg,
		engine:  engine,
		limiter: limiter,
		session: session,
		log:     logger.Named("discord"),
		ctx:     ctx,
		cancel:  cancel,
	}

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.Info("Discord session ready",
			zap.String("user", r.User.Username),
			zap.Int("guilds", len(r.Guilds)),
		)
	})
	session.AddHandler(b.onMessage)

	return b, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.log.Info("Discord bot started", zap.Strings("prefixes", b.cfg.Prefixes))
	return nil
}

// Close cancels in-flight queries, waits for their handlers and disconnects.
func (b *Bot) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.session.Close()
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	b.wg.Add(1)
	defer b.wg.Done()
	b.handle(b.ctx, s, m.Message)
}

// handle runs one command end to end. Messages without a known prefix are
// ignored.
func (b *Bot) handle(ctx context.Context, out Messenger, m *discordgo.Message) {
	text, ok := ParseCommand(m.Content, b.cfg.Prefixes)
	if !ok {
		return
	}
	images := ImageURLs(m.Attachments)
	log := b.log.With(zap.String("channel", m.ChannelID), zap.String("message", m.ID))

	if b.limiter != nil && m.Author != nil && !b.limiter.Allow("discord:"+m.Author.ID) {
		b.reply(log, out, m, rateLimitedText)
		metrics.DiscordMessages.WithLabelValues("rate_limited").Inc()
		return
	}

	if text == "" && len(images) == 0 {
		b.reply(log, out, m, query.UserMessage(query.ErrEmptyQuery))
		metrics.DiscordMessages.WithLabelValues("rejected").Inc()
		return
	}

	initial := processingText
	if len(images) > 0 {
		initial = processingImagesText
	}
	statusMsg := b.reply(log, out, m, initial)
	status := func(s string) {
		if statusMsg == nil {
			return
		}
		if _, err := out.ChannelMessageEdit(m.ChannelID, statusMsg.ID, s); err != nil {
			log.Debug("Failed to edit status message", zap.Error(err))
		}
	}

	req := query.Request{
		Query:     text,
		ImageURLs: images,
		Requester: requesterName(m),
		Agentic:   b.cfg.Agentic,
		Status:    status,
	}
	if m.Author != nil {
		req.UserID = m.Author.ID
	}
	if m.ReferencedMessage != nil {
		req.RepliedTo = m.ReferencedMessage.Content
	}

	qctx, cancel := context.WithTimeout(ctx, b.cfg.QueryTimeout)
	defer cancel()

	resp, err := b.engine.Process(qctx, req)
	if err != nil {
		outcome := "error"
		if llm.IsExhausted(err) {
			outcome = "exhausted"
		}
		log.Warn("Query failed", zap.String("outcome", outcome), zap.Error(err))
		b.deliver(log, out, m, statusMsg, []string{query.UserMessage(err)})
		metrics.DiscordMessages.WithLabelValues(outcome).Inc()
		return
	}

	b.deliver(log, out, m, statusMsg, SplitMessage(resp.Response, MaxMessageLength))
	metrics.DiscordMessages.WithLabelValues("answered").Inc()
	log.Info("Answer delivered", zap.String("query_id", resp.ID), zap.Int("length", len(resp.Response)))
}

func (b *Bot) reply(log *zap.Logger, out Messenger, m *discordgo.Message, content string) *discordgo.Message {
	msg, err := out.ChannelMessageSendReply(m.ChannelID, content, m.Reference())
	if err != nil {
		log.Warn("Failed to send reply", zap.Error(err))
		return nil
	}
	return msg
}

// deliver puts the first chunk into the status message (or a fresh reply if
// there is none) and sends the rest as follow-ups.
func (b *Bot) deliver(log *zap.Logger, out Messenger, m *discordgo.Message, statusMsg *discordgo.Message, chunks []string) {
	if len(chunks) == 0 {
		chunks = []string{query.UserMessage(errors.New("empty answer"))}
	}

	first := chunks[0]
	if statusMsg != nil {
		if _, err := out.ChannelMessageEdit(m.ChannelID, statusMsg.ID, first); err != nil {
			log.Warn("Failed to edit status message, replying instead", zap.Error(err))
			b.reply(log, out, m, first)
		}
	} else {
		b.reply(log, out, m, first)
	}

	for _, chunk := range chunks[1:] {
		if _, err := out.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			log.Warn("Failed to send follow-up message", zap.Error(err))
			return
		}
	}
}
