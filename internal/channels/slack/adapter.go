// Package slack implements the Slack surface over Socket Mode using
// the bot + app token pair. Channel messages are mention-gated, the
// /hermes slash command maps subcommands onto the internal command
// set, and private file URLs download with bot-token authentication.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// chunkLimit keeps individual Slack messages comfortably renderable.
const chunkLimit = 4000

// Config holds the Slack adapter settings.
type Config struct {
	BotToken     string
	AppToken     string
	AllowedUsers []string
	CacheDir     string
	Logger       *slog.Logger
}

// Adapter is the Slack surface.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	api     *slack.Client
	socket  *socketmode.Client
	handler channels.Handler
	chunker *channels.Chunker
	cache   *channels.MediaCache
	botID   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Slack adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: both bot and app tokens are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "slack"),
		chunker: channels.NewChunker(chunkLimit),
		cache:   channels.NewMediaCache(filepath.Join(cfg.CacheDir, "slack")),
	}, nil
}

func (a *Adapter) Platform() models.Platform { return models.PlatformSlack }

func (a *Adapter) OnMessage(handler channels.Handler) { a.handler = handler }

// Connect opens the Socket Mode connection and starts the event loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.api = slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botID = auth.UserID
	a.socket = socketmode.New(a.api)

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.socket.RunContext(runCtx)
	go a.eventLoop(runCtx)
	a.logger.Info("connected", "bot_id", a.botID)
	return nil
}

// Disconnect stops the event loop.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Adapter) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				a.handleEventsAPI(ctx, apiEvent)
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				a.handleSlashCommand(ctx, cmd)
			}
		}
	}
}

func (a *Adapter) userAllowed(userID string) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedUsers {
		if allowed == userID {
			return true
		}
	}
	return false
}

func (a *Adapter) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if a.handler == nil {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == a.botID || ev.BotID != "" || !a.userAllowed(ev.User) {
			return
		}
		// Channel messages require a mention; DMs don't.
		isDM := strings.HasPrefix(ev.Channel, "D")
		text := ev.Text
		if !isDM {
			mention := "<@" + a.botID + ">"
			if !strings.Contains(text, mention) {
				return
			}
			text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
		}
		var files []slack.File
		if ev.Message != nil {
			files = ev.Message.Files
		}
		a.emit(ctx, ev.Channel, ev.User, ev.ThreadTimeStamp, ev.TimeStamp, text, isDM, files)

	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.User == a.botID || !a.userAllowed(ev.User) {
			return
		}
		text := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+a.botID+">", ""))
		a.emit(ctx, ev.Channel, ev.User, ev.ThreadTimeStamp, ev.TimeStamp, text, false, nil)
	}
}

func (a *Adapter) emit(ctx context.Context, channel, user, threadTS, ts, text string, isDM bool, files []slack.File) {
	event := models.MessageEvent{
		Text:        text,
		MessageType: models.MessageTypeText,
		MessageID:   ts,
		Timestamp:   time.Now(),
		Source: models.Origin{
			Platform: models.PlatformSlack,
			ChatID:   channel,
			UserID:   user,
			ThreadID: threadTS,
		},
	}
	if isDM {
		event.Source.ChatType = models.ChatDM
	} else if threadTS != "" {
		event.Source.ChatType = models.ChatThread
	} else {
		event.Source.ChatType = models.ChatChannel
	}
	if strings.HasPrefix(text, "/") {
		event.MessageType = models.MessageTypeCommand
	}

	// Private file URLs need the bot token.
	for _, file := range files {
		if file.URLPrivateDownload == "" {
			continue
		}
		path, err := a.cache.Fetch(file.URLPrivateDownload, filepath.Ext(file.Name), "Bearer "+a.cfg.BotToken)
		if err != nil {
			a.logger.Warn("file download failed", "file", file.Name, "error", err)
			continue
		}
		event.MediaURLs = append(event.MediaURLs, path)
		event.MediaTypes = append(event.MediaTypes, file.Mimetype)
		if strings.HasPrefix(file.Mimetype, "image/") {
			event.MessageType = models.MessageTypePhoto
		} else if strings.HasPrefix(file.Mimetype, "audio/") {
			event.MessageType = models.MessageTypeAudio
		}
	}

	a.handler(ctx, event)
}

// handleSlashCommand maps `/hermes <subcommand> [args]` onto the
// internal command set; a bare `/hermes text` is a plain ask.
func (a *Adapter) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	if a.handler == nil || !a.userAllowed(cmd.UserID) {
		return
	}

	text := strings.TrimSpace(cmd.Text)
	sub, rest, _ := strings.Cut(text, " ")
	eventText := text
	messageType := models.MessageTypeText
	switch sub {
	case "new", "reset", "model", "personality", "retry", "undo", "status", "sethome", "stop", "help":
		eventText = "/" + sub
		if rest != "" {
			eventText += " " + rest
		}
		messageType = models.MessageTypeCommand
	}

	a.handler(ctx, models.MessageEvent{
		Text:        eventText,
		MessageType: messageType,
		Timestamp:   time.Now(),
		Source: models.Origin{
			Platform: models.PlatformSlack,
			ChatID:   cmd.ChannelID,
			UserID:   cmd.UserID,
			UserName: cmd.UserName,
			ChatType: models.ChatChannel,
		},
	})
}

// Send chunks and delivers text, threading the reply when requested.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	if a.api == nil {
		return models.SendResult{Error: "not connected"}
	}
	var lastTS string
	for _, chunk := range a.chunker.Chunk(content) {
		msgOpts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if opts != nil && opts.ReplyTo != "" {
			msgOpts = append(msgOpts, slack.MsgOptionTS(opts.ReplyTo))
		}
		_, ts, err := a.api.PostMessageContext(ctx, chatID, msgOpts...)
		if err != nil {
			return models.SendResult{Error: err.Error()}
		}
		lastTS = ts
	}
	return models.SendResult{Success: true, MessageID: lastTS}
}

// SendTyping is a no-op: Slack has no first-class bot typing API, and
// this adapter sends no typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) {}

// SendImage ships an image by URL in a block.
func (a *Adapter) SendImage(ctx context.Context, chatID, imageURL, caption string, opts *channels.SendOptions) models.SendResult {
	if a.api == nil {
		return models.SendResult{Error: "not connected"}
	}
	block := slack.NewImageBlock(imageURL, caption, "", nil)
	_, ts, err := a.api.PostMessageContext(ctx, chatID, slack.MsgOptionBlocks(block))
	if err != nil {
		return models.SendResult{Error: err.Error()}
	}
	return models.SendResult{Success: true, MessageID: ts}
}

// GetChatInfo resolves conversation metadata.
func (a *Adapter) GetChatInfo(ctx context.Context, chatID string) (channels.ChatInfo, error) {
	if a.api == nil {
		return channels.ChatInfo{}, fmt.Errorf("not connected")
	}
	info, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: chatID})
	if err != nil {
		return channels.ChatInfo{}, err
	}
	out := channels.ChatInfo{Name: info.Name, Topic: info.Topic.Value}
	switch {
	case info.IsIM:
		out.Type = models.ChatDM
	case info.IsGroup || info.IsPrivate:
		out.Type = models.ChatGroup
	default:
		out.Type = models.ChatChannel
	}
	return out, nil
}
