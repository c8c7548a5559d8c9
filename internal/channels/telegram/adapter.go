// Package telegram implements the Telegram surface over long polling.
// Media attachments are downloaded to the local cache before the event
// reaches the gateway (CDN URLs expire), static stickers are described
// once via the vision callback and cached by content id, and outbound
// messages chunk at the platform's 4096-character limit with a
// Markdown-then-plain fallback.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// chunkLimit is Telegram's hard message size.
const chunkLimit = 4096

// Config holds the Telegram adapter settings.
type Config struct {
	Token        string
	AllowedUsers []string
	CacheDir     string
	Logger       *slog.Logger

	// DescribeImage is the optional vision callback used for static
	// sticker descriptions; nil disables description.
	DescribeImage func(ctx context.Context, path string) (string, error)
}

// Adapter is the Telegram surface.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	bot     *bot.Bot
	handler channels.Handler
	chunker *channels.Chunker
	cache   *channels.MediaCache

	stickerMu    sync.Mutex
	stickerDescs map[string]string
	stickerPath  string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Telegram adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:          cfg,
		logger:       cfg.Logger.With("adapter", "telegram"),
		chunker:      channels.NewChunker(chunkLimit),
		cache:        channels.NewMediaCache(filepath.Join(cfg.CacheDir, "telegram")),
		stickerDescs: map[string]string{},
		stickerPath:  filepath.Join(cfg.CacheDir, ".sticker_cache.json"),
	}
	a.loadStickerCache()
	return a, nil
}

func (a *Adapter) Platform() models.Platform { return models.PlatformTelegram }

func (a *Adapter) OnMessage(handler channels.Handler) { a.handler = handler }

// Connect builds the bot client and starts long polling.
func (a *Adapter) Connect(ctx context.Context) error {
	b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go b.Start(runCtx)
	a.logger.Info("connected")
	return nil
}

// Disconnect stops long polling.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || a.handler == nil {
		return
	}
	if !a.userAllowed(msg.From) {
		return
	}

	event := models.MessageEvent{
		Text:        msg.Text,
		MessageType: models.MessageTypeText,
		MessageID:   strconv.Itoa(msg.ID),
		Timestamp:   time.Unix(int64(msg.Date), 0),
		RawMessage:  msg,
		Source:      a.originFor(msg),
	}
	if msg.ReplyToMessage != nil {
		event.ReplyToMessageID = strconv.Itoa(msg.ReplyToMessage.ID)
	}
	if strings.HasPrefix(msg.Text, "/") {
		event.MessageType = models.MessageTypeCommand
	}

	a.attachMedia(ctx, b, msg, &event)
	a.handler(ctx, event)
}

func (a *Adapter) originFor(msg *tgmodels.Message) models.Origin {
	origin := models.Origin{
		Platform: models.PlatformTelegram,
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		ChatName: msg.Chat.Title,
	}
	switch msg.Chat.Type {
	case "private":
		origin.ChatType = models.ChatDM
		origin.ChatName = strings.TrimSpace(msg.Chat.FirstName + " " + msg.Chat.LastName)
	case "group", "supergroup":
		origin.ChatType = models.ChatGroup
	case "channel":
		origin.ChatType = models.ChatChannel
	}
	if msg.From != nil {
		origin.UserID = strconv.FormatInt(msg.From.ID, 10)
		origin.UserName = msg.From.Username
	}
	if msg.MessageThreadID != 0 {
		origin.ThreadID = strconv.Itoa(msg.MessageThreadID)
		origin.ChatType = models.ChatForum
	}
	return origin
}

func (a *Adapter) userAllowed(user *tgmodels.User) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	if user == nil {
		return false
	}
	id := strconv.FormatInt(user.ID, 10)
	for _, allowed := range a.cfg.AllowedUsers {
		if allowed == id || strings.EqualFold(allowed, user.Username) {
			return true
		}
	}
	return false
}

// attachMedia downloads photos, voice, and audio into the local cache
// and rewrites the event to point at local paths. Stickers become
// text: a cached vision description for static ones, an emoji
// placeholder for animated ones.
func (a *Adapter) attachMedia(ctx context.Context, b *bot.Bot, msg *tgmodels.Message, event *models.MessageEvent) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		if path, err := a.downloadFile(ctx, b, largest.FileID, ".jpg"); err == nil {
			event.MessageType = models.MessageTypePhoto
			event.MediaURLs = append(event.MediaURLs, path)
			event.MediaTypes = append(event.MediaTypes, "image/jpeg")
		} else {
			a.logger.Warn("photo download failed", "error", err)
		}
		if event.Text == "" {
			event.Text = msg.Caption
		}

	case msg.Voice != nil:
		if path, err := a.downloadFile(ctx, b, msg.Voice.FileID, ".ogg"); err == nil {
			event.MessageType = models.MessageTypeVoice
			event.MediaURLs = append(event.MediaURLs, path)
			event.MediaTypes = append(event.MediaTypes, "audio/ogg")
		} else {
			a.logger.Warn("voice download failed", "error", err)
		}

	case msg.Audio != nil:
		if path, err := a.downloadFile(ctx, b, msg.Audio.FileID, ".mp3"); err == nil {
			event.MessageType = models.MessageTypeAudio
			event.MediaURLs = append(event.MediaURLs, path)
			event.MediaTypes = append(event.MediaTypes, "audio/mpeg")
		} else {
			a.logger.Warn("audio download failed", "error", err)
		}

	case msg.Document != nil:
		event.MessageType = models.MessageTypeDocument
		if event.Text == "" {
			event.Text = msg.Caption
		}

	case msg.Sticker != nil:
		event.MessageType = models.MessageTypeSticker
		event.Text = a.describeSticker(ctx, b, msg.Sticker)
	}
}

func (a *Adapter) downloadFile(ctx context.Context, b *bot.Bot, fileID, ext string) (string, error) {
	file, err := b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	return a.cache.Fetch(url, ext, "")
}

// describeSticker returns a text stand-in for a sticker: animated ones
// get an emoji placeholder, static ones a vision description cached by
// the sticker's content id.
func (a *Adapter) describeSticker(ctx context.Context, b *bot.Bot, sticker *tgmodels.Sticker) string {
	if sticker.IsAnimated || sticker.IsVideo {
		return fmt.Sprintf("[animated sticker: %s]", sticker.Emoji)
	}

	a.stickerMu.Lock()
	cached, ok := a.stickerDescs[sticker.FileUniqueID]
	a.stickerMu.Unlock()
	if ok {
		return fmt.Sprintf("[sticker: %s]", cached)
	}

	desc := sticker.Emoji
	if a.cfg.DescribeImage != nil {
		if path, err := a.downloadFile(ctx, b, sticker.FileID, ".webp"); err == nil {
			if text, err := a.cfg.DescribeImage(ctx, path); err == nil && text != "" {
				desc = text
			}
		}
	}

	a.stickerMu.Lock()
	a.stickerDescs[sticker.FileUniqueID] = desc
	a.stickerMu.Unlock()
	a.saveStickerCache()
	return fmt.Sprintf("[sticker: %s]", desc)
}

func (a *Adapter) loadStickerCache() {
	data, err := os.ReadFile(a.stickerPath)
	if err != nil {
		return
	}
	json.Unmarshal(data, &a.stickerDescs)
}

func (a *Adapter) saveStickerCache() {
	a.stickerMu.Lock()
	data, err := json.MarshalIndent(a.stickerDescs, "", "  ")
	a.stickerMu.Unlock()
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(a.stickerPath), 0o755)
	os.WriteFile(a.stickerPath, data, 0o644)
}

// Send chunks and delivers text, trying Markdown first and falling
// back to plain text on parse errors.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	if a.bot == nil {
		return models.SendResult{Error: "not connected"}
	}
	var lastID string
	for _, chunk := range a.chunker.Chunk(content) {
		params := &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: tgmodels.ParseModeMarkdown,
		}
		if opts != nil && opts.ReplyTo != "" {
			if replyID, err := strconv.Atoi(opts.ReplyTo); err == nil {
				params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyID}
			}
		}
		sent, err := a.bot.SendMessage(ctx, params)
		if err != nil {
			// Markdown parse failures retry as plain text.
			params.ParseMode = ""
			sent, err = a.bot.SendMessage(ctx, params)
			if err != nil {
				return models.SendResult{Error: err.Error()}
			}
		}
		lastID = strconv.Itoa(sent.ID)
	}
	return models.SendResult{Success: true, MessageID: lastID}
}

// SendTyping surfaces the typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) {
	if a.bot == nil {
		return
	}
	a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
}

// SendImage ships an image by URL with an optional caption.
func (a *Adapter) SendImage(ctx context.Context, chatID, imageURL, caption string, opts *channels.SendOptions) models.SendResult {
	if a.bot == nil {
		return models.SendResult{Error: "not connected"}
	}
	sent, err := a.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &tgmodels.InputFileString{Data: imageURL},
		Caption: caption,
	})
	if err != nil {
		return models.SendResult{Error: err.Error()}
	}
	return models.SendResult{Success: true, MessageID: strconv.Itoa(sent.ID)}
}

// SendVoice ships a local audio file as a voice note.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *channels.SendOptions) models.SendResult {
	if a.bot == nil {
		return models.SendResult{Error: "not connected"}
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return models.SendResult{Error: err.Error()}
	}
	defer f.Close()
	sent, err := a.bot.SendVoice(ctx, &bot.SendVoiceParams{
		ChatID:  chatID,
		Voice:   &tgmodels.InputFileUpload{Filename: filepath.Base(audioPath), Data: f},
		Caption: caption,
	})
	if err != nil {
		return models.SendResult{Error: err.Error()}
	}
	return models.SendResult{Success: true, MessageID: strconv.Itoa(sent.ID)}
}

// GetChatInfo resolves chat metadata.
func (a *Adapter) GetChatInfo(ctx context.Context, chatID string) (channels.ChatInfo, error) {
	if a.bot == nil {
		return channels.ChatInfo{}, fmt.Errorf("not connected")
	}
	chat, err := a.bot.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		return channels.ChatInfo{}, err
	}
	info := channels.ChatInfo{Name: chat.Title}
	switch chat.Type {
	case "private":
		info.Type = models.ChatDM
		info.Name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	case "group", "supergroup":
		info.Type = models.ChatGroup
	case "channel":
		info.Type = models.ChatChannel
	}
	return info, nil
}
