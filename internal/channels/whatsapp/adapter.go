// Package whatsapp implements the WhatsApp surface over whatsmeow's
// multi-device client. First link renders the pairing QR to the
// operator's terminal; the device session persists in a sqlite store
// under the cache directory.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// chunkLimit keeps WhatsApp messages readable; the protocol tolerates
// much longer bodies but clients render poorly past this.
const chunkLimit = 4096

// Config holds the WhatsApp adapter settings.
type Config struct {
	CacheDir string
	Logger   *slog.Logger
}

// Adapter is the WhatsApp surface.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	client  *whatsmeow.Client
	handler channels.Handler
	chunker *channels.Chunker

	mu        sync.Mutex
	connected bool
}

// New creates a WhatsApp adapter.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger.With("adapter", "whatsapp"),
		chunker: channels.NewChunker(chunkLimit),
	}
}

func (a *Adapter) Platform() models.Platform { return models.PlatformWhatsApp }

func (a *Adapter) OnMessage(handler channels.Handler) { a.handler = handler }

// Connect opens (or pairs) the multi-device session.
func (a *Adapter) Connect(ctx context.Context) error {
	dir := filepath.Join(a.cfg.CacheDir, "whatsapp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("whatsapp: create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "session.db")

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(a.handleEvent)
	a.client = client

	if client.Store.ID == nil {
		// Fresh link: surface the pairing QR on the operator terminal.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					if qr, err := qrcode.New(evt.Code, qrcode.Medium); err == nil {
						fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
					}
					a.logger.Info("scan the QR code above with WhatsApp to link")
				} else {
					a.logger.Info("pairing", "event", evt.Event)
				}
			}
		}()
	} else {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info("connected")
	return nil
}

// Disconnect closes the client.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil && a.connected {
		a.client.Disconnect()
		a.connected = false
	}
}

func (a *Adapter) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok || a.handler == nil || msg.Info.IsFromMe {
		return
	}

	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	origin := models.Origin{
		Platform: models.PlatformWhatsApp,
		ChatID:   msg.Info.Chat.String(),
		UserID:   msg.Info.Sender.User,
		UserName: msg.Info.PushName,
		ChatType: models.ChatDM,
	}
	if msg.Info.IsGroup {
		origin.ChatType = models.ChatGroup
	}

	messageType := models.MessageTypeText
	if strings.HasPrefix(text, "/") {
		messageType = models.MessageTypeCommand
	}

	a.handler(context.Background(), models.MessageEvent{
		Text:        text,
		MessageType: messageType,
		MessageID:   msg.Info.ID,
		Timestamp:   msg.Info.Timestamp,
		Source:      origin,
		RawMessage:  msg,
	})
}

// Send chunks and delivers text.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	if a.client == nil {
		return models.SendResult{Error: "not connected"}
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return models.SendResult{Error: fmt.Sprintf("bad chat id: %v", err)}
	}
	var lastID string
	for _, chunk := range a.chunker.Chunk(content) {
		resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(chunk),
		})
		if err != nil {
			return models.SendResult{Error: err.Error()}
		}
		lastID = resp.ID
	}
	return models.SendResult{Success: true, MessageID: lastID}
}

// SendTyping surfaces the composing presence for a few seconds.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) {
	if a.client == nil {
		return
	}
	if jid, err := types.ParseJID(chatID); err == nil {
		a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
		time.AfterFunc(5*time.Second, func() {
			a.client.SendChatPresence(context.Background(), jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
		})
	}
}
