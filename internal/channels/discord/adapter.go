// Package discord implements the Discord surface: gateway session,
// mention-gated server channels, slash commands, and interactive
// button views for dangerous-command approvals.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// chunkLimit is Discord's message size cap.
const chunkLimit = 2000

// approvalTimeout bounds how long a button view stays actionable.
const approvalTimeout = 5 * time.Minute

// slashCommands are registered at connect; each translates to the
// internal command message of the same name.
var slashCommands = []string{"ask", "new", "reset", "model", "personality", "retry", "undo", "status", "sethome", "stop"}

// Config holds the Discord adapter settings.
type Config struct {
	Token                string
	AllowedUsers         []string
	FreeResponseChannels []string
	RequireMention       bool
	CacheDir             string
	Logger               *slog.Logger
}

// Adapter is the Discord surface.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	handler channels.Handler
	chunker *channels.Chunker
	cache   *channels.MediaCache

	// allowedIDs is the user-name entries of the allowlist resolved to
	// numeric IDs at ready time (requires the guild members intent).
	allowedMu  sync.RWMutex
	allowedIDs map[string]bool

	approvalMu sync.Mutex
	approvals  map[string]*pendingApproval
}

type pendingApproval struct {
	userID string
	result chan string
}

// New creates a Discord adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:        cfg,
		logger:     cfg.Logger.With("adapter", "discord"),
		chunker:    channels.NewChunker(chunkLimit),
		cache:      channels.NewMediaCache(cfg.CacheDir + "/discord"),
		allowedIDs: map[string]bool{},
		approvals:  map[string]*pendingApproval{},
	}, nil
}

func (a *Adapter) Platform() models.Platform { return models.PlatformDiscord }

func (a *Adapter) OnMessage(handler channels.Handler) { a.handler = handler }

// Connect opens the gateway session and registers slash commands.
func (a *Adapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers

	session.AddHandler(a.onReady)
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onInteraction)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.session = session

	for _, name := range slashCommands {
		cmd := &discordgo.ApplicationCommand{
			Name:        name,
			Description: "hermes " + name + " command",
		}
		if name == "ask" || name == "model" || name == "personality" {
			cmd.Options = []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "input",
				Description: "argument",
				Required:    name == "ask",
			}}
		}
		if _, err := session.ApplicationCommandCreate(session.State.User.ID, "", cmd); err != nil {
			a.logger.Warn("slash command registration failed", "command", name, "error", err)
		}
	}
	a.logger.Info("connected", "user", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (a *Adapter) Disconnect() {
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
}

// onReady resolves user-name allowlist entries to numeric IDs.
func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	a.allowedMu.Lock()
	defer a.allowedMu.Unlock()
	for _, entry := range a.cfg.AllowedUsers {
		a.allowedIDs[entry] = true
	}
	for _, guild := range r.Guilds {
		members, err := s.GuildMembers(guild.ID, "", 1000)
		if err != nil {
			a.logger.Warn("member resolution failed (needs guild members intent)", "guild", guild.ID, "error", err)
			continue
		}
		for _, member := range members {
			for _, entry := range a.cfg.AllowedUsers {
				if strings.EqualFold(entry, member.User.Username) {
					a.allowedIDs[member.User.ID] = true
				}
			}
		}
	}
}

func (a *Adapter) userAllowed(userID, username string) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	a.allowedMu.RLock()
	defer a.allowedMu.RUnlock()
	if a.allowedIDs[userID] {
		return true
	}
	for _, entry := range a.cfg.AllowedUsers {
		if strings.EqualFold(entry, username) {
			return true
		}
	}
	return false
}

func (a *Adapter) freeResponseChannel(channelID string) bool {
	for _, id := range a.cfg.FreeResponseChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if a.handler == nil || m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if !a.userAllowed(m.Author.ID, m.Author.Username) {
		return
	}

	isDM := m.GuildID == ""
	text := m.Content

	// Server channels are mention-gated unless free-response or the
	// global flag is off.
	if !isDM && a.cfg.RequireMention && !a.freeResponseChannel(m.ChannelID) {
		mentioned := false
		for _, user := range m.Mentions {
			if user.ID == s.State.User.ID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+s.State.User.ID+">", ""))
	}

	event := models.MessageEvent{
		Text:        text,
		MessageType: models.MessageTypeText,
		MessageID:   m.ID,
		Timestamp:   m.Timestamp,
		RawMessage:  m.Message,
		Source: models.Origin{
			Platform: models.PlatformDiscord,
			ChatID:   m.ChannelID,
			UserID:   m.Author.ID,
			UserName: m.Author.Username,
		},
	}
	if isDM {
		event.Source.ChatType = models.ChatDM
	} else {
		event.Source.ChatType = models.ChatChannel
		if channel, err := s.State.Channel(m.ChannelID); err == nil {
			event.Source.ChatName = channel.Name
			if channel.IsThread() {
				event.Source.ChatType = models.ChatThread
				event.Source.ThreadID = channel.ID
				event.Source.ChatID = channel.ParentID
			}
		}
	}
	if m.MessageReference != nil {
		event.ReplyToMessageID = m.MessageReference.MessageID
	}
	if strings.HasPrefix(text, "/") {
		event.MessageType = models.MessageTypeCommand
	}

	for _, attachment := range m.Attachments {
		if path, err := a.cache.Fetch(attachment.URL, "", ""); err == nil {
			event.MediaURLs = append(event.MediaURLs, path)
			event.MediaTypes = append(event.MediaTypes, attachment.ContentType)
			if strings.HasPrefix(attachment.ContentType, "image/") {
				event.MessageType = models.MessageTypePhoto
			} else if strings.HasPrefix(attachment.ContentType, "audio/") {
				event.MessageType = models.MessageTypeAudio
			}
		}
	}

	a.handler(context.Background(), event)
}

// onInteraction handles slash commands and approval buttons.
func (a *Adapter) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		a.onSlashCommand(s, i)
	case discordgo.InteractionMessageComponent:
		a.onButton(s, i)
	}
}

func (a *Adapter) onSlashCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if a.handler == nil {
		return
	}
	user := interactionUser(i)
	if user == nil || !a.userAllowed(user.ID, user.Username) {
		return
	}

	data := i.ApplicationCommandData()
	arg := ""
	if len(data.Options) > 0 {
		arg, _ = data.Options[0].Value.(string)
	}

	text := "/" + data.Name
	if data.Name == "ask" {
		text = arg
	} else if arg != "" {
		text += " " + arg
	}

	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})

	event := models.MessageEvent{
		Text:        text,
		MessageType: models.MessageTypeCommand,
		Timestamp:   time.Now(),
		Source: models.Origin{
			Platform: models.PlatformDiscord,
			ChatID:   i.ChannelID,
			UserID:   user.ID,
			UserName: user.Username,
			ChatType: models.ChatChannel,
		},
	}
	if data.Name == "ask" {
		event.MessageType = models.MessageTypeText
	}
	a.handler(context.Background(), event)
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

// PromptApproval renders the Allow Once / Always Allow / Deny button
// view and blocks for the caller's choice. Any allowlisted user may
// resolve it (any user when no allowlist is configured); the user who
// triggered the command is not recorded or checked. The view resolves
// as deny when the timeout (five minutes by default) elapses.
func (a *Adapter) PromptApproval(ctx context.Context, chatID, command, description string, timeout time.Duration) string {
	if a.session == nil {
		return "deny"
	}
	if timeout <= 0 {
		timeout = approvalTimeout
	}
	approvalID := uuid.NewString()

	pending := &pendingApproval{result: make(chan string, 1)}
	a.approvalMu.Lock()
	a.approvals[approvalID] = pending
	a.approvalMu.Unlock()
	defer func() {
		a.approvalMu.Lock()
		delete(a.approvals, approvalID)
		a.approvalMu.Unlock()
	}()

	content := fmt.Sprintf("⚠️ **Dangerous command detected** (%s):\n```\n%s\n```", description, command)
	_, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: content,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Allow Once", Style: discordgo.PrimaryButton, CustomID: "approve_once:" + approvalID},
				discordgo.Button{Label: "Always Allow", Style: discordgo.SecondaryButton, CustomID: "approve_always:" + approvalID},
				discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: "deny:" + approvalID},
			}},
		},
	})
	if err != nil {
		a.logger.Warn("approval prompt failed", "error", err)
		return "deny"
	}

	select {
	case resolution := <-pending.result:
		return resolution
	case <-time.After(timeout):
		return "deny"
	case <-ctx.Done():
		return "deny"
	}
}

func (a *Adapter) onButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	action, approvalID, ok := strings.Cut(i.MessageComponentData().CustomID, ":")
	if !ok {
		return
	}
	user := interactionUser(i)
	if user == nil || !a.userAllowed(user.ID, user.Username) {
		s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "You are not authorized to resolve this approval.",
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		return
	}

	a.approvalMu.Lock()
	pending, found := a.approvals[approvalID]
	a.approvalMu.Unlock()
	if !found {
		return
	}

	resolution := "deny"
	switch action {
	case "approve_once":
		resolution = "allow_once"
	case "approve_always":
		resolution = "allow_always"
	}
	select {
	case pending.result <- resolution:
	default:
	}

	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    fmt.Sprintf("Resolved: **%s** by %s", resolution, user.Username),
			Components: []discordgo.MessageComponent{},
		},
	})
}

// Send chunks and delivers text at the 2000-character limit.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	if a.session == nil {
		return models.SendResult{Error: "not connected"}
	}
	var lastID string
	for _, chunk := range a.chunker.Chunk(content) {
		msg := &discordgo.MessageSend{Content: chunk}
		if opts != nil && opts.ReplyTo != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: chatID}
		}
		sent, err := a.session.ChannelMessageSendComplex(chatID, msg)
		if err != nil {
			return models.SendResult{Error: err.Error()}
		}
		lastID = sent.ID
	}
	return models.SendResult{Success: true, MessageID: lastID}
}

// SendTyping surfaces the typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) {
	if a.session != nil {
		a.session.ChannelTyping(chatID)
	}
}

// SendImage ships an image by URL.
func (a *Adapter) SendImage(ctx context.Context, chatID, imageURL, caption string, opts *channels.SendOptions) models.SendResult {
	if a.session == nil {
		return models.SendResult{Error: "not connected"}
	}
	content := imageURL
	if caption != "" {
		content = caption + "\n" + imageURL
	}
	sent, err := a.session.ChannelMessageSend(chatID, content)
	if err != nil {
		return models.SendResult{Error: err.Error()}
	}
	return models.SendResult{Success: true, MessageID: sent.ID}
}

// GetChatInfo resolves channel metadata.
func (a *Adapter) GetChatInfo(ctx context.Context, chatID string) (channels.ChatInfo, error) {
	if a.session == nil {
		return channels.ChatInfo{}, fmt.Errorf("not connected")
	}
	channel, err := a.session.Channel(chatID)
	if err != nil {
		return channels.ChatInfo{}, err
	}
	info := channels.ChatInfo{Name: channel.Name, Guild: channel.GuildID, Topic: channel.Topic}
	switch channel.Type {
	case discordgo.ChannelTypeDM:
		info.Type = models.ChatDM
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread:
		info.Type = models.ChatThread
	case discordgo.ChannelTypeGuildForum:
		info.Type = models.ChatForum
	default:
		info.Type = models.ChatChannel
	}
	return info, nil
}
