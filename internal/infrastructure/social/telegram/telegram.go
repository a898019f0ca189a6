package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/platform"
)

var limits = platform.Limits{MaxChars: 4096, MaxHashtags: 5, LinkInText: true}

// Config overrides the Bot API endpoint, mainly for tests.
type Config struct {
	APIEndpoint string
}

// Adapter posts to a channel or chat through a bot. The credential secret is
// the bot token and the account id is the target chat.
type Adapter struct {
	endpoint string
	http     *http.Client

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

var (
	_ platform.Adapter           = (*Adapter)(nil)
	_ platform.PasswordConnector = (*Adapter)(nil)
)

func New(cfg Config, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Adapter{endpoint: endpoint, http: httpClient, bots: map[string]*tgbotapi.BotAPI{}}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformTelegram
}

func (a *Adapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, limits)
}

// Connect validates the bot token and records the chat it will post to.
// Bot tokens never expire.
func (a *Adapter) Connect(ctx context.Context, chat, token string) (domain.Credential, domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, domain.Account{}, err
	}
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return domain.Credential{}, domain.Account{}, errors.New("chat identifier is required")
	}
	bot, err := a.bot(token)
	if err != nil {
		return domain.Credential{}, domain.Account{}, err
	}
	cred := domain.Credential{
		Kind:    domain.CredentialBotToken,
		Subject: bot.Self.UserName,
		Secret:  token,
	}
	return cred, domain.Account{ID: chat, Handle: chat}, nil
}

// Publish sends the post as a plain text message.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, chat string, payload domain.Payload) (domain.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PublishResult{}, err
	}
	bot, err := a.bot(cred.Secret)
	if err != nil {
		return domain.PublishResult{}, err
	}

	var msg tgbotapi.MessageConfig
	if id, convErr := strconv.ParseInt(chat, 10, 64); convErr == nil {
		msg = tgbotapi.NewMessage(id, payload.Text)
	} else {
		msg = tgbotapi.NewMessageToChannel(chat, payload.Text)
	}

	sent, err := bot.Send(msg)
	if err != nil {
		return domain.PublishResult{}, publishError(err)
	}
	return domain.PublishResult{
		ExternalID: strconv.Itoa(sent.MessageID),
		URL:        MessageURL(chat, sent.MessageID),
	}, nil
}

func (a *Adapter) bot(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, &domain.PublishError{Platform: domain.PlatformTelegram, StatusCode: http.StatusUnauthorized, Message: "bot token is empty"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint, a.http)
	if err != nil {
		return nil, publishError(err)
	}
	a.bots[token] = bot
	return bot, nil
}

func publishError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &domain.PublishError{Platform: domain.PlatformTelegram, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return &domain.PublishError{Platform: domain.PlatformTelegram, Err: fmt.Errorf("bot api: %w", err)}
}

// MessageURL links to a message in a public channel or a supergroup. Plain
// group chats have no public link.
func MessageURL(chat string, messageID int) string {
	if name, ok := strings.CutPrefix(chat, "@"); ok {
		return fmt.Sprintf("https://t.me/%s/%d", name, messageID)
	}
	if internal, ok := strings.CutPrefix(chat, "-100"); ok {
		return fmt.Sprintf("https://t.me/c/%s/%d", internal, messageID)
	}
	return ""
}
