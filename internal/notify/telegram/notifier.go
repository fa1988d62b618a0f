// Package telegram posts queue activity to a Telegram chat: one-off
// notices, and a single status message that is edited in place as the
// aggregator snapshot changes.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultAPIBase = "https://api.telegram.org/bot"

// Settings contains the bot credentials and target chat.
type Settings struct {
	BotToken string
	ChatID   string
	Silent   bool
	APIBase  string // override for tests
}

// Notifier talks to the Telegram bot API.
type Notifier struct {
	settings   Settings
	apiBase    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	statusID int64 // message id of the live status message, 0 when none
}

// New creates a notifier. A nil httpClient gets a 10 s default.
func New(settings Settings, httpClient *http.Client, logger zerolog.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	apiBase := settings.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Notifier{
		settings:   settings,
		apiBase:    apiBase,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "telegram").Logger(),
	}
}

// Enabled reports whether credentials are configured.
func (n *Notifier) Enabled() bool {
	return n.settings.BotToken != "" && n.settings.ChatID != ""
}

// Send posts a one-off notice.
func (n *Notifier) Send(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	_, err := n.call(ctx, "sendMessage", map[string]any{
		"chat_id":    n.settings.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	return err
}

// Present implements the queue presenter contract. The first snapshot
// creates the status message; later ones edit it in place. An empty
// snapshot retires the message so the next one starts fresh.
func (n *Notifier) Present(text string) {
	if !n.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	if text == "" {
		n.statusID = 0
		return
	}

	body := "<b>Downloads</b>\n<pre>" + html.EscapeString(text) + "</pre>"

	if n.statusID != 0 {
		_, err := n.call(ctx, "editMessageText", map[string]any{
			"chat_id":    n.settings.ChatID,
			"message_id": n.statusID,
			"text":       body,
			"parse_mode": "HTML",
		})
		if err == nil {
			return
		}
		// The message may have been deleted by the user; post a new one.
		n.logger.Debug().Err(err).Msg("Status edit failed, reposting")
		n.statusID = 0
	}

	id, err := n.call(ctx, "sendMessage", map[string]any{
		"chat_id":    n.settings.ChatID,
		"text":       body,
		"parse_mode": "HTML",
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to post status message")
		return
	}
	n.statusID = id
}

// call performs one bot API method and returns the resulting message id.
func (n *Notifier) call(ctx context.Context, method string, payload map[string]any) (int64, error) {
	if n.settings.Silent {
		payload["disable_notification"] = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := n.apiBase + n.settings.BotToken + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.OK {
		if result.Description != "" {
			return 0, fmt.Errorf("telegram error: %s", result.Description)
		}
		return 0, fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return result.Result.MessageID, nil
}
