package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conclave/internal/pkg/text"
)

// maxMessageLen is the bot API's sendMessage limit.
const maxMessageLen = 4096

const sendAttempts = 3

// Telegram pushes operator alerts to a chat or channel through the bot API.
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 15 * time.Second}}
}

// SendText sends one text message, clipped to the API limit. Failed
// deliveries are retried with a growing pause in between.
func (t *Telegram) SendText(msg string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram bot token or chat id missing")
	}
	body, err := json.Marshal(struct {
		ChatID    string `json:"chat_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}{t.ChatID, text.Truncate(msg, maxMessageLen), "Markdown"})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * time.Second)
		}
		if lastErr = t.post(body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (t *Telegram) post(body []byte) error {
	url := "https://api.telegram.org/bot" + t.BotToken + "/sendMessage"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	return nil
}

// SendStructured renders and sends a structured message.
func (t *Telegram) SendStructured(m StructuredMessage) error {
	return t.SendText(m.RenderMarkdown())
}
