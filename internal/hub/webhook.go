package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sheetsync/internal/command"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each entry as JSON to URL.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		URL:     url,
		Secret:  secret,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Send(entry command.ChangeLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sheetsync-Datasheet", entry.DatasheetID)
	req.Header.Set("X-Sheetsync-Revision", strconv.FormatInt(entry.Revision, 10))
	req.Header.Set("X-Sheetsync-Delivery", uuid.NewString())
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Sheetsync-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
