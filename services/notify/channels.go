package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"intgmgr/pkg/bus"
	"intgmgr/pkg/telemetry"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Channel delivers rendered messages to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second, Transport: telemetry.Transport(nil)}
}

func post(ctx context.Context, client *http.Client, target, contentType string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Webhook posts a JSON document with the title, message and event fields.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(struct {
		Title     string `json:"title"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Event
	}{
		Title:     msg.Title,
		Message:   msg.Body,
		Timestamp: msg.Event.At.UTC().Format(time.RFC3339),
		Event:     msg.Event,
	})
	if err != nil {
		return err
	}
	return post(ctx, clientOr(w.Client), w.URL, "application/json", body, w.Headers)
}

// HomeAssistant calls a notify service through the Home Assistant REST API.
type HomeAssistant struct {
	URL   string
	Token string
	// Service defaults to "notify".
	Service string
	Client  *http.Client
}

func (h *HomeAssistant) Name() string { return "home_assistant" }

func (h *HomeAssistant) Send(ctx context.Context, msg Message) error {
	service := h.Service
	if service == "" {
		service = "notify"
	}
	body, err := json.Marshal(map[string]any{
		"title":   msg.Title,
		"message": msg.Body,
		"data":    map[string]any{"kind": msg.Event.Kind, "integration_id": msg.Event.IntegrationID},
	})
	if err != nil {
		return err
	}
	target := strings.TrimRight(h.URL, "/") + "/api/services/notify/" + url.PathEscape(service)
	return post(ctx, clientOr(h.Client), target, "application/json", body, map[string]string{
		"Authorization": "Bearer " + h.Token,
	})
}

// Ntfy publishes to an ntfy topic.
type Ntfy struct {
	Server string
	Topic  string
	Token  string
	Client *http.Client
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	headers := map[string]string{
		"Title":    msg.Title,
		"Priority": strconv.Itoa(msg.Event.Priority()),
		"Tags":     string(msg.Event.Kind),
	}
	if n.Token != "" {
		headers["Authorization"] = "Bearer " + n.Token
	}
	target := strings.TrimRight(n.Server, "/") + "/" + url.PathEscape(n.Topic)
	return post(ctx, clientOr(n.Client), target, "text/plain; charset=utf-8", []byte(msg.Body), headers)
}

// Discord posts an embed to a Discord webhook.
type Discord struct {
	WebhookURL string
	Client     *http.Client
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, msg Message) error {
	color := 0x3498db
	switch msg.Event.Priority() {
	case 5:
		color = 0xe74c3c
	case 4:
		color = 0xf39c12
	}
	body, err := json.Marshal(map[string]any{
		"content": fmt.Sprintf("**%s**\n%s", msg.Title, msg.Body),
		"embeds": []map[string]any{{
			"title":       msg.Title,
			"description": msg.Body,
			"color":       color,
			"footer":      map[string]string{"text": "Integration Manager"},
		}},
	})
	if err != nil {
		return err
	}
	return post(ctx, clientOr(d.Client), d.WebhookURL, "application/json", body, nil)
}

// Pushover sends through the Pushover message API.
type Pushover struct {
	AppToken string
	UserKey  string
	// APIURL overrides the Pushover endpoint.
	APIURL string
	Client *http.Client
}

func (p *Pushover) Name() string { return "pushover" }

func (p *Pushover) Send(ctx context.Context, msg Message) error {
	target := p.APIURL
	if target == "" {
		target = defaultPushoverURL
	}
	// pushover priorities run from -2 to 2
	form := url.Values{
		"token":    {p.AppToken},
		"user":     {p.UserKey},
		"title":    {msg.Title},
		"message":  {msg.Body},
		"priority": {strconv.Itoa(min(msg.Event.Priority()-3, 1))},
	}
	return post(ctx, clientOr(p.Client), target, "application/x-www-form-urlencoded", []byte(form.Encode()), nil)
}

// Publisher is the event bus surface used by BusChannel.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusChannel publishes raw events on intgmgr.events.<kind>.
type BusChannel struct {
	Bus Publisher
}

func (b *BusChannel) Name() string { return "nats" }

func (b *BusChannel) Send(ctx context.Context, msg Message) error {
	if b.Bus == nil {
		return errors.New("bus is required")
	}
	return b.Bus.Publish(ctx, bus.EventSubject(string(msg.Event.Kind)), msg.Event)
}

func clientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient()
}
