package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// webhookTimeout bounds one delivery attempt. Deliveries are fire-and-forget:
// failures are logged and never retried, and never affect task state.
const webhookTimeout = 10 * time.Second

// privateCIDRs are the address ranges webhook deliveries must never reach.
var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid cidr %s: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// WebhookPayload is the JSON body POSTed to a task's webhook URL.
type WebhookPayload struct {
	TaskID          string          `json:"taskId"`
	State           string          `json:"state"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
}

// WebhookSender delivers task completion notifications.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a sender with the delivery timeout applied.
func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSender{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// AllowedWebhookURL reports whether rawURL is a deliverable webhook target.
// Rejected: non-http(s) schemes, loopback and unspecified hosts, RFC 1918
// ranges, the cloud metadata address, and *.internal / *.local names.
func AllowedWebhookURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1", "169.254.169.254":
		return false
	}
	if strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range privateCIDRs {
			if n.Contains(ip) {
				return false
			}
		}
	}
	return true
}

// Send delivers the payload to url. Filtered or failed deliveries are logged
// only; the caller's task state is already settled.
func (w *WebhookSender) Send(ctx context.Context, rawURL string, payload WebhookPayload) {
	if rawURL == "" {
		return
	}
	if !AllowedWebhookURL(rawURL) {
		w.logger.Warn("Webhook URL rejected by host filter",
			"task_id", payload.TaskID,
			"url", rawURL)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("Failed to encode webhook payload",
			"task_id", payload.TaskID,
			"error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("Failed to build webhook request",
			"task_id", payload.TaskID,
			"error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("Webhook delivery failed",
			"task_id", payload.TaskID,
			"url", rawURL,
			"error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("Webhook returned non-success status",
			"task_id", payload.TaskID,
			"url", rawURL,
			"status", resp.StatusCode)
		return
	}
	w.logger.Debug("Webhook delivered",
		"task_id", payload.TaskID,
		"state", payload.State)
}
