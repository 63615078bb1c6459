package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events/bus"
	"github.com/winfleet/winfleet/internal/job"
)

// WebhookNotifier watches terminal job events on the bus and POSTs the full
// job to the webhook URL the job was submitted with. Delivery is
// best-effort: one attempt, failures logged.
type WebhookNotifier struct {
	store  *job.Store
	bus    bus.EventBus
	client *http.Client
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewWebhookNotifier creates a notifier over the store and bus.
func NewWebhookNotifier(store *job.Store, eventBus bus.EventBus, log *logger.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		store:  store,
		bus:    eventBus,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "webhook-notifier")),
	}
}

// Start subscribes to the terminal job subjects.
func (n *WebhookNotifier) Start() error {
	if n.bus == nil {
		return nil
	}
	subjects := []string{"job.completed", "job.failed", "job.timeout", "job.cancelled"}
	for _, subject := range subjects {
		sub, err := n.bus.Subscribe(subject, n.handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Stop drops the bus subscriptions.
func (n *WebhookNotifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

func (n *WebhookNotifier) handle(ctx context.Context, event *bus.Event) error {
	jobID, _ := event.Data["jobId"].(string)
	if jobID == "" {
		return nil
	}

	j, ok := n.store.Get(jobID)
	if !ok || j.WebhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("invalid webhook url",
			zap.String("job_id", jobID),
			zap.String("url", j.WebhookURL),
			zap.Error(err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Winfleet-Event", event.Type)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("job_id", jobID),
			zap.String("url", j.WebhookURL),
			zap.Error(err))
		return nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected",
			zap.String("job_id", jobID),
			zap.Int("status", resp.StatusCode))
	} else {
		n.logger.Debug("webhook delivered",
			zap.String("job_id", jobID),
			zap.String("event", event.Type))
	}
	return nil
}
