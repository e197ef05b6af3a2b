package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// StartWebhookDispatcher launches one delivery loop per configured
// endpoint. Each loop tails the fleet-wide event log from the current
// tail, so only events recorded after startup are delivered. Loops stop
// when ctx is cancelled.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger *zap.Logger) {
	if e.Config == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d := &webhookDeliverer{
			engine: e,
			hook:   hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
			logger: logger.With(zap.String("webhook", hook.URL)),
		}
		go d.run(ctx)
	}
}

type webhookDeliverer struct {
	engine engine.Engine
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
	logger *zap.Logger
	cursor int64
	primed bool
}

func (d *webhookDeliverer) run(ctx context.Context) {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		d.deliverPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDeliverer) deliverPending(ctx context.Context) {
	if !d.primed {
		tail, err := d.engine.Repo.LatestEventID(ctx, "")
		if err != nil {
			d.logger.Warn("webhook cursor init failed", zap.Error(err))
			return
		}
		d.cursor = tail
		d.primed = true
	}
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, d.cursor, "")
	if err != nil {
		d.logger.Warn("webhook event fetch failed", zap.Error(err))
		return
	}
	for _, evt := range events {
		if d.filter.match(evt.Type) {
			if err := d.post(ctx, evt); err != nil {
				// cursor stays put; this event retries next tick
				d.logger.Warn("webhook delivery failed", zap.Int64("event_id", evt.ID), zap.Error(err))
				return
			}
		}
		d.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDeliverer) post(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldline-Event", evt.Type)
	req.Header.Set("X-Fieldline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Fieldline-Project", evt.ProjectID)
	if strings.TrimSpace(d.hook.Secret) != "" {
		req.Header.Set("X-Fieldline-Secret", d.hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &webhookStatusError{status: res.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return nil
}

type webhookStatusError struct {
	status int
	body   string
}

func (e *webhookStatusError) Error() string {
	if e.body == "" {
		return "status " + strconv.Itoa(e.status)
	}
	return "status " + strconv.Itoa(e.status) + ": " + e.body
}

// eventFilter matches event types against the hook's events list.
// Entries may end in "*" for prefix matching ("project.tasks.*"); an
// empty list matches everything.
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(patterns []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case p == "*":
			f.all = true
		case strings.HasSuffix(p, "*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(p, "*"))
		default:
			f.exact[p] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evtType]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evtType, p) {
			return true
		}
	}
	return false
}
