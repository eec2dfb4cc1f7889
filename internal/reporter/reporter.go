package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/pyotel/chicken-feed/internal/model"
	"github.com/pyotel/chicken-feed/internal/observability"
)

// httpStatusError carries the collector's response status so retry logic
// can distinguish schema rejections (4xx, permanent) from outages (5xx).
type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("collector returned status %d", e.status)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.status, e.body)
}

type Options struct {
	HTTPClient *http.Client
	QueueSize  int
	// MaxRetries bounds delivery attempts per event beyond the first.
	MaxRetries uint64
	// InitialInterval seeds the exponential backoff between attempts.
	InitialInterval time.Duration
}

// Client delivers feeding events to the collector without ever blocking the
// controller's tick loop. Events queue on a bounded channel and a single
// worker posts them with bounded retry; an event that exhausts its retries
// is dropped with a local log (monitoring signal, not a ledger).
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client

	queue      chan model.FeedingEvent
	maxRetries uint64
	initial    time.Duration
	done       chan struct{}
}

func New(baseURL, deviceID string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 5
	}
	initial := opts.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		deviceID:   deviceID,
		httpClient: hc,
		queue:      make(chan model.FeedingEvent, size),
		maxRetries: retries,
		initial:    initial,
		done:       make(chan struct{}),
	}
}

// Start launches the delivery worker. It drains the queue until ctx is
// cancelled and the queue is empty. Cancellation never aborts an event:
// in-flight and queued deliveries run to completion (or exhaust their retry
// budget), so the close/shutdown events submitted during agent shutdown
// still reach the collector. Wait bounds how long the caller waits for that.
func (c *Client) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case ev := <-c.queue:
				c.deliver(context.Background(), ev)
			case <-ctx.Done():
				for {
					select {
					case ev := <-c.queue:
						c.deliver(context.Background(), ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the worker has exited after Start's context was
// cancelled.
func (c *Client) Wait(ctx context.Context) {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// Submit enqueues an event for asynchronous delivery. A missing ID gets a
// client-assigned one so retries stay identifiable downstream. If the queue
// is full the event is dropped and logged locally.
func (c *Client) Submit(ev model.FeedingEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.DeviceID == "" {
		ev.DeviceID = c.deviceID
	}
	select {
	case c.queue <- ev:
	default:
		observability.DeliveryDropped.Inc()
		slog.Warn("event queue full, dropping event", "action", ev.Action, "event_id", ev.ID)
	}
}

func (c *Client) deliver(ctx context.Context, ev model.FeedingEvent) {
	op := func() error {
		err := c.post(ctx, "/api/feeding/log", ev)
		if err == nil {
			observability.EventsDelivered.Inc()
			return nil
		}
		var se httpStatusError
		if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
			// The collector rejected the payload; retrying cannot help.
			return backoff.Permanent(err)
		}
		observability.DeliveryRetries.Inc()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)); err != nil {
		observability.DeliveryDropped.Inc()
		slog.Warn("event delivery failed, dropping", "action", ev.Action, "event_id", ev.ID, "error", err)
	}
}

// RegisterConfig pushes the device schedule to the collector. Called at
// startup and after a config reload; failure is non-fatal.
func (c *Client) RegisterConfig(ctx context.Context, cfg model.DeviceConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	return backoff.Retry(func() error {
		return c.post(ctx, "/api/device/config", cfg)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

type commandResponse struct {
	HasCommand bool   `json:"has_command"`
	Command    string `json:"command"`
}

// FetchCommand polls the collector for a pending operator command. The
// command is consumed server-side; a second poll returns nothing.
func (c *Client) FetchCommand(ctx context.Context) (string, bool, error) {
	url := c.baseURL + "/api/device/command/" + c.deviceID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", false, httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	var cr commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", false, err
	}
	return cr.Command, cr.HasCommand, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	return nil
}
