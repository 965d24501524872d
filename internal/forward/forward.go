// Package forward posts received signals to an HTTP webhook.
//
// Each event is sent as a JSON object with a retrying client. Sends are
// queued and delivered by a single goroutine so a slow endpoint never
// stalls the signal loop; when the queue is full the event is dropped and
// logged.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// queueSize bounds events waiting for delivery.
const queueSize = 128

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Event is the JSON body posted for each signal.
type Event struct {
	Signal string    `json:"signal"`
	Number int       `json:"number"`
	PID    int       `json:"pid"`
	Host   string    `json:"host,omitempty"`
	Time   time.Time `json:"time"`
}

// Options configures a Forwarder.
type Options struct {
	// URL receives the POST requests.
	URL string
	// Timeout is the per-attempt HTTP timeout.
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
}

// Forwarder delivers events to a webhook in the background.
type Forwarder struct {
	url    string
	client *retryablehttp.Client
	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// ctx scopes every delivery; cancelling it aborts in-flight retries.
	ctx    context.Context
	cancel context.CancelFunc
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// New returns a started Forwarder.
func New(opts Options) *Forwarder {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = nil // suppress retryablehttp's default logging

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		url:    opts.URL,
		client: client,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Enqueue schedules ev for delivery. It never blocks; it reports false when
// the queue is full or the forwarder is closed.
func (f *Forwarder) Enqueue(ev Event) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.queue <- ev:
		return true
	default:
		slog.Warn("forward queue full, dropping event", "signal", ev.Signal)
		return false
	}
}

// Send posts ev synchronously.
func (f *Forwarder) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", f.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: status %d", f.url, resp.StatusCode)
	}
	return nil
}

// Close stops accepting events, delivers what is already queued, and
// waits for the delivery goroutine to exit.
func (f *Forwarder) Close() {
	f.Shutdown(context.Background())
}

// Shutdown stops accepting events and delivers the queue until ctx is done.
// Past that point in-flight requests are cancelled and whatever is still
// queued is dropped. It returns once the delivery goroutine has exited.
func (f *Forwarder) Shutdown(ctx context.Context) {
	f.once.Do(func() {
		close(f.done)
	})

	drained := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		f.cancel()
		<-drained
	}
	f.cancel()
}

// ///////////////////////////////////////////////
// Delivery Loop
// ///////////////////////////////////////////////

// run delivers queued events until Close, then drains the queue.
func (f *Forwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ev)
		case <-f.done:
			for {
				select {
				case ev := <-f.queue:
					f.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one event and logs the outcome.
func (f *Forwarder) deliver(ev Event) {
	if f.ctx.Err() != nil {
		slog.Debug("forwarder stopped, dropping event", "signal", ev.Signal)
		return
	}
	if err := f.Send(f.ctx, ev); err != nil {
		slog.Warn("forward failed", "signal", ev.Signal, "error", err)
		return
	}
	slog.Debug("forwarded signal", "signal", ev.Signal, "url", f.url)
}
