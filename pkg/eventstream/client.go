// Package eventstream reads the line-oriented text-event-stream fallback
// transport: blank-line delimited events of "field: value" lines. It is
// receive-only; there is no ready handshake, because a joiner on this
// transport starts from the latest snapshot rather than demanding the
// stream from the beginning.
package eventstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is one parsed server-sent event.
type Event struct {
	Type string // "event" field, empty for unnamed events
	Data string // "data" lines joined with newlines
	ID   string // "id" field, the resumption cursor
}

// Handler receives events in stream order. Returning an error stops the
// subscription.
type Handler func(Event) error

// Client consumes one job's event stream with automatic reconnection. On
// reconnect it supplies the last-received event id so the server replays
// only what was missed; the server's advertised retry value updates the
// reconnect delay.
type Client struct {
	url    string
	ticket string
	http   *http.Client

	mu         sync.Mutex
	lastID     string
	retryDelay time.Duration
}

func NewClient(eventsURL, ticket string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		url:        eventsURL,
		ticket:     ticket,
		http:       httpClient,
		retryDelay: 3 * time.Second,
	}
}

// LastEventID returns the most recent resumption cursor.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// Subscribe streams events to fn until the stream ends cleanly (the server
// closed after a terminal event), fn returns an error, or the context ends.
// Dropped connections reconnect with the Last-Event-ID header set.
func (c *Client) Subscribe(ctx context.Context, fn Handler) error {
	for {
		err := c.consume(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}

		c.mu.Lock()
		delay := c.retryDelay
		c.mu.Unlock()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopError marks handler-initiated termination, which must not reconnect.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

func (c *Client) consume(ctx context.Context, fn Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return &stopError{err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.ticket != "" {
		req.Header.Set("Authorization", "Bearer "+c.ticket)
	}
	c.mu.Lock()
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &stopError{fmt.Errorf("event stream: unexpected %d", resp.StatusCode)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev Event
	var dataLines []string
	dispatch := func() error {
		if len(dataLines) == 0 && ev.Type == "" && ev.ID == "" {
			return nil // empty event, e.g. the initial retry-only block
		}
		ev.Data = strings.Join(dataLines, "\n")
		if ev.ID != "" {
			c.mu.Lock()
			c.lastID = ev.ID
			c.mu.Unlock()
		}
		err := fn(ev)
		ev = Event{}
		dataLines = dataLines[:0]
		if err != nil {
			return &stopError{err}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			ev.Type = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				c.mu.Lock()
				c.retryDelay = time.Duration(ms) * time.Millisecond
				c.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	// Flush a final event not followed by a blank line.
	if err := dispatch(); err != nil {
		return err
	}
	return nil
}
