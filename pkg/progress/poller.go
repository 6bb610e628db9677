package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jukasdrj/jobstream/pkg/jobmodel"
)

// ErrNotFound is returned when the status endpoint does not know the job id.
var ErrNotFound = errors.New("unknown job id")

// Poller is the last rung of the transport ladder: synchronous snapshot
// fetches for callers that cannot hold any streaming connection, and the
// landing spot after a stall.
type Poller struct {
	statusURL string
	client    *http.Client
}

func NewPoller(statusURL string, client *http.Client) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{statusURL: statusURL, client: client}
}

// Fetch retrieves the latest JobStatus snapshot.
func (p *Poller) Fetch(ctx context.Context) (*jobmodel.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.statusURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("poll status: unexpected %d", resp.StatusCode)
	}

	var st jobmodel.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	return &st, nil
}

// Watch polls at the given interval, invoking fn per snapshot, until the job
// reaches a terminal state, fn returns an error, or the context ends.
func (p *Poller) Watch(ctx context.Context, interval time.Duration, fn func(jobmodel.JobStatus) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := p.Fetch(ctx)
		if err != nil {
			return err
		}
		if err := fn(*st); err != nil {
			return err
		}
		if st.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
