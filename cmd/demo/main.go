// Command demo starts a job against a running jobstream server and watches it
// through the full transport ladder: websocket channel first, text event
// stream when the channel is refused, and status polling as the last resort.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jukasdrj/jobstream/internal/usecase"
	"github.com/jukasdrj/jobstream/pkg/eventstream"
	"github.com/jukasdrj/jobstream/pkg/jobmodel"
	"github.com/jukasdrj/jobstream/pkg/progress"
)

type startResponse struct {
	usecase.StartResult
	Ticket string `json:"ticket"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	jobType := flag.String("type", "enrichment", "job type to submit")
	count := flag.Int("count", 20, "number of items to process")
	forceSSE := flag.Bool("sse", false, "skip the websocket channel and go straight to the event stream")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start, err := startJob(ctx, *baseURL, *jobType, *count)
	if err != nil {
		log.Fatalf("start job: %v", err)
	}
	fmt.Printf("job %s (%s) started\n", start.Job.ID, start.Job.Type)

	if !*forceSSE {
		done, err := watchChannel(ctx, *baseURL, start)
		if err == nil {
			if done {
				return
			}
			// Stalled or lost mid-stream after retries; fall through to polling.
			pollUntilDone(ctx, *baseURL, start)
			return
		}
		if !errors.Is(err, progress.ErrFallbackRequired) {
			log.Fatalf("channel: %v", err)
		}
		fmt.Println("channel refused, falling back to event stream")
	}

	if err := watchEvents(ctx, *baseURL, start); err != nil && !errors.Is(err, errDone) {
		fmt.Printf("event stream unavailable (%v), polling instead\n", err)
		pollUntilDone(ctx, *baseURL, start)
	}
}

func startJob(ctx context.Context, baseURL, jobType string, count int) (*startResponse, error) {
	body, _ := json.Marshal(usecase.StartRequest{
		Type:  jobmodel.JobType(jobType),
		Count: count,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// watchChannel follows the job over the websocket channel. It returns
// (true, nil) when a terminal message arrived, (false, nil) when the channel
// was lost or stalled and polling should take over, and an error when the
// channel could not be established at all.
func watchChannel(ctx context.Context, baseURL string, start *startResponse) (bool, error) {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + start.ChannelPath

	terminal := make(chan struct{})
	stalled := make(chan struct{})
	client := progress.NewClient(wsURL, start.Job.ID, progress.Handlers{
		OnProgress: printProgress,
		OnComplete: func(s jobmodel.ResultSummary) {
			fmt.Printf("complete: %d/%d succeeded, result at %s\n", s.SucceededItems, s.TotalItems, s.ResultRef)
			close(terminal)
		},
		OnError: func(e jobmodel.JobError) {
			if e.Code == "CONNECTION_LOST" {
				fmt.Println("connection lost after retries")
				return
			}
			fmt.Printf("job failed: %s: %s (retryable=%v)\n", e.Code, e.Message, e.Retryable)
			close(terminal)
		},
		OnResync: func(st jobmodel.JobStatus) {
			fmt.Printf("resynced at seq %d, state %s\n", st.Seq, st.State)
		},
	}, progress.Options{
		Ticket:  start.Ticket,
		OnStall: func() { close(stalled) },
	})

	if err := client.Connect(ctx); err != nil {
		return false, err
	}
	defer client.Disconnect()

	select {
	case <-terminal:
		return true, nil
	case <-stalled:
		return false, nil
	case <-client.Done():
		return false, nil
	case <-ctx.Done():
		return true, nil
	}
}

// errDone stops the event subscription once a terminal message was printed.
var errDone = errors.New("job finished")

func watchEvents(ctx context.Context, baseURL string, start *startResponse) error {
	es := eventstream.NewClient(baseURL+start.EventsPath, start.Ticket, nil)
	return es.Subscribe(ctx, func(ev eventstream.Event) error {
		env, err := jobmodel.DecodeEnvelope([]byte(ev.Data))
		if err != nil {
			return err
		}
		switch env.Type {
		case jobmodel.MessageProgress:
			p, err := env.Progress()
			if err == nil && !p.KeepAlive {
				printProgress(p)
			}
		case jobmodel.MessageReconnected:
			st, err := env.Snapshot()
			if err == nil {
				fmt.Printf("resynced at seq %d, state %s\n", st.Seq, st.State)
			}
		case jobmodel.MessageComplete:
			s, err := env.Summary()
			if err == nil {
				fmt.Printf("complete: %d/%d succeeded, result at %s\n", s.SucceededItems, s.TotalItems, s.ResultRef)
			}
			return errDone
		case jobmodel.MessageError:
			je, err := env.Err()
			if err == nil {
				fmt.Printf("job failed: %s: %s\n", je.Code, je.Message)
			}
			return errDone
		}
		return nil
	})
}

func pollUntilDone(ctx context.Context, baseURL string, start *startResponse) {
	poller := progress.NewPoller(baseURL+start.StatusPath, nil)
	err := poller.Watch(ctx, 2*time.Second, func(st jobmodel.JobStatus) error {
		switch {
		case st.Progress != nil:
			printProgress(*st.Progress)
		case st.Summary != nil:
			fmt.Printf("complete: %d/%d succeeded, result at %s\n",
				st.Summary.SucceededItems, st.Summary.TotalItems, st.Summary.ResultRef)
		case st.Err != nil:
			fmt.Printf("job failed: %s: %s\n", st.Err.Code, st.Err.Message)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "polling stopped: %v\n", err)
	}
}

func printProgress(p jobmodel.JobProgress) {
	eta := ""
	if p.EstimatedTimeRemaining != nil {
		eta = fmt.Sprintf(" (~%.0fs left)", *p.EstimatedTimeRemaining)
	}
	fmt.Printf("[%d/%d] %s%s\n", p.ProcessedItems, p.TotalItems, p.CurrentStatusText, eta)
}
