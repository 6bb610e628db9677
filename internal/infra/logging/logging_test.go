//go:build !integration

package logging_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jukasdrj/jobstream/internal/config"
	"github.com/jukasdrj/jobstream/internal/infra/logging"
)

func TestNew_AppliesLevel(t *testing.T) {
	logger := logging.New(config.LogConfig{Level: "warn", Format: "json"}, false)
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("expected global level warn, got %s", zerolog.GlobalLevel())
	}
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

func TestWith_CarriesContextIDs(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := logging.WithTraceID(context.Background(), "trace-42")
	ctx = logging.WithJobID(ctx, "job-7")

	logging.With(ctx, &base).Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-42"`) {
		t.Errorf("trace id missing from %q", out)
	}
	if !strings.Contains(out, `"job_id":"job-7"`) {
		t.Errorf("job id missing from %q", out)
	}
}

func TestWith_EmptyContextAddsNothing(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logging.With(context.Background(), &base).Info().Msg("bare")

	out := buf.String()
	if strings.Contains(out, "trace_id") || strings.Contains(out, "job_id") {
		t.Errorf("unexpected context fields in %q", out)
	}
}

func TestTraceDuration_EmitsStartAndFinish(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logging.TraceDuration(&base, "Broker.ReportProgress")()

	out := buf.String()
	if strings.Count(out, `"method":"Broker.ReportProgress"`) != 2 {
		t.Fatalf("expected start and finish lines, got %q", out)
	}
	if !strings.Contains(out, "duration") {
		t.Errorf("finish line must carry the elapsed duration: %q", out)
	}
}
