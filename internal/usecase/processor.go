package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jukasdrj/jobstream/internal/domain/model"
)

// simProcessor stands in for the real enrichment/import/scan pipelines, which
// live outside this subsystem. It paces items so progress streams look like
// real work, and produces a minimal per-item result fragment.
type simProcessor struct {
	perItem time.Duration
}

// NewSimProcessor returns a Processor that spends perItem on each item.
// A zero duration makes it effectively instantaneous (used by tests to
// exercise the fast-finish handshake path).
func NewSimProcessor(perItem time.Duration) Processor {
	return &simProcessor{perItem: perItem}
}

func (p *simProcessor) ProcessItem(ctx context.Context, jobType model.JobType, i, n int) (string, json.RawMessage, error) {
	if p.perItem > 0 {
		select {
		case <-time.After(p.perItem):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	var text string
	switch jobType {
	case model.JobTypeEnrichment:
		text = fmt.Sprintf("Enriching metadata for item %d of %d", i, n)
	case model.JobTypeImport:
		text = fmt.Sprintf("Parsing row %d of %d", i, n)
	case model.JobTypeCoverScan:
		text = fmt.Sprintf("Scanning cover %d of %d", i, n)
	default:
		text = fmt.Sprintf("Processing item %d of %d", i, n)
	}

	fragment, err := json.Marshal(map[string]any{"item": i, "ok": true})
	if err != nil {
		return "", nil, err
	}
	return text, fragment, nil
}
