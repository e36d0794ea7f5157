package hitl

import (
	"context"
	"sort"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

const defaultHistoryLimit = 50

// HistoryFilter narrows the operator history listing. Zero values match
// everything; Limit defaults to 50.
type HistoryFilter struct {
	Status    contracts.Status
	ProjectID string
	Limit     int
}

// FetchHistory projects every thread into a summary row, filtered and sorted
// by last activity, newest first.
func (c *Coordinator) FetchHistory(ctx context.Context, filter HistoryFilter) ([]contracts.ThreadSummary, error) {
	checkpoints, err := c.stores.Checkpoints.List(ctx, c.stores.DB)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	summaries := make([]contracts.ThreadSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		if filter.Status != "" && cp.Metadata.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && cp.Metadata.ProjectID != filter.ProjectID {
			continue
		}
		summaries = append(summaries, summarize(cp))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func summarize(cp *contracts.Checkpoint) contracts.ThreadSummary {
	s := contracts.ThreadSummary{
		ThreadID:  cp.ThreadID,
		ActionID:  actionIDFrom(cp),
		Status:    cp.Metadata.Status,
		ProjectID: cp.Metadata.ProjectID,
		Severity:  cp.Metadata.Severity,
		Events:    len(cp.Metadata.AuditEvents),
	}
	for _, event := range cp.Metadata.AuditEvents {
		if event.EventType == contracts.AuditApprovalRequested {
			if summary, ok := event.Detail["summary"].(string); ok {
				s.Summary = summary
			}
		}
	}
	if last := cp.Metadata.LastAudit(); last != nil {
		if t, err := time.Parse(time.RFC3339Nano, last.CreatedAt); err == nil {
			s.UpdatedAt = t
		}
	}
	return s
}
