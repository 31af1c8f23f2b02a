package router

import (
	"context"
	"sort"
	"time"

	"github.com/wabridge/wabridge/bridge/session"
	"github.com/wabridge/wabridge/pkg/protocol"
)

type historyConfig struct {
	limits []int // escalation steps, e.g. 50, 200, 500
}

// fetchWindow retrieves enough history to cover [start, end] from a
// backend whose only access primitive is "fetch the N most-recent
// messages". It escalates through the configured limits and accepts a
// batch once its earliest message precedes the requested start. Without
// a start bound no step short-circuits, so the largest limit is always
// fetched. When even the largest batch does not reach back to start, the
// window is served best-effort from what was fetched.
func (r *Router) fetchWindow(ctx context.Context, sess *session.Session, groupID string, start, end *time.Time) ([]protocol.Message, error) {
	var startMs, endMs int64
	if start != nil {
		startMs = start.UnixMilli()
	}
	if end != nil {
		endMs = end.UnixMilli()
	}

	var batch []protocol.Message
	covered := false
	for _, limit := range r.history.limits {
		msgs, err := sess.FetchMessages(ctx, groupID, limit)
		if err != nil {
			return nil, err
		}
		batch = msgs

		if start != nil && len(msgs) > 0 && earliestTimestamp(msgs) < startMs {
			covered = true
			break
		}
	}

	if start != nil && !covered {
		r.logger.Info("history window not fully covered, serving best effort",
			"group_id", groupID, "start", start, "fetched", len(batch))
	}

	filtered := batch[:0:0]
	for _, m := range batch {
		if start != nil && m.Timestamp < startMs {
			continue
		}
		if end != nil && m.Timestamp > endMs {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})
	return filtered, nil
}

func earliestTimestamp(msgs []protocol.Message) int64 {
	earliest := msgs[0].Timestamp
	for _, m := range msgs[1:] {
		if m.Timestamp < earliest {
			earliest = m.Timestamp
		}
	}
	return earliest
}

// timeBoundLayouts are the accepted forms for startTime/endTime. RFC 3339
// first; existing clients also send a bare date-time form.
var timeBoundLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimeBound parses an optional time bound. Empty means unbounded.
func parseTimeBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range timeBoundLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
