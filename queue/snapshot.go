package queue

import "time"

// Snapshot is the reconciled view of the queue at one instant.
type Snapshot struct {
	Queued    []string
	Current   string
	Finished  []string
	Enabled   bool
	Running   bool
	Jobs      map[string]Job
	Timestamp time.Time
}

// Payload renders the queue snapshot for an outbound envelope. Jobs are
// emitted in queue order: current first, then queued, then finished.
func (s Snapshot) Payload() map[string]any {
	var current any
	if s.Current != "" {
		if job, ok := s.Jobs[s.Current]; ok {
			current = job.Fields()
		}
	}
	return map[string]any{
		"state":          queueState(s.Enabled, s.Running),
		"enabled":        s.Enabled,
		"running":        s.Running,
		"current":        current,
		"available_jobs": s.render(s.Queued),
		"finished_jobs":  s.render(s.Finished),
		"timestamp":      seconds(s.Timestamp),
	}
}

// IDs returns every job id in the snapshot in queue order.
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Queued)+len(s.Finished)+1)
	if s.Current != "" {
		out = append(out, s.Current)
	}
	out = append(out, s.Queued...)
	return append(out, s.Finished...)
}

func (s Snapshot) render(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.Jobs[id]; ok {
			out = append(out, job.Fields())
		}
	}
	return out
}

func queueState(enabled, running bool) string {
	switch {
	case !enabled:
		return "Disabled"
	case running:
		return "Running"
	default:
		return "Stopped"
	}
}
