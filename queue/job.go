package queue

import (
	"fmt"
	"strconv"
	"time"
)

// Stream names one per-job update stream.
type Stream string

const (
	StreamState       Stream = "state"
	StreamCheckpoints Stream = "checkpoints"
	StreamDescription Stream = "description"
	StreamMetadata    Stream = "metadata"
	StreamLogLevel    Stream = "log_level"

	// StreamLogMessage appends to the job's log ring instead of replacing.
	StreamLogMessage Stream = "log_message"
)

// FieldStreams are the five streams whose fields make up a job snapshot.
var FieldStreams = []Stream{
	StreamState,
	StreamCheckpoints,
	StreamDescription,
	StreamMetadata,
	StreamLogLevel,
}

// Unknown is the placeholder for string fields not yet received.
const Unknown = "UNKNOWN"

// DefaultLogLevel is INFO.
const DefaultLogLevel = 20

// scriptStates maps numeric script states to their names.
var scriptStates = map[int]string{
	0:  "UNKNOWN",
	1:  "UNCONFIGURED",
	2:  "CONFIGURED",
	3:  "RUNNING",
	4:  "PAUSED",
	5:  "ENDING",
	6:  "STOPPING",
	7:  "FAILING",
	8:  "DONE",
	9:  "STOPPED",
	10: "FAILED",
	11: "CONFIGURE_FAILED",
}

// Job is the snapshot of one queued or executing job.
type Job struct {
	ID    string
	Index int // position in the queued list, -1 when current or finished

	State          string
	LastCheckpoint string

	PauseCheckpoints string
	StopCheckpoints  string

	Description string
	Classname   string
	Remotes     string

	ExpectedDuration float64
	LogLevel         int
	LogMessages      []map[string]any

	LastHeartbeat  time.Time
	LostHeartbeats int

	Updated time.Time

	// last-write timestamp per "<stream>.<field>"
	stamps map[string]time.Time
}

func newJob(id string) *Job {
	return &Job{
		ID:       id,
		Index:    -1,
		State:    Unknown,
		LogLevel: DefaultLogLevel,
		stamps:   make(map[string]time.Time),
	}
}

// clone returns a deep copy safe to hand out.
func (j *Job) clone() Job {
	c := *j
	c.stamps = nil
	if j.LogMessages != nil {
		c.LogMessages = make([]map[string]any, len(j.LogMessages))
		for i, m := range j.LogMessages {
			cp := make(map[string]any, len(m))
			for k, v := range m {
				cp[k] = v
			}
			c.LogMessages[i] = cp
		}
	}
	return c
}

// Fields renders the job for an outbound payload.
func (j Job) Fields() map[string]any {
	var lastHeartbeat float64 = -1
	if !j.LastHeartbeat.IsZero() {
		lastHeartbeat = seconds(j.LastHeartbeat)
	}
	logMessages := make([]any, len(j.LogMessages))
	for i, m := range j.LogMessages {
		logMessages[i] = m
	}
	return map[string]any{
		"id":                       j.ID,
		"index":                    j.Index,
		"script_state":             j.State,
		"last_checkpoint":          j.LastCheckpoint,
		"pause_checkpoints":        j.PauseCheckpoints,
		"stop_checkpoints":         j.StopCheckpoints,
		"description":              j.Description,
		"classname":                j.Classname,
		"remotes":                  j.Remotes,
		"expected_duration":        j.ExpectedDuration,
		"log_level":                j.LogLevel,
		"log_messages":             logMessages,
		"last_heartbeat_timestamp": lastHeartbeat,
		"lost_heartbeats":          j.LostHeartbeats,
		"timestamp":                seconds(j.Updated),
	}
}

// Config returns the configuration subset of the job.
func (j Job) Config() map[string]any {
	return map[string]any{
		"id":                j.ID,
		"description":       j.Description,
		"classname":         j.Classname,
		"remotes":           j.Remotes,
		"pause_checkpoints": j.PauseCheckpoints,
		"stop_checkpoints":  j.StopCheckpoints,
		"log_level":         j.LogLevel,
	}
}

// applyFields copies the fields of one stream into the job. Each field
// keeps the value with the latest timestamp; equal timestamps take the
// newer arrival. It returns how many fields were written.
func (j *Job) applyFields(stream Stream, f map[string]any, ts time.Time) (int, error) {
	set := func(name string, apply func(v any)) int {
		v, ok := f[name]
		if !ok {
			return 0
		}
		key := string(stream) + "." + name
		if ts.Before(j.stamps[key]) {
			return 0
		}
		j.stamps[key] = ts
		apply(v)
		return 1
	}

	n := 0
	switch stream {
	case StreamState:
		n += set("state", func(v any) { j.State = stateName(v) })
		n += set("lastCheckpoint", func(v any) { j.LastCheckpoint = asString(v) })
	case StreamCheckpoints:
		n += set("pause", func(v any) { j.PauseCheckpoints = asString(v) })
		n += set("stop", func(v any) { j.StopCheckpoints = asString(v) })
	case StreamDescription:
		n += set("description", func(v any) { j.Description = asString(v) })
		n += set("classname", func(v any) { j.Classname = asString(v) })
		n += set("remotes", func(v any) { j.Remotes = asString(v) })
	case StreamMetadata:
		n += set("duration", func(v any) {
			if d, ok := asFloat(v); ok {
				j.ExpectedDuration = d
			}
		})
	case StreamLogLevel:
		n += set("level", func(v any) {
			if l, ok := asFloat(v); ok {
				j.LogLevel = int(l)
			}
		})
	default:
		return 0, fmt.Errorf("unknown stream %q", stream)
	}

	if n > 0 && ts.After(j.Updated) {
		j.Updated = ts
	}
	return n, nil
}

func seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func stateName(v any) string {
	if f, ok := asFloat(v); ok {
		if name, ok := scriptStates[int(f)]; ok {
			return name
		}
		return Unknown
	}
	return asString(v)
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
