package queue

import (
	"errors"
	"sort"
	"time"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/logging"
)

// QueueUpdate is one queue-wide ordering sample.
type QueueUpdate struct {
	Queued    []string
	Current   string // empty when nothing executes
	Finished  []string
	Enabled   bool
	Running   bool
	Timestamp time.Time
}

// JobUpdate is one per-job stream sample.
type JobUpdate struct {
	ID        string
	Stream    Stream
	Fields    map[string]any
	Timestamp time.Time
}

// Outcome reports what ApplyJob did with an update.
type Outcome int

const (
	Applied  Outcome = iota
	Stale            // every field already held a newer value
	Ignored          // job retired, update arrived inside the grace period
	Buffered         // job unknown, held until created or expired
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	case Buffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// JobWatcher attaches and detaches the per-job subscriptions.
type JobWatcher interface {
	Watch(id string) error
	Unwatch(id string)
}

// Config configures a Tracker.
type Config struct {
	// RetireGrace is how long a departed job stays retired. Late updates
	// inside the window are ignored; the job revives if it reappears.
	// Default: 5 seconds
	RetireGrace time.Duration

	// PendingExpiry bounds how long updates for an unknown job are held.
	// Default: 2 seconds
	PendingExpiry time.Duration

	// MaxPending bounds held updates per unknown job. Oldest are dropped.
	// Default: 64
	MaxPending int

	// MaxLogMessages is the per-job log ring size.
	// Default: 20
	MaxLogMessages int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetireGrace:    5 * time.Second,
		PendingExpiry:  2 * time.Second,
		MaxPending:     64,
		MaxLogMessages: 20,
	}
}

// Stats are the tracker counters.
type Stats struct {
	Jobs     int
	Retired  int
	Pending  int
	Applied  uint64
	Stale    uint64
	Ignored  uint64
	Buffered uint64
	Expired  uint64
	Revived  uint64
}

type retiredJob struct {
	job *Job
	at  time.Time
}

type pendingUpdate struct {
	update JobUpdate
	at     time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker reconciles the queue ordering stream and the per-job streams
// into one consistent snapshot. It holds no locks: the queue relay loop
// is its only caller.
type Tracker struct {
	config  Config
	watcher JobWatcher
	now     func() time.Time
	logger  *logging.Logger

	jobs    map[string]*Job
	retired map[string]retiredJob
	pending map[string][]pendingUpdate

	queued     []string
	current    string
	finished   []string
	enabled    bool
	running    bool
	queueStamp time.Time

	dirty bool
	stats Stats
}

// NewTracker creates a tracker. watcher may be nil.
func NewTracker(cfg Config, watcher JobWatcher, opts ...Option) *Tracker {
	d := DefaultConfig()
	if cfg.RetireGrace <= 0 {
		cfg.RetireGrace = d.RetireGrace
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = d.PendingExpiry
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.MaxLogMessages <= 0 {
		cfg.MaxLogMessages = d.MaxLogMessages
	}

	t := &Tracker{
		config:  cfg,
		watcher: watcher,
		now:     time.Now,
		logger:  logging.Nop(),
		jobs:    make(map[string]*Job),
		retired: make(map[string]retiredJob),
		pending: make(map[string][]pendingUpdate),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ApplyQueue applies a queue-wide update. New ids get an empty snapshot and
// their subscriptions; departed ids are detached and retired. Watch errors
// are returned after the update is fully applied.
func (t *Tracker) ApplyQueue(u QueueUpdate) error {
	if !u.Timestamp.IsZero() && u.Timestamp.Before(t.queueStamp) {
		t.stats.Stale++
		return nil
	}
	if !u.Timestamp.IsZero() {
		t.queueStamp = u.Timestamp
	}
	now := t.now()

	current := u.Current
	queued := make([]string, 0, len(u.Queued))
	seen := make(map[string]bool, len(u.Queued)+len(u.Finished)+1)
	if current != "" {
		seen[current] = true
	}
	for _, id := range u.Queued {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		queued = append(queued, id)
	}
	finished := make([]string, 0, len(u.Finished))
	for _, id := range u.Finished {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		finished = append(finished, id)
	}

	var errs []error

	// Retire departed jobs first so an id cannot be both.
	for _, id := range sortedKeys(t.jobs) {
		if seen[id] {
			continue
		}
		job := t.jobs[id]
		delete(t.jobs, id)
		t.retired[id] = retiredJob{job: job, at: now}
		if t.watcher != nil {
			t.watcher.Unwatch(id)
		}
		t.logger.Debug("job retired", map[string]interface{}{"job": id})
	}

	for _, id := range orderedIDs(current, queued, finished) {
		if _, ok := t.jobs[id]; ok {
			continue
		}
		if r, ok := t.retired[id]; ok && now.Sub(r.at) < t.config.RetireGrace {
			delete(t.retired, id)
			t.jobs[id] = r.job
			t.stats.Revived++
		} else {
			delete(t.retired, id)
			t.jobs[id] = newJob(id)
		}
		if t.watcher != nil {
			if err := t.watcher.Watch(id); err != nil {
				errs = append(errs, err)
			}
		}
		t.drainPending(id, now)
	}

	t.queued = queued
	t.current = current
	t.finished = finished
	t.enabled = u.Enabled
	t.running = u.Running

	for i, id := range queued {
		t.jobs[id].Index = i
	}
	if current != "" {
		t.jobs[current].Index = -1
	}
	for _, id := range finished {
		t.jobs[id].Index = -1
	}

	t.dirty = true
	return errors.Join(errs...)
}

// ApplyJob applies one per-job update.
func (t *Tracker) ApplyJob(u JobUpdate) (Outcome, error) {
	if u.ID == "" {
		return Stale, bridgeerr.InvalidInput("job update without id")
	}
	if !isKnownStream(u.Stream) {
		return Stale, bridgeerr.InvalidInput("unknown job stream " + string(u.Stream))
	}
	now := t.now()

	job, ok := t.jobs[u.ID]
	if !ok {
		if r, retired := t.retired[u.ID]; retired {
			if now.Sub(r.at) < t.config.RetireGrace {
				t.stats.Ignored++
				return Ignored, nil
			}
			delete(t.retired, u.ID)
		}
		t.buffer(u, now)
		return Buffered, nil
	}

	return t.apply(job, u)
}

func (t *Tracker) apply(job *Job, u JobUpdate) (Outcome, error) {
	if u.Stream == StreamLogMessage {
		t.appendLog(job, u)
		t.stats.Applied++
		t.dirty = true
		return Applied, nil
	}

	n, err := job.applyFields(u.Stream, u.Fields, u.Timestamp)
	if err != nil {
		return Stale, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeInvalidInput, "apply job update")
	}
	if n == 0 {
		t.stats.Stale++
		return Stale, nil
	}
	t.stats.Applied++
	t.dirty = true
	return Applied, nil
}

func (t *Tracker) appendLog(job *Job, u JobUpdate) {
	msg := make(map[string]any, len(u.Fields)+1)
	for k, v := range u.Fields {
		msg[k] = v
	}
	msg["timestamp"] = seconds(u.Timestamp)

	job.LogMessages = append(job.LogMessages, msg)
	if over := len(job.LogMessages) - t.config.MaxLogMessages; over > 0 {
		job.LogMessages = append([]map[string]any(nil), job.LogMessages[over:]...)
	}
	if u.Timestamp.After(job.Updated) {
		job.Updated = u.Timestamp
	}
}

func (t *Tracker) buffer(u JobUpdate, now time.Time) {
	list := append(t.pending[u.ID], pendingUpdate{update: u, at: now})
	if over := len(list) - t.config.MaxPending; over > 0 {
		t.stats.Expired += uint64(over)
		list = list[over:]
	}
	t.pending[u.ID] = list
	t.stats.Buffered++
}

// drainPending applies held updates for a just-created job, oldest sample
// first, skipping anything past the expiry window.
func (t *Tracker) drainPending(id string, now time.Time) {
	list, ok := t.pending[id]
	if !ok {
		return
	}
	delete(t.pending, id)

	sort.SliceStable(list, func(a, b int) bool {
		return list[a].update.Timestamp.Before(list[b].update.Timestamp)
	})
	job := t.jobs[id]
	for _, p := range list {
		if now.Sub(p.at) > t.config.PendingExpiry {
			t.stats.Expired++
			continue
		}
		t.apply(job, p.update)
	}
}

// Expire purges held updates past PendingExpiry and retired jobs past
// RetireGrace. Called from the relay tick.
func (t *Tracker) Expire() {
	now := t.now()
	for id, list := range t.pending {
		kept := list[:0]
		for _, p := range list {
			if now.Sub(p.at) > t.config.PendingExpiry {
				t.stats.Expired++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(t.pending, id)
		} else {
			t.pending[id] = kept
		}
	}
	for id, r := range t.retired {
		if now.Sub(r.at) >= t.config.RetireGrace {
			delete(t.retired, id)
		}
	}
}

// RecordHeartbeat updates the liveness fields of a tracked job. Returns
// false for an unknown job.
func (t *Tracker) RecordHeartbeat(id string, lastSeen time.Time, lost int) bool {
	job, ok := t.jobs[id]
	if !ok {
		return false
	}
	if job.LastHeartbeat.Equal(lastSeen) && job.LostHeartbeats == lost {
		return true
	}
	job.LastHeartbeat = lastSeen
	job.LostHeartbeats = lost
	t.dirty = true
	return true
}

// Dirty reports whether a mutation happened since the last Publish.
func (t *Tracker) Dirty() bool {
	return t.dirty
}

// Publish returns a fresh snapshot if anything changed since the last
// call. The relay calls it once per drained batch of deliveries.
func (t *Tracker) Publish() (Snapshot, bool) {
	if !t.dirty {
		return Snapshot{}, false
	}
	t.dirty = false
	s := t.Snapshot()
	t.logger.QueueRebuilt(len(s.Queued), s.Current, len(s.Jobs))
	return s, true
}

// Snapshot rebuilds the queue view from scratch. Ids without an entry are
// filtered and the current job never appears in the queued list.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Queued:    make([]string, 0, len(t.queued)),
		Finished:  make([]string, 0, len(t.finished)),
		Enabled:   t.enabled,
		Running:   t.running,
		Jobs:      make(map[string]Job, len(t.jobs)),
		Timestamp: t.now(),
	}
	if _, ok := t.jobs[t.current]; ok {
		s.Current = t.current
	}
	for _, id := range t.queued {
		if _, ok := t.jobs[id]; ok && id != s.Current {
			s.Queued = append(s.Queued, id)
		}
	}
	for _, id := range t.finished {
		if _, ok := t.jobs[id]; ok && id != s.Current {
			s.Finished = append(s.Finished, id)
		}
	}
	for id, job := range t.jobs {
		s.Jobs[id] = job.clone()
	}
	return s
}

// Job returns the snapshot of one job.
func (t *Tracker) Job(id string) (Job, error) {
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, bridgeerr.NotFound("job "+id+" not found", bridgeerr.WithMetadata("job_id", id))
	}
	return job.clone(), nil
}

// JobConfig returns the configuration fields of one job.
func (t *Tracker) JobConfig(id string) (map[string]any, error) {
	job, err := t.Job(id)
	if err != nil {
		return nil, err
	}
	return job.Config(), nil
}

// Has reports whether id is tracked.
func (t *Tracker) Has(id string) bool {
	_, ok := t.jobs[id]
	return ok
}

// IDs returns tracked job ids in sorted order.
func (t *Tracker) IDs() []string {
	return sortedKeys(t.jobs)
}

// Stats returns the tracker counters.
func (t *Tracker) Stats() Stats {
	s := t.stats
	s.Jobs = len(t.jobs)
	s.Retired = len(t.retired)
	for _, list := range t.pending {
		s.Pending += len(list)
	}
	return s
}

func isKnownStream(s Stream) bool {
	if s == StreamLogMessage {
		return true
	}
	for _, f := range FieldStreams {
		if f == s {
			return true
		}
	}
	return false
}

func orderedIDs(current string, queued, finished []string) []string {
	out := make([]string, 0, len(queued)+len(finished)+1)
	if current != "" {
		out = append(out, current)
	}
	out = append(out, queued...)
	return append(out, finished...)
}

func sortedKeys(m map[string]*Job) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
