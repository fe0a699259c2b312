package relay

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/envelope"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/heartbeat"
	"github.com/vinayprograms/lovebridge/queue"
	"github.com/vinayprograms/lovebridge/registry"
)

// Queue relay envelope topics.
const (
	StateStreamTopic  = "stateStream"
	JobHeartbeatTopic = "script_heartbeat"
)

const (
	queueComponent      = "ScriptQueue"
	defaultQueueTopic   = queueComponent + ".logevent_queue"
	defaultJobComponent = "Script"
	defaultCommandTopic = "Script.cmd_setLogLevel"
)

// jobTopics maps per-job bus topic suffixes to tracker streams.
var jobTopics = []struct {
	suffix string
	stream queue.Stream
}{
	{"logevent_state", queue.StreamState},
	{"logevent_checkpoints", queue.StreamCheckpoints},
	{"logevent_description", queue.StreamDescription},
	{"logevent_metadata", queue.StreamMetadata},
	{"logevent_logLevel", queue.StreamLogLevel},
	{"logevent_logMessage", queue.StreamLogMessage},
}

// QueueConfig configures the job-queue relay.
type QueueConfig struct {
	// Index is the queue discriminator on the bus.
	Index int

	// Tracker bounds retirement and pending updates.
	Tracker queue.Config

	// JobHeartbeat sets the job heartbeat timeout and lost threshold.
	JobHeartbeat heartbeat.MonitorConfig

	// QueueTopic carries the queue ordering.
	// Default: "ScriptQueue.logevent_queue"
	QueueTopic string

	// JobComponent prefixes the per-job topics.
	// Default: "Script"
	JobComponent string

	// CommandTopic receives set_log_level, suffixed with the job id.
	// Default: "Script.cmd_setLogLevel"
	CommandTopic string
}

// Queue tracks the job queue. New jobs get their per-job subscriptions
// when they appear and lose them when they leave.
type Queue struct {
	config  QueueConfig
	source  string
	loop    *Loop
	tracker *queue.Tracker
	monitor *heartbeat.Monitor

	// jobs watched during the current ApplyQueue, seeded afterwards
	seeds []string
}

// NewQueue creates the job-queue relay.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.QueueTopic == "" {
		cfg.QueueTopic = defaultQueueTopic
	}
	if cfg.JobComponent == "" {
		cfg.JobComponent = defaultJobComponent
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = defaultCommandTopic
	}
	m, err := heartbeat.NewMonitor(cfg.JobHeartbeat)
	if err != nil {
		return nil, err
	}
	return &Queue{
		config:  cfg,
		source:  queueComponent + ":" + strconv.Itoa(cfg.Index),
		monitor: m,
	}, nil
}

// Source returns the envelope source of the queue relay.
func (q *Queue) Source() string { return q.source }

// Setup subscribes the queue topic, registers the job commands and applies
// the last queue sample already on the bus.
func (q *Queue) Setup(l *Loop) error {
	q.loop = l
	q.tracker = queue.NewTracker(q.config.Tracker, q,
		queue.WithClock(l.Now),
		queue.WithLogger(l.Logger()),
	)

	disc := strconv.Itoa(q.config.Index)
	if err := l.Registry().Subscribe(q.config.QueueTopic, disc, q.onQueue); err != nil {
		return err
	}

	l.Handle(envelope.CmdQueryJobInfo, q.queryJobInfo)
	l.Handle(envelope.CmdQueryJobConfig, q.queryJobConfig)
	l.HandleDeferred(envelope.CmdSetLogLevel, q.setLogLevel)
	l.Handle(envelope.CmdInitialState, q.initialState)

	subject := bus.Subject(q.config.QueueTopic, disc)
	msg, err := l.Bus().ReadLatest(subject)
	switch {
	case err == nil:
		q.applyQueue(q.config.QueueTopic, msg)
	case !errors.Is(err, bus.ErrNoSample):
		l.Logger().Warn("initial queue read failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
	return nil
}

func (q *Queue) jobTopic(suffix string) string {
	return q.config.JobComponent + "." + suffix
}

// Watch subscribes the per-job streams of id. Called by the tracker.
func (q *Queue) Watch(id string) error {
	var errs []error
	for _, jt := range jobTopics {
		if err := q.loop.Registry().Subscribe(q.jobTopic(jt.suffix), id, q.onJob(jt.stream)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := q.loop.Registry().Subscribe(q.jobTopic("logevent_heartbeat"), id, q.onJobBeat); err != nil {
		errs = append(errs, err)
	}
	q.monitor.Register(id, q.loop.Now())
	q.seeds = append(q.seeds, id)
	return errors.Join(errs...)
}

// Unwatch releases the per-job streams of id. Called by the tracker.
func (q *Queue) Unwatch(id string) {
	for _, jt := range jobTopics {
		q.loop.Registry().Unsubscribe(q.jobTopic(jt.suffix), id)
	}
	q.loop.Registry().Unsubscribe(q.jobTopic("logevent_heartbeat"), id)
	q.monitor.Unregister(id)
}

func (q *Queue) onQueue(d registry.Delivery) {
	q.applyQueue(d.Topic, d.Message)
}

func (q *Queue) applyQueue(topic string, msg *bus.Message) {
	sample, err := envelope.DecodeMessage(topic, msg)
	if err != nil {
		q.loop.Malformed(msg.Subject, err)
		return
	}
	if err := q.tracker.ApplyQueue(QueueUpdateFrom(sample)); err != nil {
		q.loop.Logger().Warn("job subscriptions incomplete", map[string]interface{}{"error": err.Error()})
	}
	q.seed()
}

// seed applies the latest sample of each per-job stream of newly watched
// jobs. Samples published before the job appeared in the queue are
// recovered this way.
func (q *Queue) seed() {
	ids := q.seeds
	q.seeds = nil
	for _, id := range ids {
		for _, jt := range jobTopics {
			if jt.stream == queue.StreamLogMessage {
				continue
			}
			topic := q.jobTopic(jt.suffix)
			msg, err := q.loop.Bus().ReadLatest(bus.Subject(topic, id))
			if err != nil {
				continue
			}
			q.applyJob(jt.stream, topic, id, msg)
		}
	}
}

func (q *Queue) onJob(stream queue.Stream) registry.Callback {
	return func(d registry.Delivery) {
		q.applyJob(stream, d.Topic, d.Discriminator, d.Message)
	}
}

func (q *Queue) applyJob(stream queue.Stream, topic, id string, msg *bus.Message) {
	sample, err := envelope.DecodeSample(topic, id, msg.Data, msg.Received)
	if err != nil {
		q.loop.Malformed(msg.Subject, err)
		return
	}
	outcome, err := q.tracker.ApplyJob(queue.JobUpdate{
		ID:        id,
		Stream:    stream,
		Fields:    sample.Fields,
		Timestamp: sample.Timestamp,
	})
	if err != nil {
		q.loop.Logger().Warn("job update rejected", map[string]interface{}{
			"job":    id,
			"stream": string(stream),
			"error":  err.Error(),
		})
		return
	}
	if outcome != queue.Applied {
		q.loop.Logger().Debug("job update not applied", map[string]interface{}{
			"job":     id,
			"stream":  string(stream),
			"outcome": outcome.String(),
		})
	}
}

func (q *Queue) onJobBeat(d registry.Delivery) {
	if _, err := envelope.DecodeMessage(d.Topic, d.Message); err != nil {
		q.loop.Malformed(d.Message.Subject, err)
		return
	}
	q.beats(q.monitor.Observe(d.Discriminator, q.loop.Now()))
	if rec, ok := q.monitor.Record(d.Discriminator); ok {
		q.tracker.RecordHeartbeat(rec.Source, rec.LastSeen, rec.Misses)
	}
}

// beats reports job heartbeat changes downstream.
func (q *Queue) beats(events []heartbeat.Event) {
	for _, e := range events {
		if e.From != e.To {
			q.loop.Logger().HeartbeatTransition("job "+e.Source, string(e.From), string(e.To), e.Misses)
		}
		q.tracker.RecordHeartbeat(e.Source, e.LastSeen, e.Misses)

		salindex, _ := strconv.Atoi(e.Source)
		q.loop.Send(envelope.Envelope{
			Source: q.source,
			Topic:  JobHeartbeatTopic,
			Payload: map[string]any{
				"salindex":                 salindex,
				"lost":                     e.Misses,
				"last_heartbeat_timestamp": e.LastSeenSeconds(),
			},
			Timestamp: e.At,
		})
	}
}

// Tick expires held updates and advances job heartbeat miss counts.
func (q *Queue) Tick(now time.Time) {
	q.tracker.Expire()
	q.beats(q.monitor.Tick(now))
}

// Flush publishes the queue snapshot once per batch, if anything changed.
func (q *Queue) Flush() {
	if snap, ok := q.tracker.Publish(); ok {
		q.loop.Publish(q.stateEnvelope(snap))
	}
}

// Connected publishes the full snapshot.
func (q *Queue) Connected() {
	q.loop.Publish(q.stateEnvelope(q.tracker.Snapshot()))
}

func (q *Queue) stateEnvelope(snap queue.Snapshot) envelope.Envelope {
	return envelope.Envelope{
		Source:    q.source,
		Topic:     StateStreamTopic,
		Payload:   envelope.Sanitize(snap.Payload()),
		Timestamp: snap.Timestamp,
	}
}

func jobID(cmd *envelope.Command) (string, error) {
	for _, name := range []string{"job_id", "salindex"} {
		if id, ok := cmd.StringParam(name); ok {
			return id, nil
		}
	}
	return "", bridgeerr.InvalidInput(cmd.Type + " needs job_id")
}

func (q *Queue) queryJobInfo(_ context.Context, cmd *envelope.Command) (map[string]any, error) {
	id, err := jobID(cmd)
	if err != nil {
		return nil, err
	}
	job, err := q.tracker.Job(id)
	if err != nil {
		return nil, err
	}
	return job.Fields(), nil
}

func (q *Queue) queryJobConfig(_ context.Context, cmd *envelope.Command) (map[string]any, error) {
	id, err := jobID(cmd)
	if err != nil {
		return nil, err
	}
	return q.tracker.JobConfig(id)
}

// setLogLevel forwards the level to the job on the bus and replies with
// the job's acknowledgement. The request runs off the loop goroutine.
func (q *Queue) setLogLevel(_ context.Context, cmd *envelope.Command) (Work, error) {
	id, err := jobID(cmd)
	if err != nil {
		return nil, err
	}
	level, ok := cmd.IntParam("level")
	if !ok {
		return nil, bridgeerr.InvalidInput("set_log_level needs an integer level")
	}
	if !q.tracker.Has(id) {
		return nil, bridgeerr.NotFound("job "+id+" not found", bridgeerr.WithMetadata("job_id", id))
	}

	data, err := envelope.EncodeSample(map[string]any{"level": level})
	if err != nil {
		return nil, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeInternal, "encode command")
	}

	subject := bus.Subject(q.config.CommandTopic, id)
	b, tracer, timeout := q.loop.Bus(), q.loop.Tracer(), q.loop.RequestTimeout()
	return func(ctx context.Context) (map[string]any, error) {
		_, span := tracer.StartBusRequestSpan(ctx, subject)
		reply, err := b.Request(subject, data, timeout)
		if err != nil {
			err = requestError(subject, err)
		}
		tracer.EndSpan(span, err)
		if err != nil {
			return nil, err
		}

		out := map[string]any{"job_id": id, "level": level}
		if ack, derr := envelope.DecodeSample(subject, "", reply.Data, reply.Received); derr == nil {
			out["ack"] = ack.Fields
		} else if len(reply.Data) > 0 {
			out["ack"] = string(reply.Data)
		}
		return out, nil
	}, nil
}

func requestError(subject string, err error) error {
	if bridgeerr.Classify(err) == bridgeerr.ErrCodeTimeout {
		return bridgeerr.Wrap(err, "no acknowledgement from "+subject, bridgeerr.WithMetadata("subject", subject))
	}
	return bridgeerr.BusUnavailable(subject, err)
}

// initialState answers with a fresh queue snapshot.
func (q *Queue) initialState(_ context.Context, _ *envelope.Command) (map[string]any, error) {
	env := q.stateEnvelope(q.tracker.Snapshot())
	return map[string]any{"envelopes": []any{envelopeMap(env)}}, nil
}

// QueueUpdateFrom reads a queue sample: the current job, the waiting jobs
// and the finished jobs, each list cut to its declared length.
func QueueUpdateFrom(s envelope.Sample) queue.QueueUpdate {
	u := queue.QueueUpdate{
		Enabled:   asBool(s.Fields["enabled"]),
		Running:   asBool(s.Fields["running"]),
		Timestamp: s.Timestamp,
	}
	if cur, ok := asInt(s.Fields["currentSalIndex"]); ok && cur > 0 {
		u.Current = strconv.Itoa(cur)
	}
	u.Queued = idList(s.Fields["salIndices"], s.Fields["length"])
	u.Finished = idList(s.Fields["pastSalIndices"], s.Fields["pastLength"])
	return u
}

func idList(v, length any) []string {
	list, _ := v.([]any)
	if n, ok := asInt(length); ok && n >= 0 && n < len(list) {
		list = list[:n]
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if id, ok := asInt(x); ok && id > 0 {
			out = append(out, strconv.Itoa(id))
		}
	}
	return out
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	default:
		n, ok := asInt(v)
		return ok && n != 0
	}
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case int32:
		return int(x), true
	case uint32:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
	case float32:
		if x == float32(int(x)) {
			return int(x), true
		}
	}
	return 0, false
}
