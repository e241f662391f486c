// Package queue implements the worker executor's wire transport: four
// named tasks routed onto four priority-distinguished Redis list queues,
// with a JSON codec and a heartbeat set the status snapshot samples. The
// broker is a transport, not a semantic layer — a payload is nothing but
// (process_id, user), and the worker side calls the same Process API
// internals the thread-pool executor does.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task names, one per queue. Starting and resuming are distinguished, and
// so are SYSTEM-target tasks versus user workflows, so each can be given
// its own worker capacity and priority.
const (
	TaskNewTask        = "tasks.new_task"
	TaskNewWorkflow    = "tasks.new_workflow"
	TaskResumeTask     = "tasks.resume_task"
	TaskResumeWorkflow = "tasks.resume_workflow"
)

// taskRoutes maps each task name to the queue it is delivered on.
var taskRoutes = map[string]string{
	TaskNewTask:        "new_tasks",
	TaskNewWorkflow:    "new_workflows",
	TaskResumeTask:     "resume_tasks",
	TaskResumeWorkflow: "resume_workflows",
}

// Queues lists the four queue names in consumption-priority order: resumes
// before new work, workflows before system tasks.
var Queues = []string{"resume_workflows", "resume_tasks", "new_workflows", "new_tasks"}

// QueueFor returns the queue a task name routes to.
func QueueFor(task string) (string, error) {
	q, ok := taskRoutes[task]
	if !ok {
		return "", fmt.Errorf("queue: unknown task %q", task)
	}
	return q, nil
}

// Envelope is one queued task invocation.
type Envelope struct {
	Task      string `json:"task"`
	ProcessID string `json:"process_id"`
	User      string `json:"user"`
}

// Codec is the engine's wire serializer, registered under the name
// "orchestrator-json": plain JSON with strict decoding of the envelope
// fields (the task must be known and the process id a UUID).
type Codec struct{}

// Name returns the codec's registered serializer name.
func (Codec) Name() string { return "orchestrator-json" }

// ContentType returns the codec's MIME type.
func (Codec) ContentType() string { return "application/json" }

// Charset returns the codec's character encoding.
func (Codec) Charset() string { return "utf-8" }

// Encode serializes an envelope for the wire.
func (Codec) Encode(env Envelope) ([]byte, error) {
	if _, err := QueueFor(env.Task); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("queue: encode envelope: %w", err)
	}
	return raw, nil
}

// Decode deserializes and validates a wire payload.
func (Codec) Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	if _, err := QueueFor(env.Task); err != nil {
		return Envelope{}, err
	}
	if _, err := uuid.Parse(env.ProcessID); err != nil {
		return Envelope{}, fmt.Errorf("queue: envelope process_id %q is not a UUID: %w", env.ProcessID, err)
	}
	return env, nil
}

const (
	queueKeyPrefix = "orchestrator:queue:"
	workersKey     = "orchestrator:workers"

	// heartbeatTTL bounds how stale a worker's heartbeat may be before the
	// status snapshot stops counting it as online.
	heartbeatTTL = 60 * time.Second
)

// Broker moves envelopes through Redis lists, one list per queue.
type Broker struct {
	rdb   *redis.Client
	codec Codec
}

// NewBroker wraps an existing redis.Client.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Enqueue encodes env and pushes it onto its task's queue.
func (b *Broker) Enqueue(ctx context.Context, env Envelope) error {
	q, err := QueueFor(env.Task)
	if err != nil {
		return err
	}
	raw, err := b.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, queueKeyPrefix+q, raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", env.Task, err)
	}
	return nil
}

// Dequeue blocks for up to timeout waiting for an envelope on any of the
// given queues, honouring their order as relative priority. A timeout with
// nothing queued returns ok=false and no error.
func (b *Broker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (Envelope, bool, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKeyPrefix + q
	}
	res, err := b.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	env, err := b.codec.Decode([]byte(res[1]))
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Lengths returns the number of queued envelopes per queue.
func (b *Broker) Lengths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Queues))
	for _, q := range Queues {
		n, err := b.rdb.LLen(ctx, queueKeyPrefix+q).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: length of %s: %w", q, err)
		}
		out[q] = n
	}
	return out, nil
}

// Heartbeat records that workerID is alive now.
func (b *Broker) Heartbeat(ctx context.Context, workerID string) error {
	if err := b.rdb.HSet(ctx, workersKey, workerID, time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", workerID, err)
	}
	return nil
}

// WorkersOnline counts workers whose heartbeat is fresher than the
// heartbeat TTL, pruning stale entries as it goes.
func (b *Broker) WorkersOnline(ctx context.Context) (int, error) {
	beats, err := b.rdb.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read worker heartbeats: %w", err)
	}

	cutoff := time.Now().Add(-heartbeatTTL).Unix()
	online := 0
	for workerID, raw := range beats {
		var beat int64
		if _, err := fmt.Sscanf(raw, "%d", &beat); err != nil || beat < cutoff {
			_ = b.rdb.HDel(ctx, workersKey, workerID).Err()
			continue
		}
		online++
	}
	return online, nil
}
