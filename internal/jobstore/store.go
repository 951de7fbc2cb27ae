package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valohub/reportd/internal/models"
)

// DefaultLogLimit is the soft cap on retained events per job. Oldest entries
// are trimmed first once the log grows past it.
const DefaultLogLimit = 500

// Keys groups the Redis keys backing one job.
type Keys struct {
	Base    string
	Log     string
	Meta    string
	Channel string
	Input   string
	Seq     string
}

// JobKeys derives the per-job key layout.
func JobKeys(jobID string) Keys {
	base := "reports:jobs:" + jobID
	return Keys{
		Base:    base,
		Log:     base + ":log",
		Meta:    base + ":meta",
		Channel: base + ":stream",
		Input:   base + ":input",
		Seq:     base + ":seq",
	}
}

// Store persists per-job event history, metadata, and the prompt input queue
// in Redis, and fans live events out over pub/sub.
type Store struct {
	client   *redis.Client
	logLimit int64
}

// New builds a store around an existing Redis client.
func New(client *redis.Client, logLimit int64) *Store {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	return &Store{client: client, logLimit: logLimit}
}

// Bootstrap clears any prior state for the job id and writes initial metadata
// with status queued. Safe to call once per job; ids are generated fresh per
// submission, so a second call simply resets.
func (s *Store) Bootstrap(ctx context.Context, jobID string, req models.ReportRequest) (models.Meta, error) {
	keys := JobKeys(jobID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	meta := models.Meta{
		"job_id":      jobID,
		"status":      models.StatusQueued,
		"team_tag":    req.TeamTag,
		"team_name":   req.TeamName,
		"match_count": nil,
		"share_email": nil,
		"created_at":  now,
		"updated_at":  now,
	}
	if req.MatchCount > 0 {
		meta["match_count"] = req.MatchCount
	}
	if req.ShareEmail != "" {
		meta["share_email"] = req.ShareEmail
	}
	if req.CreatedBy != "" {
		meta["created_by"] = req.CreatedBy
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys.Log, keys.Input, keys.Meta, keys.Seq)
	pipe.HSet(ctx, keys.Meta, encodeMeta(meta))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap job %s: %w", jobID, err)
	}

	_, err := s.AppendEvent(ctx, jobID, models.EventStatus, models.StatusPayload{
		Status:    models.StatusQueued,
		UpdatedAt: now,
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// statusGuard applies a status transition unless the current value forbids
// it: terminal statuses are never overwritten, and cancelling is never
// demoted back to a non-terminal status. Returns {applied, current}.
var statusGuard = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
local target = ARGV[1]
if current == 'finished' or current == 'failed' or current == 'cancelled' then
  return {0, current}
end
if current == 'cancelling' and (target == 'started' or target == 'running' or target == 'queued') then
  return {0, current}
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('HSET', KEYS[1], 'status', target)
return {1, target}
`)

// UpdateStatus persists and broadcasts a status transition. The returned
// status is the value actually in effect afterwards: when the guard refuses
// the transition (terminal job, or a cancel racing a worker update), the
// current status comes back unchanged and no event is appended.
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string, extra map[string]any) (string, error) {
	keys := JobKeys(jobID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	fields := map[string]any{"updated_at": now}
	for k, v := range extra {
		fields[k] = v
	}
	args := []any{status}
	for k, v := range encodeMeta(fields) {
		args = append(args, k, v)
	}

	res, err := statusGuard.Run(ctx, s.client, []string{keys.Meta}, args...).Result()
	if err != nil {
		return "", fmt.Errorf("update status for job %s: %w", jobID, err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return "", fmt.Errorf("unexpected status guard reply: %T", res)
	}
	applied := arr[0].(int64) == 1
	current, _ := arr[1].(string)
	if !applied {
		return current, nil
	}

	payload := models.StatusPayload{Status: status, UpdatedAt: now}
	if msg, ok := extra["error"].(string); ok {
		payload.Error = msg
	}
	if _, err := s.AppendEvent(ctx, jobID, models.EventStatus, payload); err != nil {
		return status, err
	}
	return status, nil
}

// AppendEvent appends a system event to the durable log and publishes it on
// the job's channel.
func (s *Store) AppendEvent(ctx context.Context, jobID string, typ models.EventType, payload any) (models.Event, error) {
	return s.appendEvent(ctx, jobID, typ, models.OriginSystem, payload)
}

func (s *Store) appendEvent(ctx context.Context, jobID string, typ models.EventType, origin models.Origin, payload any) (models.Event, error) {
	keys := JobKeys(jobID)

	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	seq, err := s.client.Incr(ctx, keys.Seq).Result()
	if err != nil {
		return models.Event{}, fmt.Errorf("next event seq for job %s: %w", jobID, err)
	}

	event := models.Event{
		Seq:       seq,
		Type:      typ,
		Origin:    origin,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	line, err := json.Marshal(event)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, keys.Log, line)
	pipe.LTrim(ctx, keys.Log, -s.logLimit, -1)
	pipe.Publish(ctx, keys.Channel, line)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Event{}, fmt.Errorf("append event for job %s: %w", jobID, err)
	}
	return event, nil
}

// LogLines replays the stored log in insertion order.
func (s *Store) LogLines(ctx context.Context, jobID string) ([]models.Event, error) {
	keys := JobKeys(jobID)
	raw, err := s.client.LRange(ctx, keys.Log, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log for job %s: %w", jobID, err)
	}
	events := make([]models.Event, 0, len(raw))
	for _, line := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Tolerate a malformed line the way the stream does: surface it
			// as plain progress text instead of dropping history.
			payload, _ := json.Marshal(models.ProgressPayload{Message: line})
			ev = models.Event{Type: models.EventProgress, Origin: models.OriginSystem, Payload: payload, Timestamp: time.Now().UTC()}
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetMeta returns the decoded metadata hash. A missing job yields an empty
// map, not an error.
func (s *Store) GetMeta(ctx context.Context, jobID string) (models.Meta, error) {
	keys := JobKeys(jobID)
	stored, err := s.client.HGetAll(ctx, keys.Meta).Result()
	if err != nil {
		return nil, fmt.Errorf("read meta for job %s: %w", jobID, err)
	}
	meta := make(models.Meta, len(stored))
	for k, v := range stored {
		meta[k] = decodeMetaValue(v)
	}
	return meta, nil
}

// MergeMeta merges fields into the metadata hash without implying a status
// transition and without emitting an event.
func (s *Store) MergeMeta(ctx context.Context, jobID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	keys := JobKeys(jobID)
	if err := s.client.HSet(ctx, keys.Meta, encodeMeta(fields)).Err(); err != nil {
		return fmt.Errorf("merge meta for job %s: %w", jobID, err)
	}
	return nil
}

// PushUserInput records a user_message audit event and enqueues the same
// content onto the blocking input queue exactly once.
func (s *Store) PushUserInput(ctx context.Context, jobID, message, author, promptID string) (models.Event, error) {
	event, err := s.appendEvent(ctx, jobID, models.EventUserMessage, models.OriginUser, models.UserMessagePayload{
		Message:  message,
		Author:   author,
		PromptID: promptID,
	})
	if err != nil {
		return models.Event{}, err
	}

	keys := JobKeys(jobID)
	entry, err := json.Marshal(models.UserInput{Message: message, Author: author, PromptID: promptID})
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal input entry: %w", err)
	}
	if err := s.client.RPush(ctx, keys.Input, entry).Err(); err != nil {
		return models.Event{}, fmt.Errorf("push input for job %s: %w", jobID, err)
	}
	return event, nil
}

// PopUserInput blocks up to timeout for the next queued input. A timeout is a
// normal outcome and returns (nil, nil); callers poll again.
func (s *Store) PopUserInput(ctx context.Context, jobID string, timeout time.Duration) (*models.UserInput, error) {
	keys := JobKeys(jobID)
	res, err := s.client.BLPop(ctx, timeout, keys.Input).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop input for job %s: %w", jobID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply length %d", len(res))
	}
	var input models.UserInput
	if err := json.Unmarshal([]byte(res[1]), &input); err != nil {
		input = models.UserInput{Message: res[1]}
	}
	return &input, nil
}

// Subscribe opens a pub/sub subscription on the job's live channel. The
// subscription is confirmed before returning, so events published afterwards
// are not missed; callers replay the stored log for anything earlier.
func (s *Store) Subscribe(ctx context.Context, jobID string) (*redis.PubSub, error) {
	keys := JobKeys(jobID)
	sub := s.client.Subscribe(ctx, keys.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}
	return sub, nil
}

// encodeMeta flattens values for the Redis hash: nil becomes the empty
// string, structured values are JSON-encoded, everything else is stringified.
func encodeMeta(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = encodeMetaValue(v)
	}
	return out
}

func encodeMetaValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int, int32, int64, float64, bool:
		return fmt.Sprint(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func decodeMetaValue(v string) any {
	if v == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(v), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]any, []any:
			return parsed
		}
	}
	return v
}
