package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// ErrDuplicate is returned when a job id has already been accepted by the
// store. Fresh enqueues never hit this; it guards internal double-appends.
var ErrDuplicate = errors.New("job already enqueued")

// dedupTTL bounds the job-id dedup set. One hour comfortably covers the
// longest possible retry chain.
const dedupTTL = time.Hour

// appendLuaScript admits a job exactly once: the id is registered in the
// dedup set and the payload appended to the ready stream in one atomic step.
const appendLuaScript = `
local dedupKey = KEYS[1]
local streamKey = KEYS[2]
local jobID = ARGV[1]
local payload = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call("SISMEMBER", dedupKey, jobID) == 1 then
    return ""
end
redis.call("SADD", dedupKey, jobID)
redis.call("EXPIRE", dedupKey, ttl)
return redis.call("XADD", streamKey, "*", "job", payload)
`

// appendParkedLuaScript is the parked-set variant of the admission script.
const appendParkedLuaScript = `
local dedupKey = KEYS[1]
local parkedKey = KEYS[2]
local jobID = ARGV[1]
local payload = ARGV[2]
local score = ARGV[3]
local ttl = tonumber(ARGV[4])

if redis.call("SISMEMBER", dedupKey, jobID) == 1 then
    return 0
end
redis.call("SADD", dedupKey, jobID)
redis.call("EXPIRE", dedupKey, ttl)
redis.call("ZADD", parkedKey, score, payload)
return 1
`

// promoteLuaScript moves a due job from the parked set to its ready stream.
// ZREM returning 0 means another promoter won the race; the caller skips.
const promoteLuaScript = `
local parkedKey = KEYS[1]
local streamKey = KEYS[2]
local payload = ARGV[1]

if redis.call("ZREM", parkedKey, payload) == 0 then
    return ""
end
return redis.call("XADD", streamKey, "*", "job", payload)
`

// Store is the durable queue backend. All workers, the scheduler, and the
// HTTP shell share one Store per process.
type Store struct {
	client *redis.Client

	appendScript       *redis.Script
	appendParkedScript *redis.Script
	promoteScript      *redis.Script
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{
		client:             client,
		appendScript:       redis.NewScript(appendLuaScript),
		appendParkedScript: redis.NewScript(appendParkedLuaScript),
		promoteScript:      redis.NewScript(promoteLuaScript),
	}
}

// Open connects to Redis, verifies the connection, and returns a Store.
func Open(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Pool sizing for a worker fleet hammering short commands.
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to queue store", "addr", opts.Addr)
	return New(client), nil
}

// Client exposes the underlying connection for collaborators that share the
// store (audit writer, rate limiter, distributed locks).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureGroup creates the consumer group on every priority stream. Safe to
// call from every process at boot.
func (s *Store) EnsureGroup(ctx context.Context) error {
	for _, p := range job.Priorities() {
		err := s.client.XGroupCreateMkStream(ctx, StreamKey(p), Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", StreamKey(p), err)
		}
	}
	return nil
}

// Append writes a job to the ready stream for its priority and returns the
// stream entry id.
func (s *Store) Append(ctx context.Context, j *job.Job) (string, error) {
	payload, err := j.Encode()
	if err != nil {
		return "", err
	}
	res, err := s.appendScript.Run(ctx, s.client,
		[]string{keyDedup, StreamKey(j.Priority)},
		j.ID, payload, int(dedupTTL.Seconds()),
	).Text()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", j.ID, err)
	}
	if res == "" {
		return "", ErrDuplicate
	}
	return res, nil
}

// AppendParked stores a future-dated job in the parked set, scored by its
// scheduled time in epoch milliseconds.
func (s *Store) AppendParked(ctx context.Context, j *job.Job) error {
	if j.ScheduledFor == nil {
		return errors.New("job has no scheduled time")
	}
	payload, err := j.Encode()
	if err != nil {
		return err
	}
	admitted, err := s.appendParkedScript.Run(ctx, s.client,
		[]string{keyDedup, keyParked},
		j.ID, payload, j.ScheduledFor.UnixMilli(), int(dedupTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("park %s: %w", j.ID, err)
	}
	if admitted == 0 {
		return ErrDuplicate
	}
	return nil
}

// ParkRetry re-parks a job for a delayed retry. The id is already in the
// dedup set from the original enqueue, so this writes the set directly.
func (s *Store) ParkRetry(ctx context.Context, j *job.Job) error {
	if j.ScheduledFor == nil {
		return errors.New("retry has no scheduled time")
	}
	payload, err := j.Encode()
	if err != nil {
		return err
	}
	err = s.client.ZAdd(ctx, keyParked, redis.Z{
		Score:  float64(j.ScheduledFor.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("park retry %s: %w", j.ID, err)
	}
	return nil
}

// DueParked returns up to limit parked payloads whose scheduled time is at
// or before now.
func (s *Store) DueParked(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	payloads, err := s.client.ZRangeByScore(ctx, keyParked, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read parked set: %w", err)
	}
	return payloads, nil
}

// DropParked removes a parked payload without promoting it. Used for
// entries that can no longer be decoded and would otherwise wedge the set.
func (s *Store) DropParked(ctx context.Context, payload string) error {
	if err := s.client.ZRem(ctx, keyParked, payload).Err(); err != nil {
		return fmt.Errorf("drop parked entry: %w", err)
	}
	return nil
}

// Promote moves a parked payload to the ready stream for p. Returns false
// without error when another promoter already moved it.
func (s *Store) Promote(ctx context.Context, payload string, p job.Priority) (bool, error) {
	res, err := s.promoteScript.Run(ctx, s.client,
		[]string{keyParked, StreamKey(p)},
		payload,
	).Text()
	if err != nil {
		return false, fmt.Errorf("promote to %s: %w", p, err)
	}
	return res != "", nil
}

// Delivery is one stream entry handed to a consumer.
type Delivery struct {
	Priority job.Priority
	EntryID  string
	Payload  []byte
}

// ReadGroup polls the priority streams for the shared group. Priorities are
// always served strictly high before medium before low: a fast non-blocking
// sweep returns the first non-empty stream, and only when all three are
// empty does the call block across them for up to block. A blocking wake-up
// may deliver entries from more than one stream; they are returned in
// priority order.
func (s *Store) ReadGroup(ctx context.Context, consumer string, max int64, block time.Duration) ([]Delivery, error) {
	for _, p := range job.Priorities() {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: consumer,
			Streams:  []string{StreamKey(p), ">"},
			Count:    max,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", StreamKey(p), err)
		}
		if out := collectDeliveries(streams); len(out) > 0 {
			return out, nil
		}
	}

	if block <= 0 {
		return nil, nil
	}

	keys := make([]string, 0, 6)
	for _, p := range job.Priorities() {
		keys = append(keys, StreamKey(p))
	}
	for range job.Priorities() {
		keys = append(keys, ">")
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  keys,
		Count:    max,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("blocking read: %w", err)
	}
	return collectDeliveries(streams), nil
}

// collectDeliveries flattens XREADGROUP results. Redis reports streams in
// the order they were requested, which is already priority order.
func collectDeliveries(streams []redis.XStream) []Delivery {
	var out []Delivery
	for _, st := range streams {
		p := job.Priority(strings.TrimPrefix(st.Stream, "queue:ready:"))
		for _, msg := range st.Messages {
			d := Delivery{Priority: p, EntryID: msg.ID}
			if raw, ok := msg.Values["job"]; ok {
				if str, ok := raw.(string); ok {
					d.Payload = []byte(str)
				}
			}
			out = append(out, d)
		}
	}
	return out
}

// Ack acknowledges a delivered entry and removes it from the stream.
func (s *Store) Ack(ctx context.Context, p job.Priority, entryID string) error {
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, StreamKey(p), Group, entryID)
	pipe.XDel(ctx, StreamKey(p), entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s on %s: %w", entryID, StreamKey(p), err)
	}
	return nil
}

// PendingEntry describes one delivered-but-unacked stream entry.
type PendingEntry struct {
	EntryID       string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Pending lists the group's unacknowledged entries for one priority.
func (s *Store) Pending(ctx context.Context, p job.Priority) ([]PendingEntry, error) {
	rows, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamKey(p),
		Group:  Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending on %s: %w", StreamKey(p), err)
	}
	out := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingEntry{
			EntryID:       row.ID,
			Consumer:      row.Consumer,
			Idle:          row.Idle,
			DeliveryCount: row.RetryCount,
		})
	}
	return out, nil
}

// Claim reassigns entries idle longer than minIdle to consumer and returns
// their payloads for re-processing. Entries that were acked or claimed
// elsewhere in the meantime are simply absent from the result.
func (s *Store) Claim(ctx context.Context, p job.Priority, consumer string, minIdle time.Duration, entryIDs []string) ([]Delivery, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamKey(p),
		Group:    Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: entryIDs,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim on %s: %w", StreamKey(p), err)
	}
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d := Delivery{Priority: p, EntryID: msg.ID}
		if raw, ok := msg.Values["job"]; ok {
			if str, ok := raw.(string); ok {
				d.Payload = []byte(str)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// AddDeadLetter records a terminally failed job in the dead-letter hash.
func (s *Store) AddDeadLetter(ctx context.Context, e *job.DeadLetterEntry) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, keyDLQ, e.JobID, payload).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.JobID, err)
	}
	return nil
}

// DeadLetter fetches one dead-letter entry, or nil when absent.
func (s *Store) DeadLetter(ctx context.Context, jobID string) (*job.DeadLetterEntry, error) {
	payload, err := s.client.HGet(ctx, keyDLQ, jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dead letter %s: %w", jobID, err)
	}
	return job.DecodeDeadLetter([]byte(payload))
}

// DeadLetters returns every dead-letter entry. Entries that fail to decode
// are skipped; the queue keeps serving around a corrupt record.
func (s *Store) DeadLetters(ctx context.Context) ([]*job.DeadLetterEntry, error) {
	rows, err := s.client.HGetAll(ctx, keyDLQ).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]*job.DeadLetterEntry, 0, len(rows))
	for id, payload := range rows {
		e, err := job.DecodeDeadLetter([]byte(payload))
		if err != nil {
			logger.Warn("skipping undecodable dead letter", "job_id", id, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Depths reports the observable queue sizes.
type Depths struct {
	Ready      map[job.Priority]int64
	Parked     int64
	DeadLetter int64
}

// Depths reads stream lengths, parked cardinality, and DLQ size in one
// round trip.
func (s *Store) Depths(ctx context.Context) (*Depths, error) {
	pipe := s.client.Pipeline()
	lens := make(map[job.Priority]*redis.IntCmd, 3)
	for _, p := range job.Priorities() {
		lens[p] = pipe.XLen(ctx, StreamKey(p))
	}
	parked := pipe.ZCard(ctx, keyParked)
	dlq := pipe.HLen(ctx, keyDLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read queue depths: %w", err)
	}

	d := &Depths{Ready: make(map[job.Priority]int64, 3)}
	for p, cmd := range lens {
		d.Ready[p] = cmd.Val()
	}
	d.Parked = parked.Val()
	d.DeadLetter = dlq.Val()
	return d, nil
}

// StreamLen returns the current length of one ready stream.
func (s *Store) StreamLen(ctx context.Context, p job.Priority) (int64, error) {
	n, err := s.client.XLen(ctx, StreamKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", StreamKey(p), err)
	}
	return n, nil
}

// statsTTL keeps daily counters readable for two days.
const statsTTL = 48 * time.Hour

// IncrSent bumps the lifetime and daily sent counters.
func (s *Store) IncrSent(ctx context.Context, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, keySentTotal)
	pipe.Incr(ctx, sentDayKey(day))
	pipe.Expire(ctx, sentDayKey(day), statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr sent: %w", err)
	}
	return nil
}

// IncrFailed bumps the lifetime and daily failed counters.
func (s *Store) IncrFailed(ctx context.Context, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, keyFailedTotal)
	pipe.Incr(ctx, failedDayKey(day))
	pipe.Expire(ctx, failedDayKey(day), statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr failed: %w", err)
	}
	return nil
}

// Counters is the rolling sent/failed view used by the stats endpoint.
type Counters struct {
	SentTotal   int64
	FailedTotal int64
	SentToday   int64
	FailedToday int64
}

// Counters reads the lifetime and today's counters.
func (s *Store) Counters(ctx context.Context, now time.Time) (*Counters, error) {
	day := now.UTC().Format("2006-01-02")
	pipe := s.client.Pipeline()
	sent := pipe.Get(ctx, keySentTotal)
	failed := pipe.Get(ctx, keyFailedTotal)
	sentDay := pipe.Get(ctx, sentDayKey(day))
	failedDay := pipe.Get(ctx, failedDayKey(day))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read counters: %w", err)
	}

	c := &Counters{}
	c.SentTotal, _ = sent.Int64()
	c.FailedTotal, _ = failed.Int64()
	c.SentToday, _ = sentDay.Int64()
	c.FailedToday, _ = failedDay.Int64()
	return c, nil
}

// Heartbeat marks a worker process alive for ttl.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return s.client.Set(ctx, HeartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// AliveWorkers returns the ids of worker processes with a fresh heartbeat.
func (s *Store) AliveWorkers(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, heartbeatPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan heartbeats: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, "worker:heartbeat:"))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// GroupMembers expands a recipient group to its member addresses, dropping
// excluded members while preserving list order.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	pipe := s.client.Pipeline()
	members := pipe.LRange(ctx, groupEmailsKey(groupID), 0, -1)
	excluded := pipe.LRange(ctx, groupExcludedKey(groupID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("expand group %s: %w", groupID, err)
	}

	skip := make(map[string]struct{}, len(excluded.Val()))
	for _, e := range excluded.Val() {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(members.Val()))
	for _, m := range members.Val() {
		if _, drop := skip[m]; drop {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
