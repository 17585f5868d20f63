package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Claim when the block timeout passed without a job.
var ErrEmpty = errors.New("queue empty")

type Reason string

const (
	ReasonMalformed Reason = "malformed"
	ReasonNotFound  Reason = "not_found"
	ReasonForbidden Reason = "forbidden"
	ReasonExhausted Reason = "retries_exhausted"
)

// The three transitions out of Claimed only act when the job is still in the
// processing list; a job the reaper already returned to the source queue is
// left alone so it is never duplicated.
var (
	ackScript = r.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[2] ~= '' then redis.call('HDEL', KEYS[3], ARGV[2]) end
return n`)

	moveScript = r.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if n > 0 then redis.call('RPUSH', KEYS[3], ARGV[1]) end
return n`)

	deadScript = r.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if n > 0 then
  redis.call('LPUSH', KEYS[3], ARGV[1])
  redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
end
if ARGV[3] ~= '' then redis.call('HDEL', KEYS[5], ARGV[3]) end
return n`)

	redriveScript = r.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then return false end
redis.call('HDEL', KEYS[2], raw)
redis.call('LPUSH', KEYS[3], raw)
return raw`)
)

type RedisQ struct {
	rdb        r.UniversalClient
	name       string
	visibility time.Duration
	reapBatch  int64
	now        func() time.Time
}

type Option func(*RedisQ)

// WithVisibility sets how long a claimed job may stay in the processing list
// before the reaper hands it to another worker.
func WithVisibility(d time.Duration) Option { return func(q *RedisQ) { q.visibility = d } }

func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func New(rdb r.UniversalClient, name string, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:        rdb,
		name:       name,
		visibility: 60 * time.Second,
		reapBatch:  500,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) Name() string { return q.name }

// Enqueue appends the job to the head of the source list. Errors are returned
// to the caller untouched by any retry: a failed push must fail the request.
func (q *RedisQ) Enqueue(ctx context.Context, job domain.MutationJob) error {
	raw, err := job.Encode()
	if err != nil {
		return err
	}
	return errors.Wrapf(q.rdb.LPush(ctx, q.name, raw).Err(), "lpush %s", q.name)
}

// Claim blocks up to block for the oldest job and moves it into the
// processing list in the same command, then records its claim deadline.
func (q *RedisQ) Claim(ctx context.Context, block time.Duration) (string, error) {
	raw, err := q.rdb.BLMove(ctx, q.name, processingKey(q.name), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, r.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", errors.Wrapf(err, "blmove %s", q.name)
	}
	// On failure the job still sits in the processing list and Reap seeds its claim.
	deadline := q.now().Add(q.visibility)
	_ = q.rdb.ZAdd(ctx, claimsKey(q.name), r.Z{Score: score(deadline), Member: raw}).Err()
	return raw, nil
}

// Ack removes an applied job. It reports false when the job was no longer
// claimed, which means the reaper already returned it to the source queue.
func (q *RedisQ) Ack(ctx context.Context, raw, jobID string) (bool, error) {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{processingKey(q.name), claimsKey(q.name), attemptsKey(q.name)},
		raw, jobID).Int()
	if err != nil {
		return false, errors.Wrap(err, "ack")
	}
	return n > 0, nil
}

// Retry returns a claimed job to the consuming end of the source list so it
// is the next one picked up from this partition.
func (q *RedisQ) Retry(ctx context.Context, raw string) (bool, error) {
	n, err := moveScript.Run(ctx, q.rdb,
		[]string{processingKey(q.name), claimsKey(q.name), q.name}, raw).Int()
	if err != nil {
		return false, errors.Wrap(err, "retry")
	}
	return n > 0, nil
}

type DeadLetter struct {
	Raw      string    `json:"job"`
	Reason   Reason    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter parks a claimed job on the dead-letter list with the reason it
// failed. jobID may be empty for payloads that could not be decoded.
func (q *RedisQ) DeadLetter(ctx context.Context, raw, jobID string, reason Reason, cause error, attempts int) (bool, error) {
	info := DeadLetter{Reason: reason, Attempts: attempts, FailedAt: q.now().UTC()}
	if cause != nil {
		info.Error = cause.Error()
	}
	b, err := json.Marshal(info)
	if err != nil {
		return false, errors.Wrap(err, "encode dead-letter reason")
	}
	n, err := deadScript.Run(ctx, q.rdb,
		[]string{processingKey(q.name), claimsKey(q.name), deadKey(q.name), reasonsKey(q.name), attemptsKey(q.name)},
		raw, string(b), jobID).Int()
	if err != nil {
		return false, errors.Wrap(err, "dead-letter")
	}
	return n > 0, nil
}

// IncrAttempts counts a transient failure of jobID and returns the total.
func (q *RedisQ) IncrAttempts(ctx context.Context, jobID string) (int, error) {
	n, err := q.rdb.HIncrBy(ctx, attemptsKey(q.name), jobID, 1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "hincrby attempts")
	}
	return int(n), nil
}

// Reap returns jobs whose claim expired to the source queue. Entries in the
// processing list without a claim (the claiming worker died before recording
// one) get a fresh deadline first, so they are reaped one visibility period later.
func (q *RedisQ) Reap(ctx context.Context) (int, error) {
	now := q.now()
	raws, err := q.rdb.LRange(ctx, processingKey(q.name), 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "lrange processing")
	}
	if len(raws) > 0 {
		pipe := q.rdb.Pipeline()
		seed := score(now.Add(q.visibility))
		for _, raw := range raws {
			pipe.ZAddNX(ctx, claimsKey(q.name), r.Z{Score: seed, Member: raw})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, errors.Wrap(err, "seed claims")
		}
	}

	expired, err := q.rdb.ZRangeByScore(ctx, claimsKey(q.name), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(score(now), 'f', 0, 64), Offset: 0, Count: q.reapBatch,
	}).Result()
	if err != nil || len(expired) == 0 {
		return 0, errors.Wrap(err, "expired claims")
	}

	requeued := 0
	for _, raw := range expired {
		n, err := moveScript.Run(ctx, q.rdb,
			[]string{processingKey(q.name), claimsKey(q.name), q.name}, raw).Int()
		if err != nil {
			return requeued, errors.Wrap(err, "requeue expired claim")
		}
		requeued += n
	}
	return requeued, nil
}

// DeadLetters returns up to n parked jobs, newest first.
func (q *RedisQ) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	raws, err := q.rdb.LRange(ctx, deadKey(q.name), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "lrange dead")
	}
	if len(raws) == 0 {
		return nil, nil
	}
	infos, err := q.rdb.HMGet(ctx, reasonsKey(q.name), raws...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "hmget reasons")
	}
	out := make([]DeadLetter, 0, len(raws))
	for i, raw := range raws {
		var dl DeadLetter
		if s, ok := infos[i].(string); ok {
			_ = json.Unmarshal([]byte(s), &dl)
		}
		dl.Raw = raw
		out = append(out, dl)
	}
	return out, nil
}

// Redrive moves up to n of the oldest dead letters back onto the source queue.
func (q *RedisQ) Redrive(ctx context.Context, n int) (int, error) {
	moved := 0
	for moved < n {
		err := redriveScript.Run(ctx, q.rdb,
			[]string{deadKey(q.name), reasonsKey(q.name), q.name}).Err()
		if errors.Is(err, r.Nil) {
			break
		}
		if err != nil {
			return moved, errors.Wrap(err, "redrive")
		}
		moved++
	}
	return moved, nil
}

type Stats struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Dead       int64  `json:"dead"`
}

func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.name)
	processing := pipe.LLen(ctx, processingKey(q.name))
	dead := pipe.LLen(ctx, deadKey(q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{
		Queue:      q.name,
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }
