package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

const (
	redisDocPrefix   = "order:"
	redisIdxPrefix   = "idx:"
	redisEventsChan  = "events"
	defaultKeyPrefix = "dispatch:"
	defaultRefresh   = 15 * time.Second
)

// casScript is the check-then-set primitive, run server-side so two
// concurrent claimers can never both observe "waiting". Expected fields with
// a JSON null assert absence. Returns the updated document, or a status
// string on failure.
var casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'NOTFOUND'
end
local doc = cjson.decode(raw)
local expected = cjson.decode(ARGV[1])
for k, v in pairs(expected) do
  local cur = doc[k]
  if v == cjson.null then
    if cur ~= nil and cur ~= cjson.null then
      return 'PRECONDITION'
    end
  else
    if cur == nil or cur == cjson.null or cur ~= v then
      return 'PRECONDITION'
    end
  end
end
local patch = cjson.decode(ARGV[2])
local oldStatus = doc['status']
for k, v in pairs(patch) do
  if v == cjson.null then
    doc[k] = nil
  else
    doc[k] = v
  end
end
local newStatus = doc['status']
if newStatus ~= oldStatus then
  redis.call('ZREM', ARGV[3] .. 'status:' .. oldStatus, ARGV[5])
  redis.call('ZADD', ARGV[3] .. 'status:' .. newStatus, doc['_created_ms'], ARGV[5])
end
local out = cjson.encode(doc)
redis.call('SET', KEYS[1], out)
redis.call('PUBLISH', ARGV[4], ARGV[5])
return out
`)

// Redis is a Store backed by a Redis instance. Documents are JSON values;
// per-status, per-requester and global ZSETs scored by created_at (unix
// millis) serve the windowed, ordered queries; a pub/sub channel invalidates
// live subscriptions.
type Redis struct {
	client  *redis.Client
	prefix  string
	refresh time.Duration
	now     func() time.Time
}

// NewRedis creates a Redis-backed store
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:  client,
		prefix:  defaultKeyPrefix,
		refresh: defaultRefresh,
		now:     time.Now,
	}
}

func (r *Redis) docKey(id string) string { return r.prefix + redisDocPrefix + id }

func (r *Redis) idxPrefix() string { return r.prefix + redisIdxPrefix }

func (r *Redis) statusKey(s string) string { return r.idxPrefix() + "status:" + s }

func (r *Redis) userKey(u string) string { return r.idxPrefix() + "user:" + u }

func (r *Redis) allKey() string { return r.idxPrefix() + "all" }

func (r *Redis) channel() string { return r.prefix + redisEventsChan }

func (r *Redis) Create(ctx context.Context, o *order.Order) (*order.Order, error) {
	c := o.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	doc, err := encodeDoc(c)
	if err != nil {
		return nil, err
	}
	score := float64(c.CreatedAt.UnixMilli())

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.docKey(c.ID), doc, 0)
	pipe.ZAdd(ctx, r.allKey(), redis.Z{Score: score, Member: c.ID})
	pipe.ZAdd(ctx, r.statusKey(string(c.Status)), redis.Z{Score: score, Member: c.ID})
	pipe.ZAdd(ctx, r.userKey(c.UserID), redis.Z{Score: score, Member: c.ID})
	pipe.Publish(ctx, r.channel(), c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("create order", err)
	}
	return c, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*order.Order, error) {
	raw, err := r.client.Get(ctx, r.docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get order", err)
	}
	return decodeDoc(raw)
}

func (r *Redis) Query(ctx context.Context, q Query) ([]*order.Order, error) {
	ids, err := r.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(id)
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("fetch orders", err)
	}

	now := r.now()
	var out []*order.Order
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // deleted between index read and fetch
		}
		o, err := decodeDoc(s)
		if err != nil {
			return nil, err
		}
		// the index narrowed the set; re-check every filter against the doc
		if matches(o, q, now) {
			out = append(out, o)
		}
	}
	return sortAndLimit(out, q), nil
}

// indexPlan is the outcome of choosing a ZSET for a query: which single
// index key serves the scan, and whether any filter is left over for
// matches() to re-check after the fetch. A residual filter means the scan
// may not apply the page cap, or the cap could under-fill the result.
type indexPlan struct {
	status   string
	user     string
	residual bool
}

func planIndex(q Query) indexPlan {
	var p indexPlan
	for _, f := range q.Filters {
		switch {
		case f.Op == OpEq && f.Field == order.FieldStatus && p.status == "":
			if s := statusString(f.Value); s != "" {
				p.status = s
			} else {
				p.residual = true
			}
		case f.Op == OpEq && f.Field == order.FieldUserID && p.user == "":
			if s, ok := f.Value.(string); ok {
				p.user = s
			} else {
				p.residual = true
			}
		case (f.Op == OpWithin || f.Op == OpBefore) && f.Field == order.FieldCreatedAt:
			// covered by the score range
		default:
			p.residual = true
		}
	}
	// one key per scan; when both narrow filters are present the status
	// index serves the scan and the user filter becomes residual
	if p.status != "" && p.user != "" {
		p.residual = true
	}
	return p
}

// candidateIDs picks the narrowest ZSET index for q and range-scans it by
// created_at score.
func (r *Redis) candidateIDs(ctx context.Context, q Query) ([]string, error) {
	plan := planIndex(q)
	key := r.allKey()
	switch {
	case plan.status != "":
		key = r.statusKey(plan.status)
	case plan.user != "":
		key = r.userKey(plan.user)
	}

	min, max := "-inf", "+inf"
	for _, f := range q.Filters {
		if f.Field != order.FieldCreatedAt {
			continue
		}
		switch f.Op {
		case OpWithin:
			// floor(created) >= floor(now-d) whenever created >= now-d, so an
			// inclusive millisecond bound never drops a valid doc; matches()
			// re-checks with full precision after the fetch
			if d, ok := f.Value.(time.Duration); ok {
				min = strconv.FormatInt(r.now().Add(-d).UnixMilli(), 10)
			}
		case OpBefore:
			if t, ok := f.Value.(time.Time); ok {
				max = strconv.FormatInt(t.UnixMilli(), 10)
			}
		}
	}

	rng := &redis.ZRangeBy{Min: min, Max: max}
	if q.Limit > 0 && !plan.residual {
		rng.Count = int64(q.Limit)
	}

	var cmd *redis.StringSliceCmd
	if q.Desc {
		cmd = r.client.ZRevRangeByScore(ctx, key, rng)
	} else {
		cmd = r.client.ZRangeByScore(ctx, key, rng)
	}
	ids, err := cmd.Result()
	if err != nil {
		return nil, unavailable("scan index", err)
	}
	return ids, nil
}

func (r *Redis) ConditionalUpdate(ctx context.Context, id string, expected, patch Fields) (*order.Order, error) {
	expJSON, err := json.Marshal(expected)
	if err != nil {
		return nil, fmt.Errorf("encode expected fields: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	res, err := casScript.Run(ctx, r.client,
		[]string{r.docKey(id)},
		string(expJSON), string(patchJSON), r.idxPrefix(), r.channel(), id,
	).Text()
	if err != nil {
		return nil, unavailable("conditional update", err)
	}

	switch res {
	case "NOTFOUND":
		return nil, ErrNotFound
	case "PRECONDITION":
		return nil, ErrPreconditionFailed
	default:
		return decodeDoc(res)
	}
}

// Subscribe re-runs q whenever any order changes, and on a slow refresh tick
// so window filters age orders out without a write. Identical consecutive
// result sets are not re-emitted.
func (r *Redis) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)
	pubsub := r.client.Subscribe(ctx, r.channel())

	go func() {
		defer pubsub.Close()

		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()

		last := ""
		emit := func(force bool) bool {
			snap, err := r.Query(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					sub.finish(nil)
				} else {
					sub.finish(err)
				}
				return false
			}
			fp := fingerprint(snap)
			if !force && fp == last {
				return true
			}
			last = fp
			if !sub.deliver(ctx, snap) {
				sub.finish(nil)
				return false
			}
			return true
		}

		if !emit(true) {
			return
		}

		events := pubsub.Channel()
		for {
			select {
			case _, ok := <-events:
				if !ok {
					if ctx.Err() != nil {
						sub.finish(nil)
					} else {
						sub.finish(fmt.Errorf("%w: pubsub closed", ErrUnavailable))
					}
					return
				}
				if !emit(false) {
					return
				}
			case <-ticker.C:
				if !emit(false) {
					return
				}
			case <-ctx.Done():
				sub.finish(nil)
				return
			}
		}
	}()

	return sub, nil
}

// encodeDoc serializes an order plus the numeric created_at score the CAS
// script needs to maintain the status ZSETs.
func encodeDoc(o *order.Order) (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	m["_created_ms"] = o.CreatedAt.UnixMilli()
	out, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	return string(out), nil
}

func decodeDoc(raw string) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("decode order document: %w", err)
	}
	return &o, nil
}

func statusString(v interface{}) string {
	switch s := v.(type) {
	case order.Status:
		return string(s)
	case string:
		return s
	default:
		return ""
	}
}

func fingerprint(orders []*order.Order) string {
	fp := ""
	for _, o := range orders {
		fp += o.ID + "|" + string(o.Status) + "|" + strconv.FormatInt(o.UpdatedAt.UnixNano(), 10) + ";"
	}
	return fp
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
