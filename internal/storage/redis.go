package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/proxy-inventory/internal/types"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStorage keeps one hash per proxy, a sorted set of hash keys scored by
// row id, and a counter that hands out ids.
type RedisStorage struct {
	client    *redis.Client
	keyFields []string
	prefix    string
	now       func() time.Time
}

// timeLayout is RFC 3339 with a fixed-width fraction, so stored UTC
// timestamps compare correctly as strings inside scripts.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// upsertScript inserts a row or applies the listed fields to an existing one.
// Empty values mean absent: coalesced fields keep what is stored, others are
// cleared.
//
// KEYS: row hash, index zset, id counter.
// ARGV: row values (JSON object), update fields (JSON array), coalesced
// fields (JSON array), now.
var upsertScript = redis.NewScript(`
local row = cjson.decode(ARGV[1])
local fields = cjson.decode(ARGV[2])
local keep = {}
for _, f in ipairs(cjson.decode(ARGV[3])) do keep[f] = true end
local now = ARGV[4]

if redis.call('EXISTS', KEYS[1]) == 0 then
	local id = redis.call('INCR', KEYS[3])
	redis.call('HSET', KEYS[1], 'id', id, 'created_at', now, 'updated_at', now)
	for k, v in pairs(row) do
		if v ~= '' then redis.call('HSET', KEYS[1], k, v) end
	end
	redis.call('ZADD', KEYS[2], id, KEYS[1])
	return 1
end

for _, f in ipairs(fields) do
	local v = row[f]
	if v == nil or v == '' then
		if not keep[f] then redis.call('HDEL', KEYS[1], f) end
	else
		redis.call('HSET', KEYS[1], f, v)
	end
end
redis.call('HSET', KEYS[1], 'updated_at', now)
return 0
`)

// deleteScript deletes a row if it still satisfies the predicate.
//
// KEYS: row hash, index zset.
// ARGV: min fail count, created before, inactive only ("1"), worked before.
// Empty times mean unset.
var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('ZREM', KEYS[2], KEYS[1])
	return 0
end
local h = redis.call('HMGET', KEYS[1], 'check_fail_count', 'created_at', 'is_active', 'last_worked_at')

local minFail = tonumber(ARGV[1])
if minFail > 0 and (tonumber(h[1]) or 0) < minFail then return 0 end
if ARGV[2] ~= '' and not (h[2] and h[2] < ARGV[2]) then return 0 end
if ARGV[3] == '1' and h[3] == '1' then return 0 end
if ARGV[4] ~= '' and h[4] and h[4] ~= '' and h[4] >= ARGV[4] then return 0 end

redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
return 1
`)

func NewRedisStorage(ctx context.Context, opts RedisOptions, keyFields []string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	for name, script := range map[string]*redis.Script{"upsert": upsertScript, "delete": deleteScript} {
		if err := script.Load(pingCtx, client).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("load %s script: %w", name, err)
		}
	}

	return &RedisStorage{
		client:    client,
		keyFields: keyFields,
		prefix:    opts.Prefix,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *RedisStorage) indexKey() string { return r.prefix + ":proxies" }
func (r *RedisStorage) seqKey() string   { return r.prefix + ":seq" }

func (r *RedisStorage) rowKey(c types.Candidate) string {
	return r.prefix + ":proxy:" + c.Key(r.keyFields)
}

func (r *RedisStorage) UpsertMany(ctx context.Context, rows []*types.CheckedCandidate, fields []string) (int, error) {
	if err := validateFields(fields); err != nil {
		return 0, err
	}

	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}
	keep := make([]string, 0, len(coalesced))
	for f := range coalesced {
		keep = append(keep, f)
	}
	keepJSON, err := json.Marshal(keep)
	if err != nil {
		return 0, fmt.Errorf("marshal coalesced fields: %w", err)
	}
	now := formatTime(r.now())

	calls := make([]scriptCall, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		values, err := json.Marshal(encodeRow(row))
		if err != nil {
			return 0, fmt.Errorf("marshal row %s: %w", row.Addr(), err)
		}
		calls = append(calls, scriptCall{
			keys: []string{r.rowKey(row.Candidate), r.indexKey(), r.seqKey()},
			args: []any{string(values), string(fieldsJSON), string(keepJSON), now},
		})
	}
	if len(calls) == 0 {
		return 0, nil
	}

	if _, err := r.evalAll(ctx, upsertScript, calls); err != nil {
		return 0, fmt.Errorf("redis upsert: %w", err)
	}
	return len(calls), nil
}

type scriptCall struct {
	keys []string
	args []any
}

// evalAll runs script once per call in a single MULTI/EXEC and returns the
// integer replies. The script is reloaded once if the server's cache was
// flushed since startup.
func (r *RedisStorage) evalAll(ctx context.Context, script *redis.Script, calls []scriptCall) ([]int64, error) {
	exec := func() ([]*redis.Cmd, error) {
		pipe := r.client.TxPipeline()
		cmds := make([]*redis.Cmd, len(calls))
		for i, c := range calls {
			cmds[i] = script.EvalSha(ctx, pipe, c.keys, c.args...)
		}
		_, err := pipe.Exec(ctx)
		return cmds, err
	}

	cmds, err := exec()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		if lerr := script.Load(ctx, r.client).Err(); lerr != nil {
			return nil, fmt.Errorf("reload script: %w", lerr)
		}
		cmds, err = exec()
	}
	if err != nil {
		return nil, err
	}

	replies := make([]int64, len(cmds))
	for i, cmd := range cmds {
		if replies[i], err = cmd.Int64(); err != nil {
			return nil, err
		}
	}
	return replies, nil
}

// encodeRow flattens row into hash values; absent values are "".
func encodeRow(row *types.CheckedCandidate) map[string]string {
	m := map[string]string{
		types.FieldIP:             row.IP,
		types.FieldPort:           row.Field(types.FieldPort),
		types.FieldProtocol:       row.Field(types.FieldProtocol),
		types.FieldCountry:        row.Field(types.FieldCountry),
		types.FieldAnonymity:      row.Field(types.FieldAnonymity),
		types.FieldSource:         row.Field(types.FieldSource),
		types.FieldIsActive:       "0",
		types.FieldCheckFailCount: strconv.FormatUint(uint64(row.CheckFailCount), 10),
		types.FieldSpeedMs:        "",
		types.FieldLastCheckedAt:  "",
		types.FieldLastWorkedAt:   "",
	}
	if row.IsActive {
		m[types.FieldIsActive] = "1"
	}
	if row.SpeedMs != nil {
		m[types.FieldSpeedMs] = strconv.FormatInt(*row.SpeedMs, 10)
	}
	m[types.FieldLastCheckedAt] = formatTime(row.LastCheckedAt)
	if row.LastWorkedAt != nil {
		m[types.FieldLastWorkedAt] = formatTime(*row.LastWorkedAt)
	}
	return m
}

func decodeRow(h map[string]string) (types.StoredProxy, error) {
	var p types.StoredProxy
	var err error

	if p.ID, err = strconv.ParseInt(h["id"], 10, 64); err != nil {
		return p, fmt.Errorf("id: %w", err)
	}
	p.IP = h[types.FieldIP]
	port, err := strconv.ParseUint(h[types.FieldPort], 10, 16)
	if err != nil {
		return p, fmt.Errorf("port: %w", err)
	}
	p.Port = uint16(port)

	if proto, ok := types.ParseProtocol(h[types.FieldProtocol]); ok {
		p.Protocol = &proto
	}
	if v, ok := h[types.FieldCountry]; ok {
		p.Country = types.Ptr(v)
	}
	if a, ok := types.ParseAnonymity(h[types.FieldAnonymity]); ok {
		p.Anonymity = &a
	}
	if v, ok := h[types.FieldSource]; ok {
		p.Source = types.Ptr(v)
	}
	p.IsActive = h[types.FieldIsActive] == "1"
	if v := h[types.FieldCheckFailCount]; v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("check_fail_count: %w", err)
		}
		p.CheckFailCount = uint(n)
	}
	if v := h[types.FieldSpeedMs]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("speed_ms: %w", err)
		}
		p.SpeedMs = &n
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{types.FieldLastCheckedAt, &p.LastCheckedAt},
		{"created_at", &p.CreatedAt},
		{"updated_at", &p.UpdatedAt},
	}
	for _, t := range times {
		if v := h[t.field]; v != "" {
			if *t.dst, err = time.Parse(time.RFC3339Nano, v); err != nil {
				return p, fmt.Errorf("%s: %w", t.field, err)
			}
		}
	}
	if v := h[types.FieldLastWorkedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return p, fmt.Errorf("last_worked_at: %w", err)
		}
		p.LastWorkedAt = &t
	}
	return p, nil
}

// scan loads every row in id order.
func (r *RedisStorage) scan(ctx context.Context) ([]types.StoredProxy, error) {
	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	result := make([]types.StoredProxy, 0, len(keys))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue // deleted between ZRANGE and HGETALL
		}
		p, err := decodeRow(h)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		result = append(result, p)
	}
	return result, nil
}

func (r *RedisStorage) Query(ctx context.Context, filter Filter) ([]types.StoredProxy, error) {
	all, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}

	var result []types.StoredProxy
	for _, p := range all {
		if !filter.matches(p) {
			continue
		}
		result = append(result, p)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// DeleteWhere re-evaluates pred against each row inside deleteScript, so a
// row updated after the index was read is judged on its current values.
func (r *RedisStorage) DeleteWhere(ctx context.Context, pred Predicate) (int, error) {
	if pred.IsEmpty() {
		return 0, ErrEmptyPredicate
	}

	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrange: %w", err)
	}
	return r.deleteMatching(ctx, keys, pred)
}

func (r *RedisStorage) deleteMatching(ctx context.Context, keys []string, pred Predicate) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	inactiveOnly := "0"
	if pred.InactiveOnly {
		inactiveOnly = "1"
	}
	args := []any{
		strconv.FormatUint(uint64(pred.MinFailCount), 10),
		formatTime(pred.CreatedBefore),
		inactiveOnly,
		formatTime(pred.WorkedBefore),
	}

	calls := make([]scriptCall, len(keys))
	for i, k := range keys {
		calls[i] = scriptCall{keys: []string{k, r.indexKey()}, args: args}
	}
	replies, err := r.evalAll(ctx, deleteScript, calls)
	if err != nil {
		return 0, fmt.Errorf("redis delete: %w", err)
	}

	deleted := 0
	for _, n := range replies {
		deleted += int(n)
	}
	return deleted, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
