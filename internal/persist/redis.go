package persist

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "syncpad:doc:"

// KEYS[1]=doc hash; ARGV = type, version, data. Returns 0 when a newer
// version is already stored.
var saveScript = redis.NewScript(`
  local cur = redis.call('HGET', KEYS[1], 'version')
  if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
  end
  redis.call('HSET', KEYS[1], 'type', ARGV[1], 'version', ARGV[2], 'data', ARGV[3])
  return 1
`)

// Redis keeps each snapshot in a hash.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, failed(err, "ping redis")
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Load(ctx context.Context, id string) (*Snapshot, error) {
	m, err := r.rdb.HGetAll(ctx, redisPrefix+id).Result()
	if err != nil {
		return nil, failed(err, "read snapshot")
	}
	if len(m) == 0 {
		return nil, notFound(id)
	}
	v, err := strconv.ParseInt(m["version"], 10, 64)
	if err != nil {
		return nil, failed(err, "parse version")
	}
	return &Snapshot{ID: id, Type: m["type"], Version: v, Data: []byte(m["data"])}, nil
}

func (r *Redis) Save(ctx context.Context, snap *Snapshot) error {
	err := saveScript.Run(ctx, r.rdb, []string{redisPrefix + snap.ID},
		snap.Type, snap.Version, string(snap.Data)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return failed(err, "write snapshot")
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
