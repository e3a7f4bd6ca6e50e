package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"pastelite/cfg"
	"pastelite/pkg/domain"
)

// Each paste is one hash: content, dek, created_at, ttl, max, views.
// Absent optional fields are simply not set.
var insertScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("HSET", KEYS[1], "content", ARGV[1], "created_at", ARGV[2], "views", 0)
	if ARGV[3] ~= "" then
		redis.call("HSET", KEYS[1], "dek", ARGV[3])
	end
	if ARGV[4] ~= "" then
		redis.call("HSET", KEYS[1], "ttl", ARGV[4])
	end
	if ARGV[5] ~= "" then
		redis.call("HSET", KEYS[1], "max", ARGV[5])
	end
	return 1
`)

// consumeScript returns -1 for a missing key, -2 for a dead paste, otherwise
// {views, created_at, ttl, max, content, dek} after the increment.
var consumeScript = redis.NewScript(`
	local f = redis.call("HMGET", KEYS[1], "created_at", "ttl", "max", "views")
	if not f[1] then
		return -1
	end
	local now = tonumber(ARGV[1])
	if f[2] and now >= tonumber(f[1]) + tonumber(f[2]) * 1000 then
		return -2
	end
	if f[3] and tonumber(f[4]) >= tonumber(f[3]) then
		return -2
	end
	local views = redis.call("HINCRBY", KEYS[1], "views", 1)
	local c = redis.call("HMGET", KEYS[1], "content", "dek")
	return {views, f[1], f[2] or "", f[3] or "", c[1], c[2] or ""}
`)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.RedisHostname, c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisFromClient(client, c.RedisKeyPrefix, c.RedisTimeout), nil
}

// NewRedisFromClient wraps an existing client. Keys are "<prefix>:paste:<id>".
func NewRedisFromClient(client *redis.Client, prefix string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if prefix == "" {
		prefix = "pastelite"
	}
	return &Redis{client: client, timeout: timeout, prefix: prefix}
}

func buildRedisTLSConfig(hostname, caCertPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	if hostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = hostname
	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}

func (r *Redis) key(id string) string {
	return r.prefix + ":paste:" + id
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func (r *Redis) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var dek []byte
	if p.IsSealed() {
		dek = p.WrappedDEK
	}
	created, err := insertScript.Run(ctx, r.client, []string{r.key(p.ID)},
		p.StoredContent(), p.CreatedAt, dek, optInt(p.TTLSeconds), optInt(p.MaxViews),
	).Int()
	if err != nil {
		return errors.Wrap(err, "redis insert")
	}
	if created == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := consumeScript.Run(ctx, r.client, []string{r.key(id)}, nowMs).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis consume")
	}
	switch v := res.(type) {
	case int64:
		if v == -2 {
			return nil, ErrGone
		}
		return nil, domain.ErrPasteNotFound
	case []interface{}:
		return decodeConsumed(id, v)
	}
	return nil, fmt.Errorf("redis consume: unexpected reply %T", res)
}

func decodeConsumed(id string, v []interface{}) (*domain.Paste, error) {
	if len(v) != 6 {
		return nil, fmt.Errorf("redis consume: unexpected reply length %d", len(v))
	}
	views, ok := v[0].(int64)
	if !ok {
		return nil, fmt.Errorf("redis consume: views is %T", v[0])
	}
	fields := make([]string, 5)
	for i := range fields {
		s, ok := v[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("redis consume: field %d is %T", i+1, v[i+1])
		}
		fields[i] = s
	}
	created, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "redis consume: created_at")
	}
	p := &domain.Paste{ID: id, CreatedAt: created, Views: views}
	if p.TTLSeconds, err = parseOptInt(fields[1]); err != nil {
		return nil, errors.Wrap(err, "redis consume: ttl")
	}
	if p.MaxViews, err = parseOptInt(fields[2]); err != nil {
		return nil, errors.Wrap(err, "redis consume: max")
	}
	p.SetStoredContent([]byte(fields[3]), []byte(fields[4]))
	return p, nil
}

func parseOptInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := r.prefix + ":health_check_" + time.Now().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
