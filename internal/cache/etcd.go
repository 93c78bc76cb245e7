package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd stores JSON-encoded values in etcd under a key prefix, shared by every
// process pointing at the same cluster. Entries expire through an etcd lease
// when a TTL is set. Safe for concurrent use.
type Etcd[K comparable, V any] struct {
	cli     *clientv3.Client
	prefix  string
	encode  func(K) string
	codec   Codec[V]
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewEtcd returns a cache over cli. encode turns a key into the etcd key
// suffix and must be injective.
func NewEtcd[K comparable, V any](cli *clientv3.Client, prefix string, encode func(K) string, ttl time.Duration, logger *slog.Logger) *Etcd[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Etcd[K, V]{
		cli:     cli,
		prefix:  prefix,
		encode:  encode,
		codec:   JSONCodec[V]{},
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "cache.etcd"),
	}
}

// Codec turns cached values into etcd values and back.
type Codec[V any] interface {
	Marshal(V) ([]byte, error)
	Unmarshal([]byte) (V, error)
}

// JSONCodec is the default codec.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Unmarshal(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// WithCodec replaces the value codec. It returns c.
func (c *Etcd[K, V]) WithCodec(codec Codec[V]) *Etcd[K, V] {
	c.codec = codec
	return c
}

func (c *Etcd[K, V]) key(k K) string { return c.prefix + c.encode(k) }

// Get returns a miss on any transport or decode failure.
func (c *Etcd[K, V]) Get(key K) (V, bool) {
	var zero V
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.cli.Get(ctx, c.key(key))
	if err != nil {
		c.logger.Warn("etcd get failed", "key", c.key(key), "error", err)
		return zero, false
	}
	if len(resp.Kvs) == 0 {
		return zero, false
	}
	v, err := c.codec.Unmarshal(resp.Kvs[0].Value)
	if err != nil {
		c.logger.Warn("etcd value decode failed", "key", c.key(key), "error", err)
		return zero, false
	}
	return v, true
}

func (c *Etcd[K, V]) Put(key K, value V) {
	b, err := c.codec.Marshal(value)
	if err != nil {
		c.logger.Warn("etcd value encode failed", "key", c.key(key), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var opts []clientv3.OpOption
	if c.ttl > 0 {
		lease, err := c.cli.Grant(ctx, int64(c.ttl/time.Second)+1)
		if err != nil {
			c.logger.Warn("etcd lease grant failed", "error", err)
			return
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := c.cli.Put(ctx, c.key(key), string(b), opts...); err != nil {
		c.logger.Warn("etcd put failed", "key", c.key(key), "error", err)
	}
}

// DialEtcd connects to endpoints with a bounded dial timeout.
func DialEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
}
