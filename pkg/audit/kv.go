package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
)

const DefaultBucket = "rbx-audit"

type (
	KVOption func(*kvConfig)
	kvConfig struct {
		bucket  string
		ttl     time.Duration
		history uint8
	}

	// KVSink stores entries in a JetStream key-value bucket under
	// "<kind>.<id>".
	KVSink struct {
		kv jetstream.KeyValue
		l  *log.Logger
	}
)

func WithBucket(name string) KVOption {
	return func(c *kvConfig) {
		c.bucket = name
	}
}

// WithTTL expires entries after d. Zero keeps them.
func WithTTL(d time.Duration) KVOption {
	return func(c *kvConfig) {
		c.ttl = d
	}
}

func NewKVSink(ctx context.Context, nc *nats.Conn, opts ...KVOption) (*KVSink, error) {
	cfg := &kvConfig{bucket: DefaultBucket, history: 5}
	for _, o := range opts {
		o(cfg)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.bucket,
		Description: "handoff and driver switch audit trail",
		TTL:         cfg.ttl,
		History:     cfg.history,
	})
	if err != nil {
		return nil, fmt.Errorf("audit bucket %s: %w", cfg.bucket, err)
	}
	return NewKVSinkFromBucket(kv), nil
}

func NewKVSinkFromBucket(kv jetstream.KeyValue) *KVSink {
	return &KVSink{kv: kv, l: log.Default().Named("audit.kv")}
}

func (s *KVSink) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	rev, err := s.kv.Put(ctx, e.Key(), data)
	if err != nil {
		return err
	}
	s.l.Debug("audit entry stored", log.String("key", e.Key()), log.Uint64("rev", rev))
	return nil
}

func (s *KVSink) Get(ctx context.Context, kind Kind, id string) (Entry, error) {
	kve, err := s.kv.Get(ctx, string(kind)+"."+id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var ret Entry
	if err := json.Unmarshal(kve.Value(), &ret); err != nil {
		return Entry{}, err
	}
	return ret, nil
}
