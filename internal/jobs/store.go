package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammed-shakir/tilecache/internal/cache/redisstore"
	"github.com/mohammed-shakir/tilecache/internal/kv"
)

// Store persists non-terminal jobs so they survive a restart. Records are
// removed once a job completes or fails for good.
type Store interface {
	Save(ctx context.Context, j *Job) error
	Delete(ctx context.Context, id string) error
	// Pending returns stored jobs ordered by creation time.
	Pending(ctx context.Context) ([]*Job, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Save(_ context.Context, j *Job) error {
	m.mu.Lock()
	m.jobs[j.ID] = j.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Pending(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.clone())
	}
	m.mu.Unlock()
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// RedisStore keeps jobs as fields of a single hash.
type RedisStore struct {
	cli *redisstore.Client
	key string
}

const DefaultRedisKey = "jobs:pending"

func NewRedisStore(cli *redisstore.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{cli: cli, key: key}
}

func (r *RedisStore) Save(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return r.cli.HSet(ctx, r.key, j.ID, b)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.cli.HDel(ctx, r.key, id)
}

func (r *RedisStore) Pending(ctx context.Context) ([]*Job, error) {
	raw, err := r.cli.HGetAll(ctx, r.key)
	if err != nil {
		return nil, err
	}
	return decodeAll(raw)
}

// KVStore keeps one record per job in a kv namespace.
type KVStore struct {
	kv kv.Store
}

func NewKVStore(s kv.Store) *KVStore {
	return &KVStore{kv: kv.NewNamespace(s, "jobs")}
}

func (k *KVStore) Save(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return k.kv.Set(ctx, j.ID, b)
}

func (k *KVStore) Delete(ctx context.Context, id string) error {
	return k.kv.Del(ctx, id)
}

func (k *KVStore) Pending(ctx context.Context) ([]*Job, error) {
	ids, err := k.kv.List(ctx, "")
	if err != nil {
		return nil, err
	}
	raw := make(map[string][]byte, len(ids))
	for _, id := range ids {
		b, err := k.kv.Get(ctx, id)
		if err != nil {
			continue
		}
		raw[id] = b
	}
	return decodeAll(raw)
}

func decodeAll(raw map[string][]byte) ([]*Job, error) {
	out := make([]*Job, 0, len(raw))
	for id, b := range raw {
		var j Job
		if err := json.Unmarshal(b, &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		out = append(out, &j)
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(js []*Job) {
	sort.SliceStable(js, func(a, b int) bool { return js[a].CreatedAt.Before(js[b].CreatedAt) })
}
