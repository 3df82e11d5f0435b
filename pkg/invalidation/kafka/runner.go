package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
)

// TileStore is the cache surface the runner purges.
type TileStore interface {
	Del(ctx context.Context, keys ...string) error
	cache.Purger
}

// Runner consumes change events and removes the affected tiles.
type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	tiles    []TileStore
	ms       *metricSet
	ver      *versionGate
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

// New purges every store in tiles for each event, e.g. the shared cache and
// a process-local LRU front.
func New(cfg InvalidationConfig, opts Options, tiles ...TileStore) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger.With("component", "invalidation"),
		cfg:    cfg,
		tiles:  tiles,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionGate(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Active() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if len(r.tiles) == 0 {
		return errors.New("kafka runner: tile cache dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether partitions are assigned. A disabled runner is
// always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Active() {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if !msg.Timestamp.IsZero() {
		r.ms.lag.WithLabelValues(strconv.Itoa(int(msg.Partition))).Set(time.Since(msg.Timestamp).Seconds())
	}

	// Malformed messages are skipped so the partition keeps moving.
	var ev ChangeEvent
	err := json.Unmarshal(msg.Value, &ev)
	if err == nil {
		err = ev.Validate()
	}
	if err != nil {
		r.ms.msgs.WithLabelValues(resultMalformed).Inc()
		r.log.Warn("skipping malformed change event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	return r.Apply(ctx, ev)
}

// Apply purges the tiles named by ev. Events with a version not newer than
// the last applied one for the same target are skipped; version 0 always
// applies.
func (r *Runner) Apply(ctx context.Context, ev ChangeEvent) error {
	if r.ver.stale(ev) {
		r.ms.msgs.WithLabelValues(resultStale).Inc()
		return nil
	}
	start := time.Now()
	n, err := r.purge(ctx, ev)
	r.ms.proc.WithLabelValues(string(ev.Target)).Observe(time.Since(start).Seconds())
	r.ms.purged.WithLabelValues(string(ev.Target)).Add(float64(n))
	if err != nil {
		r.ms.msgs.WithLabelValues(resultError).Inc()
		return err
	}
	r.ver.commit(ev)
	r.ms.msgs.WithLabelValues(resultOK).Inc()
	r.log.Info("tiles invalidated", "target", ev.Target, "id", ev.ID, "removed", n, "op", ev.Op, "version", ev.Version)
	return nil
}

// purge removes ev.Keys when set, otherwise every tile of the layer or cube,
// from each store in turn.
func (r *Runner) purge(ctx context.Context, ev ChangeEvent) (int, error) {
	if len(ev.Keys) > 0 {
		for _, t := range r.tiles {
			if err := t.Del(ctx, ev.Keys...); err != nil {
				return 0, fmt.Errorf("delete %d tile keys of %s: %w", len(ev.Keys), ev.ID, err)
			}
		}
		return len(ev.Keys), nil
	}

	prefixes := keys.LayerPrefixes(ev.ID)
	if ev.Target == TargetCube {
		prefixes = []string{keys.CubePrefix(ev.ID)}
	}
	total := 0
	for _, t := range r.tiles {
		n, err := cache.PurgeAll(ctx, t, prefixes...)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge %s %s: %w", ev.Target, ev.ID, err)
		}
	}
	return total, nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
