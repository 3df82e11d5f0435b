package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/cache/lrutiles"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

func seed(t *testing.T, s *lrutiles.Store, ks ...string) {
	t.Helper()
	for _, k := range ks {
		if err := s.Set(context.Background(), k, []byte("x")); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
}

func has(s *lrutiles.Store, k string) bool {
	_, ok, _ := s.Get(context.Background(), k)
	return ok
}

func msgFor(t *testing.T, ev ChangeEvent) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func TestHandleMessage_PurgesLayerTiles(t *testing.T) {
	tiles, _ := lrutiles.New(64, nil)
	c := model.TileCoord{Z: 3, X: 1, Y: 2}
	raster := keys.Tile("layer-abc", c, model.FormatPNG)
	vector := keys.Tile("layer-abc", c, model.FormatMVT)
	other := keys.Tile("layer-xyz", c, model.FormatPNG)
	seed(t, tiles, raster, vector, other)

	r := New(InvalidationConfig{}, Options{Register: prometheus.NewRegistry()}, tiles)
	if err := r.handleMessage(context.Background(), msgFor(t, ChangeEvent{Target: TargetLayer, ID: "layer-abc", Op: "update"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if has(tiles, raster) || has(tiles, vector) {
		t.Fatal("layer tiles still cached")
	}
	if !has(tiles, other) {
		t.Fatal("unrelated layer purged")
	}
}

func TestApply_ExplicitKeysAndVersionDedupe(t *testing.T) {
	tiles, _ := lrutiles.New(64, nil)
	k1 := keys.Tile("layer-abc", model.TileCoord{}, model.FormatPNG)
	k2 := keys.Tile("layer-abc", model.TileCoord{Z: 1}, model.FormatPNG)
	seed(t, tiles, k1, k2)

	r := New(InvalidationConfig{}, Options{Register: prometheus.NewRegistry()}, tiles)
	ctx := context.Background()
	if err := r.Apply(ctx, ChangeEvent{Target: TargetLayer, ID: "layer-abc", Keys: []string{k1}, Version: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if has(tiles, k1) || !has(tiles, k2) {
		t.Fatal("only k1 should be removed")
	}

	seed(t, tiles, k1)
	if err := r.Apply(ctx, ChangeEvent{Target: TargetLayer, ID: "layer-abc", Keys: []string{k1}, Version: 2}); err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}
	if !has(tiles, k1) {
		t.Fatal("stale version should be skipped")
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues(resultStale)); got != 1 {
		t.Fatalf("stale count = %v", got)
	}
	if got := testutil.ToFloat64(r.ms.purged.WithLabelValues(string(TargetLayer))); got != 1 {
		t.Fatalf("purged count = %v", got)
	}
}

type flakyTiles struct {
	*lrutiles.Store
	fail int
}

func (f *flakyTiles) Del(ctx context.Context, ks ...string) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("store down")
	}
	return f.Store.Del(ctx, ks...)
}

func TestApply_FailedPurgeIsRetriedOnRedelivery(t *testing.T) {
	mem, _ := lrutiles.New(64, nil)
	tiles := &flakyTiles{Store: mem, fail: 1}
	k := keys.Tile("layer-abc", model.TileCoord{}, model.FormatPNG)
	seed(t, mem, k)

	r := New(InvalidationConfig{}, Options{Register: prometheus.NewRegistry()}, tiles)
	ev := ChangeEvent{Target: TargetLayer, ID: "layer-abc", Keys: []string{k}, Version: 7}
	if err := r.Apply(context.Background(), ev); err == nil {
		t.Fatal("expected purge error")
	}
	if !has(mem, k) {
		t.Fatal("tile removed despite failure")
	}
	if err := r.Apply(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if has(mem, k) {
		t.Fatal("redelivered event was skipped")
	}
}

func TestApply_CubePrefix(t *testing.T) {
	tiles, _ := lrutiles.New(64, nil)
	k := keys.CubeTile("cube-1", "ds-1", keys.StyleFingerprint("s"), model.TileCoord{}, model.FormatPNG)
	seed(t, tiles, k)
	r := New(InvalidationConfig{}, Options{}, tiles)
	if err := r.Apply(context.Background(), ChangeEvent{Target: TargetCube, ID: "cube-1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if has(tiles, k) {
		t.Fatal("cube tile still cached")
	}
}

func TestHandleMessage_PoisonSkipped(t *testing.T) {
	r := New(InvalidationConfig{}, Options{Register: prometheus.NewRegistry()})
	for _, v := range [][]byte{[]byte("{not json"), []byte(`{"target":"layer"}`), []byte(`{"target":"x","id":"a"}`)} {
		if err := r.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: v}); err != nil {
			t.Fatalf("poison %s: %v", v, err)
		}
	}
}

func TestReadiness_DisabledIsReady(t *testing.T) {
	r := New(InvalidationConfig{}, Options{})
	if ok, _ := r.Readiness(); !ok {
		t.Fatal("disabled runner should be ready")
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start disabled: %v", err)
	}
	r.Stop()
}

func TestProducer_Publish(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	var got ChangeEvent
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(b []byte) error {
		return json.Unmarshal(b, &got)
	})
	p := NewProducerWith(sp, "tile-invalidation")
	if err := p.Publish(context.Background(), ChangeEvent{Target: TargetLayer, ID: "layer-abc", Op: "update"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ID != "layer-abc" || got.Version == 0 || got.TS.IsZero() {
		t.Fatalf("event = %+v", got)
	}
	if err := p.Publish(context.Background(), ChangeEvent{}); err == nil {
		t.Fatal("expected validation error")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("INVALIDATION_ENABLED", "true")
	t.Setenv("INVALIDATION_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if !cfg.Active() || len(cfg.Brokers) != 2 || cfg.Topic != "tile-invalidation" || cfg.SessionTimeout != 30*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestHandleMessage_SkipsMalformed(t *testing.T) {
	tiles, _ := lrutiles.New(64, nil)
	r := New(InvalidationConfig{}, Options{Register: prometheus.NewRegistry()}, tiles)
	for _, v := range []string{"not json", `{"target":"layer"}`, `{"target":"disk","id":"x"}`} {
		msg := &sarama.ConsumerMessage{Partition: 3, Value: []byte(v)}
		if err := r.handleMessage(context.Background(), msg); err != nil {
			t.Fatalf("%s: %v", v, err)
		}
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues(resultMalformed)); got != 3 {
		t.Fatalf("malformed count = %v", got)
	}
}
