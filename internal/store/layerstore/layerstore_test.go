package layerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/kv"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.OpenMemLevelDB()
	if err != nil {
		t.Fatalf("OpenMemLevelDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestPutGet_RoundTripsDescriptor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	in := &model.LayerDescriptor{
		ID:     "layer-abc",
		Source: model.DataSourceRef{Database: "db", Table: "t", SQL: "(SELECT * FROM t) as sub"},
		Style:  "#layer { polygon-fill: red; }",
		Kind:   model.DataVector,
		Attributes: map[string]string{
			"name": "string",
		},
		Interactivity: []string{"name"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	in.ApplyDefaults()
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "layer-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Source.SQL != in.Source.SQL || got.SRID != 3857 || got.GeometryColumn != model.DefaultGeomColumn {
		t.Fatalf("descriptor mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) || got.Attributes["name"] != "string" {
		t.Fatalf("descriptor mismatch: %+v", got)
	}
}

func TestGet_UnknownIsNoSuchLayer(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "layer-nope")
	if !errors.Is(err, model.ErrNoSuchLayer) {
		t.Fatalf("err=%v want ErrNoSuchLayer", err)
	}
}

func TestPut_RequiresID(t *testing.T) {
	s := newStore(t)
	if err := s.Put(context.Background(), &model.LayerDescriptor{}); !errors.Is(err, model.ErrInvalidRequest) {
		t.Fatalf("err=%v want ErrInvalidRequest", err)
	}
}

func TestIDsAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"layer-b", "layer-a"} {
		if err := s.Put(ctx, &model.LayerDescriptor{ID: id}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	ids, err := s.IDs(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "layer-a" {
		t.Fatalf("IDs=%v err=%v", ids, err)
	}
	if err := s.Delete(ctx, "layer-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "layer-a"); !errors.Is(err, model.ErrNoSuchLayer) {
		t.Fatalf("deleted layer still present: %v", err)
	}
}
