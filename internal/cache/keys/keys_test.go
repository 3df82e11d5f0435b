package keys

import (
	"net/url"
	"regexp"
	"strings"
	"testing"
	"unicode"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

func TestTile_Format(t *testing.T) {
	c := model.TileCoord{Z: 10, X: 512, Y: 340}
	cases := []struct {
		f    model.Format
		want string
	}{
		{model.FormatPNG, "raster_tile:layer-abc:10:512:340.png"},
		{model.FormatMVT, "vector_tile:layer-abc:10:512:340.mvt"},
		{model.FormatGrid, "grid_tile:layer-abc:10:512:340.grid.json"},
	}
	for _, tc := range cases {
		if got := Tile("layer-abc", c, tc.f); got != tc.want {
			t.Fatalf("Tile(%s)=%s want %s", tc.f, got, tc.want)
		}
	}
}

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	c := model.TileCoord{Z: 3, X: 2, Y: 1}
	k1 := Tile("layer-abc", c, model.FormatPNG)
	k2 := Tile("layer-abc", c, model.FormatPNG)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	fp := StyleFingerprint("#layer { raster-opacity: 1; }")
	if CubeTile("cube-1", "ds-1", fp, c, model.FormatPNG) != CubeTile("cube-1", "ds-1", fp, c, model.FormatPNG) {
		t.Fatalf("cube key not deterministic")
	}
}

func TestDifference_AnyComponentChangesKey(t *testing.T) {
	base := model.TileCoord{Z: 3, X: 2, Y: 1}
	k := Tile("layer-abc", base, model.FormatPNG)
	others := []string{
		Tile("layer-abd", base, model.FormatPNG),
		Tile("layer-abc", model.TileCoord{Z: 4, X: 2, Y: 1}, model.FormatPNG),
		Tile("layer-abc", model.TileCoord{Z: 3, X: 3, Y: 1}, model.FormatPNG),
		Tile("layer-abc", model.TileCoord{Z: 3, X: 2, Y: 2}, model.FormatPNG),
		Tile("layer-abc", base, model.FormatJPG),
	}
	for _, o := range others {
		if o == k {
			t.Fatalf("expected distinct key, both=%s", k)
		}
	}
}

func TestStyleFingerprint_EditChangesCubeKey(t *testing.T) {
	c := model.TileCoord{Z: 5, X: 10, Y: 10}
	a := CubeTile("cube-1", "ds", StyleFingerprint("a"), c, model.FormatPNG)
	b := CubeTile("cube-1", "ds", StyleFingerprint("b"), c, model.FormatPNG)
	if a == b {
		t.Fatalf("style edit must change key: %s", a)
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(StyleFingerprint("x")) {
		t.Fatalf("fingerprint must be 16 hex chars: %s", StyleFingerprint("x"))
	}
	if !strings.HasPrefix(a, CubePrefix("cube-1")) {
		t.Fatalf("cube key %s missing prefix %s", a, CubePrefix("cube-1"))
	}
}

func TestLayerPrefixes_CoverEveryKind(t *testing.T) {
	c := model.TileCoord{Z: 1, X: 0, Y: 1}
	ps := LayerPrefixes("layer-abc")
	for _, f := range []model.Format{model.FormatPNG, model.FormatPBF, model.FormatGrid} {
		k := Tile("layer-abc", c, f)
		ok := false
		for _, p := range ps {
			if strings.HasPrefix(k, p) {
				ok = true
			}
		}
		if !ok {
			t.Fatalf("no prefix covers %s (prefixes=%v)", k, ps)
		}
	}
	if strings.HasPrefix(Tile("layer-abcd", c, model.FormatPNG), ps[0]) {
		t.Fatalf("prefix must not match a longer id")
	}
}

func TestUnicodeSafety_NoPanicAndASCIIOnly(t *testing.T) {
	k := Tile("lager:Göteborg 雪", model.TileCoord{}, model.FormatPNG)
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if strings.Count(k, ":") != 4 {
		t.Fatalf("id colons must be escaped: %s", k)
	}
}

func TestShard_StableAndInRange(t *testing.T) {
	for _, n := range []int{0, 1, 7, 64} {
		s := Shard("raster_tile:layer-abc:0:0:0.png", n)
		if s != Shard("raster_tile:layer-abc:0:0:0.png", n) {
			t.Fatalf("shard not stable")
		}
		if n > 1 && (s < 0 || s >= n) {
			t.Fatalf("shard %d out of range [0,%d)", s, n)
		}
	}
	if len(Hash("k")) != 16 {
		t.Fatalf("hash length=%d", len(Hash("k")))
	}
}

func TestEscapeID_DistinctIDsNeverCollide(t *testing.T) {
	c := model.TileCoord{Z: 3, X: 2, Y: 1}
	ids := []string{"ds a", "ds_a", "ds__a", "ds  a", "a:b", "a-b", "a/b", "a%3Ab", " a", "a", ".", "..", "x.y"}
	seen := map[string]string{}
	for _, id := range ids {
		k := Tile(id, c, model.FormatPNG)
		if prev, ok := seen[k]; ok {
			t.Fatalf("ids %q and %q share key %s", prev, id, k)
		}
		seen[k] = id

		seg := escapeID(id)
		if strings.ContainsAny(seg, ":/\\ ") || seg == "." || seg == ".." {
			t.Fatalf("unsafe segment %q for id %q", seg, id)
		}
		back, err := url.PathUnescape(seg)
		if err != nil || back != id {
			t.Fatalf("escape of %q is not reversible: %q -> %q (%v)", id, seg, back, err)
		}
	}
	if got := Tile("layer-abc_1.v2", c, model.FormatPNG); got != "raster_tile:layer-abc_1.v2:3:2:1.png" {
		t.Fatalf("plain id must stay readable: %s", got)
	}
}
