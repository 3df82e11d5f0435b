// Package keys builds the flat cache keyspace for rendered tiles.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

const (
	cubeKind  = "cube"
	proxyKind = "proxy"
)

// Tile returns the key of a layer tile: {kind}_tile:{layerId}:{z}:{x}:{y}.{ext}.
// The kind is derived from the format.
func Tile(layerID string, c model.TileCoord, f model.Format) string {
	return fmt.Sprintf("%s_tile:%s:%d:%d:%d.%s",
		f.Kind(), escapeID(layerID), c.Z, c.X, c.Y, f)
}

// CubeTile returns the key of a cube tile. The style fingerprint is part of
// the key so a style edit addresses new keys instead of mutating old ones.
func CubeTile(cubeID, datasetID, styleFP string, c model.TileCoord, f model.Format) string {
	return fmt.Sprintf("%s_tile:%s:%s:%s:%d:%d:%d.%s",
		cubeKind, escapeID(cubeID), escapeID(datasetID), styleFP, c.Z, c.X, c.Y, f)
}

func ProxyTile(provider string, c model.TileCoord, f model.Format) string {
	return fmt.Sprintf("%s_tile:%s:%d:%d:%d.%s",
		proxyKind, escapeID(provider), c.Z, c.X, c.Y, f)
}

// StyleFingerprint is the first 16 hex chars of the SHA-256 of the style source.
func StyleFingerprint(style string) string {
	sum := sha256.Sum256([]byte(style))
	return hex.EncodeToString(sum[:])[:16]
}

// LayerPrefixes lists the key prefixes under which a layer's tiles live.
func LayerPrefixes(layerID string) []string {
	id := escapeID(layerID)
	return []string{
		fmt.Sprintf("%s_tile:%s:", model.KindRaster, id),
		fmt.Sprintf("%s_tile:%s:", model.KindVector, id),
		fmt.Sprintf("%s_tile:%s:", model.KindGrid, id),
	}
}

func CubePrefix(cubeID string) string {
	return fmt.Sprintf("%s_tile:%s:", cubeKind, escapeID(cubeID))
}

// Shard picks a stable bucket in [0,n) for a key.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Hash is the 16 hex char xxhash of a key, used where the key itself cannot
// be stored verbatim (file names).
func Hash(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// escapeID percent-encodes every byte outside [A-Za-z0-9_.-], plus a
// leading dot, so distinct ids always map to distinct key segments and a
// segment never contains ':' or a path separator.
func escapeID(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) && (c != '.' || i > 0) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '.'
}
