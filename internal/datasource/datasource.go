// Package datasource runs read queries against the PostGIS databases that
// back layers. One pool is kept per database name.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// DBPlaceholder is replaced by the database name in the DSN template.
const DBPlaceholder = "{db}"

type Querier struct {
	template string
	maxConns int32
	log      *slog.Logger

	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	closed bool
}

// New takes a DSN template such as "postgres://u:p@host:5432/{db}".
func New(template string, maxConns int, log *slog.Logger) (*Querier, error) {
	if !strings.Contains(template, DBPlaceholder) {
		return nil, fmt.Errorf("datasource: DSN template must contain %s", DBPlaceholder)
	}
	if log == nil {
		log = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	return &Querier{
		template: template,
		maxConns: int32(min(maxConns, math.MaxInt32)),
		log:      log.With("component", "datasource"),
		pools:    make(map[string]*pgxpool.Pool),
	}, nil
}

func (q *Querier) DSN(database string) string {
	return strings.ReplaceAll(q.template, DBPlaceholder, database)
}

func (q *Querier) pool(database string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(database) == "" {
		return nil, fmt.Errorf("%w: database name is required", model.ErrInvalidRequest)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.New("datasource: closed")
	}
	if p, ok := q.pools[database]; ok {
		return p, nil
	}
	cfg, err := pgxpool.ParseConfig(q.DSN(database))
	if err != nil {
		return nil, fmt.Errorf("datasource: parse DSN for %q: %w", database, err)
	}
	cfg.MaxConns = q.maxConns
	p, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("datasource: pool for %q: %w", database, err)
	}
	q.pools[database] = p
	return p, nil
}

// Query runs sql on database and returns rows as column maps. The connection
// is released on every path.
func (q *Querier) Query(ctx context.Context, database, sql string, args ...any) ([]map[string]any, error) {
	p, err := q.pool(database)
	if err != nil {
		return nil, err
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %w", model.ErrStorage, database, err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", model.ErrStorage, database, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("%w: read rows %s: %w", model.ErrStorage, database, err)
	}
	return out, nil
}

func (q *Querier) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for name, p := range q.pools {
		p.Close()
		delete(q.pools, name)
	}
}

// PointQuery builds the features-under-point query for a vector layer. The
// point is $1 lon, $2 lat in EPSG:4326 and the search radius is a few pixels
// at zoom z.
func PointQuery(l *model.LayerDescriptor, z int) (string, float64, error) {
	if l.Kind == model.DataRaster {
		return "", 0, fmt.Errorf("%w: point queries need a vector layer", model.ErrInvalidRequest)
	}
	var src string
	switch {
	case strings.TrimSpace(strings.TrimRight(strings.TrimSpace(l.Source.SQL), ";")) != "":
		src = "SELECT * FROM " + l.Source.FromItem()
	case l.Source.Table != "":
		src = "SELECT * FROM " + pgx.Identifier(strings.Split(l.Source.Table, ".")).Sanitize()
	default:
		return "", 0, fmt.Errorf("%w: layer %s has no source", model.ErrInvalidRequest, l.ID)
	}
	geom := l.GeometryColumn
	if geom == "" {
		geom = model.DefaultGeomColumn
	}
	cols := "q.*"
	if len(l.Interactivity) > 0 {
		quoted := make([]string, len(l.Interactivity))
		for i, c := range l.Interactivity {
			quoted[i] = "q." + pgx.Identifier{c}.Sanitize()
		}
		cols = strings.Join(quoted, ", ")
	}
	srid := l.SRID
	if srid == 0 {
		srid = model.DefaultSRID
	}
	sql := fmt.Sprintf(
		"SELECT %s FROM (%s) AS q WHERE ST_DWithin(q.%s, ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), %d), $3)",
		cols, src, pgx.Identifier{geom}.Sanitize(), srid)
	return sql, Tolerance(z), nil
}

// Tolerance is four pixels of a 256px tile at zoom z, in metres.
func Tolerance(z int) float64 {
	const worldWidth = 2 * 20037508.342789244
	return 4 * worldWidth / (256 * math.Pow(2, float64(z)))
}
