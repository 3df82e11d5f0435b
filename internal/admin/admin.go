// Package admin manages layer and cube descriptors: creation from uploaded
// datasets, style and source updates, and cube dataset membership.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/scene"
	"github.com/mohammed-shakir/tilecache/internal/store/cubestore"
	"github.com/mohammed-shakir/tilecache/internal/store/layerstore"
	"github.com/mohammed-shakir/tilecache/internal/upstream"
	"github.com/mohammed-shakir/tilecache/pkg/invalidation/kafka"
)

// ChangePublisher announces layer and cube changes to other instances.
type ChangePublisher interface {
	Publish(ctx context.Context, ev kafka.ChangeEvent) error
}

type Deps struct {
	Layers   *layerstore.Store
	Cubes    *cubestore.Store
	Status   upstream.StatusClient
	Tiles    []cache.Purger
	Compiler scene.Compiler
	Changes  ChangePublisher
	Logger   *slog.Logger
}

type Service struct {
	d        Deps
	validate *validator.Validate
	now      func() time.Time
	log      *slog.Logger
}

func New(d Deps) *Service {
	if d.Compiler == nil {
		d.Compiler = scene.Builtin{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{d: d, validate: newValidator(), now: time.Now, log: d.Logger.With("component", "admin")}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

type CreateLayerRequest struct {
	FileID         string            `json:"fileId" validate:"required"`
	AccessToken    string            `json:"accessToken" validate:"required"`
	Style          string            `json:"style" validate:"required"`
	StyleVersion   string            `json:"styleVersion,omitempty"`
	SQL            string            `json:"sql,omitempty"`
	GeometryType   string            `json:"geometryType,omitempty"`
	Band           int               `json:"band,omitempty" validate:"gte=0"`
	AffectedTables []string          `json:"affectedTables,omitempty" validate:"dive,required"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Interactivity  []string          `json:"interactivity,omitempty" validate:"dive,required"`
}

// UpdateLayerRequest overlays the non-nil fields onto the stored layer.
type UpdateLayerRequest struct {
	Style         *string  `json:"style,omitempty" validate:"omitnil,min=1"`
	StyleVersion  *string  `json:"styleVersion,omitempty"`
	SQL           *string  `json:"sql,omitempty" validate:"omitnil,min=1"`
	Interactivity []string `json:"interactivity,omitempty" validate:"dive,required"`
}

// CreateLayer registers a layer for an uploaded dataset. The dataset must
// be fully uploaded and processed; its location and metadata are copied
// into the descriptor.
func (s *Service) CreateLayer(ctx context.Context, req CreateLayerRequest) (*model.LayerDescriptor, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, AsError(err)
	}
	if err := s.checkStyle(req.Style, req.StyleVersion); err != nil {
		return nil, AsError(err)
	}

	st, err := s.d.Status.GetStatus(ctx, req.FileID, req.AccessToken)
	if err != nil {
		return nil, AsError(err)
	}
	if !st.Ready() {
		return nil, AsError(fmt.Errorf("%w: upload=%t processing=%t", model.ErrUpstreamNotReady, st.UploadSuccess, st.ProcessingSuccess))
	}
	kind := st.Kind()
	if kind == model.DataVector && strings.TrimSpace(req.SQL) == "" {
		return nil, AsError(fmt.Errorf("%w: missing required field(s): sql", model.ErrInvalidRequest))
	}

	now := s.now().UTC()
	l := &model.LayerDescriptor{
		ID:             model.LayerIDPrefix + uuid.NewString(),
		Source:         model.DataSourceRef{Database: st.DatabaseName, Table: st.TableName, SQL: req.SQL},
		Style:          req.Style,
		StyleVersion:   req.StyleVersion,
		GeometryType:   req.GeometryType,
		Band:           req.Band,
		Kind:           kind,
		AffectedTables: req.AffectedTables,
		Attributes:     req.Attributes,
		Interactivity:  req.Interactivity,
		Metadata:       st.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(l.AffectedTables) == 0 && st.TableName != "" {
		l.AffectedTables = []string{st.TableName}
	}
	l.ApplyDefaults()
	if err := s.d.Layers.Put(ctx, l); err != nil {
		return nil, AsError(err)
	}
	s.log.Info("layer created", "layer", l.ID, "kind", l.Kind, "table", st.TableName)
	return l, nil
}

func (s *Service) GetLayer(ctx context.Context, id string) (*model.LayerDescriptor, error) {
	l, err := s.d.Layers.Get(ctx, id)
	if err != nil {
		return nil, AsError(err)
	}
	return l, nil
}

// UpdateLayer saves the overlay and purges the layer's cached tiles.
func (s *Service) UpdateLayer(ctx context.Context, id string, req UpdateLayerRequest) (*model.LayerDescriptor, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, AsError(err)
	}
	l, err := s.d.Layers.Get(ctx, id)
	if err != nil {
		return nil, AsError(err)
	}
	if req.Style != nil {
		l.Style = *req.Style
	}
	if req.StyleVersion != nil {
		l.StyleVersion = *req.StyleVersion
	}
	if req.SQL != nil {
		l.Source.SQL = *req.SQL
	}
	if req.Interactivity != nil {
		l.Interactivity = req.Interactivity
	}
	if err := s.checkStyle(l.Style, l.StyleVersion); err != nil {
		return nil, AsError(err)
	}
	l.UpdatedAt = s.now().UTC()
	if err := s.d.Layers.Put(ctx, l); err != nil {
		return nil, AsError(err)
	}
	s.purge(ctx, kafka.TargetLayer, l.ID, keys.LayerPrefixes(l.ID))
	return l, nil
}

func (s *Service) checkStyle(style, version string) error {
	_, err := s.d.Compiler.Compile(style, version, scene.DataSource{})
	return err
}

// purge drops local tiles and tells other instances to do the same. Both
// are best effort; the descriptor change is already saved.
func (s *Service) purge(ctx context.Context, target kafka.Target, id string, prefixes []string) {
	total := 0
	for _, t := range s.d.Tiles {
		n, err := cache.PurgeAll(ctx, t, prefixes...)
		total += n
		if err != nil {
			s.log.Warn("tile purge failed", "target", target, "id", id, "err", err)
		}
	}
	if s.d.Changes != nil {
		ev := kafka.ChangeEvent{Target: target, ID: id, Op: "update", TS: s.now().UTC()}
		if err := s.d.Changes.Publish(ctx, ev); err != nil {
			s.log.Warn("change event publish failed", "target", target, "id", id, "err", err)
		}
	}
	s.log.Info("tiles purged", "target", target, "id", id, "removed", total)
}

type DatasetInput struct {
	ID          string    `json:"id" validate:"required"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Granularity string    `json:"granularity,omitempty"`
}

func (d DatasetInput) ref() model.DatasetRef {
	return model.DatasetRef{ID: d.ID, Description: d.Description, Timestamp: d.Timestamp, Granularity: d.Granularity}
}

type CreateCubeRequest struct {
	Creator  string          `json:"creator" validate:"required"`
	Style    string          `json:"style"`
	Quality  string          `json:"quality,omitempty"`
	Datasets []DatasetInput  `json:"datasets" validate:"dive"`
	Mask     json.RawMessage `json:"mask,omitempty"`
}

func (s *Service) CreateCube(ctx context.Context, req CreateCubeRequest) (*model.CubeDescriptor, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, AsError(err)
	}
	if err := s.checkStyle(req.Style, ""); err != nil {
		return nil, AsError(err)
	}
	if len(req.Mask) > 0 && !json.Valid(req.Mask) {
		return nil, AsError(fmt.Errorf("%w: mask is not valid JSON", model.ErrInvalidRequest))
	}
	refs, err := datasetRefs(req.Datasets)
	if err != nil {
		return nil, AsError(err)
	}
	now := s.now().UTC()
	c := &model.CubeDescriptor{
		ID:        model.CubeIDPrefix + uuid.NewString(),
		Creator:   req.Creator,
		CreatedAt: now,
		UpdatedAt: now,
		Style:     req.Style,
		Quality:   req.Quality,
		Datasets:  refs,
		Mask:      req.Mask,
	}
	if err := s.d.Cubes.Put(ctx, c); err != nil {
		return nil, AsError(err)
	}
	s.log.Info("cube created", "cube", c.ID, "datasets", len(refs))
	return c, nil
}

func datasetRefs(in []DatasetInput) ([]model.DatasetRef, error) {
	out := make([]model.DatasetRef, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate dataset %q", model.ErrInvalidRequest, d.ID)
		}
		seen[d.ID] = true
		out = append(out, d.ref())
	}
	return out, nil
}

func (s *Service) GetCube(ctx context.Context, id string) (*model.CubeDescriptor, error) {
	c, err := s.d.Cubes.Get(ctx, id)
	if err != nil {
		return nil, AsError(err)
	}
	return c, nil
}

func (s *Service) AddDataset(ctx context.Context, cubeID string, d DatasetInput) (*model.CubeDescriptor, error) {
	if err := s.validate.StructCtx(ctx, d); err != nil {
		return nil, AsError(err)
	}
	c, err := s.d.Cubes.AddDataset(ctx, cubeID, d.ref())
	if err != nil {
		return nil, AsError(err)
	}
	return c, nil
}

// RemoveDataset also drops the cached tiles of the cube, since a dataset id
// may be re-added later with different content.
func (s *Service) RemoveDataset(ctx context.Context, cubeID, datasetID string) (*model.CubeDescriptor, error) {
	c, err := s.d.Cubes.RemoveDataset(ctx, cubeID, datasetID)
	if err != nil {
		return nil, AsError(err)
	}
	s.purge(ctx, kafka.TargetCube, c.ID, []string{keys.CubePrefix(c.ID)})
	return c, nil
}

func (s *Service) ReplaceDatasets(ctx context.Context, cubeID string, ds []DatasetInput) (*model.CubeDescriptor, error) {
	if err := s.validate.VarCtx(ctx, ds, "dive"); err != nil {
		return nil, AsError(err)
	}
	refs, err := datasetRefs(ds)
	if err != nil {
		return nil, AsError(err)
	}
	c, err := s.d.Cubes.ReplaceDatasets(ctx, cubeID, refs)
	if err != nil {
		return nil, AsError(err)
	}
	s.purge(ctx, kafka.TargetCube, c.ID, []string{keys.CubePrefix(c.ID)})
	return c, nil
}

func (s *Service) SetMask(ctx context.Context, cubeID string, mask json.RawMessage) (*model.CubeDescriptor, error) {
	c, err := s.d.Cubes.SetMask(ctx, cubeID, mask)
	if err != nil {
		return nil, AsError(err)
	}
	s.purge(ctx, kafka.TargetCube, c.ID, []string{keys.CubePrefix(c.ID)})
	return c, nil
}

type UpdateCubeStyleRequest struct {
	Style   string `json:"style" validate:"required"`
	Quality string `json:"quality,omitempty"`
}

// UpdateCubeStyle needs no purge: the style fingerprint is part of every
// cube tile key, so old tiles are simply no longer addressed.
func (s *Service) UpdateCubeStyle(ctx context.Context, cubeID string, req UpdateCubeStyleRequest) (*model.CubeDescriptor, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, AsError(err)
	}
	if err := s.checkStyle(req.Style, ""); err != nil {
		return nil, AsError(err)
	}
	c, err := s.d.Cubes.SetStyle(ctx, cubeID, req.Style, req.Quality)
	if err != nil {
		return nil, AsError(err)
	}
	return c, nil
}
