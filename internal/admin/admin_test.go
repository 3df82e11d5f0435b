package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/keys"
	"github.com/mohammed-shakir/tilecache/internal/cache/lrutiles"
	"github.com/mohammed-shakir/tilecache/internal/core/model"
	"github.com/mohammed-shakir/tilecache/internal/kv"
	"github.com/mohammed-shakir/tilecache/internal/store/cubestore"
	"github.com/mohammed-shakir/tilecache/internal/store/layerstore"
	"github.com/mohammed-shakir/tilecache/pkg/invalidation/kafka"
)

type fakeStatus struct {
	st        model.DatasetStatus
	err       error
	lastToken string
}

func (f *fakeStatus) GetStatus(_ context.Context, _ string, token string) (*model.DatasetStatus, error) {
	f.lastToken = token
	if f.err != nil {
		return nil, f.err
	}
	st := f.st
	return &st, nil
}

type recordingChanges struct {
	mu     sync.Mutex
	events []kafka.ChangeEvent
}

func (r *recordingChanges) Publish(_ context.Context, ev kafka.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	svc     *Service
	status  *fakeStatus
	tiles   *lrutiles.Store
	changes *recordingChanges
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := kv.OpenMemLevelDB()
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tiles, err := lrutiles.New(64, nil)
	if err != nil {
		t.Fatalf("lru: %v", err)
	}
	f := &fixture{
		status: &fakeStatus{st: model.DatasetStatus{
			UploadSuccess: true, ProcessingSuccess: true,
			DataType: "vector", TableName: "parcels", DatabaseName: "tenant_a",
		}},
		tiles:   tiles,
		changes: &recordingChanges{},
	}
	f.svc = New(Deps{
		Layers:  layerstore.New(db),
		Cubes:   cubestore.New(db),
		Status:  f.status,
		Tiles:   []cache.Purger{tiles},
		Changes: f.changes,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func validLayer() CreateLayerRequest {
	return CreateLayerRequest{
		FileID:      "file-1",
		AccessToken: "tok",
		Style:       "#layer { polygon-fill: red; }",
		SQL:         "SELECT * FROM parcels",
	}
}

func TestCreateLayer_CopiesStatus(t *testing.T) {
	f := newFixture(t)
	l, err := f.svc.CreateLayer(context.Background(), validLayer())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(l.ID, model.LayerIDPrefix) {
		t.Fatalf("id = %q", l.ID)
	}
	if l.Source.Database != "tenant_a" || l.Source.Table != "parcels" || l.Kind != model.DataVector {
		t.Fatalf("descriptor = %+v", l)
	}
	if l.SRID != model.DefaultSRID || l.GeometryColumn != model.DefaultGeomColumn {
		t.Fatalf("defaults not applied: %+v", l)
	}
	if len(l.AffectedTables) != 1 || l.AffectedTables[0] != "parcels" {
		t.Fatalf("affected tables = %v", l.AffectedTables)
	}
	got, err := f.svc.GetLayer(context.Background(), l.ID)
	if err != nil || got.Style != l.Style {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestCreateLayer_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fixture, *CreateLayerRequest)
		code   string
		status int
	}{
		{"missing fields", func(_ *fixture, r *CreateLayerRequest) { r.FileID, r.Style = "", "" }, CodeInvalidRequest, 400},
		{"bad style", func(_ *fixture, r *CreateLayerRequest) { r.Style = "#layer { a: ; }" }, CodeInvalidRequest, 400},
		{"vector without sql", func(_ *fixture, r *CreateLayerRequest) { r.SQL = "" }, CodeInvalidRequest, 400},
		{"not processed", func(f *fixture, _ *CreateLayerRequest) { f.status.st.ProcessingSuccess = false }, CodeUpstreamNotReady, 409},
		{"unknown file", func(f *fixture, _ *CreateLayerRequest) { f.status.err = model.ErrNoSuchDataset }, CodeNoSuchDataset, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validLayer()
			tc.mutate(f, &req)
			_, err := f.svc.CreateLayer(context.Background(), req)
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ae.Code != tc.code || ae.Status != tc.status {
				t.Fatalf("got %s/%d, want %s/%d (%s)", ae.Code, ae.Status, tc.code, tc.status, ae.Message)
			}
		})
	}
}

func TestCreateLayer_MissingFieldsMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateLayer(context.Background(), CreateLayerRequest{AccessToken: "tok"})
	ae := AsError(err)
	if !strings.Contains(ae.Message, "fileId") || !strings.Contains(ae.Message, "style") {
		t.Fatalf("message = %q", ae.Message)
	}
}

func TestCreateLayer_RasterNeedsNoSQL(t *testing.T) {
	f := newFixture(t)
	f.status.st.DataType = "raster"
	req := validLayer()
	req.SQL = ""
	l, err := f.svc.CreateLayer(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.Kind != model.DataRaster || l.GeometryColumn != model.DefaultRasterColumn {
		t.Fatalf("descriptor = %+v", l)
	}
}

func TestUpdateLayer_PurgesTiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.CreateLayer(ctx, validLayer())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := keys.Tile(l.ID, model.TileCoord{Z: 1, X: 0, Y: 0}, model.FormatPNG)
	if err := f.tiles.Set(ctx, key, []byte("old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	style := "#layer { polygon-fill: blue; }"
	got, err := f.svc.UpdateLayer(ctx, l.ID, UpdateLayerRequest{Style: &style})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Style != style || got.Source.SQL != l.Source.SQL {
		t.Fatalf("overlay wrong: %+v", got)
	}
	if _, ok, _ := f.tiles.Get(ctx, key); ok {
		t.Fatal("tile survived update")
	}
	if len(f.changes.events) != 1 || f.changes.events[0].ID != l.ID || f.changes.events[0].Target != kafka.TargetLayer {
		t.Fatalf("events = %+v", f.changes.events)
	}
}

func TestUpdateLayer_UnknownAndBadStyle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	style := "#layer { polygon-fill: blue; }"
	if _, err := f.svc.UpdateLayer(ctx, "layer-nope", UpdateLayerRequest{Style: &style}); AsError(err).Code != CodeNoSuchLayer {
		t.Fatalf("err = %v", err)
	}
	l, err := f.svc.CreateLayer(ctx, validLayer())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := "#layer {"
	if _, err := f.svc.UpdateLayer(ctx, l.ID, UpdateLayerRequest{Style: &bad}); AsError(err).Code != CodeInvalidRequest {
		t.Fatalf("err = %v", err)
	}
	stored, _ := f.svc.GetLayer(ctx, l.ID)
	if stored.Style != l.Style {
		t.Fatal("bad style was saved")
	}
}

func TestCubeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.CreateCube(ctx, CreateCubeRequest{
		Creator:  "alice",
		Style:    "#layer0 { raster-opacity: 0.8; }",
		Datasets: []DatasetInput{{ID: "ds-1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(c.ID, model.CubeIDPrefix) {
		t.Fatalf("id = %q", c.ID)
	}

	if c, err = f.svc.AddDataset(ctx, c.ID, DatasetInput{ID: "ds-2"}); err != nil || len(c.Datasets) != 2 {
		t.Fatalf("add: %v %+v", err, c)
	}

	key := keys.CubeTile(c.ID, "ds-1", keys.StyleFingerprint(c.Style), model.TileCoord{}, model.FormatPNG)
	_ = f.tiles.Set(ctx, key, []byte("old"))
	if c, err = f.svc.RemoveDataset(ctx, c.ID, "ds-1"); err != nil || len(c.Datasets) != 1 {
		t.Fatalf("remove: %v %+v", err, c)
	}
	if _, ok, _ := f.tiles.Get(ctx, key); ok {
		t.Fatal("cube tile survived dataset removal")
	}

	if c, err = f.svc.ReplaceDatasets(ctx, c.ID, []DatasetInput{{ID: "a"}, {ID: "b"}}); err != nil || len(c.Datasets) != 2 {
		t.Fatalf("replace: %v %+v", err, c)
	}
	if _, err := f.svc.ReplaceDatasets(ctx, c.ID, []DatasetInput{{ID: "a"}, {ID: "a"}}); AsError(err).Code != CodeInvalidRequest {
		t.Fatalf("duplicate datasets: %v", err)
	}

	mask := json.RawMessage(`{"type":"Point","coordinates":[0,0]}`)
	if c, err = f.svc.SetMask(ctx, c.ID, mask); err != nil || len(c.Mask) == 0 {
		t.Fatalf("mask: %v %+v", err, c)
	}

	c, err = f.svc.UpdateCubeStyle(ctx, c.ID, UpdateCubeStyleRequest{Style: "#layer0 { raster-opacity: 0.5; }", Quality: "png"})
	if err != nil || c.Quality != "png" {
		t.Fatalf("style: %v %+v", err, c)
	}
	if _, err := f.svc.GetCube(ctx, "cube-nope"); AsError(err).Code != CodeNoSuchCube {
		t.Fatalf("get unknown: %v", err)
	}
}

func newRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	f.svc.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_LayerRoutes(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f)

	rec := do(t, h, http.MethodPost, "/layers",
		`{"fileId":"file-1","accessToken":"tok","style":"#layer { line-width: 1; }","sql":"SELECT 1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	var l model.LayerDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil || l.ID == "" {
		t.Fatalf("decode: %v %s", err, rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/layers/"+l.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/layers/"+l.ID, `{"sql":"SELECT 2"}`); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/layers/layer-missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
	var eb struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil || eb.Error.Code != CodeNoSuchLayer {
		t.Fatalf("error body = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/layers", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestHTTP_CubeRoutes(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f)

	rec := do(t, h, http.MethodPost, "/cubes", `{"creator":"alice","datasets":[{"id":"ds-1"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	var c model.CubeDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}

	steps := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/cubes/" + c.ID + "/datasets", `{"id":"ds-2"}`, http.StatusOK},
		{http.MethodDelete, "/cubes/" + c.ID + "/datasets/ds-1", "", http.StatusOK},
		{http.MethodDelete, "/cubes/" + c.ID + "/datasets/ds-9", "", http.StatusNotFound},
		{http.MethodPut, "/cubes/" + c.ID + "/datasets", `[{"id":"x"},{"id":"y"}]`, http.StatusOK},
		{http.MethodPut, "/cubes/" + c.ID + "/mask", `{"type":"Point","coordinates":[1,2]}`, http.StatusOK},
		{http.MethodPut, "/cubes/" + c.ID + "/style", `{"style":"#layer0 { raster-opacity: 1; }"}`, http.StatusOK},
		{http.MethodPut, "/cubes/" + c.ID + "/style", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/cubes/" + c.ID, "", http.StatusOK},
		{http.MethodGet, "/cubes/cube-missing", "", http.StatusNotFound},
	}
	for _, s := range steps {
		if rec := do(t, h, s.method, s.path, s.body); rec.Code != s.want {
			t.Fatalf("%s %s = %d, want %d (%s)", s.method, s.path, rec.Code, s.want, rec.Body)
		}
	}
}
