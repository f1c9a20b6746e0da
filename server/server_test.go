package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/revelium/splatlab/appconfig"
	"github.com/revelium/splatlab/auth"
	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/storage"
	"github.com/revelium/splatlab/tasks"
)

const testOrigin = "https://app.example"

type testServer struct {
	deps *Dependencies
	mux  *http.ServeMux
}

func newTestServer(t *testing.T, configure func(*appconfig.Config)) *testServer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := scenes.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	if err := auth.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var cfg appconfig.Config
	cfg.AllowedOrigin = testOrigin
	cfg.JWTSecret = "test-secret"
	cfg.Modal.Endpoint = "http://modal.invalid/submit"
	cfg.Modal.StatusEndpoint = "http://modal.invalid/status"
	cfg.Modal.DefaultElevation = 20
	cfg.Replicate.APIToken = "r8_test"
	if configure != nil {
		configure(&cfg)
	}

	deps := &Dependencies{
		Queue:  jobqueue.NewQueue(),
		DB:     db,
		Store:  store,
		Env:    tasks.NewEnv(cfg, db, store),
		Auth:   auth.NewService(db, cfg.JWTSecret),
		Config: cfg,
	}
	return &testServer{deps: deps, mux: NewMux(deps)}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(t, req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.NRGBA{10, 20, 30, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile("image", "photo.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/process", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// finish drives the only pending job to completion with result.
func finish(t *testing.T, q *jobqueue.Queue, result any) *jobqueue.Job {
	t.Helper()
	job, err := q.ClaimJob()
	if err != nil || job == nil {
		t.Fatalf("ClaimJob = %v, %v", job, err)
	}
	if err := q.SetResult(job.ID, result); err != nil {
		t.Fatal(err)
	}
	if err := q.CompleteJob(job.ID); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/process", nil)
	req.Header.Set("Origin", testOrigin)
	rec := ts.do(t, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d; want 204", rec.Code)
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != testOrigin {
		t.Errorf("Allow-Origin = %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed")
	}
	if h.Get("Access-Control-Max-Age") != "86400" {
		t.Errorf("Max-Age = %q", h.Get("Access-Control-Max-Age"))
	}
	if ts.deps.Queue.Stats().States["pending"] != 0 {
		t.Error("preflight reached the handler")
	}
}

func TestProcessCreatesSceneAndJob(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, uploadRequest(t, pngBytes(t, 32, 24), map[string]string{"prompt": "a lighthouse", "elevation": "15"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.JobID == "" || resp.SceneID == "" {
		t.Fatalf("response = %+v", resp)
	}

	ctx := context.Background()
	scene, err := scenes.GetScene(ctx, ts.deps.DB, resp.SceneID)
	if err != nil {
		t.Fatal(err)
	}
	if scene.SourceWidth != 32 || scene.SourceHeight != 24 || scene.Elevation != 15 {
		t.Errorf("scene = %+v", scene)
	}
	if scene.JobID != resp.JobID || scene.Status != scenes.StatusProcessing {
		t.Errorf("scene job/status = %q/%q", scene.JobID, scene.Status)
	}
	if !strings.HasSuffix(scene.SourceKey, ".png") {
		t.Errorf("SourceKey = %q", scene.SourceKey)
	}
	if _, _, err := ts.deps.Store.Get(ctx, scene.SourceKey); err != nil {
		t.Errorf("upload not stored: %v", err)
	}

	job, ok := ts.deps.Queue.Snapshot(resp.JobID)
	if !ok || job.Command != "splat" || job.Backend != jobqueue.BackendModal {
		t.Fatalf("job = %+v", job)
	}
	var in tasks.SplatInput
	json.Unmarshal([]byte(job.Input), &in)
	if in.SceneID != scene.ID || in.Prompt != "a lighthouse" || in.Elevation != 15 || in.Filename != "photo.png" {
		t.Errorf("input = %+v", in)
	}
}

func TestProcessDefaultsElevation(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, uploadRequest(t, pngBytes(t, 8, 8), nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	scene, err := scenes.GetScene(context.Background(), ts.deps.DB, decode(t, rec)["sceneId"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if scene.Elevation != 20 {
		t.Errorf("Elevation = %d; want 20", scene.Elevation)
	}
}

func TestProcessRejects(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"no image", uploadRequest(t, nil, nil), http.StatusBadRequest},
		{"not an image", uploadRequest(t, []byte("hello, this is plain text"), nil), http.StatusBadRequest},
		{"bad elevation", uploadRequest(t, pngBytes(t, 4, 4), map[string]string{"elevation": "up"}), http.StatusBadRequest},
		{"too large", uploadRequest(t, bytes.Repeat([]byte{0x89}, MaxUploadBytes+100<<10), nil), http.StatusRequestEntityTooLarge},
		{"wrong method", httptest.NewRequest(http.MethodPut, "/api/process", nil), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, tt.req); rec.Code != tt.status {
				t.Errorf("status = %d; want %d (%s)", rec.Code, tt.status, rec.Body)
			}
		})
	}
	if len(ts.deps.Queue.GetJobs()) != 0 {
		t.Error("rejected uploads queued jobs")
	}
}

func TestProcessNeedsConfig(t *testing.T) {
	ts := newTestServer(t, func(c *appconfig.Config) { c.Modal.Endpoint = "" })
	rec := ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["needsConfig"] != true {
		t.Error("needsConfig not set")
	}
}

func TestProcessStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode(t, ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)))
	jobID := created["jobId"].(string)

	status := decode(t, ts.doJSON(t, http.MethodGet, "/api/process?jobId="+jobID, nil))
	if status["status"] != statusProcessing || status["sceneId"] != created["sceneId"] {
		t.Errorf("pending status = %v", status)
	}

	finish(t, ts.deps.Queue, tasks.SplatResult{PLYURL: "/files/scenes/x/scene.ply", SplatCount: 12})
	status = decode(t, ts.doJSON(t, http.MethodGet, "/api/process?jobId="+jobID, nil))
	if status["status"] != statusCompleted || status["plyUrl"] != "/files/scenes/x/scene.ply" {
		t.Errorf("completed status = %v", status)
	}

	if rec := ts.doJSON(t, http.MethodGet, "/api/process?jobId=missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodGet, "/api/process", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing jobId status = %d", rec.Code)
	}
}

func TestProcessStatusFailed(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID := decode(t, ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)))["jobId"].(string)
	job, _ := ts.deps.Queue.ClaimJob()
	ts.deps.Queue.ErrorJob(job.ID, context.DeadlineExceeded)

	status := decode(t, ts.doJSON(t, http.MethodGet, "/api/process?jobId="+jobID, nil))
	if status["status"] != statusFailed || status["error"] == "" {
		t.Errorf("failed status = %v", status)
	}
}

func TestProcessStatusLogsCorruptInput(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID, _ := ts.deps.Queue.AddJob("", "splat", "{not json", nil)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	rec := ts.doJSON(t, http.MethodGet, "/api/process?jobId="+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "Failed to decode input of job "+jobID) {
		t.Errorf("log = %q; want the decode failure", buf.String())
	}
}

func TestOutpaintCreate(t *testing.T) {
	ts := newTestServer(t, nil)
	view := base64.StdEncoding.EncodeToString(pngBytes(t, 16, 16))

	rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", map[string]any{
		"image":      "data:image/png;base64," + view,
		"prompt":     "forest",
		"width":      64,
		"height":     64,
		"arcDegrees": 90,
		"seed":       7,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	jobID := decode(t, rec)["jobId"].(string)

	job, ok := ts.deps.Queue.Snapshot(jobID)
	if !ok || job.Command != "outpaint" || job.Backend != jobqueue.BackendReplicate {
		t.Fatalf("job = %+v", job)
	}
	var in tasks.OutpaintInput
	json.Unmarshal([]byte(job.Input), &in)
	if in.ViewKey != tasks.ArtifactKey(jobID, "view.png") || in.Seed != 7 || in.ArcDegrees != 90 || in.Width != 64 {
		t.Errorf("input = %+v", in)
	}
	if _, _, err := ts.deps.Store.Get(context.Background(), in.ViewKey); err != nil {
		t.Errorf("view not stored: %v", err)
	}
}

func TestOutpaintMinBrightness(t *testing.T) {
	ts := newTestServer(t, nil)
	img := base64.StdEncoding.EncodeToString(pngBytes(t, 8, 8))
	input := func(body map[string]any) tasks.OutpaintInput {
		t.Helper()
		rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		job, _ := ts.deps.Queue.Snapshot(decode(t, rec)["jobId"].(string))
		var in tasks.OutpaintInput
		if err := json.Unmarshal([]byte(job.Input), &in); err != nil {
			t.Fatal(err)
		}
		return in
	}

	if in := input(map[string]any{"image": img, "minBrightness": 0}); in.MinBrightness == nil || *in.MinBrightness != 0 {
		t.Errorf("explicit 0: MinBrightness = %v; want 0", in.MinBrightness)
	}
	if in := input(map[string]any{"image": img}); in.MinBrightness != nil {
		t.Errorf("omitted: MinBrightness = %v; want nil", *in.MinBrightness)
	}
}

func TestOutpaintWaitsForScene(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode(t, ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)))

	rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", map[string]any{
		"sceneId": created["sceneId"],
		"image":   base64.StdEncoding.EncodeToString(pngBytes(t, 8, 8)),
		"merge":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	job, _ := ts.deps.Queue.Snapshot(decode(t, rec)["jobId"].(string))
	if len(job.Dependencies) != 1 || job.Dependencies[0] != created["jobId"] {
		t.Errorf("Dependencies = %v; want the scene's splat job", job.Dependencies)
	}
}

func TestOutpaintFailsWithScene(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode(t, ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)))

	rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", map[string]any{
		"sceneId": created["sceneId"],
		"image":   base64.StdEncoding.EncodeToString(pngBytes(t, 8, 8)),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	jobID := decode(t, rec)["jobId"].(string)

	splatJob, _ := ts.deps.Queue.ClaimJob()
	if splatJob == nil || splatJob.ID != created["jobId"] {
		t.Fatalf("ClaimJob() = %v; want the scene's splat job", splatJob)
	}
	ts.deps.Queue.ErrorJob(splatJob.ID, errors.New("gpu out of memory"))

	status := decode(t, ts.doJSON(t, http.MethodGet, "/api/outpaint?jobId="+jobID, nil))
	if status["status"] != statusFailed {
		t.Errorf("status = %v; want failed", status["status"])
	}
	if msg, _ := status["error"].(string); !strings.Contains(msg, splatJob.ID) {
		t.Errorf("error = %q; want it to name the failed splat job", msg)
	}
}

func TestOutpaintRejects(t *testing.T) {
	ts := newTestServer(t, nil)
	img := base64.StdEncoding.EncodeToString(pngBytes(t, 4, 4))
	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"no image", map[string]any{"prompt": "x"}, http.StatusBadRequest},
		{"bad base64", map[string]any{"image": "%%%"}, http.StatusBadRequest},
		{"not an image", map[string]any{"image": base64.StdEncoding.EncodeToString([]byte("plain text body"))}, http.StatusBadRequest},
		{"negative density", map[string]any{"image": img, "density": -1}, http.StatusBadRequest},
		{"minBrightness too high", map[string]any{"image": img, "minBrightness": 300}, http.StatusBadRequest},
		{"negative minBrightness", map[string]any{"image": img, "minBrightness": -1}, http.StatusBadRequest},
		{"merge without scene", map[string]any{"image": img, "merge": true}, http.StatusBadRequest},
		{"unknown scene", map[string]any{"image": img, "sceneId": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", tt.body); rec.Code != tt.status {
				t.Errorf("status = %d; want %d (%s)", rec.Code, tt.status, rec.Body)
			}
		})
	}
	if rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", "not an object"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rec.Code)
	}
}

func TestOutpaintNeedsConfig(t *testing.T) {
	ts := newTestServer(t, func(c *appconfig.Config) { c.Replicate.APIToken = "" })
	rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", map[string]any{
		"image": base64.StdEncoding.EncodeToString(pngBytes(t, 4, 4)),
	})
	if rec.Code != http.StatusServiceUnavailable || decode(t, rec)["needsConfig"] != true {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestOutpaintStatusReturnsImage(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.doJSON(t, http.MethodPost, "/api/outpaint", map[string]any{
		"image": base64.StdEncoding.EncodeToString(pngBytes(t, 4, 4)),
	})
	jobID := decode(t, rec)["jobId"].(string)

	status := decode(t, ts.doJSON(t, http.MethodGet, "/api/outpaint?jobId="+jobID, nil))
	if status["status"] != statusProcessing {
		t.Errorf("status = %v", status)
	}

	out := pngBytes(t, 10, 10)
	key := tasks.ArtifactKey(jobID, "outpaint.png")
	if err := ts.deps.Store.Put(context.Background(), key, out, "image/png"); err != nil {
		t.Fatal(err)
	}
	finish(t, ts.deps.Queue, tasks.OutpaintResult{OutpaintKey: key, SplatCount: 42, SplatsURL: "/files/s.ply", Seed: 3})

	status = decode(t, ts.doJSON(t, http.MethodGet, "/api/outpaint?jobId="+jobID, nil))
	if status["status"] != statusCompleted || status["splatCount"] != float64(42) || status["splatsUrl"] != "/files/s.ply" {
		t.Errorf("status = %v", status)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(out)
	if status["image"] != want {
		t.Error("image is not the stored outpaint result")
	}
}

func TestScenesListGetDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		if rec := ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)); rec.Code != http.StatusCreated {
			t.Fatal(rec.Body)
		}
	}

	list := decode(t, ts.doJSON(t, http.MethodGet, "/api/scenes?limit=2", nil))
	if len(list["scenes"].([]any)) != 2 || list["hasMore"] != true {
		t.Fatalf("list = %v", list)
	}
	first := list["scenes"].([]any)[0].(map[string]any)
	id := first["id"].(string)
	if !strings.HasPrefix(first["sourceUrl"].(string), storage.FilesPrefix) {
		t.Errorf("sourceUrl = %v", first["sourceUrl"])
	}

	got := decode(t, ts.doJSON(t, http.MethodGet, "/api/scenes/"+id, nil))
	if got["id"] != id {
		t.Errorf("get = %v", got)
	}
	if rec := ts.doJSON(t, http.MethodGet, "/api/scenes/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing scene status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodGet, "/api/scenes?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d", rec.Code)
	}

	rec := ts.doJSON(t, http.MethodDelete, "/api/scenes/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	cleanupID, _ := decode(t, rec)["jobId"].(string)
	job, ok := ts.deps.Queue.Snapshot(cleanupID)
	if !ok || job.Command != "cleanup" {
		t.Fatalf("cleanup job = %+v", job)
	}
	var in tasks.CleanupInput
	json.Unmarshal([]byte(job.Input), &in)
	if len(in.Keys) == 0 {
		t.Error("cleanup has no keys")
	}
	if _, err := scenes.GetScene(context.Background(), ts.deps.DB, id); err == nil {
		t.Error("scene still present")
	}
	if rec := ts.doJSON(t, http.MethodDelete, "/api/scenes/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestExtendScene(t *testing.T) {
	ts := newTestServer(t, nil)
	created := decode(t, ts.do(t, uploadRequest(t, pngBytes(t, 4, 4), nil)))
	sceneID := created["sceneId"].(string)

	rec := ts.doJSON(t, http.MethodPost, "/api/scenes/"+sceneID+"/extend", map[string]any{"prompt": "sky", "density": 0.5})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	job, _ := ts.deps.Queue.Snapshot(decode(t, rec)["jobId"].(string))
	var in tasks.OutpaintInput
	json.Unmarshal([]byte(job.Input), &in)
	if job.Command != "extend" || in.SceneID != sceneID || !in.Merge || in.Density != 0.5 {
		t.Errorf("job = %+v input = %+v", job, in)
	}
	if len(job.Dependencies) != 1 {
		t.Errorf("Dependencies = %v", job.Dependencies)
	}

	if err := scenes.MarkFailed(context.Background(), ts.deps.DB, sceneID, "boom"); err != nil {
		t.Fatal(err)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/api/scenes/"+sceneID+"/extend", nil); rec.Code != http.StatusConflict {
		t.Errorf("failed scene status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/api/scenes/nope/extend", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown scene status = %d", rec.Code)
	}
}

func TestFiles(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	if err := ts.deps.Store.Put(ctx, "scenes/a/scene.ply", []byte("ply\n"), ""); err != nil {
		t.Fatal(err)
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files/scenes/a/scene.ply", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ply\n" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Error("no content type")
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files/scenes/b/scene.ply", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("missing artifact status = %d", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	q := ts.deps.Queue
	id, _ := q.AddJob("", "cleanup", `{"keys":[]}`, nil)

	var jobs []map[string]any
	rec := ts.doJSON(t, http.MethodGet, "/jobs/list", nil)
	json.Unmarshal(rec.Body.Bytes(), &jobs)
	if len(jobs) != 1 || jobs[0]["id"] != id {
		t.Fatalf("jobs = %v", jobs)
	}

	detail := decode(t, ts.doJSON(t, http.MethodGet, "/job/"+id, nil))
	if detail["command"] != "cleanup" || detail["stdout"] == nil {
		t.Errorf("detail = %v", detail)
	}

	copied := decode(t, ts.doJSON(t, http.MethodPost, "/job/"+id+"/copy", nil))
	copyID := copied["id"].(string)
	if _, ok := q.Snapshot(copyID); !ok {
		t.Fatal("copy not queued")
	}

	if rec := ts.doJSON(t, http.MethodPost, "/job/"+id+"/cancel", nil); rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/job/"+id+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodGet, "/job/"+id+"/cancel", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET cancel status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/job/"+id+"/remove", nil); rec.Code != http.StatusOK {
		t.Errorf("remove status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/job/"+id+"/remove", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second remove status = %d", rec.Code)
	}

	cleared := decode(t, ts.doJSON(t, http.MethodPost, "/jobs/clear", nil))
	if cleared["cleared_count"] != float64(1) {
		t.Errorf("cleared = %v", cleared)
	}
}

func TestTasksAndHealth(t *testing.T) {
	ts := newTestServer(t, func(c *appconfig.Config) { c.Modal.StatusEndpoint = "" })

	var list []tasks.Task
	json.Unmarshal(ts.doJSON(t, http.MethodGet, "/tasks", nil).Body.Bytes(), &list)
	ids := map[string]bool{}
	for _, task := range list {
		ids[task.ID] = true
	}
	for _, want := range []string{"splat", "outpaint", "extend", "cleanup"} {
		if !ids[want] {
			t.Errorf("task %q not listed", want)
		}
	}

	health := decode(t, ts.doJSON(t, http.MethodGet, "/health", nil))
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
	backends := health["backends"].(map[string]any)
	if backends["modal"] != false || backends["replicate"] != true {
		t.Errorf("backends = %v", backends)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, func(c *appconfig.Config) { c.RequireAuth = true })
	ctx := context.Background()
	if _, err := ts.deps.Auth.CreateDefaultUser(ctx, "adminpw"); err != nil {
		t.Fatal(err)
	}
	if err := ts.deps.Auth.Register(ctx, "viewer", "viewpw", auth.RoleViewer); err != nil {
		t.Fatal(err)
	}

	if rec := ts.doJSON(t, http.MethodGet, "/api/scenes", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("public route status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/auth/login", loginRequest{"viewer", "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", rec.Code)
	}

	login := func(user, pw string) string {
		rec := ts.doJSON(t, http.MethodPost, "/auth/login", loginRequest{user, pw})
		if rec.Code != http.StatusOK {
			t.Fatalf("login %s status = %d", user, rec.Code)
		}
		return decode(t, rec)["token"].(string)
	}
	withToken := func(method, target, token string) int {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return ts.do(t, req).Code
	}

	viewer := login("viewer", "viewpw")
	admin := login("admin", "adminpw")
	if code := withToken(http.MethodGet, "/api/scenes", viewer); code != http.StatusOK {
		t.Errorf("viewer scenes status = %d", code)
	}
	if code := withToken(http.MethodGet, "/jobs/list", viewer); code != http.StatusForbidden {
		t.Errorf("viewer jobs status = %d", code)
	}
	if code := withToken(http.MethodGet, "/jobs/list", admin); code != http.StatusOK {
		t.Errorf("admin jobs status = %d", code)
	}
	if code := withToken(http.MethodGet, "/api/scenes", "garbage"); code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d", code)
	}

	// preflight never needs a token
	req := httptest.NewRequest(http.MethodOptions, "/jobs/list", nil)
	if rec := ts.do(t, req); rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestDecodeDataURL(t *testing.T) {
	raw := []byte{1, 2, 3}
	enc := base64.StdEncoding.EncodeToString(raw)
	for _, in := range []string{enc, "data:image/png;base64," + enc, " " + enc + "\n"} {
		got, err := decodeDataURL(in)
		if err != nil || !bytes.Equal(got, raw) {
			t.Errorf("decodeDataURL(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := decodeDataURL("data:image/png;base64"); err == nil {
		t.Error("expected error for data URL without payload")
	}
}
