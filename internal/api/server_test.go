package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/store"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/overlay"
	"github.com/menta2k/dish-counter/pkg/types"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

type fakeModel struct {
	err   error
	block chan struct{}
}

func (f *fakeModel) Predict(_ context.Context, _ detection.Request) (*detection.Response, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &detection.Response{Detections: []types.Detection{
		{Box: types.Box{Left: 10, Top: 10, Right: 40, Bottom: 40}, Confidence: 0.9},
		{Box: types.Box{Left: 60, Top: 60, Right: 90, Bottom: 90}, Confidence: 0.8},
	}}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, m *fakeModel) *Server {
	s, _ := newTestServerWithEngine(t, m)
	return s
}

func newTestServerWithEngine(t *testing.T, m *fakeModel) (*Server, *workflow.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := quietLogger()
	cache := modelcache.New(func(_ context.Context, path string) (detection.Model, error) {
		if path == "models/broken.pt" {
			return nil, errors.New("corrupt weights")
		}
		return m, nil
	})
	engine, err := workflow.NewEngine(workflow.Options{
		Models: []workflow.Model{
			{Path: "models/fast.pt", Label: "fast.pt", Defaults: types.ModelDefaults{InputSize: 768, Confidence: 0.20}},
			{Path: "models/broken.pt", Label: "broken.pt"},
		},
		Cache:    cache,
		Composer: overlay.New(overlay.DefaultConfig(), log),
		Log:      log,
	})
	require.NoError(t, err)
	return New(engine, store.NewMemoryStore(time.Hour), config.Default().Server, config.Default().Texts, log), engine
}

type sessionBody struct {
	Session workflow.View `json:"session"`
	Message string        `json:"message"`
	Error   string        `json:"error"`
}

func do(t *testing.T, s *Server, method, path string, body io.Reader, contentType string) (*httptest.ResponseRecorder, sessionBody) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var sb sessionBody
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	}
	return w, sb
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, sessionBody) {
	return do(t, s, method, path, bytes.NewBufferString(body), "application/json")
}

func uploadBody(t *testing.T, data []byte, source string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "dish.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	if source != "" {
		require.NoError(t, mw.WriteField("source", source))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func startedSession(t *testing.T, s *Server) string {
	t.Helper()
	w, sb := doJSON(t, s, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, workflow.PageHome, sb.Session.Page)
	require.Equal(t, "/sessions/"+sb.Session.ID, w.Header().Get("Location"))

	id := sb.Session.ID
	w, sb = doJSON(t, s, http.MethodPost, "/sessions/"+id+"/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, workflow.PageApp, sb.Session.Page)
	require.Equal(t, 768, sb.Session.Params.InputSize)
	return id
}

func TestServer_FullFlow(t *testing.T) {
	s := newTestServer(t, &fakeModel{})
	id := startedSession(t, s)

	body, ct := uploadBody(t, testJPEG(t, 400, 300), "camera")
	w, sb := do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, workflow.StageCropping, sb.Session.Stage)
	require.Equal(t, workflow.SourceCamera, sb.Session.Source)
	require.Equal(t, 400, sb.Session.Width)
	require.Equal(t, 300, sb.Session.Height)

	w, _ = do(t, s, http.MethodGet, "/sessions/"+id+"/preview", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/webp", w.Header().Get("Content-Type"))

	w, sb = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/crop", `{"selection":{"x":0,"y":0,"width":200,"height":200}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, &types.Selection{X: 0, Y: 0, Width: 200, Height: 200}, sb.Session.Selection)

	w, sb = doJSON(t, s, http.MethodPost, "/sessions/"+id+"/detect", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "Detected 2 objects", sb.Message)
	require.Equal(t, workflow.StageDetected, sb.Session.Stage)
	require.Equal(t, 2, sb.Session.Count)
	require.Equal(t, "fast.pt", sb.Session.ResultModel)

	w, _ = do(t, s, http.MethodGet, "/sessions/"+id+"/artifact", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	require.Equal(t, fmt.Sprintf(`attachment; filename="%s"`, sb.Session.ArtifactName), w.Header().Get("Content-Disposition"))

	cfg, err := jpeg.DecodeConfig(w.Body)
	require.NoError(t, err)
	require.Equal(t, 1800, cfg.Width)
	require.Equal(t, 1800, cfg.Height)
}

func TestServer_PreviewSelection(t *testing.T) {
	s := newTestServer(t, &fakeModel{})
	id := startedSession(t, s)

	body, ct := uploadBody(t, testJPEG(t, 2400, 1200), "")
	w, sb := do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, workflow.SourceUpload, sb.Session.Source)
	require.Equal(t, 2.0, sb.Session.PreviewScale)

	w, sb = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/crop", `{"selection":{"x":10,"y":20,"width":300,"height":300},"preview":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, &types.Selection{X: 20, Y: 40, Width: 600, Height: 600}, sb.Session.Selection)

	w, sb = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/crop", `{"selection":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, sb.Session.Selection)
}

func TestServer_UploadDuringDetect(t *testing.T) {
	m := &fakeModel{block: make(chan struct{})}
	s, engine := newTestServerWithEngine(t, m)
	id := startedSession(t, s)

	body, ct := uploadBody(t, testJPEG(t, 400, 300), "")
	w, _ := do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusOK, w.Code)

	detected := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/detect", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		detected <- rec.Code
	}()
	require.Eventually(t, func() bool { return engine.Busy(id) }, time.Second, 5*time.Millisecond)

	body, ct = uploadBody(t, testJPEG(t, 640, 480), "")
	w, _ = do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusConflict, w.Code)
	w, _ = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/params", `{"input_size":1024,"confidence":0.5,"nms":0.45}`)
	require.Equal(t, http.StatusConflict, w.Code)

	close(m.block)
	require.Equal(t, http.StatusOK, <-detected)

	w, sb := do(t, s, http.MethodGet, "/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 400, sb.Session.Width)
	require.Equal(t, workflow.StageDetected, sb.Session.Stage)

	body, ct = uploadBody(t, testJPEG(t, 640, 480), "")
	w, sb = do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 640, sb.Session.Width)

	w, sb = do(t, s, http.MethodGet, "/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 640, sb.Session.Width)
	require.Equal(t, workflow.StageCropping, sb.Session.Stage)
	require.Zero(t, s.locks.len())
}

func TestSessionLocks(t *testing.T) {
	l := newSessionLocks()
	unlock := l.lock("a")

	var order []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := l.lock("a")
		order = append(order, "second")
		u()
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.m["a"].refs == 2
	}, time.Second, time.Millisecond)

	// other ids are independent
	l.lock("b")()

	order = append(order, "first")
	unlock()
	<-done
	require.Equal(t, []string{"first", "second"}, order)
	require.Zero(t, l.len())
}

func TestServer_Errors(t *testing.T) {
	s := newTestServer(t, &fakeModel{})

	w, _ := doJSON(t, s, http.MethodGet, "/sessions/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w, sb := doJSON(t, s, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	home := sb.Session.ID

	body, ct := uploadBody(t, testJPEG(t, 64, 64), "")
	w, _ = do(t, s, http.MethodPost, "/sessions/"+home+"/image", body, ct)
	require.Equal(t, http.StatusConflict, w.Code)

	id := startedSession(t, s)

	w, _ = doJSON(t, s, http.MethodPost, "/sessions/"+id+"/detect", "")
	require.Equal(t, http.StatusConflict, w.Code)

	body, ct = uploadBody(t, []byte("not an image"), "")
	w, sb = do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotEmpty(t, sb.Error)

	body, ct = uploadBody(t, testJPEG(t, 64, 64), "scanner")
	w, _ = do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/params", `{"input_size":999,"confidence":0.2,"nms":0.45}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/model", `{"index":7}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPut, "/sessions/"+id+"/model", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodGet, "/sessions/"+id+"/artifact", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_DetectFailures(t *testing.T) {
	m := &fakeModel{err: errors.New("gpu on fire")}
	s := newTestServer(t, m)
	id := startedSession(t, s)

	body, ct := uploadBody(t, testJPEG(t, 128, 128), "")
	w, _ := do(t, s, http.MethodPost, "/sessions/"+id+"/image", body, ct)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/sessions/"+id+"/detect", "")
	require.Equal(t, http.StatusBadGateway, w.Code)

	w, sb := doJSON(t, s, http.MethodPut, "/sessions/"+id+"/model", `{"index":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "broken.pt", sb.Session.ModelLabel)

	w, _ = doJSON(t, s, http.MethodPost, "/sessions/"+id+"/detect", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	w, sb = doJSON(t, s, http.MethodGet, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, workflow.StageCropping, sb.Session.Stage)
}

func TestServer_ParamsAndModels(t *testing.T) {
	s := newTestServer(t, &fakeModel{})
	id := startedSession(t, s)

	w, sb := doJSON(t, s, http.MethodPut, "/sessions/"+id+"/params", `{"input_size":1280,"confidence":0.5,"nms":0.3,"show_labels":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, types.RunParams{InputSize: 1280, Confidence: 0.5, NMS: 0.3, ShowLabels: true}, sb.Session.Params)

	w, _ = doJSON(t, s, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var models struct {
		Models     []workflow.Model `json:"models"`
		InputSizes []int            `json:"input_sizes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	require.Len(t, models.Models, 2)
	require.Equal(t, []int{640, 768, 1024, 1280}, models.InputSizes)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, &fakeModel{})
	w, _ := do(t, s, http.MethodOptions, "/sessions", nil, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{workflow.ErrBusy, http.StatusConflict},
		{workflow.ErrNotStarted, http.StatusConflict},
		{&geometry.DecodeError{Err: errors.New("bad")}, http.StatusUnprocessableEntity},
		{&detection.InferenceError{Model: "m", Err: errors.New("x")}, http.StatusBadGateway},
		{&modelcache.ModelLoadError{Path: "p", Err: errors.New("x")}, http.StatusInternalServerError},
		{&config.ConfigurationError{Msg: "no models"}, http.StatusInternalServerError},
		{fmt.Errorf("wrap: %w", workflow.ErrInvalidParams), http.StatusBadRequest},
		{workflow.ErrInvalidSelection, http.StatusBadRequest},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
