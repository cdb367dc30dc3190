package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/presentation"
	"github.com/loqalabs/accessbridge/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubAnalysis struct{}

func (stubAnalysis) AnalyzeImage(_ context.Context, filename string, data []byte) (analysis.ImageResult, error) {
	return analysis.ImageResult{Description: "An image named " + filename}, nil
}

func (stubAnalysis) AnalyzeVideo(context.Context, string, []byte) (analysis.VideoResult, error) {
	return analysis.VideoResult{Summary: "A clip"}, nil
}

func newTestServer(t *testing.T, deps session.Dependencies) (*echo.Echo, *session.Session, *Hub) {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = clock.NewMock()
	}
	cfg := config.Default()
	cfg.Preferences.ScreenReaderAnnouncements = false
	s := session.New(context.Background(), cfg, deps, newLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(s.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(newLogger())
	go hub.Run(ctx)
	t.Cleanup(hub.Follow(s))

	return NewServer(s, hub, func() bool { return true }, nil, newLogger()), s, hub
}

func do(e *echo.Echo, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealthAndReadiness(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{})
	if rec := do(e, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("readyz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestPatchPreferencesUpdatesView(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{})

	rec := do(e, http.MethodPatch, "/api/preferences", echo.MIMEApplicationJSON,
		strings.NewReader(`{"high_contrast":true,"text_scale":40}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/view", "", nil)
	var view presentation.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if !view.Prefs.HighContrast || view.Prefs.TextScale != 32 {
		t.Fatalf("unexpected preferences %+v", view.Prefs)
	}
	if view.Typography.Title != 52 {
		t.Fatalf("unexpected typography %+v", view.Typography)
	}
}

func TestUnsupportedCapabilitiesReport501(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{})

	rec := do(e, http.MethodPost, "/api/speech/speak", echo.MIMEApplicationJSON, strings.NewReader(`{"text":"hi"}`))
	if rec.Code != http.StatusNotImplemented || decodeError(t, rec).Error != "unsupported" {
		t.Fatalf("speak: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/listen/start", "", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("listen: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodPost, "/api/listen/stop", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("stop listening must be a no-op: %d", rec.Code)
	}
}

func TestAnalyzeImageUpload(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{Analysis: stubAnalysis{}})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "bridge.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("png-bytes"))
	_ = mw.Close()

	rec := do(e, http.MethodPost, "/api/analyze/image", mw.FormDataContentType(), &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Kind   string `json:"kind"`
		Status string `json:"status"`
		Result struct {
			Description string `json:"description"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != "image" || resp.Status != "published" || resp.Result.Description != "An image named bridge.png" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(e, http.MethodPost, "/api/analyze/video", echo.MIMEApplicationJSON, strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "missing_file" {
		t.Fatalf("expected missing_file, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPlaybackValidation(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{})

	rec := do(e, http.MethodPost, "/api/playback", echo.MIMEApplicationJSON, strings.NewReader(`{"state":"rewinding","position":1}`))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "invalid_playback" {
		t.Fatalf("expected invalid_playback, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/playback", echo.MIMEApplicationJSON, strings.NewReader(`{"state":"paused","position":3}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("playback: %d %s", rec.Code, rec.Body.String())
	}
	var caption presentation.CaptionView
	if err := json.Unmarshal(rec.Body.Bytes(), &caption); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if caption.Position != 3 || caption.Visible {
		t.Fatalf("unexpected caption %+v", caption)
	}
}

func TestWebsocketStreamsViews(t *testing.T) {
	e, _, _ := newTestServer(t, session.Dependencies{})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() presentation.View {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read view: %v", err)
		}
		var view presentation.View
		if err := json.Unmarshal(data, &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		return view
	}

	if first := read(); first.Prefs.HighContrast {
		t.Fatal("initial view should use default preferences")
	}

	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPatch, srv.URL+"/api/preferences", `{"high_contrast":true}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if read().Prefs.HighContrast {
			return
		}
	}
	t.Fatal("expected a high contrast view on the stream")
}

func mustRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}
