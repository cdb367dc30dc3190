// Package api exposes the session over HTTP: control endpoints served by echo
// and a websocket stream of rendered views.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/preferences"
	"github.com/loqalabs/accessbridge/internal/session"
	"github.com/loqalabs/accessbridge/internal/stt"
)

// maxUploadBytes bounds analysis uploads held in memory.
const maxUploadBytes = 64 << 20

// Server holds the handlers for one session.
type Server struct {
	session *session.Session
	ready   func() bool
	logger  *slog.Logger
}

// NewServer builds the echo instance. metrics may be nil.
func NewServer(s *session.Session, hub *Hub, ready func() bool, metrics http.Handler, logger *slog.Logger) *echo.Echo {
	srv := &Server{
		session: s,
		ready:   ready,
		logger:  logger.With(slog.String("component", "api")),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64M"))

	e.GET("/healthz", srv.health)
	e.GET("/readyz", srv.readiness)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	e.GET("/ws", hub.Serve)

	v1 := e.Group("/api")
	v1.GET("/view", srv.view)
	v1.GET("/preferences", srv.getPreferences)
	v1.PATCH("/preferences", srv.patchPreferences)
	v1.POST("/speech/speak", srv.speak)
	v1.POST("/speech/stop", srv.stopSpeaking)
	v1.POST("/listen/start", srv.startListening)
	v1.POST("/listen/stop", srv.stopListening)
	v1.DELETE("/transcript", srv.clearTranscript)
	v1.POST("/transcript/speak", srv.speakTranscript)
	v1.POST("/analyze/image", srv.analyzeImage)
	v1.POST("/analyze/video", srv.analyzeVideo)
	v1.POST("/playback", srv.playback)
	return e
}

func (s *Server) health(c echo.Context) error {
	if !s.session.Healthy() {
		return c.String(http.StatusServiceUnavailable, "unhealthy")
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) readiness(c echo.Context) error {
	if s.ready != nil && !s.ready() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.String(http.StatusOK, "ready")
}

func (s *Server) view(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.View())
}

func (s *Server) getPreferences(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Preferences())
}

func (s *Server) patchPreferences(c echo.Context) error {
	var patch preferences.Patch
	if err := c.Bind(&patch); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid preferences patch")
	}
	return c.JSON(http.StatusOK, s.session.SetPreferences(patch))
}

func (s *Server) speak(c echo.Context) error {
	var req SpeakRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid speak request")
	}
	if !s.session.SpeakText(req.Text) {
		return errorJSON(c, http.StatusNotImplemented, "unsupported", "Speech synthesis is not available")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) speakTranscript(c echo.Context) error {
	if !s.session.SpeakTranscript() {
		return errorJSON(c, http.StatusNotImplemented, "unsupported", "Speech synthesis is not available")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) stopSpeaking(c echo.Context) error {
	s.session.StopSpeaking()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startListening(c echo.Context) error {
	err := s.session.StartListening(c.Request().Context())
	var deviceErr *stt.DeviceError
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, stt.ErrUnsupported):
		return errorJSON(c, http.StatusNotImplemented, "unsupported", "Speech recognition is not available")
	case errors.As(err, &deviceErr):
		return errorJSON(c, http.StatusBadGateway, "device_error", deviceErr.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) stopListening(c echo.Context) error {
	if err := s.session.StopListening(); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) clearTranscript(c echo.Context) error {
	s.session.ClearTranscript()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) analyzeImage(c echo.Context) error {
	return s.analyze(c, analysis.KindImage, "image")
}

func (s *Server) analyzeVideo(c echo.Context) error {
	return s.analyze(c, analysis.KindVideo, "video")
}

func (s *Server) analyze(c echo.Context, kind analysis.Kind, field string) error {
	header, err := c.FormFile(field)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "missing_file", "Multipart field "+field+" is required")
	}
	file, err := header.Open()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_file", err.Error())
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_file", err.Error())
	}

	ctx := c.Request().Context()
	var res analysis.Result
	if kind == analysis.KindImage {
		res, err = s.session.AnalyzeImage(ctx, header.Filename, data)
	} else {
		res, err = s.session.AnalyzeVideo(ctx, header.Filename, data)
	}
	if errors.Is(err, analysis.ErrSuperseded) {
		return errorJSON(c, http.StatusConflict, "superseded", "A newer "+string(kind)+" request replaced this one")
	}
	if err != nil {
		s.logger.Error("analysis request failed", slog.String("kind", string(kind)), slogError(err))
		return errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
	}

	status := "published"
	if _, failed := res.(analysis.Failure); failed {
		status = "failed"
	}
	return c.JSON(http.StatusOK, AnalysisResponse{Kind: kind, Status: status, Result: res})
}

func (s *Server) playback(c echo.Context) error {
	var req PlaybackRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid playback report")
	}
	if err := s.session.Playback(req.State, req.Position); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_playback", err.Error())
	}
	return c.JSON(http.StatusOK, s.session.View().Caption)
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
