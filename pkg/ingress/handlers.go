package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
)

// submitRequest is the POST /events body.
type submitRequest struct {
	Event     submitEvent     `json:"event"`
	Platform  models.Platform `json:"platform"`
	SessionID string          `json:"session_id"`
}

type submitEvent struct {
	EventType string          `json:"event_type"`
	Timestamp *time.Time      `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
}

type submitResponse struct {
	EventID string `json:"event_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvents(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}
	if !req.Platform.Valid() {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown platform"})
	}
	if req.Event.EventType == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "event_type is required"})
	}

	ctx := c.Request().Context()

	// Session lifecycle events also drive side effects. They are still
	// enqueued so the trace tables carry the full timeline.
	switch {
	case req.Platform == models.PlatformCursor && req.Event.EventType == models.EventTypeSessionStart:
		if err := s.startSession(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
	case req.Platform == models.PlatformCursor && req.Event.EventType == models.EventTypeSessionEnd:
		if err := s.registry.End(ctx, req.SessionID); err != nil {
			s.logger.Warn("Session end failed", "session_id", req.SessionID, "error", err)
		}
	case req.Platform == models.PlatformClaudeCode && req.Event.EventType == models.EventTypeSessionEnd:
		// Stop hook: the transcript is final, drop its tail offsets.
		if err := s.offsets.DeleteForSession(ctx, req.SessionID); err != nil {
			s.logger.Warn("Offset cleanup failed", "session_id", req.SessionID, "error", err)
		}
	}

	ev := &models.Event{
		Platform:          req.Platform,
		EventType:         req.Event.EventType,
		ExternalSessionID: req.SessionID,
		Payload:           req.Event.Payload,
		Metadata:          req.Event.Metadata,
	}
	if req.Event.Timestamp != nil {
		ev.Timestamp = *req.Event.Timestamp
	} else {
		ev.Timestamp = time.Now()
	}
	if req.Platform == models.PlatformCursor && req.SessionID != "" {
		if sess, err := s.registry.Resolve(ctx, req.SessionID); err == nil && sess != nil {
			ev.WorkspaceHash = sess.WorkspaceHash
		}
	}

	if err := s.queue.Publish(ctx, ev); err != nil {
		// The event is gone; the drop must show up on /health.
		s.metrics.IncDropped(1)
		s.logger.Warn("Event dropped, queue publish failed",
			"event_type", ev.EventType, "platform", ev.Platform, "error", err)
		if errors.Is(err, msgqueue.ErrUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
		}
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
	s.metrics.IncEventsIn(1)

	return c.JSON(http.StatusAccepted, submitResponse{EventID: ev.EventID})
}

func (s *Server) startSession(c echo.Context, req *submitRequest) error {
	var body struct {
		WorkspacePath string `json:"workspace_path"`
		PID           int    `json:"pid"`
	}
	if len(req.Event.Payload) > 0 {
		if err := json.Unmarshal(req.Event.Payload, &body); err != nil {
			return errors.New("session_start payload must be a JSON object")
		}
	}
	_, err := s.registry.Start(c.Request().Context(),
		req.SessionID, body.WorkspacePath, body.PID, req.Event.Metadata)
	return err
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status     string           `json:"status"`
	Components map[string]any   `json:"components"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := healthResponse{
		Status:     "ok",
		Components: make(map[string]any, 3),
		Metrics:    s.metrics.Snapshot(),
	}

	if marks, err := s.client.Health(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		resp.Components["store"] = map[string]any{"status": "ok", "high_water_marks": marks}
	}

	if err := s.queue.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["queue"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		lag, _ := s.queue.Lag(ctx, config.StreamMessageQueue, s.cfg.Queue.Group)
		resp.Components["queue"] = map[string]any{"status": "ok", "consumer_lag": lag}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
