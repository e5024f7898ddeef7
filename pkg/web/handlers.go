package web

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-facetrack/pkg/engine"
	"github.com/teslashibe/go-facetrack/pkg/store"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// handleHealth reports liveness; a halted engine is unhealthy.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := s.engine.Status()
	code := fiber.StatusOK
	if status == engine.StatusHalted {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"version":    s.config.Version,
		"session_id": s.engine.Session().SessionID,
	})
}

// handleStatus returns the last engine output
func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":         s.engine.Status(),
		"battery_saving": s.engine.BatterySaving(),
		"output":         nil,
	}
	if out, ok := s.engine.LastOutput(); ok {
		resp["output"] = out
	}
	return c.JSON(resp)
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	return c.JSON(s.engine.CurrentProfile())
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	resp := fiber.Map{
		"engine": s.engine.Stats(),
		"output": s.output.Stats(),
	}
	if s.ingest != nil {
		resp["ingest"] = s.ingest.Stats()
	}
	return c.JSON(resp)
}

// handleTracks lists active tracks; ?confirmed=true hides tentative ones.
func (s *Server) handleTracks(c *fiber.Ctx) error {
	tracks := s.engine.Tracks()
	if c.QueryBool("confirmed") {
		tracks = tracking.ConfirmedOnly(tracks)
	}
	return c.JSON(fiber.Map{
		"tracks": tracks,
		"count":  len(tracks),
	})
}

func (s *Server) store(c *fiber.Ctx) (store.Store, error) {
	st := s.engine.Store()
	if st == nil {
		return nil, errorJSON(c, fiber.StatusNotImplemented, errors.New("no store configured"))
	}
	return st, nil
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	st, err := s.store(c)
	if st == nil {
		return err
	}
	limit := c.QueryInt("limit", 20)
	if limit <= 0 {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("limit must be positive, got %d", limit))
	}

	records, err := st.ListSessions(c.UserContext(), limit)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{
		"sessions": records,
		"count":    len(records),
	})
}

func (s *Server) handleCurrentSession(c *fiber.Ctx) error {
	return c.JSON(s.engine.Session())
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	st, err := s.store(c)
	if st == nil {
		return err
	}
	rec, err := st.GetSession(c.UserContext(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, err)
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(rec)
}

func (s *Server) handleSessionTracks(c *fiber.Ctx) error {
	st, err := s.store(c)
	if st == nil {
		return err
	}
	tracks, err := st.ListTracks(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{
		"tracks": tracks,
		"count":  len(tracks),
	})
}

func (s *Server) handleBatterySaving(c *fiber.Ctx) error {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if req.Enabled == nil {
		return errorJSON(c, fiber.StatusBadRequest, errors.New(`missing "enabled"`))
	}

	var err error
	if *req.Enabled {
		err = s.engine.EnableBatterySaving()
	} else {
		err = s.engine.DisableBatterySaving()
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{
		"battery_saving": s.engine.BatterySaving(),
		"profile":        s.engine.CurrentProfile(),
	})
}

func (s *Server) handleVisibility(c *fiber.Ctx) error {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if req.Visible == nil {
		return errorJSON(c, fiber.StatusBadRequest, errors.New(`missing "visible"`))
	}
	s.engine.SetVisible(*req.Visible)
	return c.JSON(fiber.Map{"visible": *req.Visible})
}

func (s *Server) handleCleanup(c *fiber.Ctx) error {
	n := s.engine.CleanupMemory()
	return c.JSON(fiber.Map{"released": n})
}

func (s *Server) handleRestartSession(c *fiber.Ctx) error {
	id := s.engine.RestartSession(c.UserContext())
	return c.JSON(fiber.Map{"session_id": id})
}

// handleOutputWS streams engine output, starting with the last one.
func (s *Server) handleOutputWS(c *websocket.Conn) {
	var initial [][]byte
	if out, ok := s.engine.LastOutput(); ok {
		if msg, err := outputMessage(out); err == nil {
			if data, err := msg.Bytes(); err == nil {
				initial = append(initial, data)
			}
		}
	}
	s.output.Serve(c, initial...)
}

// handleMetrics renders counters in the Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	st := s.engine.Stats()
	p := s.engine.CurrentProfile()
	sess := s.engine.Session()

	var b strings.Builder
	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(&b, "# HELP facetrack_%s %s\n# TYPE facetrack_%s %s\nfacetrack_%s %v\n\n",
			name, help, name, kind, name, value)
	}

	metric("cycles_total", "counter", "Completed detection cycles", st.Cycles)
	metric("failures_total", "counter", "Failed detection cycles", st.Failures)
	metric("timeouts_total", "counter", "Detection timeouts", st.Timeouts)
	metric("discarded_total", "counter", "Late or stale results discarded", st.Discarded)
	metric("frames_captured_total", "counter", "Frames sent for detection", st.Scheduler.Captured)
	metric("frames_skipped_interval_total", "counter", "Ticks skipped by the frame interval", st.Scheduler.SkippedInterval)
	metric("frames_skipped_hidden_total", "counter", "Ticks skipped while hidden", st.Scheduler.SkippedHidden)
	metric("active_tracks", "gauge", "Active tracks", st.Active)
	metric("profile_rung", "gauge", "Current quality ladder rung", p.Rung)
	metric("target_fps", "gauge", "Current target frame rate", p.TargetFPS)
	metric("profile_degrades_total", "counter", "Profile degrade steps", st.Optimizer.Degrades)
	metric("profile_recovers_total", "counter", "Profile recover steps", st.Optimizer.Recovers)
	metric("session_unique_faces", "gauge", "Unique faces in the current session", sess.TotalUniqueFaces)
	metric("session_peak_faces", "gauge", "Peak simultaneous faces in the current session", sess.PeakFaces)
	metric("output_clients", "gauge", "Connected output stream clients", s.output.ClientCount())
	if s.ingest != nil {
		is := s.ingest.Stats()
		metric("capture_clients", "gauge", "Connected capture clients", is.Clients)
		metric("capture_frames_total", "counter", "Frames received from capture clients", is.FramesReceived)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}
