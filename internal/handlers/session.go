package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"recollect/internal/database"
	"recollect/internal/services"
)

// SessionHandler handles the session HTTP surface: enough to create and
// inspect sessions around the websocket flow.
type SessionHandler struct {
	engine *services.SessionEngine
	repos  *database.Repositories
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(engine *services.SessionEngine, repos *database.Repositories) *SessionHandler {
	return &SessionHandler{engine: engine, repos: repos}
}

// Create starts a new session over a recall set's due points
// POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req struct {
		RecallSetID string `json:"recallSetId"`
	}
	if err := c.BodyParser(&req); err != nil || req.RecallSetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "recallSetId is required",
		})
	}

	session, err := h.engine.StartSession(c.Context(), req.RecallSetID)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Recall set not found",
		})
	}
	if err != nil {
		log.Printf("❌ Failed to start session for set %s: %v", req.RecallSetID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

// Get returns a session with its transcript
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")

	session, err := h.repos.Sessions.GetByID(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	if err != nil {
		log.Printf("❌ Failed to load session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	messages, err := h.repos.Messages.ListBySession(c.Context(), id)
	if err != nil {
		log.Printf("⚠️ Failed to load transcript for %s: %v", id, err)
	}
	tangents, err := h.repos.TangentEvents.ListBySession(c.Context(), id)
	if err != nil {
		log.Printf("⚠️ Failed to load tangent events for %s: %v", id, err)
	}

	return c.JSON(fiber.Map{
		"session":  session,
		"messages": messages,
		"tangents": tangents,
	})
}

// Resume reactivates a paused session so a websocket can reattach
// POST /api/sessions/:id/resume
func (h *SessionHandler) Resume(c *fiber.Ctx) error {
	id := c.Params("id")

	session, err := h.engine.ResumeSession(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(session)
}
