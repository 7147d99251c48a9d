package handlers

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"recollect/internal/database"
	"recollect/internal/services"
)

// RecallSetHandler handles recall set and point management.
type RecallSetHandler struct {
	recall *services.RecallService
}

// NewRecallSetHandler creates a new recall set handler
func NewRecallSetHandler(recall *services.RecallService) *RecallSetHandler {
	return &RecallSetHandler{recall: recall}
}

// Create creates an empty recall set
// POST /api/sets
func (h *RecallSetHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name is required",
		})
	}

	set, err := h.recall.CreateSet(c.Context(), strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		log.Printf("❌ Failed to create recall set: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create recall set",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(set)
}

// Get returns a set with its points and their due status
// GET /api/sets/:id
func (h *RecallSetHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")

	set, points, err := h.recall.Snapshot(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Recall set not found",
		})
	}
	if err != nil {
		log.Printf("❌ Failed to load recall set %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recall set",
		})
	}

	return c.JSON(fiber.Map{
		"set":    set,
		"points": points,
	})
}

// AddPoint adds a point to a set
// POST /api/sets/:id/points
func (h *RecallSetHandler) AddPoint(c *fiber.Ctx) error {
	id := c.Params("id")

	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "title and content are required",
		})
	}

	point, err := h.recall.AddPoint(c.Context(), id, strings.TrimSpace(req.Title), strings.TrimSpace(req.Content))
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Recall set not found",
		})
	}
	if err != nil {
		log.Printf("❌ Failed to add point to set %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add point",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(point)
}

// Due lists the set's currently due points
// GET /api/sets/:id/due
func (h *RecallSetHandler) Due(c *fiber.Ctx) error {
	id := c.Params("id")

	points, err := h.recall.DuePoints(c.Context(), id, time.Now())
	if err != nil {
		log.Printf("❌ Failed to list due points for %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list due points",
		})
	}
	return c.JSON(fiber.Map{
		"points": points,
		"count":  len(points),
	})
}
