package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"recollect/internal/database"
	"recollect/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	db          *database.MongoDB
	redis       *services.RedisService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, db *database.MongoDB, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{connManager: connManager, db: db, redis: redis}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"

	mongoOK := true
	if h.db != nil {
		if err := h.db.Ping(c.Context()); err != nil {
			mongoOK = false
			status = "degraded"
		}
	}

	redisOK := h.redis != nil
	if h.redis != nil {
		if err := h.redis.Ping(c.Context()); err != nil {
			redisOK = false
			status = "degraded"
		}
	}

	return c.JSON(fiber.Map{
		"status":      status,
		"mongo":       mongoOK,
		"redis":       redisOK,
		"connections": h.connManager.Count(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
