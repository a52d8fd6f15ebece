package handlers

import (
	"context"
	"time"

	"council/internal/export"
	"council/internal/registry"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
)

// Prober issues on-demand latency probes
type Prober interface {
	ProbeLatency(ctx context.Context, modelID string) (int64, error)
}

// ModelHandler serves the unified model registry
type ModelHandler struct {
	registry  *registry.Service
	prober    Prober
	exportDir string
}

// NewModelHandler creates a model handler
func NewModelHandler(registrySvc *registry.Service, prober Prober, exportDir string) *ModelHandler {
	return &ModelHandler{registry: registrySvc, prober: prober, exportDir: exportDir}
}

// ListBaseModels returns grouped base models, optionally filtered
func (h *ModelHandler) ListBaseModels(c *fiber.Ctx) error {
	filter := c.Query("filter")
	limit := c.QueryInt("limit", 0)

	baseModels, err := h.registry.ListBaseModels(filter, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list base models"})
	}
	return c.JSON(fiber.Map{
		"base_models": baseModels,
		"count":       len(baseModels),
	})
}

// ListVariants returns the unified variants of one base model
func (h *ModelHandler) ListVariants(c *fiber.Ctx) error {
	baseModelID := c.Params("*")
	variants, err := h.registry.ListVariants(baseModelID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list variants"})
	}
	return c.JSON(fiber.Map{
		"base_model_id": baseModelID,
		"variants":      variants,
		"count":         len(variants),
	})
}

// Get returns one unified model by unified id
func (h *ModelHandler) Get(c *fiber.Ctx) error {
	unifiedID := c.Params("*")
	model, err := h.registry.Get(unifiedID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Model not found"})
	}
	return c.JSON(model)
}

// Search scores models against a query string
func (h *ModelHandler) Search(c *fiber.Ctx) error {
	query := c.Query("q")
	limit := c.QueryInt("limit", 20)

	results, err := h.registry.Search(query, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Search failed"})
	}
	return c.JSON(fiber.Map{
		"models": results,
		"count":  len(results),
	})
}

// Stats summarizes the catalog
func (h *ModelHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.registry.Stats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to compute stats"})
	}
	return c.JSON(stats)
}

// Refresh triggers a full dual-fetch + merge cycle
func (h *ModelHandler) Refresh(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	start := time.Now()
	count, err := h.registry.Refresh(ctx)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	if m := services.GetMetrics(); m != nil {
		m.RefreshDuration.Observe(time.Since(start).Seconds())
		m.UnifiedModels.Set(float64(count))
	}
	return c.JSON(fiber.Map{
		"status": "refresh complete",
		"models": count,
	})
}

// TestLatency probes one model and records the live latency
func (h *ModelHandler) TestLatency(c *fiber.Ctx) error {
	modelID := c.Params("*")

	latency, err := h.prober.ProbeLatency(c.Context(), modelID)
	if err != nil {
		if m := services.GetMetrics(); m != nil {
			m.RecordProbe(false)
		}
		return c.JSON(fiber.Map{
			"status":     "error",
			"model":      modelID,
			"latency_ms": latency,
			"message":    "Model failed to respond",
		})
	}

	h.registry.RecordLiveProbe(modelID, float64(latency))
	if m := services.GetMetrics(); m != nil {
		m.RecordProbe(true)
	}
	return c.JSON(fiber.Map{
		"status":     "ok",
		"model":      modelID,
		"latency_ms": latency,
	})
}

// ExportCatalog dumps the unified catalog to an XLSX workbook
func (h *ModelHandler) ExportCatalog(c *fiber.Ctx) error {
	all, err := h.registry.ListAll()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load catalog"})
	}

	path, err := export.CatalogXLSX(h.exportDir, all)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to build catalog export"})
	}
	return c.Download(path)
}
