package gateway

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/agentmem/internal/memory"
)

const requestIDHeader = "X-Request-ID"

// recallFilterParams are the query parameters folded into a recall filter
// when no "filters" JSON object is given.
var recallFilterParams = []string{"tier", "event_type", "entity_type", "lesson_type", "summary_type", "since", "until"}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type setStateRequest struct {
	Content *string `json:"content"`
}

type consolidateRequest struct {
	PrincipleID string   `json:"principle_id"`
	LessonIDs   []string `json:"lesson_ids"`
}

func (g *Gateway) requestID(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals("request_id", id)
	c.Set(requestIDHeader, id)
	return c.Next()
}

func (g *Gateway) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = statusFor(err)
		}
	}
	g.log.WithFields(logrus.Fields{
		"method":     c.Method(),
		"path":       c.Path(),
		"status":     status,
		"duration":   time.Since(start).String(),
		"request_id": c.Locals("request_id"),
	}).Debug("request")
	return err
}

func statusFor(err error) int {
	switch {
	case memory.IsValidation(err):
		return fiber.StatusBadRequest
	case memory.IsUnknownKind(err):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func (g *Gateway) errorHandler(c *fiber.Ctx, err error) error {
	resp := errorResponse{Error: err.Error()}
	if id, ok := c.Locals("request_id").(string); ok {
		resp.RequestID = id
	}

	status := statusFor(err)
	var fe *fiber.Error
	var ve *memory.ValidationError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
		resp.Error = fe.Message
	case errors.As(err, &ve):
		resp.Field = ve.Field
	}
	if status >= fiber.StatusInternalServerError {
		g.log.WithError(err).WithField("request_id", resp.RequestID).Error("request failed")
	}
	return c.Status(status).JSON(resp)
}

func (g *Gateway) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleListAgents(c *fiber.Ctx) error {
	agents, err := g.engine.ListAgents(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"agents": agents})
}

func (g *Gateway) handleStore(c *fiber.Ctx) error {
	res, err := g.svc.Store(c.UserContext(), c.Params("agent"), c.Params("kind"), c.Body())
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (g *Gateway) handleGet(c *fiber.Ctx) error {
	id, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		return &memory.ValidationError{Field: "id", Message: "malformed id: " + err.Error()}
	}
	if id == "" {
		return &memory.ValidationError{Field: "id", Message: "id is required"}
	}
	rec, err := g.svc.Get(c.UserContext(), c.Params("agent"), c.Params("kind"), id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fiber.NewError(fiber.StatusNotFound, "record not found")
	}
	return c.JSON(rec)
}

func (g *Gateway) handleRecall(c *fiber.Ctx) error {
	filter, err := recallFilterFromQuery(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", g.cfg.Recall.DefaultLimit)

	records, err := g.svc.Recall(c.UserContext(), c.Params("agent"), c.Params("kind"), filter, limit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []memory.Record{}
	}
	return c.JSON(fiber.Map{"records": records, "count": len(records)})
}

// recallFilterFromQuery accepts either filters=<json object> or the
// individual filter keys as query parameters.
func recallFilterFromQuery(c *fiber.Ctx) (memory.RecallFilter, error) {
	if raw := c.Query("filters"); raw != "" {
		return memory.ParseRecallFilter([]byte(raw))
	}
	fields := make(map[string]string)
	for _, key := range recallFilterParams {
		if v := c.Query(key); v != "" {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return memory.RecallFilter{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return memory.RecallFilter{}, err
	}
	return memory.ParseRecallFilter(data)
}

func (g *Gateway) handleSearch(c *fiber.Ctx) error {
	var kinds []string
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	limit := c.QueryInt("limit", g.cfg.Search.DefaultLimit)

	results, err := g.svc.Search(c.UserContext(), c.Params("agent"), c.Query("q"), kinds, limit)
	if err != nil {
		return err
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return c.JSON(fiber.Map{"results": results, "count": len(results)})
}

func (g *Gateway) handleGetState(c *fiber.Ctx) error {
	st, err := g.svc.GetState(c.UserContext(), c.Params("agent"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (g *Gateway) handleSetState(c *fiber.Ctx) error {
	var req setStateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return &memory.ValidationError{Field: "content", Message: "malformed JSON: " + err.Error()}
	}
	if req.Content == nil {
		return &memory.ValidationError{Field: "content", Message: "content is required"}
	}
	st, err := g.svc.SetState(c.UserContext(), c.Params("agent"), *req.Content)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (g *Gateway) handleSession(c *fiber.Ctx) error {
	s, err := g.svc.GetSession(c.UserContext(), c.Params("agent"))
	if err != nil {
		return err
	}
	return c.JSON(s)
}

func (g *Gateway) handleStats(c *fiber.Ctx) error {
	st, err := g.svc.Stats(c.UserContext(), c.Params("agent"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (g *Gateway) handleConsolidate(c *fiber.Ctx) error {
	var req consolidateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return &memory.ValidationError{Message: "malformed JSON: " + err.Error()}
	}
	n, err := g.svc.ConsolidateLessons(c.UserContext(), c.Params("agent"), req.PrincipleID, req.LessonIDs)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"principle_id": req.PrincipleID, "consolidated": n})
}
