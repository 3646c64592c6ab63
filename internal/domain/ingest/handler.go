package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/study-ingest/internal/platform/middleware"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/ehr/study-ingest/pkg/pagination"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const maxTriggerBody = 64 << 10

type Handler struct {
	svc     *Service
	baseURL string
}

func NewHandler(svc *Service, publicBaseURL string) *Handler {
	return &Handler{svc: svc, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ingest")
	g.POST("/stable-study", h.StableStudy)
	g.GET("/status/:requestId", h.GetStatus)
	g.GET("/jobs", h.ListJobs)
}

type triggerResponse struct {
	JobID          int64  `json:"jobId"`
	RequestID      string `json:"requestId"`
	Status         string `json:"status"`
	CheckStatusURL string `json:"checkStatusUrl"`
}

func (h *Handler) StableStudy(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxTriggerBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid_request")
	}
	studyID, requestID := ParseTrigger(body, c.Request().Header.Get(echo.HeaderContentType))
	if requestID == "" {
		// Header ids are not ours to reject; replace ones unusable in a path.
		if rid := middleware.GetRequestID(c); validIdentifier(rid) == nil {
			requestID = rid
		} else {
			requestID = uuid.NewString()
		}
	}

	snap, err := h.svc.Submit(c.Request().Context(), studyID, requestID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": "study and request identifiers must be 1-128 characters of [A-Za-z0-9._-]",
		})
	}
	return c.JSON(http.StatusAccepted, triggerResponse{
		JobID:          snap.ID,
		RequestID:      snap.RequestID,
		Status:         "queued",
		CheckStatusURL: h.baseURL + "/api/v1/ingest/status/" + url.PathEscape(snap.RequestID),
	})
}

func (h *Handler) GetStatus(c echo.Context) error {
	st, err := h.svc.Status(c.Request().Context(), c.Param("requestId"))
	if errors.Is(err, ingesterr.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found"})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListJobs(c echo.Context) error {
	p := pagination.FromContext(c)
	jobs := h.svc.Jobs()
	start, end := p.Window(len(jobs))
	return c.JSON(http.StatusOK, pagination.NewResponse(jobs[start:end], len(jobs), p))
}

// ParseTrigger extracts the study id and optional request id from a
// notification body. Accepted shapes: a bare string, a JSON string, an
// object with "studyId" or "ID", and a single-key object whose key is the
// id. Form-encoded bodies are read the same way as objects.
func ParseTrigger(body []byte, contentType string) (studyID, requestID string) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", ""
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t), ""
		case map[string]any:
			return fromObject(t)
		case float64:
			return text, ""
		}
		return "", ""
	}

	if strings.HasPrefix(contentType, echo.MIMEApplicationForm) {
		if form, err := url.ParseQuery(text); err == nil {
			obj := make(map[string]any, len(form))
			for k := range form {
				obj[k] = form.Get(k)
			}
			return fromObject(obj)
		}
	}
	return strings.Trim(text, `"' `), ""
}

func fromObject(obj map[string]any) (string, string) {
	requestID, _ := obj["requestId"].(string)
	requestID = strings.TrimSpace(requestID)

	for _, key := range []string{"studyId", "ID"} {
		if raw, ok := obj[key]; ok {
			id, _ := raw.(string)
			return strings.TrimSpace(id), requestID
		}
	}

	var keys []string
	for k := range obj {
		if k != "requestId" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 1 {
		return strings.TrimSpace(keys[0]), requestID
	}
	return "", requestID
}
