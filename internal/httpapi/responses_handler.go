package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"llm_fanout/internal/middleware"
	"llm_fanout/internal/models"
	"llm_fanout/internal/orchestrator"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/storage"
	"llm_fanout/internal/utils"
)

// ResponsesHandler serves the response aggregate endpoints
type ResponsesHandler struct {
	service *orchestrator.Service
	logger  *utils.Logger
}

// NewResponsesHandler creates a new responses handler
func NewResponsesHandler(service *orchestrator.Service) *ResponsesHandler {
	return &ResponsesHandler{
		service: service,
		logger:  utils.NewLogger("http"),
	}
}

// SettingsRequest carries the optional generation settings of a submission
type SettingsRequest struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       *int     `json:"maxTokens,omitempty"`
	EnabledModels   []string `json:"enabledModels,omitempty"`
	PriorResponseID string   `json:"priorResponseId,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/responses
type SubmitRequest struct {
	Prompt    string           `json:"prompt"`
	ProjectID string           `json:"projectId,omitempty"`
	Settings  *SettingsRequest `json:"settings,omitempty"`
}

// SelectRequest is the body of POST /api/v1/responses/{id}/select
type SelectRequest struct {
	Provider string `json:"provider"`
}

// EditResultRequest is the body of PATCH /api/v1/responses/{id}/results/{provider}
type EditResultRequest struct {
	ResponseText string `json:"responseText"`
}

// ListResponse is one page of aggregates
type ListResponse struct {
	Items      []*models.ResponseAggregate `json:"items"`
	TotalCount int                         `json:"totalCount"`
	Limit      int                         `json:"limit"`
	Offset     int                         `json:"offset"`
}

// ProvidersResponse lists the configured providers
type ProvidersResponse struct {
	Providers []providers.ProviderConfig `json:"providers"`
}

// Submit handles POST /api/v1/responses
func (h *ResponsesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	submit := orchestrator.SubmitRequest{
		Prompt:    req.Prompt,
		OwnerID:   owner,
		ProjectID: req.ProjectID,
	}
	if s := req.Settings; s != nil {
		submit.Settings = orchestrator.SubmitSettings{
			Temperature:     s.Temperature,
			MaxTokens:       s.MaxTokens,
			EnabledModels:   s.EnabledModels,
			PriorResponseID: s.PriorResponseID,
		}
	}

	agg, err := h.service.Submit(r.Context(), submit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, agg)
}

// List handles GET /api/v1/responses
func (h *ResponsesHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, err := utils.ParseOptionalInt(q.Get("limit"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := utils.ParseOptionalInt(q.Get("offset"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	filter := storage.ListFilter{
		ProjectID: q.Get("projectId"),
		Status:    models.OverallStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	page, err := h.service.List(r.Context(), owner, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := page.Aggregates
	if items == nil {
		items = []*models.ResponseAggregate{}
	}
	if limit <= 0 {
		limit = orchestrator.DefaultListLimit
	}
	if limit > orchestrator.MaxListLimit {
		limit = orchestrator.MaxListLimit
	}
	utils.RespondWithJSON(w, http.StatusOK, ListResponse{
		Items:      items,
		TotalCount: page.TotalCount,
		Limit:      limit,
		Offset:     offset,
	})
}

// Stats handles GET /api/v1/responses/stats
func (h *ResponsesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := utils.ParseOptionalTime(q.Get("from"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
		return
	}
	to, err := utils.ParseOptionalTime(q.Get("to"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
		return
	}

	summary, err := h.service.GetStats(r.Context(), owner, models.StatsFilter{
		From:        from,
		To:          to,
		ProviderKey: q.Get("provider"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, summary)
}

// Get handles GET /api/v1/responses/{id}
func (h *ResponsesHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}
	agg, err := h.service.Get(r.Context(), mux.Vars(r)["id"], owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, agg)
}

// Delete handles DELETE /api/v1/responses/{id}
func (h *ResponsesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.service.Delete(r.Context(), id, owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// Retry handles POST /api/v1/responses/{id}/retry
func (h *ResponsesHandler) Retry(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}
	agg, err := h.service.RetryFailed(r.Context(), mux.Vars(r)["id"], owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, agg)
}

// Select handles POST /api/v1/responses/{id}/select
func (h *ResponsesHandler) Select(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var req SelectRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "provider is required")
		return
	}

	agg, err := h.service.SelectPreferred(r.Context(), mux.Vars(r)["id"], owner, req.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, agg)
}

// ClearSelection handles DELETE /api/v1/responses/{id}/select
func (h *ResponsesHandler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}
	agg, err := h.service.ClearSelection(r.Context(), mux.Vars(r)["id"], owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, agg)
}

// EditResult handles PATCH /api/v1/responses/{id}/results/{provider}
func (h *ResponsesHandler) EditResult(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var req EditResultRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	vars := mux.Vars(r)
	agg, err := h.service.EditResult(r.Context(), vars["id"], owner, vars["provider"], req.ResponseText)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, agg)
}

// Providers handles GET /api/v1/providers
func (h *ResponsesHandler) Providers(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, ProvidersResponse{Providers: h.service.Providers()})
}

// writeError maps service errors onto status codes. Unexpected errors are
// logged and returned with their message.
func (h *ResponsesHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"), "error", err)
	}
	utils.RespondWithError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrValidation),
		errors.Is(err, orchestrator.ErrNoProvidersAvailable),
		errors.Is(err, orchestrator.ErrNothingToRetry),
		errors.Is(err, models.ErrInvalidSelection),
		errors.Is(err, models.ErrResultNotEditable):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrAggregateNotFound),
		errors.Is(err, models.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func ownerFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing owner identity")
	}
	return owner, ok
}
