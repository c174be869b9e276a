package handlers

import (
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raffle/internal/auth"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/services"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HTTPHandler holds the services behind the HTTP API.
type HTTPHandler struct {
	settle       *services.SettlementService
	draw         *services.DrawService
	grant        *services.GrantService
	competitions *services.CompetitionService
	checks       map[string]HealthCheck
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(settle *services.SettlementService, draw *services.DrawService, grant *services.GrantService,
	competitions *services.CompetitionService, checks map[string]HealthCheck) *HTTPHandler {
	return &HTTPHandler{
		settle:       settle,
		draw:         draw,
		grant:        grant,
		competitions: competitions,
		checks:       checks,
	}
}

// NewRouter returns a gin engine with the middleware chain and every route.
func NewRouter(h *HTTPHandler, m *auth.Manager) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(), metrics.HTTPMiddleware())
	h.RegisterRoutes(r, m)
	return r
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine, m *auth.Manager) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/settle", h.Settle)
	api.GET("/competitions/:slug", h.GetCompetition)
	api.GET("/competitions/:slug/winners", h.Winners)
	api.GET("/competitions/:slug/winners.csv", h.ExportWinnersCSV)
	api.GET("/competitions/:slug/tickets", h.OwnerTickets)

	ops := api.Group("/operator", OperatorAuth(m))
	ops.POST("/competitions", h.CreateCompetition)
	ops.POST("/competitions/:slug/activate", h.ActivateCompetition)
	ops.POST("/competitions/:slug/cancel", h.CancelCompetition)
	ops.POST("/competitions/:slug/draw", h.DrawWinners)
	ops.POST("/competitions/:slug/issue", h.IssueTickets)
	ops.PUT("/limits/:owner", h.SetUserLimit)
}

// Health pings every registered dependency.
func (h *HTTPHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIResponse{
			Code:      CodeSystemError,
			Message:   "unhealthy",
			Data:      status,
			TraceID:   traceID(c),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	success(c, status)
}

// Settle credits tickets for a completed payment. Replays return the original
// tickets with replayed=true.
func (h *HTTPHandler) Settle(c *gin.Context) {
	var req services.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorWithMessage(c, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.settle.Settle(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, res)
}

// GetCompetition returns a competition with its sale counters.
func (h *HTTPHandler) GetCompetition(c *gin.Context) {
	comp, err := h.competitions.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, comp)
}

// Winners returns the stored winners, empty before the draw.
func (h *HTTPHandler) Winners(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.competitions.Get(c.Request.Context(), slug); err != nil {
		fail(c, err)
		return
	}
	winners, err := h.draw.Winners(c.Request.Context(), slug)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"competitionSlug": slug, "winners": winners})
}

// ExportWinnersCSV handles the request to download the winners as a CSV file.
func (h *HTTPHandler) ExportWinnersCSV(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.competitions.Get(c.Request.Context(), slug); err != nil {
		fail(c, err)
		return
	}
	winners, err := h.draw.Winners(c.Request.Context(), slug)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=winners_"+slug+".csv")

	// BOM so Excel opens the file as UTF-8
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"position", "ticket_number", "owner"}); err != nil {
		logger.Warningf("[HTTP] write winners csv header: %v", err)
		return
	}
	for _, win := range winners {
		row := []string{strconv.Itoa(win.Position), strconv.FormatInt(win.TicketNumber, 10), win.Owner}
		if err := w.Write(row); err != nil {
			logger.Warningf("[HTTP] write winners csv row: %v", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Warningf("[HTTP] flush winners csv: %v", err)
	}
}

// OwnerTickets lists the entries ?owner= holds in a competition.
func (h *HTTPHandler) OwnerTickets(c *gin.Context) {
	owner := c.Query("owner")
	entries, err := h.competitions.OwnerTickets(c.Request.Context(), c.Param("slug"), owner)
	if err != nil {
		fail(c, err)
		return
	}
	var total int64
	for _, e := range entries {
		total += e.Quantity
	}
	success(c, gin.H{"owner": owner, "total": total, "entries": entries})
}

// CreateCompetition stores a new draft competition.
func (h *HTTPHandler) CreateCompetition(c *gin.Context) {
	var comp models.Competition
	if err := c.ShouldBindJSON(&comp); err != nil {
		errorWithMessage(c, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.competitions.Create(c.Request.Context(), &comp); err != nil {
		fail(c, err)
		return
	}
	logger.Infof("[HTTP] competition created: slug=%s operator=%s", comp.Slug, c.GetString(operatorKey))
	c.JSON(http.StatusCreated, APIResponse{
		Code:      CodeSuccess,
		Message:   "success",
		Data:      comp,
		TraceID:   traceID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}

// ActivateCompetition opens a draft competition for sale.
func (h *HTTPHandler) ActivateCompetition(c *gin.Context) {
	comp, err := h.competitions.Activate(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, comp)
}

// CancelCompetition cancels a draft or active competition.
func (h *HTTPHandler) CancelCompetition(c *gin.Context) {
	comp, err := h.competitions.Cancel(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	logger.Infof("[HTTP] competition cancelled: slug=%s operator=%s", comp.Slug, c.GetString(operatorKey))
	success(c, comp)
}

// DrawWinners runs the one-shot draw. Repeating it returns the same winners
// with alreadyDrawn=true.
func (h *HTTPHandler) DrawWinners(c *gin.Context) {
	res, err := h.draw.DrawWinners(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	logger.Infof("[HTTP] draw requested: slug=%s operator=%s already_drawn=%t",
		res.CompetitionSlug, c.GetString(operatorKey), res.AlreadyDrawn)
	success(c, res)
}

// IssueTickets grants gift, voucher or prize tickets.
func (h *HTTPHandler) IssueTickets(c *gin.Context) {
	var req services.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorWithMessage(c, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.CompetitionSlug = c.Param("slug")
	entry, err := h.grant.IssueTickets(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, entry)
}

// SetUserLimit overrides the per-competition cap of one owner. 0 clears it.
func (h *HTTPHandler) SetUserLimit(c *gin.Context) {
	var body struct {
		MaxTickets *int64 `json:"maxTickets"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.MaxTickets == nil {
		errorWithMessage(c, http.StatusBadRequest, CodeBadRequest, "maxTickets is required")
		return
	}
	limit, err := h.competitions.SetUserLimit(c.Request.Context(), c.Param("owner"), *body.MaxTickets)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, limit)
}
