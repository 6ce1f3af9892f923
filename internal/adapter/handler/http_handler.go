package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/core/service"
)

const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorType = "X-Actor-Type"
)

type HTTPHandler struct {
	negotiations *service.NegotiationService
	threads      *service.ThreadQueryService
}

type SubmitOfferHTTPRequest struct {
	ProductID   string           `json:"productId" validate:"required,max=64"`
	ToActorID   string           `json:"toActorId" validate:"required,max=64"`
	ToActorType domain.ActorType `json:"toActorType" validate:"required,oneof=operator customer"`
	Price       decimal.Decimal  `json:"price"`
	Currency    string           `json:"currency" validate:"required,len=3"`
	Quantity    *int             `json:"quantity" validate:"omitempty,gt=0"`
	Message     string           `json:"message" validate:"max=2000"`
}

type CounterHTTPRequest struct {
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency" validate:"omitempty,len=3"`
	Message  string          `json:"message" validate:"max=2000"`
}

type RespondHTTPRequest struct {
	Message string `json:"message" validate:"max=2000"`
}

type ErrorHTTPResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func NewHTTPHandler(negotiations *service.NegotiationService, threads *service.ThreadQueryService) *HTTPHandler {
	return &HTTPHandler{negotiations: negotiations, threads: threads}
}

func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.HealthCheck)

	api := e.Group("/api")
	api.POST("/negotiations", h.SubmitOffer)
	api.POST("/negotiations/:id/counter", h.Counter)
	api.POST("/negotiations/:id/accept", h.Accept)
	api.POST("/negotiations/:id/reject", h.Reject)
	api.GET("/threads", h.ListThreads)
	api.GET("/threads/:productId/:counterpartyId", h.GetThread)
	api.GET("/lineages/:bidId", h.GetLineage)
}

func (h *HTTPHandler) SubmitOffer(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	var req SubmitOfferHTTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	record, err := h.negotiations.SubmitOffer(c.Request().Context(), service.SubmitOfferInput{
		ProductID: req.ProductID,
		From:      actor,
		To:        domain.Actor{ID: req.ToActorID, Type: req.ToActorType},
		Price:     domain.Money{Amount: req.Price, Currency: strings.ToUpper(req.Currency)},
		Quantity:  req.Quantity,
		Message:   req.Message,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

func (h *HTTPHandler) Counter(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	var req CounterHTTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	record, err := h.negotiations.Counter(c.Request().Context(), service.CounterInput{
		RecordID: c.Param("id"),
		Acting:   actor,
		Price:    domain.Money{Amount: req.Price, Currency: strings.ToUpper(req.Currency)},
		Message:  req.Message,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

func (h *HTTPHandler) Accept(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	var req RespondHTTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	record, err := h.negotiations.Accept(c.Request().Context(), c.Param("id"), actor, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *HTTPHandler) Reject(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	var req RespondHTTPRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	record, err := h.negotiations.Reject(c.Request().Context(), c.Param("id"), actor, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (h *HTTPHandler) ListThreads(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	statuses, err := parseStatuses(c.QueryParam("status"))
	if err != nil {
		return err
	}
	page, err := parsePage(c)
	if err != nil {
		return err
	}

	threads, err := h.threads.ListThreads(c.Request().Context(), service.ThreadFilter{
		Actor:    actor,
		Statuses: statuses,
		Page:     page,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, threads)
}

func (h *HTTPHandler) GetThread(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	counterpartyID := c.Param("counterpartyId")
	if actor.Type == domain.ActorTypeCustomer && actor.ID != counterpartyID {
		return domain.ErrNotFound
	}
	page, err := parsePage(c)
	if err != nil {
		return err
	}

	thread, err := h.threads.GetThread(c.Request().Context(), c.Param("productId"), counterpartyID, page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, thread)
}

func (h *HTTPHandler) GetLineage(c echo.Context) error {
	actor, err := actorFromRequest(c)
	if err != nil {
		return err
	}

	records, err := h.threads.GetLineage(c.Request().Context(), c.Param("bidId"))
	if err != nil {
		return err
	}
	// every record of a lineage is between the same two actors
	if !records[0].Involves(actor) {
		return domain.ErrNotFound
	}
	return c.JSON(http.StatusOK, records)
}

func (h *HTTPHandler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RequestValidator plugs go-playground/validator into echo.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

func (v *RequestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// ErrorHandler renders negotiation errors with a stable code so callers can
// tell retryable failures from permanent ones.
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, code := classify(err)
		message := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("api is returning an error",
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, ErrorHTTPResponse{
			Message:   message,
			Code:      code,
			Retryable: domain.IsTransient(err),
		})
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidOffer), errors.Is(err, domain.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrNotRecipient):
		return http.StatusForbidden, "not_recipient"
	case errors.Is(err, domain.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, domain.ErrLineageLocked):
		return http.StatusConflict, "lineage_locked"
	case errors.Is(err, domain.ErrNotPending):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "transient"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func actorFromRequest(c echo.Context) (domain.Actor, error) {
	actor := domain.Actor{
		ID:   c.Request().Header.Get(HeaderActorID),
		Type: domain.ActorType(c.Request().Header.Get(HeaderActorType)),
	}
	if actor.ID == "" || !actor.Type.Valid() {
		return domain.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid actor headers")
	}
	return actor, nil
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}

func parseStatuses(raw string) ([]domain.RecordStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []domain.RecordStatus
	for _, part := range strings.Split(raw, ",") {
		s := domain.RecordStatus(strings.TrimSpace(part))
		switch s {
		case domain.RecordStatusPending, domain.RecordStatusAccepted, domain.RecordStatusRejected:
			statuses = append(statuses, s)
		default:
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(s))
		}
	}
	return statuses, nil
}

func parsePage(c echo.Context) (domain.Page, error) {
	var page domain.Page
	var err error
	if v := c.QueryParam("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			return page, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil {
			return page, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
	}
	return page, nil
}
