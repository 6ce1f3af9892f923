package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/negotiation/internal/core/domain"
)

// APIClient calls the negotiation HTTP API on behalf of one actor.
type APIClient struct {
	baseURL string
	actor   domain.Actor
	http    *http.Client
}

func NewAPIClient(baseURL string, actor domain.Actor, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   actor,
		http:    httpClient,
	}
}

// APIError is a non-2xx answer. It unwraps to the matching domain error so
// callers can use errors.Is.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("negotiation api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_recipient":
		return domain.ErrNotRecipient
	case "superseded":
		return domain.ErrSuperseded
	case "lineage_locked":
		return domain.ErrLineageLocked
	case "not_pending":
		return domain.ErrNotPending
	case "not_found":
		return domain.ErrNotFound
	case "transient":
		return domain.ErrTransient
	case "invalid_request":
		return domain.ErrInvalidOffer
	}
	return nil
}

type SubmitOfferRequest struct {
	ProductID   string           `json:"productId"`
	ToActorID   string           `json:"toActorId"`
	ToActorType domain.ActorType `json:"toActorType"`
	Price       decimal.Decimal  `json:"price"`
	Currency    string           `json:"currency"`
	Quantity    *int             `json:"quantity,omitempty"`
	Message     string           `json:"message,omitempty"`
}

func (c *APIClient) SubmitOffer(ctx context.Context, req SubmitOfferRequest) (*domain.Record, error) {
	var record domain.Record
	if err := c.do(ctx, http.MethodPost, "/api/negotiations", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *APIClient) Counter(ctx context.Context, recordID string, price domain.Money, message string) (*domain.Record, error) {
	body := map[string]any{
		"price":    price.Amount,
		"currency": price.Currency,
		"message":  message,
	}
	var record domain.Record
	if err := c.do(ctx, http.MethodPost, "/api/negotiations/"+url.PathEscape(recordID)+"/counter", body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *APIClient) Accept(ctx context.Context, recordID, message string) (*domain.Record, error) {
	return c.respond(ctx, recordID, "accept", message)
}

func (c *APIClient) Reject(ctx context.Context, recordID, message string) (*domain.Record, error) {
	return c.respond(ctx, recordID, "reject", message)
}

func (c *APIClient) ListThreads(ctx context.Context, statuses []domain.RecordStatus, page domain.Page) ([]domain.ThreadView, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	setPage(q, page)

	var threads []domain.ThreadView
	if err := c.do(ctx, http.MethodGet, "/api/threads?"+q.Encode(), nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

func (c *APIClient) GetThread(ctx context.Context, productID, counterpartyID string, page domain.Page) (*domain.ThreadView, error) {
	q := url.Values{}
	setPage(q, page)

	path := "/api/threads/" + url.PathEscape(productID) + "/" + url.PathEscape(counterpartyID) + "?" + q.Encode()
	var thread domain.ThreadView
	if err := c.do(ctx, http.MethodGet, path, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *APIClient) GetLineage(ctx context.Context, bidID string) ([]domain.Record, error) {
	var records []domain.Record
	if err := c.do(ctx, http.MethodGet, "/api/lineages/"+url.PathEscape(bidID), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ThreadFetcher adapts ListThreads to a ThreadList fetcher.
func (c *APIClient) ThreadFetcher(statuses []domain.RecordStatus, page domain.Page) Fetcher {
	return func(ctx context.Context) ([]domain.ThreadView, error) {
		return c.ListThreads(ctx, statuses, page)
	}
}

func (c *APIClient) respond(ctx context.Context, recordID, action, message string) (*domain.Record, error) {
	body := map[string]string{"message": message}
	var record domain.Record
	if err := c.do(ctx, http.MethodPost, "/api/negotiations/"+url.PathEscape(recordID)+"/"+action, body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor-Id", c.actor.ID)
	req.Header.Set("X-Actor-Type", string(c.actor.Type))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setPage(q url.Values, page domain.Page) {
	if page.Limit > 0 {
		q.Set("limit", fmt.Sprint(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", fmt.Sprint(page.Offset))
	}
}
