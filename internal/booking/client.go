// Package booking implements the HTTP client for the salon scheduling
// service. It covers the read paths used during a conversation (services,
// staff, free slots) and the write path that creates an appointment.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

const acceptHeader = "application/vnd.yclients.v2+json"

// Config holds connection settings for the scheduling API.
type Config struct {
	BaseURL      string
	CompanyID    int64
	PartnerToken string
	// UserToken authorizes write operations. Read operations work
	// with the partner token alone.
	UserToken string
	Timeout   time.Duration
}

// Client is a thread-safe HTTP client for the scheduling API.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *observability.Logger
}

// NewClient creates a scheduling API client.
func NewClient(cfg Config, logger *observability.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// envelope is the API's standard response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    struct {
		Message string `json:"message"`
	} `json:"meta"`
}

// APIError is a non-2xx response from the scheduling service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scheduling api: status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return infra.NewError(infra.ErrCodeInvalidInput, "encode request body", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+path, reader)
	if err != nil {
		return infra.NewError(infra.ErrCodeInternal, "build request", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s, User %s", c.cfg.PartnerToken, c.cfg.UserToken))
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.PartnerToken)
	}

	c.logger.Debug(ctx, "scheduling api request", "method", method, "path", path)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return infra.NewError(infra.ErrCodeTimeout, "scheduling api request", err)
		}
		return infra.NewError(infra.ErrCodeConnection, "scheduling api request", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return infra.NewError(infra.ErrCodeUpstream, "decode response", err).
			WithContext("status", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Meta.Message}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		code := infra.ErrCodeUpstream
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			code = infra.ErrCodeUnavailable
		}
		return infra.NewError(code, "scheduling api error", apiErr)
	}
	if env.Success != nil && !*env.Success {
		return infra.NewError(infra.ErrCodeUpstream, "scheduling api error",
			&APIError{StatusCode: resp.StatusCode, Message: env.Meta.Message})
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return infra.NewError(infra.ErrCodeUpstream, "decode response data", err)
		}
	}
	return nil
}

// Service is a bookable service offered by the salon.
type Service struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	CategoryID   int64  `json:"category_id"`
	PriceMin     int    `json:"price_min"`
	PriceMax     int    `json:"price_max"`
	SeanceLength int    `json:"seance_length"`
}

// Staff is an employee who can be booked.
type Staff struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Specialization string  `json:"specialization"`
	Rating         float64 `json:"rating"`
	Bookable       bool    `json:"bookable"`
}

// TimeSlot is a free appointment start on a given date.
type TimeSlot struct {
	Time         string `json:"time"`
	SeanceLength int    `json:"seance_length"`
	Datetime     string `json:"datetime"`
}

// ListServices returns the services the company offers. When staffID is
// nonzero the list is restricted to that employee.
func (c *Client) ListServices(ctx context.Context, staffID int64) ([]Service, error) {
	path := fmt.Sprintf("services/%d", c.cfg.CompanyID)
	if staffID != 0 {
		path += fmt.Sprintf("?staff_id=%d", staffID)
	}
	var services []Service
	if err := c.do(ctx, http.MethodGet, path, nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// ListStaff returns bookable employees.
func (c *Client) ListStaff(ctx context.Context) ([]Staff, error) {
	var staff []Staff
	path := fmt.Sprintf("book_staff/%d", c.cfg.CompanyID)
	if err := c.do(ctx, http.MethodGet, path, nil, &staff); err != nil {
		return nil, err
	}
	return staff, nil
}

// FreeSlots returns open appointment times for an employee on a date.
// The date uses YYYY-MM-DD.
func (c *Client) FreeSlots(ctx context.Context, staffID int64, date string) ([]TimeSlot, error) {
	var slots []TimeSlot
	path := fmt.Sprintf("book_times/%d/%d/%s", c.cfg.CompanyID, staffID, url.PathEscape(date))
	if err := c.do(ctx, http.MethodGet, path, nil, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// Appointment is one service booking within a record.
type Appointment struct {
	ID       int     `json:"id"`
	Services []int64 `json:"services"`
	StaffID  int64   `json:"staff_id"`
	// Datetime is RFC 3339 with the salon's UTC offset.
	Datetime string `json:"datetime"`
}

// CreateRecordRequest creates an appointment record for a client.
type CreateRecordRequest struct {
	Phone        string        `json:"phone"`
	Email        string        `json:"email"`
	Fullname     string        `json:"fullname"`
	Comment      string        `json:"comment,omitempty"`
	Appointments []Appointment `json:"appointments"`
}

// RecordResult identifies a created appointment record.
type RecordResult struct {
	ID       int64  `json:"id"`
	RecordID int64  `json:"record_id"`
	Datetime string `json:"datetime"`
}

// CreateRecord books an appointment.
func (c *Client) CreateRecord(ctx context.Context, req CreateRecordRequest) (*RecordResult, error) {
	if len(req.Appointments) == 0 {
		return nil, infra.NewError(infra.ErrCodeInvalidInput, "record has no appointments", nil)
	}
	var results []RecordResult
	path := fmt.Sprintf("book_record/%d", c.cfg.CompanyID)
	if err := c.do(ctx, http.MethodPost, path, req, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, infra.NewError(infra.ErrCodeUpstream, "record created but response was empty", nil)
	}
	c.logger.Info(ctx, "appointment created", "record_id", results[0].ID, "datetime", results[0].Datetime)
	return &results[0], nil
}

// ClientRecord is a salon customer.
type ClientRecord struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// normalizePhone strips formatting so numbers compare by digits alone.
func normalizePhone(phone string) string {
	r := strings.NewReplacer("+", "", "-", "", " ", "", "(", "", ")", "")
	return r.Replace(phone)
}

// FindOrCreateClient looks a customer up by phone and registers them when
// absent. The upstream dedupes by phone and answers 422 for an existing
// customer, in which case the lookup is retried with common formatting
// variants of the number.
func (c *Client) FindOrCreateClient(ctx context.Context, name, phone string) (*ClientRecord, error) {
	if found, err := c.findClientByPhone(ctx, phone); err == nil && found != nil {
		return found, nil
	}

	create := map[string]any{"name": name, "phone": phone, "sex_id": 0}
	var created ClientRecord
	path := fmt.Sprintf("clients/%d", c.cfg.CompanyID)
	err := c.do(ctx, http.MethodPost, path, create, &created)
	if err == nil {
		return &created, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return nil, err
	}

	// Already registered under a differently formatted number.
	for _, variant := range phoneVariants(phone) {
		if found, ferr := c.findClientByPhone(ctx, variant); ferr == nil && found != nil {
			return found, nil
		}
	}
	return nil, err
}

func (c *Client) findClientByPhone(ctx context.Context, phone string) (*ClientRecord, error) {
	var clients []ClientRecord
	path := fmt.Sprintf("clients/%d?phone=%s", c.cfg.CompanyID, url.QueryEscape(phone))
	if err := c.do(ctx, http.MethodGet, path, nil, &clients); err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, nil
	}
	return &clients[0], nil
}

func phoneVariants(phone string) []string {
	variants := []string{normalizePhone(phone)}
	if strings.HasPrefix(phone, "+7") {
		variants = append(variants, "8"+phone[2:])
	}
	if strings.HasPrefix(phone, "8") {
		variants = append(variants, "+7"+phone[1:])
	}
	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if v == phone || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
