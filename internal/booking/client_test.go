package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Config{
		BaseURL:      srv.URL,
		CompanyID:    42,
		PartnerToken: "partner-token",
		UserToken:    "user-token",
	}, testLogger())
	return client, srv
}

func TestClientListServices(t *testing.T) {
	var gotAuth, gotAccept, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"id": 7, "title": "Haircut", "price_min": 1500, "seance_length": 3600},
				{"id": 9, "title": "Manicure", "price_min": 2000, "seance_length": 5400},
			},
		})
	}))

	services, err := client.ListServices(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("got %d services, want 2", len(services))
	}
	if services[0].ID != 7 || services[0].Title != "Haircut" {
		t.Errorf("unexpected first service: %+v", services[0])
	}
	if gotPath != "/services/42" {
		t.Errorf("path = %q, want /services/42", gotPath)
	}
	if gotAuth != "Bearer partner-token, User user-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotAccept != acceptHeader {
		t.Errorf("accept = %q", gotAccept)
	}
}

func TestClientPartnerTokenOnly(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []any{}})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, CompanyID: 1, PartnerToken: "pt"}, testLogger())
	if _, err := client.ListStaff(context.Background()); err != nil {
		t.Fatalf("ListStaff: %v", err)
	}
	if gotAuth != "Bearer pt" {
		t.Errorf("authorization = %q, want bare bearer token", gotAuth)
	}
}

func TestClientUpstreamError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"meta":    map[string]any{"message": "insufficient rights"},
		})
	}))

	_, err := client.ListStaff(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "insufficient rights" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if infra.CodeOf(err) != infra.ErrCodeUpstream {
		t.Errorf("code = %s, want UPSTREAM_ERROR", infra.CodeOf(err))
	}
}

func TestClientServerErrorIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "meta": map[string]any{"message": "down"}})
	}))

	_, err := client.ListServices(context.Background(), 0)
	if !infra.IsRetryable(err) {
		t.Errorf("5xx should be retryable, got %v", err)
	}
}

func TestClientCreateRecord(t *testing.T) {
	var gotBody CreateRecordRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/book_record/42" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []map[string]any{{"id": 555, "record_id": 555}},
		})
	}))

	req := CreateRecordRequest{
		Phone:    "+79990001122",
		Fullname: "Anna",
		Appointments: []Appointment{
			{ID: 1, Services: []int64{7}, StaffID: 3, Datetime: "2026-09-01T14:00:00+03:00"},
		},
	}
	result, err := client.CreateRecord(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if result.ID != 555 {
		t.Errorf("record id = %d, want 555", result.ID)
	}
	if len(gotBody.Appointments) != 1 || gotBody.Appointments[0].StaffID != 3 {
		t.Errorf("upstream saw body %+v", gotBody)
	}
}

func TestClientCreateRecordRejectsEmpty(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused", CompanyID: 1, PartnerToken: "x"}, testLogger())
	if _, err := client.CreateRecord(context.Background(), CreateRecordRequest{}); err == nil {
		t.Fatal("expected error for record without appointments")
	}
}

func TestFindOrCreateClientRetriesPhoneVariants(t *testing.T) {
	// Search misses, create answers 422, a variant search then hits.
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("phone") == "+79990001122":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []any{}})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "meta": map[string]any{"message": "client exists"}})
		case r.Method == http.MethodGet && r.URL.Query().Get("phone") == "89990001122":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    []map[string]any{{"id": 10, "name": "Anna", "phone": "89990001122"}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []any{}})
		}
	}))

	found, err := client.FindOrCreateClient(context.Background(), "Anna", "+79990001122")
	if err != nil {
		t.Fatalf("FindOrCreateClient: %v", err)
	}
	if found.ID != 10 {
		t.Errorf("client id = %d, want 10", found.ID)
	}
}

func TestPhoneVariants(t *testing.T) {
	variants := phoneVariants("+79990001122")
	want := map[string]bool{"79990001122": true, "89990001122": true}
	if len(variants) != len(want) {
		t.Fatalf("variants = %v", variants)
	}
	for _, v := range variants {
		if !want[v] {
			t.Errorf("unexpected variant %q", v)
		}
	}
}
