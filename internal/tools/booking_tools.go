package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/salonkit/concierge/internal/booking"
	"github.com/salonkit/concierge/internal/profiles"
)

// CatalogTTLs sets how long the read-only booking tools cache results.
type CatalogTTLs struct {
	Services time.Duration
	Staff    time.Duration
	Slots    time.Duration
}

// BookingTools builds the tool registry the assistant exposes to the
// model: catalog reads, slot search, booking, and profile memory.
func BookingTools(planner *booking.Planner, store *profiles.Store, ttls CatalogTTLs) []Definition {
	return []Definition{
		{
			Name:        "list_services",
			Description: "List the services the salon offers with prices and durations.",
			Schema: `{
				"type": "object",
				"properties": {
					"category": {"type": "string", "description": "Optional category filter"}
				},
				"additionalProperties": false
			}`,
			Cacheable: true,
			CacheTTL:  ttls.Services,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				services, err := planner.Services(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"services": services}, nil
			},
		},
		{
			Name:        "list_staff",
			Description: "List bookable employees with their specializations and ratings.",
			Schema: `{
				"type": "object",
				"properties": {
					"specialization": {"type": "string", "description": "Optional specialization filter"}
				},
				"additionalProperties": false
			}`,
			Cacheable: true,
			CacheTTL:  ttls.Staff,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				staff, err := planner.Staff(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"staff": staff}, nil
			},
		},
		{
			Name:        "search_slots",
			Description: "Find free appointment times for a service. Defaults to tomorrow when no date is given.",
			Schema: `{
				"type": "object",
				"properties": {
					"service": {"type": "string", "description": "Service name, partial match"},
					"staff": {"type": "string", "description": "Employee name, partial match (optional)"},
					"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$", "description": "Date as YYYY-MM-DD (optional)"}
				},
				"required": ["service"],
				"additionalProperties": false
			}`,
			Cacheable: true,
			CacheTTL:  ttls.Slots,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				var in struct {
					Service string `json:"service"`
					Staff   string `json:"staff"`
					Date    string `json:"date"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				slots, err := planner.SearchSlots(ctx, in.Service, in.Staff, in.Date)
				if err != nil {
					return nil, err
				}
				return map[string]any{"slots": slots}, nil
			},
		},
		{
			Name:        "create_booking",
			Description: "Book an appointment. Requires the client's name and phone; check the saved profile first.",
			Schema: `{
				"type": "object",
				"properties": {
					"service": {"type": "string", "description": "Service name, partial match"},
					"staff": {"type": "string", "description": "Employee name, partial match"},
					"datetime": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}$", "description": "Start time as YYYY-MM-DD HH:MM"},
					"client_name": {"type": "string", "minLength": 1},
					"client_phone": {"type": "string", "pattern": "^[+0-9][0-9 ()-]{6,}$", "description": "Phone, e.g. +7XXXXXXXXXX"},
					"comment": {"type": "string"}
				},
				"required": ["service", "staff", "datetime", "client_name", "client_phone"],
				"additionalProperties": false
			}`,
			Timeout: 30 * time.Second,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				var in struct {
					Service     string `json:"service"`
					Staff       string `json:"staff"`
					Datetime    string `json:"datetime"`
					ClientName  string `json:"client_name"`
					ClientPhone string `json:"client_phone"`
					Comment     string `json:"comment"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				conf, err := planner.Book(ctx, booking.BookRequest{
					ClientName:  in.ClientName,
					Phone:       in.ClientPhone,
					ServiceName: in.Service,
					StaffName:   in.Staff,
					Datetime:    in.Datetime,
					Comment:     in.Comment,
				})
				if err != nil {
					return nil, err
				}
				// Remember the details for the next booking.
				if store != nil && call.UserID != 0 {
					_ = store.Save(ctx, profiles.Profile{
						TelegramID: call.UserID,
						Name:       in.ClientName,
						Phone:      in.ClientPhone,
					})
				}
				return map[string]any{"success": true, "booking": conf}, nil
			},
		},
		{
			Name:        "get_profile",
			Description: "Fetch the saved name and phone for the current user, if any.",
			Schema: `{
				"type": "object",
				"properties": {},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				p, err := store.Get(ctx, call.UserID)
				if err != nil {
					return nil, err
				}
				if p == nil {
					return map[string]any{"found": false}, nil
				}
				return map[string]any{"found": true, "profile": p}, nil
			},
		},
		{
			Name:        "save_profile",
			Description: "Save or update the current user's name and phone for future bookings.",
			Schema: `{
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"phone": {"type": "string", "pattern": "^[+0-9][0-9 ()-]{6,}$"},
					"email": {"type": "string"}
				},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
				var in struct {
					Name  string `json:"name"`
					Phone string `json:"phone"`
					Email string `json:"email"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				err := store.Save(ctx, profiles.Profile{
					TelegramID: call.UserID,
					Name:       in.Name,
					Phone:      in.Phone,
					Email:      in.Email,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"success": true}, nil
			},
		},
	}
}
