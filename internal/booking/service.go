package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/salonkit/concierge/internal/cache"
	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

// TTLs controls how long reference data answers stay cached. Slot
// availability goes stale much faster than the service catalog.
type TTLs struct {
	Services time.Duration
	Staff    time.Duration
	Slots    time.Duration
}

// Planner composes catalog lookups, availability search, and booking on
// top of the raw API client. It caches read paths so a conversation does
// not hammer the catalog endpoints on every tool call.
type Planner struct {
	api     *Client
	cache   *cache.TTLCache
	ttls    TTLs
	logger  *observability.Logger
	metrics *observability.Metrics

	// utcOffset is appended to booking datetimes, e.g. "+03:00".
	utcOffset string
}

// NewPlanner creates a booking planner.
func NewPlanner(api *Client, c *cache.TTLCache, ttls TTLs, logger *observability.Logger, metrics *observability.Metrics) *Planner {
	return &Planner{
		api:       api,
		cache:     c,
		ttls:      ttls,
		logger:    logger,
		metrics:   metrics,
		utcOffset: "+03:00",
	}
}

// Services returns the catalog, cached.
func (p *Planner) Services(ctx context.Context) ([]Service, error) {
	if v, ok := p.cache.Get("booking:services"); ok {
		p.metrics.CacheCounter.WithLabelValues("services", "hit").Inc()
		return v.([]Service), nil
	}
	p.metrics.CacheCounter.WithLabelValues("services", "miss").Inc()

	services, err := p.api.ListServices(ctx, 0)
	if err != nil {
		return nil, err
	}
	p.cache.Put("booking:services", services, p.ttls.Services)
	return services, nil
}

// Staff returns bookable employees, cached.
func (p *Planner) Staff(ctx context.Context) ([]Staff, error) {
	if v, ok := p.cache.Get("booking:staff"); ok {
		p.metrics.CacheCounter.WithLabelValues("staff", "hit").Inc()
		return v.([]Staff), nil
	}
	p.metrics.CacheCounter.WithLabelValues("staff", "miss").Inc()

	staff, err := p.api.ListStaff(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Put("booking:staff", staff, p.ttls.Staff)
	return staff, nil
}

// Slot is an open appointment offer resolved to concrete ids.
type Slot struct {
	Datetime  string `json:"datetime"`
	StaffID   int64  `json:"staff_id"`
	StaffName string `json:"staff_name"`
	ServiceID int64  `json:"service_id"`
}

// SearchSlots finds free times for a service by name. staffName narrows
// the search to one employee; empty picks the first bookable one. date
// uses YYYY-MM-DD and defaults to tomorrow.
func (p *Planner) SearchSlots(ctx context.Context, serviceName, staffName, date string) ([]Slot, error) {
	if date == "" {
		date = time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	}

	svc, err := p.matchService(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	var staff *Staff
	if staffName != "" {
		staff, err = p.matchStaff(ctx, staffName)
		if err != nil {
			return nil, err
		}
	} else {
		list, lerr := p.Staff(ctx)
		if lerr != nil {
			return nil, lerr
		}
		for i := range list {
			if list[i].Bookable {
				staff = &list[i]
				break
			}
		}
		if staff == nil {
			return []Slot{}, nil
		}
	}

	cacheKey := fmt.Sprintf("booking:slots:%d:%d:%s", staff.ID, svc.ID, date)
	if v, ok := p.cache.Get(cacheKey); ok {
		p.metrics.CacheCounter.WithLabelValues("slots", "hit").Inc()
		return v.([]Slot), nil
	}
	p.metrics.CacheCounter.WithLabelValues("slots", "miss").Inc()

	times, err := p.api.FreeSlots(ctx, staff.ID, date)
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(times))
	for _, t := range times {
		if t.Time == "" {
			continue
		}
		slots = append(slots, Slot{
			Datetime:  date + " " + t.Time,
			StaffID:   staff.ID,
			StaffName: staff.Name,
			ServiceID: svc.ID,
		})
	}
	p.cache.Put(cacheKey, slots, p.ttls.Slots)

	p.logger.Debug(ctx, "slot search complete", "service", svc.Title, "staff", staff.Name, "date", date, "slots", len(slots))
	return slots, nil
}

// BookRequest books a named service with a named employee.
type BookRequest struct {
	ClientName  string
	Phone       string
	ServiceName string
	StaffName   string
	// Datetime uses "YYYY-MM-DD HH:MM" local salon time.
	Datetime string
	Comment  string
}

// Confirmation reports a successful booking back to the conversation.
type Confirmation struct {
	RecordID int64  `json:"record_id"`
	Service  string `json:"service"`
	Staff    string `json:"staff"`
	Datetime string `json:"datetime"`
}

// Book resolves names to ids, registers the customer if needed, and
// creates the appointment record.
func (p *Planner) Book(ctx context.Context, req BookRequest) (*Confirmation, error) {
	if req.ClientName == "" || req.Phone == "" {
		return nil, infra.NewError(infra.ErrCodeInvalidInput, "client name and phone are required", nil)
	}

	dt, err := time.Parse("2006-01-02 15:04", req.Datetime)
	if err != nil {
		return nil, infra.NewError(infra.ErrCodeInvalidInput,
			fmt.Sprintf("invalid datetime %q, expected YYYY-MM-DD HH:MM", req.Datetime), err)
	}

	svc, err := p.matchService(ctx, req.ServiceName)
	if err != nil {
		return nil, err
	}
	staff, err := p.matchStaff(ctx, req.StaffName)
	if err != nil {
		return nil, err
	}

	client, err := p.api.FindOrCreateClient(ctx, req.ClientName, req.Phone)
	if err != nil {
		return nil, err
	}

	comment := req.Comment
	if comment == "" {
		comment = "Booked via assistant"
	}

	record, err := p.api.CreateRecord(ctx, CreateRecordRequest{
		Phone:    req.Phone,
		Email:    client.Email,
		Fullname: req.ClientName,
		Comment:  comment,
		Appointments: []Appointment{{
			ID:       1,
			Services: []int64{svc.ID},
			StaffID:  staff.ID,
			Datetime: dt.Format("2006-01-02T15:04:05") + p.utcOffset,
		}},
	})
	if err != nil {
		return nil, err
	}

	// A new appointment invalidates cached availability.
	p.cache.Delete(fmt.Sprintf("booking:slots:%d:%d:%s", staff.ID, svc.ID, dt.Format("2006-01-02")))

	return &Confirmation{
		RecordID: record.ID,
		Service:  svc.Title,
		Staff:    staff.Name,
		Datetime: req.Datetime,
	}, nil
}

func (p *Planner) matchService(ctx context.Context, name string) (*Service, error) {
	if name == "" {
		return nil, infra.NewError(infra.ErrCodeInvalidInput, "service name is required", nil)
	}
	services, err := p.Services(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	for i := range services {
		if strings.Contains(strings.ToLower(services[i].Title), needle) {
			return &services[i], nil
		}
	}
	return nil, infra.NewError(infra.ErrCodeNotFound, fmt.Sprintf("service %q not found", name), nil)
}

func (p *Planner) matchStaff(ctx context.Context, name string) (*Staff, error) {
	if name == "" {
		return nil, infra.NewError(infra.ErrCodeInvalidInput, "staff name is required", nil)
	}
	staff, err := p.Staff(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	for i := range staff {
		if strings.Contains(strings.ToLower(staff[i].Name), needle) {
			return &staff[i], nil
		}
	}
	return nil, infra.NewError(infra.ErrCodeNotFound, fmt.Sprintf("staff %q not found", name), nil)
}
