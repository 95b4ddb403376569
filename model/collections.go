package model

import (
	"encoding/json"
	"fmt"
)

// CollectionName identifies one of a submission's ordered child collections.
type CollectionName string

const (
	CollectionServices     CollectionName = "services"
	CollectionTestimonials CollectionName = "testimonials"
	CollectionHours        CollectionName = "hours"
)

// CollectionNames lists the child collections in step order.
var CollectionNames = []CollectionName{
	CollectionServices,
	CollectionTestimonials,
	CollectionHours,
}

// ParseCollectionName converts a string to a CollectionName.
func ParseCollectionName(v string) (CollectionName, error) {
	for _, known := range CollectionNames {
		if CollectionName(v) == known {
			return known, nil
		}
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown collection %q", v))
}

// Record is implemented by every child record shape. Identity and position
// are assigned by the record store on flush; WithIdentity returns a copy
// carrying them.
type Record interface {
	Collection() CollectionName
	WithIdentity(id string, position int) Record
}

// Service is one offered service.
type Service struct {
	ID            string `json:"id,omitempty"`
	Position      int    `json:"sort_order"`
	ServiceName   string `json:"service_name" validate:"max=200"`
	Category      string `json:"category" validate:"max=100"`
	Description   string `json:"description"`
	AIDescription string `json:"ai_description"`
	PriceRange    string `json:"price_range" validate:"max=100"`
	IsEmergency   bool   `json:"is_emergency"`
}

// Collection implements Record.
func (Service) Collection() CollectionName { return CollectionServices }

// WithIdentity implements Record.
func (s Service) WithIdentity(id string, position int) Record {
	s.ID, s.Position = id, position
	return s
}

// Testimonial is one customer quote.
type Testimonial struct {
	ID          string `json:"id,omitempty"`
	Position    int    `json:"sort_order"`
	QuoteText   string `json:"quote_text"`
	AuthorName  string `json:"author_name" validate:"max=200"`
	AuthorCity  string `json:"author_city" validate:"max=200"`
	Rating      int    `json:"rating" validate:"min=0,max=5"`
	ServiceType string `json:"service_type"`
}

// Collection implements Record.
func (Testimonial) Collection() CollectionName { return CollectionTestimonials }

// WithIdentity implements Record.
func (t Testimonial) WithIdentity(id string, position int) Record {
	t.ID, t.Position = id, position
	return t
}

// Weekdays in display order.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// BusinessHours is the opening window for one weekday.
type BusinessHours struct {
	ID        string `json:"id,omitempty"`
	Position  int    `json:"sort_order"`
	DayOfWeek string `json:"day_of_week" validate:"omitempty,oneof=Monday Tuesday Wednesday Thursday Friday Saturday Sunday"`
	OpenTime  string `json:"open_time" validate:"omitempty,len=5"`
	CloseTime string `json:"close_time" validate:"omitempty,len=5"`
	IsClosed  bool   `json:"is_closed"`
}

// Collection implements Record.
func (BusinessHours) Collection() CollectionName { return CollectionHours }

// WithIdentity implements Record.
func (h BusinessHours) WithIdentity(id string, position int) Record {
	h.ID, h.Position = id, position
	return h
}

// DefaultBusinessHours returns the week used when a submission has no stored
// hours: weekdays 08:00-17:00, Saturday 09:00-14:00, Sunday closed.
func DefaultBusinessHours() []BusinessHours {
	hours := make([]BusinessHours, 0, len(Weekdays))
	for i, day := range Weekdays {
		h := BusinessHours{Position: i, DayOfWeek: day, OpenTime: "08:00", CloseTime: "17:00"}
		switch day {
		case "Saturday":
			h.OpenTime, h.CloseTime = "09:00", "14:00"
		case "Sunday":
			h.OpenTime, h.CloseTime, h.IsClosed = "", "", true
		}
		hours = append(hours, h)
	}
	return hours
}

// Collections holds a submission's three child collections. Versions counts
// completed replaces per collection and is used by the versioned replace
// policy.
type Collections struct {
	Services     []Service              `json:"services"`
	Testimonials []Testimonial          `json:"testimonials"`
	Hours        []BusinessHours        `json:"hours"`
	Versions     map[CollectionName]int `json:"versions,omitempty"`
}

// Add appends rec to the matching collection.
func (c *Collections) Add(rec Record) {
	switch r := rec.(type) {
	case Service:
		c.Services = append(c.Services, r)
	case Testimonial:
		c.Testimonials = append(c.Testimonials, r)
	case BusinessHours:
		c.Hours = append(c.Hours, r)
	}
}

// Version returns the replace counter for name.
func (c Collections) Version(name CollectionName) int {
	return c.Versions[name]
}

// DecodeRecord decodes a stored JSON document into the record shape for name.
func DecodeRecord(name CollectionName, data []byte) (Record, error) {
	switch name {
	case CollectionServices:
		var s Service
		err := json.Unmarshal(data, &s)
		return s, err
	case CollectionTestimonials:
		var t Testimonial
		err := json.Unmarshal(data, &t)
		return t, err
	case CollectionHours:
		var h BusinessHours
		err := json.Unmarshal(data, &h)
		return h, err
	default:
		return nil, fmt.Errorf("decode record: unknown collection %q", name)
	}
}

// ToRecords converts a typed slice into the store's record form.
func ToRecords[T Record](items []T) []Record {
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
