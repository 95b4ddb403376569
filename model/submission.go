package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusSubmitted     Status = "submitted"
	StatusInReview      Status = "in_review"
	StatusBuilding      Status = "building"
	StatusReadyForQC    Status = "ready_for_qc"
	StatusClientPreview Status = "client_preview"
	StatusApproved      Status = "approved"
	StatusPublished     Status = "published"
	StatusArchived      Status = "archived"
)

// StatusFlow is the conventional forward order of the lifecycle. Archived
// sits outside the flow.
var StatusFlow = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusInReview,
	StatusBuilding,
	StatusReadyForQC,
	StatusClientPreview,
	StatusApproved,
	StatusPublished,
}

// AllStatuses lists every named state.
func AllStatuses() []Status {
	all := make([]Status, 0, len(StatusFlow)+1)
	all = append(all, StatusFlow...)
	return append(all, StatusArchived)
}

// Valid reports whether s is a named state.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no conventional successor.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusArchived
}

// ParseStatus converts a string to a Status, rejecting unknown values.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.TrimSpace(v))
	if !s.Valid() {
		return "", NewBadRequestError(fmt.Sprintf("unknown status %q", v))
	}
	return s, nil
}

// Vertical is the business vertical a submission belongs to.
type Vertical string

const (
	VerticalHomeServices          Vertical = "home_services"
	VerticalHealthcare            Vertical = "healthcare"
	VerticalProfessionalServices  Vertical = "professional_services"
	VerticalRetail                Vertical = "retail"
	VerticalRestaurantHospitality Vertical = "restaurant_hospitality"
)

// Verticals lists the supported verticals in display order.
var Verticals = []Vertical{
	VerticalHomeServices,
	VerticalHealthcare,
	VerticalProfessionalServices,
	VerticalRetail,
	VerticalRestaurantHospitality,
}

// ParseVertical converts a string to a Vertical. Empty input selects
// home_services.
func ParseVertical(v string) (Vertical, error) {
	if strings.TrimSpace(v) == "" {
		return VerticalHomeServices, nil
	}
	for _, known := range Verticals {
		if Vertical(v) == known {
			return known, nil
		}
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown vertical %q", v))
}

// Tone is the voice requested for generated copy.
type Tone string

const (
	ToneConversational Tone = "CONVERSATIONAL"
	ToneProfessional   Tone = "PROFESSIONAL"
	ToneFormal         Tone = "FORMAL"
	ToneFriendly       Tone = "FRIENDLY"
)

// DefaultTone is used when a submission has not picked a tone.
const DefaultTone = ToneProfessional

// HomeServiceCategories are the business categories offered for the
// home_services vertical.
var HomeServiceCategories = []string{
	"Plumbing", "HVAC", "Electrical", "Roofing", "Landscaping",
	"Painting", "Remodeling", "Pest Control", "Cleaning", "Other",
}

// Attributes is the typed set of scalar fields collected by the intake form.
// Every field is optional; a nil pointer means "not set". The same type is
// used as a partial patch, where only non-nil fields are applied.
type Attributes struct {
	// Business identity
	BusinessName        *string `json:"business_name,omitempty"`
	BusinessCategory    *string `json:"business_category,omitempty"`
	RawDescription      *string `json:"raw_description,omitempty"`
	PolishedDescription *string `json:"polished_description,omitempty"`
	YearEstablished     *string `json:"year_established,omitempty"`
	OwnerNames          *string `json:"owner_names,omitempty"`
	LicenseNumber       *string `json:"license_number,omitempty"`
	InsuranceInfo       *string `json:"insurance_info,omitempty"`

	// Contact & location
	Street           *string `json:"street,omitempty"`
	City             *string `json:"city,omitempty"`
	State            *string `json:"state,omitempty"`
	Zip              *string `json:"zip,omitempty"`
	PrimaryPhone     *string `json:"primary_phone,omitempty"`
	SecondaryPhone   *string `json:"secondary_phone,omitempty"`
	Email            *string `json:"email,omitempty"`
	EmergencyService *bool   `json:"emergency_service,omitempty"`

	// Online presence
	ExistingWebsite *string `json:"existing_website,omitempty"`
	GBPURL          *string `json:"gbp_url,omitempty"`
	Facebook        *string `json:"facebook,omitempty"`
	Instagram       *string `json:"instagram,omitempty"`
	YouTube         *string `json:"youtube,omitempty"`
	LinkedIn        *string `json:"linkedin,omitempty"`
	Nextdoor        *string `json:"nextdoor,omitempty"`

	// Service areas
	PrimaryCity      *string `json:"primary_city,omitempty"`
	County           *string `json:"county,omitempty"`
	AdditionalCities *string `json:"additional_cities,omitempty"`
	ServiceRadius    *string `json:"service_radius,omitempty"`

	// Brand & design
	DesignStyle      *string `json:"design_style,omitempty"`
	PrimaryColor     *string `json:"primary_color,omitempty"`
	SecondaryColor   *string `json:"secondary_color,omitempty"`
	Tone             *Tone   `json:"tone,omitempty"`
	Tagline          *string `json:"tagline,omitempty"`
	AITaglineOptions *string `json:"ai_tagline_options,omitempty"`

	// Website copy
	WhatMakesDifferent *string `json:"what_makes_different,omitempty"`
	Warranties         *string `json:"warranties,omitempty"`
	Financing          *string `json:"financing,omitempty"`
	HeroHeadline       *string `json:"hero_headline,omitempty"`
	HeroSubheadline    *string `json:"hero_subheadline,omitempty"`
	AboutUs            *string `json:"about_us,omitempty"`
	WhyChooseUs        *string `json:"why_choose_us,omitempty"`
	CTAText            *string `json:"cta_text,omitempty"`

	// Social proof
	GoogleReviewCount *int     `json:"google_review_count,omitempty"`
	GoogleStarRating  *float64 `json:"google_star_rating,omitempty"`
	Certifications    *string  `json:"certifications,omitempty"`

	// Site builder output
	SiteURL      *string `json:"site_url,omitempty"`
	PublishedURL *string `json:"published_url,omitempty"`
}

// String returns a pointer to v.
func String(v string) *string { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// ToneOf returns a pointer to v.
func ToneOf(v Tone) *Tone { return &v }

// Deref returns the pointed-to string, or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Merge returns a copy of a with every non-nil field of patch applied.
func (a Attributes) Merge(patch Attributes) Attributes {
	dst := reflect.ValueOf(&a).Elem()
	src := reflect.ValueOf(patch)
	for i := 0; i < src.NumField(); i++ {
		if f := src.Field(i); !f.IsNil() {
			dst.Field(i).Set(f)
		}
	}
	return a
}

// IsZero reports whether no field is set.
func (a Attributes) IsZero() bool {
	return len(a.FieldNames()) == 0
}

// FieldNames returns the wire names of the fields that are set, in
// declaration order.
func (a Attributes) FieldNames() []string {
	v := reflect.ValueOf(a)
	t := v.Type()
	var names []string
	for i := 0; i < v.NumField(); i++ {
		if v.Field(i).IsNil() {
			continue
		}
		names = append(names, jsonName(t.Field(i)))
	}
	return names
}

// ToneOrDefault returns the selected tone, or DefaultTone when unset.
func (a Attributes) ToneOrDefault() Tone {
	if a.Tone == nil || *a.Tone == "" {
		return DefaultTone
	}
	return *a.Tone
}

// AttributeNames lists every known field name.
func AttributeNames() []string {
	t := reflect.TypeOf(Attributes{})
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names = append(names, jsonName(t.Field(i)))
	}
	return names
}

// AttributePatch builds a single-field patch from a wire name and value.
// Unknown names and values of the wrong type are rejected.
func AttributePatch(name string, value any) (Attributes, error) {
	raw, err := json.Marshal(map[string]any{name: value})
	if err != nil {
		return Attributes{}, NewBadRequestError(fmt.Sprintf("field %q: %v", name, err))
	}
	return DecodeAttributes(raw)
}

// DecodeAttributes strictly decodes a JSON object into an Attributes patch.
func DecodeAttributes(raw []byte) (Attributes, error) {
	var patch Attributes
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return Attributes{}, NewBadRequestError(fmt.Sprintf("invalid attributes: %v", err))
	}
	return patch, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return f.Name
	}
	return tag
}

// Submission is the root aggregate for one client's intake.
type Submission struct {
	ID          string     `json:"id"`
	AccessToken string     `json:"access_token"`
	Vertical    Vertical   `json:"vertical"`
	Status      Status     `json:"status"`
	Attributes  Attributes `json:"attributes"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// NewSubmission returns a draft submission with the creation defaults applied.
func NewSubmission(id, token string, vertical Vertical, now time.Time) Submission {
	return Submission{
		ID:          id,
		AccessToken: token,
		Vertical:    vertical,
		Status:      StatusDraft,
		Attributes:  Attributes{State: String("MD")},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SubmissionPatch is one persisted mutation of a submission. Attributes are
// merged, Status replaces when set, and SubmittedAt is only applied when the
// stored submission has none yet.
type SubmissionPatch struct {
	Attributes  Attributes
	Status      *Status
	SubmittedAt *time.Time
}

// Apply returns s with the patch applied and UpdatedAt set to now.
func (p SubmissionPatch) Apply(s Submission, now time.Time) Submission {
	s.Attributes = s.Attributes.Merge(p.Attributes)
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.SubmittedAt != nil && s.SubmittedAt == nil {
		at := *p.SubmittedAt
		s.SubmittedAt = &at
	}
	s.UpdatedAt = now
	return s
}

// SubmissionSummary is the row shown in the operator list.
type SubmissionSummary struct {
	ID           string     `json:"id"`
	BusinessName string     `json:"business_name"`
	Email        string     `json:"email"`
	Vertical     Vertical   `json:"vertical"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
}

// Summarize projects a submission onto its list row.
func Summarize(s Submission) SubmissionSummary {
	return SubmissionSummary{
		ID:           s.ID,
		BusinessName: Deref(s.Attributes.BusinessName),
		Email:        Deref(s.Attributes.Email),
		Vertical:     s.Vertical,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		SubmittedAt:  s.SubmittedAt,
	}
}

// SubmissionFilters narrows the operator list. Search matches business name
// or email, case-insensitively.
type SubmissionFilters struct {
	Search string
	Status Status
	Limit  int
	Offset int
}

// Matches reports whether a summary passes the filters (ignoring paging).
func (f SubmissionFilters) Matches(s SubmissionSummary) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(s.BusinessName), q) ||
		strings.Contains(strings.ToLower(s.Email), q)
}

// StatusEvent is one entry in a submission's status history.
type StatusEvent struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Actor        string    `json:"actor"`
	Comment      string    `json:"comment,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Build log statuses.
const (
	BuildStatusSkipped = "skipped"
	BuildStatusStarted = "started"
	BuildStatusFailed  = "failed"
)

// BuildLog records one site-build request.
type BuildLog struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	Message      string     `json:"message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// FullSubmission is the operator's view of one submission.
type FullSubmission struct {
	Submission
	Collections
	History   []StatusEvent `json:"history"`
	BuildLogs []BuildLog    `json:"build_logs"`
}
