package session

import "github.com/pitabwire/intake/model"

// Step bounds. ConfirmationStep is shown after a successful submit and is not
// reachable by navigation.
const (
	FirstStep        = 1
	LastStep         = 10
	ConfirmationStep = 11
)

// StepInfo describes one form step. Required lists soft hints for the
// presentation layer; navigation never enforces them.
type StepInfo struct {
	Number     int                  `json:"number"`
	Title      string               `json:"title"`
	Subtitle   string               `json:"subtitle"`
	Required   []string             `json:"required,omitempty"`
	Collection model.CollectionName `json:"collection,omitempty"`
}

// Steps lists the form steps in order.
var Steps = []StepInfo{
	{Number: 1, Title: "Business Identity", Subtitle: "Tell us who you are", Required: []string{"business_name", "business_category"}},
	{Number: 2, Title: "Contact & Location", Subtitle: "Where clients can find you", Required: []string{"city", "zip", "primary_phone", "email"}},
	{Number: 3, Title: "Online Presence", Subtitle: "Your current digital footprint"},
	{Number: 4, Title: "Services Offered", Subtitle: "What you do best", Required: []string{"services.service_name"}, Collection: model.CollectionServices},
	{Number: 5, Title: "Service Areas", Subtitle: "Where you work", Required: []string{"primary_city"}},
	{Number: 6, Title: "Brand & Design", Subtitle: "How you want to look"},
	{Number: 7, Title: "Website Copy", Subtitle: "Your story in your words"},
	{Number: 8, Title: "Social Proof", Subtitle: "Reviews, certifications & portfolio", Required: []string{"testimonials.quote_text"}, Collection: model.CollectionTestimonials},
	{Number: 9, Title: "Business Hours", Subtitle: "When you're available", Collection: model.CollectionHours},
	{Number: 10, Title: "Review & Submit", Subtitle: "Double-check everything"},
}

// StepFor returns the info for step n. The confirmation step has a synthetic
// entry.
func StepFor(n int) StepInfo {
	if n == ConfirmationStep {
		return StepInfo{Number: ConfirmationStep, Title: "Submitted", Subtitle: "We'll be in touch"}
	}
	return Steps[clampStep(n)-1]
}

// CollectionStep returns the step that owns the named collection.
func CollectionStep(name model.CollectionName) int {
	for _, s := range Steps {
		if s.Collection == name {
			return s.Number
		}
	}
	return 0
}

func clampStep(n int) int {
	if n < FirstStep {
		return FirstStep
	}
	if n > LastStep {
		return LastStep
	}
	return n
}
