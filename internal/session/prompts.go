package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/intake/model"
)

// PromptBuilder renders a generation instruction from the current snapshot.
type PromptBuilder func(a model.Attributes) string

// fieldTarget is an augmentation that writes one scalar attribute.
type fieldTarget struct {
	field string
	// ready, when set, reports whether the snapshot has the input the
	// prompt depends on.
	ready func(a model.Attributes) bool
	build PromptBuilder
}

const servicePrefix = "services_"

var fieldTargets = map[string]fieldTarget{
	"polished_description": {
		field: "polished_description",
		ready: func(a model.Attributes) bool {
			return strings.TrimSpace(model.Deref(a.RawDescription)) != ""
		},
		build: func(a model.Attributes) string {
			return fmt.Sprintf(
				"Polish this business description into a professional 2-3 paragraph About Us section for a %s company called %q: %s",
				category(a), model.Deref(a.BusinessName), model.Deref(a.RawDescription))
		},
	},
	"ai_tagline_options": {
		field: "ai_tagline_options",
		build: func(a model.Attributes) string {
			return joinNonEmpty(
				fmt.Sprintf("Generate 5 short, punchy taglines for a %s company called %q.", category(a), model.Deref(a.BusinessName)),
				prefixed("About: ", a.RawDescription),
				location(a),
				"Return as a numbered list.",
			)
		},
	},
	"hero_headline": {
		field: "hero_headline",
		build: func(a model.Attributes) string {
			return joinNonEmpty(
				fmt.Sprintf("Write a compelling hero headline (max 10 words) for a %s company called %q in %s.",
					category(a), model.Deref(a.BusinessName), orDefault(a.City, "Maryland")),
				prefixed("Key differentiator: ", a.WhatMakesDifferent),
			)
		},
	},
	"hero_subheadline": {
		field: "hero_subheadline",
		build: func(a model.Attributes) string {
			return fmt.Sprintf("Write a hero subheadline (1-2 sentences) for %q, a %s company. Headline: %q. Include a call to action.",
				model.Deref(a.BusinessName), category(a), model.Deref(a.HeroHeadline))
		},
	},
	"about_us": {
		field: "about_us",
		build: func(a model.Attributes) string {
			return joinNonEmpty(
				fmt.Sprintf("Write a warm, professional \"About Us\" section (2-3 paragraphs) for %q, a %s company in %s, %s.",
					model.Deref(a.BusinessName), category(a), model.Deref(a.City), orDefault(a.State, "MD")),
				prefixed("Owner description: ", a.RawDescription),
				prefixed("Established: ", a.YearEstablished),
				prefixed("Owners: ", a.OwnerNames),
			)
		},
	},
	"why_choose_us": {
		field: "why_choose_us",
		build: func(a model.Attributes) string {
			return joinNonEmpty(
				fmt.Sprintf("Write 4-6 \"Why Choose Us\" bullet points for %q, a %s company.", model.Deref(a.BusinessName), category(a)),
				prefixed("Differentiators: ", a.WhatMakesDifferent),
				prefixed("Licensed: ", a.LicenseNumber),
				prefixed("Insurance: ", a.InsuranceInfo),
				prefixed("Warranty: ", a.Warranties),
				prefixed("Since: ", a.YearEstablished),
				"Return as a numbered list with emoji bullets.",
			)
		},
	},
	"cta_text": {
		field: "cta_text",
		build: func(a model.Attributes) string {
			emergency := ""
			if a.EmergencyService != nil && *a.EmergencyService {
				emergency = "They offer 24/7 emergency service."
			}
			return joinNonEmpty(
				fmt.Sprintf("Suggest 3 call-to-action button text options for a %s company website.", category(a)),
				emergency,
				"Return as numbered list.",
			)
		},
	},
}

// AugmentKeys lists the scalar augmentation keys. Per-service keys have the
// form services_<index>.
func AugmentKeys() []string {
	keys := make([]string, 0, len(fieldTargets))
	for k := range fieldTargets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ServiceKey returns the augmentation key for the service at index i.
func ServiceKey(i int) string {
	return servicePrefix + strconv.Itoa(i)
}

func parseServiceKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, servicePrefix)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

func servicePrompt(a model.Attributes, svc model.Service) string {
	return fmt.Sprintf(
		"Write a professional 2-3 sentence service description for a %s company's %q service. Raw input from owner: %q. Business name: %q. Make it customer-facing and benefit-focused.",
		category(a), svc.ServiceName, svc.Description, model.Deref(a.BusinessName))
}

func category(a model.Attributes) string {
	return orDefault(a.BusinessCategory, "home services")
}

func location(a model.Attributes) string {
	city := model.Deref(a.City)
	if city == "" {
		return ""
	}
	return fmt.Sprintf("Located in %s, %s.", city, model.Deref(a.State))
}

func orDefault(p *string, fallback string) string {
	if v := strings.TrimSpace(model.Deref(p)); v != "" {
		return v
	}
	return fallback
}

func prefixed(prefix string, p *string) string {
	v := strings.TrimSpace(model.Deref(p))
	if v == "" {
		return ""
	}
	return prefix + v
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
