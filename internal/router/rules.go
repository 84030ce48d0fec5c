package router

import (
	"sort"
	"strings"

	"github.com/semantrix/modelrouter/internal/models"
)

// RuleSpec is the configuration shape of one selection rule. The rule id is
// the config map key.
type RuleSpec struct {
	Model       string               `mapstructure:"model"`
	Priority    int                  `mapstructure:"priority"`
	Description string               `mapstructure:"description"`
	Conditions  models.RuleCondition `mapstructure:"conditions"`
}

// BuildRules converts configured rule specs into the ordered rule set.
// Fallback chains come from the shared fallback map keyed by model id.
// Rules are sorted by descending priority; ties keep config order stable.
func BuildRules(specs map[string]RuleSpec, fallbacks map[string][]string) []models.SelectionRule {
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rules := make([]models.SelectionRule, 0, len(specs))
	for _, id := range ids {
		spec := specs[id]
		rules = append(rules, models.SelectionRule{
			ID:             id,
			Name:           humanize(id),
			Model:          spec.Model,
			Priority:       spec.Priority,
			Conditions:     spec.Conditions,
			FallbackModels: fallbacks[spec.Model],
			Active:         true,
		})
	}

	sortRules(rules)
	return rules
}

func sortRules(rules []models.SelectionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// humanize turns a rule id like "image_processing" into "Image Processing".
func humanize(id string) string {
	words := strings.Split(id, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
