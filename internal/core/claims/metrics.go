package claims

import (
	"regexp"
	"sort"
	"strings"
)

// metricAliases maps surface forms to canonical structured-store field names.
var metricAliases = map[string]string{
	"net operating income":   "noi",
	"noi":                    "noi",
	"effective gross income": "egi",
	"egi":                    "egi",
	"gross potential rent":   "gross_potential_rent",
	"total revenue":          "revenue",
	"revenue":                "revenue",
	"rental income":          "rental_income",
	"base rent":              "rental_income",
	"operating expenses":     "operating_expenses",
	"opex":                   "operating_expenses",
	"expenses":               "operating_expenses",
	"occupancy":              "occupancy",
	"vacancy":                "vacancy",
	"cap rate":               "cap_rate",
	"capitalization rate":    "cap_rate",
	"dscr":                   "dscr",
	"debt service coverage":  "dscr",
	"debt service":           "debt_service",
	"loan to value":          "ltv",
	"loan-to-value":          "ltv",
	"ltv":                    "ltv",
	"ebitda":                 "ebitda",
	"cash flow":              "cash_flow",
	"capital expenditures":   "capex",
	"capex":                  "capex",
	"property taxes":         "property_taxes",
	"real estate taxes":      "property_taxes",
	"insurance":              "insurance",
	"management fees":        "management_fees",
	"budget":                 "budget",
}

var metricPattern = buildMetricPattern()

func buildMetricPattern() *regexp.Regexp {
	aliases := make([]string, 0, len(metricAliases))
	for alias := range metricAliases {
		aliases = append(aliases, alias)
	}
	// longest first so "debt service coverage" wins over "debt service"
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i]) != len(aliases[j]) {
			return len(aliases[i]) > len(aliases[j])
		}
		return aliases[i] < aliases[j]
	})
	for i, a := range aliases {
		aliases[i] = regexp.QuoteMeta(a)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(aliases, "|") + `)\b`)
}

// Metrics lists canonical metric names mentioned in text, in order of first mention.
func Metrics(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range metricPattern.FindAllString(text, -1) {
		field := metricAliases[strings.ToLower(m)]
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

// nearestMetric returns the metric mentioned closest before offset end within text.
func nearestMetric(text string) string {
	matches := metricPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return metricAliases[strings.ToLower(matches[len(matches)-1])]
}
