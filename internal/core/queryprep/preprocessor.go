// Package queryprep normalizes raw questions before retrieval: it extracts reporting
// periods, property references and metrics, rewrites abbreviations, and classifies the query.
package queryprep

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/evidence-core/internal/core/claims"
	"github.com/kirillkom/evidence-core/internal/core/domain"
)

var (
	quarterFirst = regexp.MustCompile(`(?i)\bQ([1-4])\s*(?:FY\s*)?(\d{4})\b`)
	quarterLast  = regexp.MustCompile(`(?i)\b(\d{4})\s*-?\s*Q([1-4])\b`)
	fiscalYear   = regexp.MustCompile(`(?i)\bFY\s*'?(\d{4}|\d{2})\b`)
	monthYear    = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\s+(\d{4})\b`)
	bareYear     = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	toDate       = regexp.MustCompile(`(?i)\b(ytd|ttm|year[- ]to[- ]date|trailing twelve months)\b`)
	propertyRef  = regexp.MustCompile(`(?i)\bproperty\s+(?:id\s+)?#?([A-Za-z0-9][A-Za-z0-9_-]*\d[A-Za-z0-9_-]*)\b`)
	comparison   = regexp.MustCompile(`(?i)\b(vs\.?|versus|compare[ds]?|comparison|change|growth|increase[ds]?|decrease[ds]?|difference|trend)\b`)
	numericAsk   = regexp.MustCompile(`(?i)\b(what (?:is|was|were)|how much|how many|total|amount|value|rate|ratio)\b`)
	filler       = regexp.MustCompile(`(?i)^\s*(?:can you (?:please )?(?:tell me|show me|find)|could you (?:please )?(?:tell me|show me|find)|please|i(?:'d| would) like to know|tell me)\s+`)
)

var monthNames = map[string]string{
	"jan": "01", "feb": "02", "mar": "03", "apr": "04", "may": "05", "jun": "06",
	"jul": "07", "aug": "08", "sep": "09", "oct": "10", "nov": "11", "dec": "12",
}

// expansions appends the long form next to abbreviations so both forms hit the keyword index.
var expansions = map[string]string{
	"noi":    "net operating income",
	"egi":    "effective gross income",
	"opex":   "operating expenses",
	"dscr":   "debt service coverage ratio",
	"ltv":    "loan to value",
	"capex":  "capital expenditures",
	"gpr":    "gross potential rent",
	"ytd":    "year to date",
	"ttm":    "trailing twelve months",
	"yoy":    "year over year",
	"ebitda": "earnings before interest taxes depreciation amortization",
}

var abbreviation = buildAbbreviationPattern()

func buildAbbreviationPattern() *regexp.Regexp {
	keys := make([]string, 0, len(expansions))
	for k := range expansions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`)
}

type Config struct {
	// PropertyAliases maps lower-cased property names to property ids.
	PropertyAliases map[string]string
}

type Preprocessor struct {
	aliases map[string]string
}

func New(cfg Config) *Preprocessor {
	aliases := make(map[string]string, len(cfg.PropertyAliases))
	for name, id := range cfg.PropertyAliases {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && id != "" {
			aliases[name] = id
		}
	}
	return &Preprocessor{aliases: aliases}
}

func (p *Preprocessor) Parse(raw string, filters domain.Filters) domain.ParsedQuery {
	normalized := strings.Join(strings.Fields(raw), " ")
	q := domain.ParsedQuery{
		Raw:        raw,
		Periods:    Periods(normalized),
		Properties: p.properties(normalized),
		Metrics:    claims.Metrics(normalized),
	}
	q.Type = classify(normalized, q.Metrics)
	q.Rewritten = rewrite(normalized)

	f := filters.Normalize()
	if f.Period == "" && len(q.Periods) == 1 {
		f.Period = q.Periods[0]
	}
	if f.PropertyID == "" && len(q.Properties) == 1 {
		f.PropertyID = q.Properties[0]
	}
	q.Filters = f
	return q
}

// Periods returns canonical period keys: "2024-Q3", "FY2023", "2024-03", "2024", "YTD".
func Periods(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	taken := make([][2]int, 0)
	record := func(loc []int) { taken = append(taken, [2]int{loc[0], loc[1]}) }

	for _, m := range quarterFirst.FindAllStringSubmatchIndex(text, -1) {
		add(fmt.Sprintf("%s-Q%s", text[m[4]:m[5]], text[m[2]:m[3]]))
		record(m)
	}
	for _, m := range quarterLast.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(taken, m[0], m[1]) {
			continue
		}
		add(fmt.Sprintf("%s-Q%s", text[m[2]:m[3]], text[m[4]:m[5]]))
		record(m)
	}
	for _, m := range fiscalYear.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(taken, m[0], m[1]) {
			continue
		}
		year := text[m[2]:m[3]]
		if len(year) == 2 {
			year = "20" + year
		}
		add("FY" + year)
		record(m)
	}
	for _, m := range monthYear.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(taken, m[0], m[1]) {
			continue
		}
		month := monthNames[strings.ToLower(text[m[2]:m[2]+3])]
		add(text[m[4]:m[5]] + "-" + month)
		record(m)
	}
	for _, m := range bareYear.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(taken, m[0], m[1]) {
			continue
		}
		add(text[m[2]:m[3]])
	}
	for _, m := range toDate.FindAllString(text, -1) {
		m = strings.ToLower(m)
		if strings.HasPrefix(m, "trailing") || m == "ttm" {
			add("TTM")
			continue
		}
		add("YTD")
	}
	return out
}

func (p *Preprocessor) properties(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range propertyRef.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, ok := seen[strings.ToLower(id)]; ok {
			continue
		}
		seen[strings.ToLower(id)] = struct{}{}
		out = append(out, id)
	}
	lower := strings.ToLower(text)
	names := make([]string, 0, len(p.aliases))
	for name := range p.aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !containsWord(lower, name) {
			continue
		}
		id := p.aliases[name]
		if _, ok := seen[strings.ToLower(id)]; ok {
			continue
		}
		seen[strings.ToLower(id)] = struct{}{}
		out = append(out, id)
	}
	return out
}

func classify(text string, metrics []string) domain.QueryType {
	if comparison.MatchString(text) {
		return domain.QueryComparison
	}
	if len(metrics) > 0 || numericAsk.MatchString(text) {
		return domain.QueryNumeric
	}
	return domain.QueryNarrative
}

func rewrite(text string) string {
	out := filler.ReplaceAllString(text, "")
	out = abbreviation.ReplaceAllStringFunc(out, func(m string) string {
		return m + " " + expansions[strings.ToLower(m)]
	})
	return strings.Join(strings.Fields(out), " ")
}

func containsWord(text, word string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}
