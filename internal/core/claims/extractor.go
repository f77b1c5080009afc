// Package claims finds verifiable numeric assertions (currency, percentage, date, ratio)
// in free text and decides whether two values agree within claim-specific tolerances.
package claims

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

const DefaultContextWindow = 60

var (
	currencyPrefix = regexp.MustCompile(`(?i)\$\s?(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?(?:\s?(million|billion|thousand|mm|bn|m|b|k)\b)?`)
	currencySuffix = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?\s?(million|billion|thousand)?\s?(?:usd|dollars)\b`)
	percentage     = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s?(?:%|percent\b)`)
	ratioMultiple  = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?x\b`)
	ratioColon     = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s?:\s?(\d+(?:\.\d+)?)\b`)
	dateLong       = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2}),?\s+(\d{4})\b`)
	dateISO        = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dateUS         = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	dateQuarter    = regexp.MustCompile(`(?i)\bQ([1-4])\s?(\d{4})\b`)
	bareNumber     = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)
)

var scaleWords = map[string]float64{
	"thousand": 1e3, "k": 1e3,
	"million": 1e6, "m": 1e6, "mm": 1e6,
	"billion": 1e9, "b": 1e9, "bn": 1e9,
}

var monthNumbers = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

type Config struct {
	ContextWindow int
}

type Extractor struct {
	window int
}

func NewExtractor(cfg Config) *Extractor {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	return &Extractor{window: cfg.ContextWindow}
}

type match struct {
	kind      domain.ClaimKind
	start     int
	end       int
	value     float64
	precision float64
	err       error
}

type matcher struct {
	kind  domain.ClaimKind
	re    *regexp.Regexp
	parse func(text string, groups []string) (value, precision float64, err error)
}

// Earlier matchers win overlapping spans.
var matchers = []matcher{
	{domain.ClaimCurrency, currencyPrefix, parseCurrency},
	{domain.ClaimCurrency, currencySuffix, parseCurrency},
	{domain.ClaimDate, dateLong, parseLongDate},
	{domain.ClaimDate, dateISO, parseISODate},
	{domain.ClaimDate, dateUS, parseUSDate},
	{domain.ClaimDate, dateQuarter, parseQuarter},
	{domain.ClaimPercentage, percentage, parsePercentage},
	{domain.ClaimRatio, ratioMultiple, parseMultiple},
	{domain.ClaimRatio, ratioColon, parseColonRatio},
}

// Extract returns claims in text order. Malformed literals are skipped and reported as
// ErrClaimParse errors without failing the batch.
func (e *Extractor) Extract(text string) ([]domain.Claim, []error) {
	found := scan(text)
	claims := make([]domain.Claim, 0, len(found))
	var errs []error
	for _, m := range found {
		literal := text[m.start:m.end]
		if m.err != nil {
			errs = append(errs, domain.WrapError(domain.ErrClaimParse, fmt.Sprintf("extract %q", literal), m.err))
			continue
		}
		claims = append(claims, domain.Claim{
			ID:        fmt.Sprintf("claim-%d", len(claims)+1),
			Kind:      m.kind,
			Value:     m.value,
			Text:      literal,
			Start:     m.start,
			End:       m.end,
			Context:   window(text, m.start, m.end, e.window),
			Metric:    metricFor(text, m.start, m.end, e.window),
			Precision: m.precision,
		})
	}
	return claims, errs
}

type Span struct {
	Kind  domain.ClaimKind
	Value float64
	Start int
	End   int
	Text  string
}

// Candidates lists every value in text comparable with a claim of kind: typed literals of
// that kind plus, for non-date kinds, bare numbers (tables often omit units).
func Candidates(text string, kind domain.ClaimKind) []Span {
	var out []Span
	covered := make([][2]int, 0)
	for _, m := range scan(text) {
		if m.err != nil || m.kind != kind {
			covered = append(covered, [2]int{m.start, m.end})
			continue
		}
		out = append(out, Span{Kind: kind, Value: m.value, Start: m.start, End: m.end, Text: text[m.start:m.end]})
		covered = append(covered, [2]int{m.start, m.end})
	}
	if kind == domain.ClaimDate {
		return out
	}
	for _, loc := range bareNumber.FindAllStringIndex(text, -1) {
		if overlapsAny(covered, loc[0], loc[1]) {
			continue
		}
		v, err := parseNumber(text[loc[0]:loc[1]])
		if err != nil {
			continue
		}
		out = append(out, Span{Kind: kind, Value: v, Start: loc[0], End: loc[1], Text: text[loc[0]:loc[1]]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func scan(text string) []match {
	var accepted []match
	for _, m := range matchers {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlapsMatches(accepted, start, end) {
				continue
			}
			groups := make([]string, 0, len(loc)/2)
			for g := 2; g < len(loc); g += 2 {
				if loc[g] < 0 {
					groups = append(groups, "")
					continue
				}
				groups = append(groups, text[loc[g]:loc[g+1]])
			}
			value, precision, err := m.parse(text[start:end], groups)
			accepted = append(accepted, match{kind: m.kind, start: start, end: end, value: value, precision: precision, err: err})
		}
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })
	return accepted
}

func overlapsMatches(ms []match, start, end int) bool {
	for _, m := range ms {
		if start < m.end && m.start < end {
			return true
		}
	}
	return false
}

func overlapsAny(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

func parseCurrency(_ string, groups []string) (float64, float64, error) {
	whole, frac, scaleWord := groups[0], groups[1], strings.ToLower(groups[2])
	v, err := parseNumber(whole + frac)
	if err != nil {
		return 0, 0, err
	}
	scale, ok := scaleWords[scaleWord]
	if !ok {
		return v, 0, nil
	}
	decimals := 0
	if frac != "" {
		decimals = len(frac) - 1
	}
	precision := 0.5 * math.Pow10(-decimals) * scale
	return v * scale, precision, nil
}

func parsePercentage(_ string, groups []string) (float64, float64, error) {
	v, err := strconv.ParseFloat(groups[0], 64)
	return v, 0, err
}

func parseMultiple(_ string, groups []string) (float64, float64, error) {
	v, err := strconv.ParseFloat(groups[0], 64)
	return v, 0, err
}

func parseColonRatio(_ string, groups []string) (float64, float64, error) {
	a, err := strconv.ParseFloat(groups[0], 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(groups[1], 64)
	if err != nil {
		return 0, 0, err
	}
	if b == 0 {
		return 0, 0, fmt.Errorf("ratio denominator is zero")
	}
	return a / b, 0, nil
}

func parseLongDate(_ string, groups []string) (float64, float64, error) {
	month, ok := monthNumbers[strings.ToLower(groups[0])[:3]]
	if !ok {
		return 0, 0, fmt.Errorf("unknown month %q", groups[0])
	}
	return dateValue(groups[2], int(month), groups[1])
}

func parseISODate(_ string, groups []string) (float64, float64, error) {
	m, err := strconv.Atoi(groups[1])
	if err != nil {
		return 0, 0, err
	}
	return dateValue(groups[0], m, groups[2])
}

func parseUSDate(_ string, groups []string) (float64, float64, error) {
	m, err := strconv.Atoi(groups[0])
	if err != nil {
		return 0, 0, err
	}
	return dateValue(groups[2], m, groups[1])
}

// parseQuarter maps a fiscal quarter onto its calendar end date.
func parseQuarter(_ string, groups []string) (float64, float64, error) {
	q, err := strconv.Atoi(groups[0])
	if err != nil {
		return 0, 0, err
	}
	year, err := strconv.Atoi(groups[1])
	if err != nil {
		return 0, 0, err
	}
	end := time.Date(year, time.Month(q*3)+1, 0, 0, 0, 0, 0, time.UTC)
	return DateValue(end), 0, nil
}

func dateValue(yearText string, month int, dayText string) (float64, float64, error) {
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return 0, 0, err
	}
	day, err := strconv.Atoi(dayText)
	if err != nil {
		return 0, 0, err
	}
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("month %d out of range", month)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return 0, 0, fmt.Errorf("invalid calendar date %04d-%02d-%02d", year, month, day)
	}
	return DateValue(t), 0, nil
}

// DateValue encodes a date as yyyymmdd so dates compare as plain numbers.
func DateValue(t time.Time) float64 {
	return float64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func window(text string, start, end, size int) string {
	from := start - size
	if from < 0 {
		from = 0
	}
	to := end + size
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.TrimSpace(text[from:to])
}

// metricFor prefers a metric named earlier in the same sentence, then one named after.
func metricFor(text string, start, end, size int) string {
	from := start - size*2
	if from < 0 {
		from = 0
	}
	before := text[from:start]
	if i := strings.LastIndex(before, ". "); i >= 0 {
		before = before[i+2:]
	}
	if m := nearestMetric(before); m != "" {
		return m
	}
	to := end + size
	if to > len(text) {
		to = len(text)
	}
	after := text[end:to]
	if i := strings.Index(after, ". "); i >= 0 {
		after = after[:i]
	}
	if ms := Metrics(after); len(ms) > 0 {
		return ms[0]
	}
	return ""
}
