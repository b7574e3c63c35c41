// Package classifier decides which sampled values are categorical labels
// worth sending to an LLM for definition.
package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
)

const (
	DefaultMinLength       = 1
	DefaultMaxUniqueValues = 20
)

type Reason string

const (
	ReasonIncluded      Reason = "included"
	ReasonTooShort      Reason = "too_short"
	ReasonNumeric       Reason = "numeric"
	ReasonDateLike      Reason = "date_like"
	ReasonContainsDigit Reason = "contains_digit"
)

const months = `(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?`

// datePatterns are checked before the digit rule so that Decision.Reason
// names the more specific cause.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2}(?:[ T].*)?$`),       // YYYY-MM-DD
	regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`),                  // MM/DD/YYYY
	regexp.MustCompile(`^\d{1,2}-\d{1,2}-\d{4}$`),                  // DD-MM-YYYY
	regexp.MustCompile(`^\d{4}/\d{1,2}/\d{1,2}$`),                  // YYYY/MM/DD
	regexp.MustCompile(`(?i)^` + months + `\s+\d{1,2},?\s+\d{4}$`), // Mon DD, YYYY
	regexp.MustCompile(`(?i)^\d{1,2}\s+` + months + `,?\s+\d{4}$`), // DD Mon YYYY
}

// Decision explains why a value was kept or dropped.
type Decision struct {
	Value   string `json:"value"`
	Include bool   `json:"include"`
	Reason  Reason `json:"reason"`
}

type Classifier struct {
	MinLength       int
	MaxUniqueValues int
}

func New(cfg config.ClassifierConfig) *Classifier {
	c := &Classifier{MinLength: cfg.MinLength, MaxUniqueValues: cfg.MaxUniqueValues}
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinLength
	}
	if c.MaxUniqueValues <= 0 {
		c.MaxUniqueValues = DefaultMaxUniqueValues
	}
	return c
}

// Evaluate applies the inclusion rules to a single value. Any digit at all
// excludes a value, so alphanumeric codes such as "SKU123" are dropped too.
func (c *Classifier) Evaluate(v string) Decision {
	v = strings.TrimSpace(v)
	d := Decision{Value: v}
	switch {
	case utf8.RuneCountInString(v) < max(c.MinLength, 1):
		d.Reason = ReasonTooShort
	case isNumeric(v):
		d.Reason = ReasonNumeric
	case IsDateLike(v):
		d.Reason = ReasonDateLike
	case strings.IndexFunc(v, unicode.IsDigit) >= 0:
		d.Reason = ReasonContainsDigit
	default:
		d.Include = true
		d.Reason = ReasonIncluded
	}
	return d
}

// Candidates returns the qualifying values in first-seen order, deduplicated
// and capped at MaxUniqueValues. Nil values are skipped.
func (c *Classifier) Candidates(values []any) []string {
	limit := c.MaxUniqueValues
	if limit <= 0 {
		limit = DefaultMaxUniqueValues
	}
	seen := make(map[string]bool)
	var out []string
	for _, raw := range values {
		s, ok := Stringify(raw)
		if !ok {
			continue
		}
		d := c.Evaluate(s)
		if !d.Include || seen[d.Value] {
			continue
		}
		seen[d.Value] = true
		out = append(out, d.Value)
		if len(out) == limit {
			break
		}
	}
	return out
}

// ColumnValues is the raw sample of one column.
type ColumnValues struct {
	Name   string
	Values []any
}

// ClassifyColumns maps each column to its candidates. Columns without any
// qualifying value are omitted so that no definition request is made for them.
func (c *Classifier) ClassifyColumns(columns []ColumnValues) map[string][]string {
	out := make(map[string][]string)
	for _, col := range columns {
		if cands := c.Candidates(col.Values); len(cands) > 0 {
			out[col.Name] = cands
		}
	}
	return out
}

// IsDateLike reports whether v matches one of the recognised date shapes.
func IsDateLike(v string) bool {
	v = strings.TrimSpace(v)
	for _, re := range datePatterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// isNumeric requires a digit so labels such as "NaN" or "Inf" are not
// mistaken for numbers.
func isNumeric(v string) bool {
	if strings.IndexFunc(v, unicode.IsDigit) < 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	return err == nil
}

// Stringify renders a sampled value. It returns false for nil.
func Stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case time.Time:
		return x.Format(time.RFC3339), true
	case fmt.Stringer:
		return x.String(), true
	}
	return fmt.Sprint(v), true
}
