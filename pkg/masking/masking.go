// Package masking implements the pipeline's PII/secret redaction stage:
// key-driven masking of known-sensitive payload fields, followed by
// pattern-driven masking of any remaining string content (including the
// message). It walks the payload recursively, detecting sensitive
// values by key name and by content pattern, and rewrites them with a
// compiled-once regex table in the same style this codebase uses for
// log sanitization.
package masking

import (
	"regexp"
	"strings"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/types"
)

// Strategy masks a single string value known to hold a given category
// of sensitive data.
type Strategy func(value string) string

// keyAliases maps payload field names (case-insensitive) to the
// canonical strategy category they should be masked as.
var keyAliases = map[string]string{
	"card":       "credit_card",
	"cardnumber": "credit_card",
	"pwd":        "password",
}

var (
	rrnPattern        = regexp.MustCompile(`\d{6}-[1-4]\d{6}`)
	creditCardPattern = regexp.MustCompile(`\d{4}-\d{4}-\d{4}-\d{4}`)
	ssnPattern        = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
)

func rrnStrategy(v string) string {
	if len(v) == 14 {
		return v[:7] + "*******"
	}
	return "******"
}

func creditCardStrategy(v string) string {
	if len(v) < 4 {
		return "****"
	}
	digitTotal := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digitTotal++
		}
	}
	var b strings.Builder
	digitsSeen := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		digitsSeen++
		if digitTotal-digitsSeen < 4 {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

func passwordStrategy(string) string {
	return "********"
}

func ssnStrategy(v string) string {
	if len(v) == 11 {
		return "***-**-" + v[7:]
	}
	return "***-**-****"
}

// allStrategies is the full table of key-driven masking strategies this
// codebase knows how to apply, keyed by category name. A deployment
// enables only a subset of these via configuration.
var allStrategies = map[string]Strategy{
	"rrn":         rrnStrategy,
	"credit_card": creditCardStrategy,
	"password":    passwordStrategy,
	"ssn":         ssnStrategy,
}

type patternDetector struct {
	category string
	re       *regexp.Regexp
	strategy Strategy
}

// allPatterns is the full set of content-pattern detectors; password has
// no content signature of its own and so is key-driven only.
var allPatterns = []patternDetector{
	{"rrn", rrnPattern, rrnStrategy},
	{"credit_card", creditCardPattern, creditCardStrategy},
	{"ssn", ssnPattern, ssnStrategy},
}

// DefaultPatterns lists every masking category this package supports,
// for callers that want to enable all of them.
var DefaultPatterns = []string{"rrn", "credit_card", "password", "ssn"}

// Masker applies key-driven and pattern-driven redaction to a
// LogRecord's payload and message, restricted to the subset of
// categories a deployment has enabled.
type Masker struct {
	enabled    bool
	strategies map[string]Strategy
	patterns   []patternDetector
}

// New constructs a Masker. When enabled is false, Mask passes records
// through unchanged, for controlled non-production debugging only.
// patternsEnabled selects which of {rrn, credit_card, password, ssn}
// are installed; categories not named are left unmasked entirely, both
// for key-driven and content-pattern detection.
func New(enabled bool, patternsEnabled []string) *Masker {
	strategies := make(map[string]Strategy, len(patternsEnabled))
	var patterns []patternDetector
	for _, name := range patternsEnabled {
		if strategy, ok := allStrategies[name]; ok {
			strategies[name] = strategy
		}
	}
	for _, p := range allPatterns {
		if _, ok := strategies[p.category]; ok {
			patterns = append(patterns, p)
		}
	}
	return &Masker{enabled: enabled, strategies: strategies, patterns: patterns}
}

// Mask returns a new LogRecord with sensitive values redacted. The
// input record is left untouched.
func (m *Masker) Mask(rec *types.LogRecord) *types.LogRecord {
	if !m.enabled {
		return rec
	}
	out := rec.Clone()
	out.Message = m.maskPatterns(out.Message)
	if out.Payload != nil {
		out.Payload = m.maskMap(out.Payload)
	}
	return out
}

// maskMap builds a redacted copy of in. Mask passes it the top-level
// payload map that Clone already copied; nested maps are ranged over
// directly, without a prior snapshot.
func (m *Masker) maskMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		category, keyed := m.lookupCategory(k)
		switch val := v.(type) {
		case string:
			if keyed {
				out[k] = m.strategies[category](val)
				metrics.MaskingFieldsRedactedTotal.WithLabelValues(category).Inc()
			} else {
				out[k] = m.maskPatterns(val)
			}
		case map[string]interface{}:
			out[k] = m.maskMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

func (m *Masker) lookupCategory(key string) (string, bool) {
	lower := strings.ToLower(key)
	if alias, ok := keyAliases[lower]; ok {
		lower = alias
	}
	_, ok := m.strategies[lower]
	return lower, ok
}

// maskPatterns applies each enabled pattern detector, in table order,
// to any string value including the top-level message.
func (m *Masker) maskPatterns(s string) string {
	for _, p := range m.patterns {
		s = p.re.ReplaceAllStringFunc(s, p.strategy)
	}
	return s
}
