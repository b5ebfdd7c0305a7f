package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value of that key
const PresencePlaceholder = "<<PRESENCE>>"

// TestingT is the part of testing.T an asserter reports to
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// OutputAssertOptions control how command output is normalized before comparison
type OutputAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoreArrayOrder         bool     `default:"false"`
	IgnoredFields            []string `default:""`

	TrimTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines       bool `default:"false"`
	EnableColors           bool `default:"false"`
}

// OutputOption is a functional option for configuring OutputAsserter
type OutputOption func(*OutputAssertOptions)

// OutputAsserter compares command output with a unified diff (text) or a
// structural diff (JSON) on mismatch.
//
//	testutils.NewOutputAsserter(s.T()).AssertText(out, "ADDRESS  NAME\n...")
//	testutils.NewOutputAsserter(s.T(), testutils.WithIgnoredFields("first_seen")).AssertJSON(out, `[...]`)
type OutputAsserter struct {
	t       TestingT
	options OutputAssertOptions
}

func NewOutputAsserter(t TestingT, opts ...OutputOption) *OutputAsserter {
	o := OutputAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &OutputAsserter{t: t, options: o}
}

func (a *OutputAsserter) AssertText(actual, expected string) bool {
	if d := a.TextDiff(actual, expected); d != "" {
		a.t.Errorf("Text assertion failed - unified diff:\n%s", d)
		return false
	}
	return true
}

func (a *OutputAsserter) AssertJSON(actual, expected string) bool {
	if d := a.JSONDiff(actual, expected); d != "" {
		a.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// TextDiff returns an empty string when the normalized texts are equal
func (a *OutputAsserter) TextDiff(actual, expected string) string {
	actual, expected = a.normalizeText(actual), a.normalizeText(expected)
	if actual == expected {
		return ""
	}

	edits := myers.ComputeEdits("", expected, actual)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", expected, edits))
	if !a.options.EnableColors {
		return unified
	}
	return colorizeUnified(unified)
}

func (a *OutputAsserter) normalizeText(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if a.options.TrimTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		if a.options.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func colorizeUnified(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		visible := strings.ReplaceAll(strings.ReplaceAll(line, " ", "·"), "\t", "→")
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(visible)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(visible)
		}
	}
	return strings.Join(lines, "\n")
}

// JSONDiff returns an empty string when the normalized documents are equal
func (a *OutputAsserter) JSONDiff(actual, expected string) string {
	var exp, act interface{}
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	_, expArray := exp.([]interface{})
	_, actArray := act.([]interface{})
	if expArray && actArray {
		exp = map[string]interface{}{"array": exp}
		act = map[string]interface{}{"array": act}
	}

	if a.options.AllowPresencePlaceholder {
		fillPlaceholders(exp, act)
	}
	// ignored fields go before sorting so they do not change the order
	for _, f := range a.options.IgnoredFields {
		dropField(exp, f)
		dropField(act, f)
	}
	if a.options.IgnoreArrayOrder {
		sortArrays(exp)
		sortArrays(act)
	}
	if a.options.IgnoreExtraKeys {
		pruneExtraKeys(act, exp)
	}

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       a.options.EnableColors,
	})
	out, _ := f.Format(diff)
	return out
}

func fillPlaceholders(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPlaceholders(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPlaceholders(exp[i], act[i])
			}
		}
	}
}

func dropField(data interface{}, field string) {
	switch v := data.(type) {
	case map[string]interface{}:
		delete(v, field)
		for _, child := range v {
			dropField(child, field)
		}
	case []interface{}:
		for _, child := range v {
			dropField(child, field)
		}
	}
}

func sortArrays(data interface{}) {
	switch v := data.(type) {
	case map[string]interface{}:
		for _, child := range v {
			sortArrays(child)
		}
	case []interface{}:
		for _, child := range v {
			sortArrays(child)
		}
		sort.Slice(v, func(i, j int) bool {
			a, _ := json.Marshal(v[i])
			b, _ := json.Marshal(v[j])
			return string(a) < string(b)
		})
	}
}

// pruneExtraKeys removes keys of actual objects that expected does not name
func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, ok := exp[k]; !ok {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

func WithIgnoreExtraKeys(ignore bool) OutputOption {
	return func(o *OutputAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoreArrayOrder(ignore bool) OutputOption {
	return func(o *OutputAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields drops these keys at any depth on both sides
func WithIgnoredFields(fields ...string) OutputOption {
	return func(o *OutputAssertOptions) { o.IgnoredFields = fields }
}

func WithIgnoreEmptyLines(ignore bool) OutputOption {
	return func(o *OutputAssertOptions) { o.IgnoreEmptyLines = ignore }
}

func WithEnableColors(enable bool) OutputOption {
	return func(o *OutputAssertOptions) { o.EnableColors = enable }
}
