package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// normText folds case and collapses whitespace runs, so that line breaks
// and indentation of the markup do not decide whether a value is present.
func normText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// checkGrounded reports the string values of v that do not appear in the
// visible text of their region. A located value must be read from the
// page, not composed next to it.
func (f *FieldSpec) checkGrounded(name string, v any, visible string) []string {
	text := normText(visible)
	check := func(label, s string) []string {
		want := normText(s)
		if want == "" || strings.Contains(text, want) {
			return nil
		}
		if n, have := utf8.RuneCountInString(want), utf8.RuneCountInString(text); n > have {
			return []string{fmt.Sprintf("%s: value of %d characters is longer than its region (%d)", label, n, have)}
		}
		return []string{fmt.Sprintf("%s: %q does not appear in its located region", label, truncate(s, 60))}
	}
	switch x := v.(type) {
	case string:
		return check(name, x)
	case []any:
		var errs []string
		for i, e := range x {
			if s, ok := e.(string); ok {
				errs = append(errs, check(fmt.Sprintf("%s[%d]", name, i), s)...)
			}
		}
		return errs
	}
	return nil
}
