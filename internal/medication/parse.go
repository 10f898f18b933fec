package medication

import (
	"strings"

	"pillbot/internal/plan"
)

// confirmPrefixes and confirmSuffixes are the free-text shapes accepted as a
// dose confirmation, e.g. "took morning", "morning done".
var (
	confirmPrefixes = []string{"took my ", "took ", "taken ", "done "}
	confirmSuffixes = []string{" taken", " done"}
)

// ParseConfirmation matches free text against the plan's stage names and
// reports which stage the user is confirming. Matching is case-insensitive
// and keyed on the stage name, never the id.
func ParseConfirmation(text string, p plan.Plan) (plan.Stage, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || len(p) == 0 {
		return plan.Stage{}, false
	}

	candidates := []string{}
	for _, pre := range confirmPrefixes {
		if rest, ok := strings.CutPrefix(t, pre); ok {
			candidates = append(candidates, rest)
		}
	}
	for _, suf := range confirmSuffixes {
		if rest, ok := strings.CutSuffix(t, suf); ok {
			candidates = append(candidates, rest)
		}
	}

	for _, c := range candidates {
		if st, ok := p.FindByName(c); ok {
			return st, true
		}
	}
	return plan.Stage{}, false
}
