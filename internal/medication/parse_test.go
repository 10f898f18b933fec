package medication

import (
	"testing"

	"pillbot/internal/plan"
)

func TestParseConfirmation(t *testing.T) {
	p := plan.Plan{
		{ID: 1, Name: "morning", Time: "08:00"},
		{ID: 2, Name: "Vitamin D", Time: "12:00"},
	}

	cases := []struct {
		in    string
		stage string
		ok    bool
	}{
		{"took morning", "morning", true},
		{"took my morning", "morning", true},
		{"Taken Morning", "morning", true},
		{"done morning", "morning", true},
		{"morning taken", "morning", true},
		{"morning done", "morning", true},
		{"  took morning  ", "morning", true},
		{"took vitamin d", "Vitamin D", true},
		{"vitamin d done", "Vitamin D", true},
		{"took evening", "", false},
		{"morning", "", false},
		{"hello there", "", false},
		{"took", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		st, ok := ParseConfirmation(c.in, p)
		if ok != c.ok {
			t.Errorf("ParseConfirmation(%q): ok=%v, want %v", c.in, ok, c.ok)
			continue
		}
		if ok && st.Name != c.stage {
			t.Errorf("ParseConfirmation(%q): stage %q, want %q", c.in, st.Name, c.stage)
		}
	}
}

func TestParseConfirmationEmptyPlan(t *testing.T) {
	if _, ok := ParseConfirmation("took morning", nil); ok {
		t.Fatal("matched against an empty plan")
	}
}
