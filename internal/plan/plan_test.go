package plan

import (
	"errors"
	"testing"
)

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in        string
		hour, min int
		wantErr   bool
	}{
		{"08:00", 8, 0, false},
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{" 9:30 ", 9, 30, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"8", 0, 0, true},
		{"ab:cd", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, c := range cases {
		h, m, err := ParseHHMM(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseHHMM(%q): expected error", c.in)
			} else if !errors.Is(err, ErrBadTime) {
				t.Errorf("ParseHHMM(%q): error does not wrap ErrBadTime: %v", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHHMM(%q): %v", c.in, err)
			continue
		}
		if h != c.hour || m != c.min {
			t.Errorf("ParseHHMM(%q) = %d:%d, want %d:%d", c.in, h, m, c.hour, c.min)
		}
	}
}

func TestValidate(t *testing.T) {
	good := Plan{
		{ID: 1, Name: "morning", Time: "08:00"},
		{ID: 2, Name: "evening", Time: "20:00", RepeatInterval: 30},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	if err := (Plan{{ID: 1, Name: " ", Time: "08:00"}}).Validate(); !errors.Is(err, ErrEmptyName) {
		t.Errorf("blank name: got %v, want ErrEmptyName", err)
	}
	dup := Plan{
		{ID: 1, Name: "Morning", Time: "08:00"},
		{ID: 2, Name: "morning", Time: "09:00"},
	}
	if err := dup.Validate(); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("case-insensitive duplicate: got %v, want ErrDuplicateName", err)
	}
	if err := (Plan{{ID: 1, Name: "x", Time: "25:00"}}).Validate(); err == nil {
		t.Error("bad time accepted")
	}
	if err := (Plan{{ID: 1, Name: "x", Time: "08:00", RepeatInterval: -5}}).Validate(); err == nil {
		t.Error("negative repeat interval accepted")
	}
}

func TestFindByName(t *testing.T) {
	p := Plan{{ID: 1, Name: "Morning", Time: "08:00"}}
	if st, ok := p.FindByName("  morning "); !ok || st.ID != 1 {
		t.Fatalf("case-insensitive lookup failed: %+v ok=%v", st, ok)
	}
	if _, ok := p.FindByName("evening"); ok {
		t.Fatal("found a stage that does not exist")
	}
}

func TestNextStageID(t *testing.T) {
	if got := (Plan{}).NextStageID(); got != 1 {
		t.Errorf("empty plan: got %d, want 1", got)
	}
	// Ids need not be dense; max+1 is the rule.
	p := Plan{{ID: 3, Name: "a", Time: "08:00"}, {ID: 7, Name: "b", Time: "09:00"}}
	if got := p.NextStageID(); got != 8 {
		t.Errorf("got %d, want 8", got)
	}
}

func TestWithStage(t *testing.T) {
	p := Plan{{ID: 1, Name: "morning", Time: "08:00"}}
	next, err := p.WithStage("evening", "20:00", 30)
	if err != nil {
		t.Fatalf("WithStage: %v", err)
	}
	if len(next) != 2 || next[1].ID != 2 || next[1].Name != "evening" {
		t.Fatalf("unexpected new version: %+v", next)
	}
	if len(p) != 1 {
		t.Fatal("original plan mutated")
	}

	if _, err := p.WithStage("morning", "09:00", 0); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate add: got %v, want ErrDuplicateName", err)
	}
	if _, err := p.WithStage("x", "nope", 0); err == nil {
		t.Error("bad time accepted")
	}
}

func TestWithoutStage(t *testing.T) {
	p := Plan{
		{ID: 1, Name: "morning", Time: "08:00"},
		{ID: 2, Name: "evening", Time: "20:00"},
	}
	next, err := p.WithoutStage("MORNING")
	if err != nil {
		t.Fatalf("WithoutStage: %v", err)
	}
	if len(next) != 1 || next[0].Name != "evening" {
		t.Fatalf("unexpected new version: %+v", next)
	}
	if _, err := p.WithoutStage("lunch"); !errors.Is(err, ErrStageNotFound) {
		t.Errorf("missing stage: got %v, want ErrStageNotFound", err)
	}
}

func TestStageIDReuseAcrossVersions(t *testing.T) {
	// Removing the highest stage and adding a new one reuses its id; the
	// name is the identity that survives, not the id.
	p := Plan{
		{ID: 1, Name: "morning", Time: "08:00"},
		{ID: 2, Name: "evening", Time: "20:00"},
	}
	p2, err := p.WithoutStage("evening")
	if err != nil {
		t.Fatalf("WithoutStage: %v", err)
	}
	p3, err := p2.WithStage("night", "22:00", 0)
	if err != nil {
		t.Fatalf("WithStage: %v", err)
	}
	if p3[1].ID != 2 {
		t.Fatalf("expected id 2 to be reused, got %d", p3[1].ID)
	}
}
