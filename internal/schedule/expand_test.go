package schedule

import (
	"testing"

	"pillbot/internal/plan"
)

func TestExpandSingleStageNoRepeat(t *testing.T) {
	p := plan.Plan{{ID: 1, Name: "morning", Time: "08:00"}}
	occ := Expand(p)
	if len(occ) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occ))
	}
	if occ[0].Minute != 8*60 {
		t.Fatalf("expected minute 480, got %d", occ[0].Minute)
	}
}

func TestExpandRepeatWindow(t *testing.T) {
	// 08:00 every 30m until the next stage at 12:00: ceil(240/30) = 8
	// occurrences, 08:00 through 11:30, and 12:00 belongs to the next stage.
	p := plan.Plan{
		{ID: 1, Name: "morning", Time: "08:00", RepeatInterval: 30},
		{ID: 2, Name: "noon", Time: "12:00"},
	}
	occ := Expand(p)

	var morning []int
	for _, o := range occ {
		if o.Stage.Name == "morning" {
			morning = append(morning, o.Minute)
		}
	}
	if len(morning) != 8 {
		t.Fatalf("expected 8 morning occurrences, got %d: %v", len(morning), morning)
	}
	for i, m := range morning {
		want := 480 + i*30
		if m != want {
			t.Fatalf("occurrence %d: got minute %d, want %d", i, m, want)
		}
	}
}

func TestExpandWraparound(t *testing.T) {
	// The last stage's window wraps to the first stage's time next day:
	// 20:00 every 30m until 08:00 is 12h / 30m = 24 occurrences, the late
	// ones landing on early-morning minutes.
	p := plan.Plan{
		{ID: 1, Name: "morning", Time: "08:00"},
		{ID: 2, Name: "evening", Time: "20:00", RepeatInterval: 30},
	}
	occ := Expand(p)

	var evening []int
	for _, o := range occ {
		if o.Stage.Name == "evening" {
			evening = append(evening, o.Minute)
		}
	}
	if len(evening) != 24 {
		t.Fatalf("expected 24 evening occurrences, got %d", len(evening))
	}
	if evening[0] != 20*60 {
		t.Fatalf("first occurrence: got %d, want 1200", evening[0])
	}
	// 23:30 is index 7; index 8 wraps to 00:00.
	if evening[8] != 0 {
		t.Fatalf("wraparound occurrence: got %d, want 0", evening[8])
	}
	last := evening[len(evening)-1]
	if last != 7*60+30 {
		t.Fatalf("last occurrence: got %d, want 450 (07:30)", last)
	}
	for _, m := range evening {
		if m < 0 || m >= plan.MinutesPerDay {
			t.Fatalf("occurrence out of range: %d", m)
		}
		if m == 8*60 {
			t.Fatal("evening repeat reached 08:00, which belongs to morning")
		}
	}
}

func TestExpandSortsByTime(t *testing.T) {
	// Plan order and time order disagree; windows follow time order, so the
	// 06:00 stage repeats only until 09:00.
	p := plan.Plan{
		{ID: 1, Name: "late", Time: "09:00"},
		{ID: 2, Name: "early", Time: "06:00", RepeatInterval: 60},
	}
	var early []int
	for _, o := range Expand(p) {
		if o.Stage.Name == "early" {
			early = append(early, o.Minute)
		}
	}
	want := []int{360, 420, 480}
	if len(early) != len(want) {
		t.Fatalf("expected %v, got %v", want, early)
	}
	for i := range want {
		if early[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, early)
		}
	}
}

func TestExpandSkipsUnparseableStage(t *testing.T) {
	p := plan.Plan{
		{ID: 1, Name: "bad", Time: "25:99"},
		{ID: 2, Name: "good", Time: "10:00"},
	}
	occ := Expand(p)
	if len(occ) != 1 || occ[0].Stage.Name != "good" {
		t.Fatalf("expected only the parseable stage, got %+v", occ)
	}
}

func TestExpandEmptyPlan(t *testing.T) {
	if occ := Expand(nil); len(occ) != 0 {
		t.Fatalf("expected no occurrences, got %d", len(occ))
	}
}

func TestExpandDeterministic(t *testing.T) {
	p := plan.Plan{
		{ID: 1, Name: "a", Time: "07:15", RepeatInterval: 45},
		{ID: 2, Name: "b", Time: "13:00"},
		{ID: 3, Name: "c", Time: "21:30", RepeatInterval: 120},
	}
	first := Expand(p)
	for i := 0; i < 5; i++ {
		again := Expand(p)
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed: %d vs %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j].Minute != first[j].Minute || again[j].Stage.ID != first[j].Stage.ID {
				t.Fatalf("run %d: occurrence %d differs", i, j)
			}
		}
	}
}

func TestEvaluateDue(t *testing.T) {
	p := plan.Plan{
		{ID: 1, Name: "morning", Time: "08:00", RepeatInterval: 30},
		{ID: 2, Name: "noon", Time: "12:00"},
	}
	if due := EvaluateDue(p, 8*60+30); len(due) != 1 || due[0].Name != "morning" {
		t.Fatalf("08:30: got %+v", due)
	}
	if due := EvaluateDue(p, 12*60); len(due) != 1 || due[0].Name != "noon" {
		t.Fatalf("12:00: got %+v", due)
	}
	if due := EvaluateDue(p, 8*60+31); len(due) != 0 {
		t.Fatalf("08:31: expected nothing due, got %+v", due)
	}
}

func TestEvaluateDueTieKeepsGenerationOrder(t *testing.T) {
	// Two stages at the same minute: both are due, in plan order.
	p := plan.Plan{
		{ID: 1, Name: "first", Time: "09:00"},
		{ID: 2, Name: "second", Time: "09:00"},
	}
	due := EvaluateDue(p, 9*60)
	if len(due) != 2 || due[0].Name != "first" || due[1].Name != "second" {
		t.Fatalf("got %+v", due)
	}
}
