package schedule

import (
	"sort"

	"pillbot/internal/plan"
)

// Occurrence is one due minute for one stage.
type Occurrence struct {
	Minute int // minute-of-day, 0..1439
	Stage  plan.Stage
}

// Expand turns a plan into the full day's due minutes, honoring repeat
// intervals and day wraparound.
//
// Stages are sorted by time-of-day (stable, so ties keep plan order). Each
// stage owns the window up to the next stage's time; the last stage's window
// wraps around to the first stage's time on the following day. Within its
// window a stage repeats every RepeatInterval minutes; interval 0 fires once.
//
// Pure function: no I/O, no clock, same output for the same plan every call.
// Stages with an unparseable time are skipped.
func Expand(p plan.Plan) []Occurrence {
	type slot struct {
		minute int
		stage  plan.Stage
	}
	slots := make([]slot, 0, len(p))
	for _, st := range p {
		m, err := st.MinuteOfDay()
		if err != nil {
			continue
		}
		slots = append(slots, slot{minute: m, stage: st})
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].minute < slots[j].minute })

	var out []Occurrence
	for i, sl := range slots {
		windowEnd := slots[0].minute + plan.MinutesPerDay // wraparound for the last stage
		if i < len(slots)-1 {
			windowEnd = slots[i+1].minute
		}

		// Interval 0 fires exactly once; it must not enter the generation
		// loop (a zero step would never terminate).
		if sl.stage.RepeatInterval <= 0 {
			out = append(out, Occurrence{Minute: sl.minute % plan.MinutesPerDay, Stage: sl.stage})
			continue
		}
		for t := sl.minute; t < windowEnd; t += sl.stage.RepeatInterval {
			out = append(out, Occurrence{Minute: t % plan.MinutesPerDay, Stage: sl.stage})
		}
	}
	return out
}

// EvaluateDue returns the stages due at the given minute-of-day, in
// generation order. The scan engine dispatches only the first one per tick.
func EvaluateDue(p plan.Plan, minuteOfDay int) []plan.Stage {
	var due []plan.Stage
	for _, occ := range Expand(p) {
		if occ.Minute == minuteOfDay {
			due = append(due, occ.Stage)
		}
	}
	return due
}
