// Package plan holds the medication plan domain types.
//
// A plan is an ordered list of dosing stages for one owner. Plans are
// versioned, never mutated: every edit deactivates the current version and
// stores a brand-new one (the store enforces this). Stage ids are recomputed
// per version, so the stage NAME is the identity that survives edits.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const MinutesPerDay = 24 * 60

var (
	ErrEmptyName     = errors.New("stage name is empty")
	ErrDuplicateName = errors.New("duplicate stage name")
	ErrStageNotFound = errors.New("stage not found")
	ErrBadTime       = errors.New("invalid time")
)

// Stage is one dosing slot. Time is "HH:mm"; RepeatInterval is in minutes,
// 0 meaning "fire once per day".
type Stage struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Time           string `json:"time"`
	RepeatInterval int    `json:"repeatInterval"`
}

// MinuteOfDay parses the stage's configured time into a minute-of-day value
// in [0, 1439].
func (s Stage) MinuteOfDay() (int, error) {
	h, m, err := ParseHHMM(s.Time)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// Plan is an ordered list of stages belonging to one owner.
type Plan []Stage

// ParseHHMM parses a "HH:mm" clock string.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w %q: want HH:mm", ErrBadTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w %q: bad hour", ErrBadTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w %q: bad minute", ErrBadTime, s)
	}
	return h, m, nil
}

// Validate checks a candidate plan version: parseable times, non-negative
// repeat intervals, and stage names unique within the plan.
func (p Plan) Validate() error {
	seen := make(map[string]struct{}, len(p))
	for _, st := range p {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return ErrEmptyName
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		seen[strings.ToLower(name)] = struct{}{}
		if _, err := st.MinuteOfDay(); err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		if st.RepeatInterval < 0 {
			return fmt.Errorf("stage %q: repeat interval must be >= 0", name)
		}
	}
	return nil
}

// FindByName matches a stage by its durable identity. Case-insensitive.
func (p Plan) FindByName(name string) (Stage, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, st := range p {
		if strings.ToLower(st.Name) == name {
			return st, true
		}
	}
	return Stage{}, false
}

// NextStageID returns max(existing ids) + 1. Ids are only unique within one
// plan version; historical versions may reuse them for different stages.
func (p Plan) NextStageID() int {
	maxID := 0
	for _, st := range p {
		if st.ID > maxID {
			maxID = st.ID
		}
	}
	return maxID + 1
}

// WithStage returns a new plan version with the stage appended.
func (p Plan) WithStage(name, hhmm string, repeatInterval int) (Plan, error) {
	next := Stage{
		ID:             p.NextStageID(),
		Name:           strings.TrimSpace(name),
		Time:           strings.TrimSpace(hhmm),
		RepeatInterval: repeatInterval,
	}
	out := append(append(Plan(nil), p...), next)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// WithoutStage returns a new plan version with the named stage removed.
func (p Plan) WithoutStage(name string) (Plan, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	out := make(Plan, 0, len(p))
	found := false
	for _, st := range p {
		if strings.ToLower(st.Name) == name {
			found = true
			continue
		}
		out = append(out, st)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return out, nil
}
