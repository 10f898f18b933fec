// Package schedule decides when a medication stage is due and emits exactly
// one dispatch request per (owner, stage, day).
//
// Two interchangeable lifecycle models implement the Driver interface:
//
//   - Engine: a single per-minute scan over every owner with an active plan.
//   - Registry: one persistent daily cron entry per (owner, stage), rebuilt
//     whenever that owner's plan changes.
//
// Both are fed by the same completion log and must behave identically from
// the outside: at most one automatic reminder per stage per day, suppressed
// as soon as any completion record exists.
package schedule
