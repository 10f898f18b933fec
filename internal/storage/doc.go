// Package storage persists medication plans and completion records in SQLite.
//
// Plans are versioned, not mutated: every save deactivates the owner's current
// version and inserts a new row, so at most one version per owner is active.
// Completion records are append-only, keyed by (owner, stage id, day); a row's
// status distinguishes a dispatched-but-unconfirmed reminder from a confirmed
// dose, but EITHER suppresses further automatic reminders for that day.
package storage
