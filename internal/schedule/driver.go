package schedule

import (
	"pillbot/internal/eventbus"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

// NewDriver builds the configured lifecycle model behind the shared Driver
// interface. Unknown or empty mode falls back to the scan engine.
func NewDriver(cfg Config, plans storage.PlanStore, compl storage.CompletionLog, notif Notifier, lg logx.Logger, bus eventbus.Bus) Driver {
	switch cfg.Mode {
	case ModeTimers:
		return NewRegistry(plans, compl, notif, lg, bus, cfg.Timezone)
	case ModeScan, "":
		return NewEngine(plans, compl, notif, lg, bus, cfg.Timezone)
	default:
		lg.Warn("unknown scheduler mode; using scan", logx.String("mode", string(cfg.Mode)))
		return NewEngine(plans, compl, notif, lg, bus, cfg.Timezone)
	}
}
