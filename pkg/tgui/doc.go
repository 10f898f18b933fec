// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Safe HTML formatting for ParseMode="HTML"
//   - Text truncation within Telegram's limits
package tgui
