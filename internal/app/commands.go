package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pillbot/internal/medication"
	"pillbot/internal/plan"
	"pillbot/internal/storage"
	kit "pillbot/internal/transport"
	logx "pillbot/pkg/logx"
)

const helpText = `I track your medication plan and remind you when each dose is due.

/plan - show your current plan
/plan add <name> <HH:mm> [repeat-minutes] - add a dose stage
/plan remove <name> - remove a stage
/plan clear - remove all stages
/today - today's status per stage
/help - this message

Reply "took <name>" (or tap the button on a reminder) to confirm a dose.`

// Commands routes inbound chat updates to the medication service.
type Commands struct {
	log     logx.Logger
	adapter kit.Adapter
	med     *medication.Service
	allowed map[int64]bool // nil means open to everyone
}

func NewCommands(log logx.Logger, adapter kit.Adapter, med *medication.Service, allowedChats []int64) *Commands {
	var allowed map[int64]bool
	if len(allowedChats) > 0 {
		allowed = make(map[int64]bool, len(allowedChats))
		for _, id := range allowedChats {
			allowed[id] = true
		}
	}
	return &Commands{log: log, adapter: adapter, med: med, allowed: allowed}
}

func (c *Commands) chatAllowed(chatID int64) bool {
	return c.allowed == nil || c.allowed[chatID]
}

// DispatchLoop consumes updates until ctx is cancelled or the channel closes.
// A failing handler never stops the loop.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			c.handle(ctx, up)
		}
	}
}

func (c *Commands) handle(ctx context.Context, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in update handler", logx.Any("panic", r))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil && c.chatAllowed(up.Message.ChatID) {
			c.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil && c.chatAllowed(up.Callback.ChatID) {
			c.handleCallback(ctx, up.Callback)
		}
	}
}

func (c *Commands) handleMessage(ctx context.Context, msg *kit.Message) {
	owner := strconv.FormatInt(msg.ChatID, 10)
	if err := c.med.EnsureOwner(ctx, owner); err != nil {
		c.log.Warn("owner bootstrap failed", logx.String("owner", owner), logx.Err(err))
	}

	text := strings.TrimSpace(msg.Text)
	cmd, args := splitCommand(text)

	var reply string
	var err error
	switch cmd {
	case "/start":
		name := strings.TrimSpace(msg.FirstName)
		if name == "" {
			name = "there"
		}
		reply = fmt.Sprintf("Hi %s!\n\n%s", name, helpText)
	case "/help":
		reply = helpText
	case "/plan":
		reply, err = c.handlePlan(ctx, owner, args)
	case "/today":
		reply, err = c.handleToday(ctx, owner)
	default:
		reply, err = c.handleFreeText(ctx, owner, text)
		if reply == "" && err == nil {
			// Not a confirmation; stay quiet on random chatter.
			return
		}
	}

	if err != nil {
		c.log.Warn("command failed",
			logx.String("owner", owner), logx.String("cmd", cmd), logx.Err(err))
		reply = userError(err)
	}
	c.reply(ctx, msg.ChatID, reply)
}

func (c *Commands) handleCallback(ctx context.Context, cb *kit.Callback) {
	owner := strconv.FormatInt(cb.ChatID, 10)

	data := strings.TrimSpace(cb.Data)
	stageName, ok := strings.CutPrefix(data, "confirm:")
	if !ok {
		_ = c.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	res, err := c.med.Confirm(ctx, owner, stageName)
	switch {
	case err != nil:
		c.log.Warn("callback confirm failed",
			logx.String("owner", owner), logx.String("stage", stageName), logx.Err(err))
		_ = c.adapter.AnswerCallback(ctx, cb.ID, userError(err))
	case res.Duplicate:
		_ = c.adapter.AnswerCallback(ctx, cb.ID, fmt.Sprintf("%s was already confirmed today.", res.Stage.Name))
	default:
		_ = c.adapter.AnswerCallback(ctx, cb.ID, fmt.Sprintf("%s confirmed. Nice.", res.Stage.Name))
	}
}

func (c *Commands) handlePlan(ctx context.Context, owner, args string) (string, error) {
	sub, rest := splitCommand(args)
	switch sub {
	case "":
		p, err := c.med.ActivePlan(ctx, owner)
		if err != nil {
			return "", err
		}
		return formatPlan(p), nil
	case "add":
		fields := strings.Fields(rest)
		if len(fields) < 2 || len(fields) > 3 {
			return "Usage: /plan add <name> <HH:mm> [repeat-minutes]", nil
		}
		interval := 0
		if len(fields) == 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return "Repeat interval must be a non-negative number of minutes.", nil
			}
			interval = n
		}
		p, err := c.med.AddStage(ctx, owner, fields[0], fields[1], interval)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Added %q.\n\n%s", fields[0], formatPlan(p)), nil
	case "remove":
		name := strings.TrimSpace(rest)
		if name == "" {
			return "Usage: /plan remove <name>", nil
		}
		p, err := c.med.RemoveStage(ctx, owner, name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed %q.\n\n%s", name, formatPlan(p)), nil
	case "clear":
		if err := c.med.ClearPlan(ctx, owner); err != nil {
			return "", err
		}
		return "Plan cleared. Add stages with /plan add <name> <HH:mm>.", nil
	default:
		return fmt.Sprintf("Unknown subcommand %q. Try /help.", sub), nil
	}
}

func (c *Commands) handleToday(ctx context.Context, owner string) (string, error) {
	statuses, err := c.med.TodayStatus(ctx, owner)
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "Your plan is empty. Add stages with /plan add <name> <HH:mm>.", nil
	}
	var b strings.Builder
	b.WriteString("Today:\n")
	for _, st := range statuses {
		mark := "  "
		switch st.Status {
		case storage.StatusConfirmed:
			mark = "✅"
		case storage.StatusPending:
			mark = "🔔"
		}
		fmt.Fprintf(&b, "%s %s at %s%s\n", mark, st.Stage.Name, st.Stage.Time, repeatSuffix(st.Stage))
	}
	return b.String(), nil
}

func (c *Commands) handleFreeText(ctx context.Context, owner, text string) (string, error) {
	p, err := c.med.ActivePlan(ctx, owner)
	if err != nil {
		return "", err
	}
	st, ok := medication.ParseConfirmation(text, p)
	if !ok {
		return "", nil
	}
	res, err := c.med.Confirm(ctx, owner, st.Name)
	if err != nil {
		return "", err
	}
	if res.Duplicate {
		return fmt.Sprintf("%s was already confirmed today.", res.Stage.Name), nil
	}
	return fmt.Sprintf("%s confirmed. Nice.", res.Stage.Name), nil
}

func (c *Commands) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func formatPlan(p plan.Plan) string {
	if len(p) == 0 {
		return "Your plan is empty. Add stages with /plan add <name> <HH:mm>."
	}
	var b strings.Builder
	b.WriteString("Your plan:\n")
	for _, st := range p {
		fmt.Fprintf(&b, "• %s at %s%s\n", st.Name, st.Time, repeatSuffix(st))
	}
	return b.String()
}

func repeatSuffix(st plan.Stage) string {
	if st.RepeatInterval <= 0 {
		return ""
	}
	return fmt.Sprintf(" (repeats every %dm until the next dose)", st.RepeatInterval)
}

func userError(err error) string {
	switch {
	case errors.Is(err, plan.ErrDuplicateName):
		return "A stage with that name already exists."
	case errors.Is(err, plan.ErrStageNotFound), errors.Is(err, medication.ErrUnknownStage):
		return "No stage with that name. Check /plan."
	case errors.Is(err, plan.ErrEmptyName):
		return "Stage name can't be empty."
	case errors.Is(err, plan.ErrBadTime):
		return "Time must look like HH:mm, e.g. 08:30."
	default:
		return "Something went wrong. Try again in a moment."
	}
}

// splitCommand splits "cmd rest of line" and strips a @botname suffix from
// the command token.
func splitCommand(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	cmd, rest, _ := strings.Cut(s, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 && strings.HasPrefix(cmd, "/") {
		cmd = cmd[:i]
	}
	return cmd, strings.TrimSpace(rest)
}
