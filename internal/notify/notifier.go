// Package notify decides whether a synced change may wake the downstream
// agent and delivers the wake-up through an Invoker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/domain"
	"syncwake/internal/state"

	"github.com/google/uuid"
)

// Outcome is what Notify did with a change.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

type Config struct {
	Cooldowns   domain.CooldownStore
	Invoker     domain.Invoker
	Window      time.Duration // minimum interval between notifications per entity
	RecentLines int
	Channel     string
	Recipient   string
	Events      *bus.EventBus
	Logger      *slog.Logger
	Now         func() time.Time
}

type Notifier struct {
	cooldowns   domain.CooldownStore
	invoker     domain.Invoker
	window      time.Duration
	recentLines int
	channel     string
	recipient   string
	events      *bus.EventBus
	logger      *slog.Logger
	now         func() time.Time
	locks       *state.KeyedMutex
}

func New(cfg Config) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RecentLines <= 0 {
		cfg.RecentLines = 5
	}
	if cfg.Invoker == nil {
		cfg.Invoker = NoopInvoker{}
	}
	return &Notifier{
		cooldowns:   cfg.Cooldowns,
		invoker:     cfg.Invoker,
		window:      cfg.Window,
		recentLines: cfg.RecentLines,
		channel:     cfg.Channel,
		recipient:   cfg.Recipient,
		events:      cfg.Events,
		logger:      cfg.Logger,
		now:         cfg.Now,
		locks:       state.NewKeyedMutex(),
	}
}

// Notify wakes the agent for entity unless it was notified less than the
// cooldown window ago. The cooldown is recorded before the invoker runs, so
// a failed delivery still counts. The invoker is called without holding the
// entity lock.
func (n *Notifier) Notify(ctx context.Context, entity domain.Entity, lines []string) (Outcome, error) {
	now := n.now()

	unlock := n.locks.Lock(entity.ID)
	last, ok, err := n.cooldowns.LastNotified(ctx, entity.ID)
	if err != nil {
		unlock()
		return OutcomeFailed, fmt.Errorf("read cooldown %s: %w", entity.ID, err)
	}
	if ok && now.Sub(last) < n.window {
		unlock()
		n.logger.Info("notification suppressed by cooldown",
			"entity", entity.ID,
			"last", last.Format(time.RFC3339),
			"age", now.Sub(last).Round(time.Millisecond),
		)
		n.events.Emit(bus.Event{
			Type:    bus.EventNotifySuppressed,
			Source:  "notify",
			Payload: map[string]any{"entity": entity.ID, "platform": entity.Platform},
		})
		return OutcomeSuppressed, nil
	}
	err = n.cooldowns.MarkNotified(ctx, entity.ID, now)
	unlock()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record cooldown %s: %w", entity.ID, err)
	}

	payload := n.BuildPayload(entity, lines, now)
	inv := domain.Invocation{
		Channel:   n.channel,
		Recipient: n.recipient,
		Message:   FormatMessage(payload),
		ID:        payload.ID,
		EntityID:  payload.EntityID,
	}
	start := time.Now()
	if err := n.invoker.Invoke(ctx, inv); err != nil {
		n.logger.Error("agent invocation failed",
			"entity", entity.ID,
			"id", payload.ID,
			"invoker", n.invoker.Name(),
			"err", err,
		)
		n.events.Emit(bus.Event{
			Type:    bus.EventNotifyFailed,
			Source:  "notify",
			Payload: map[string]any{"entity": entity.ID, "platform": entity.Platform, "invoker": n.invoker.Name()},
		})
		return OutcomeFailed, fmt.Errorf("%w: %s: %w", domain.ErrDelivery, n.invoker.Name(), err)
	}

	n.logger.Info("agent notified",
		"entity", entity.ID,
		"id", payload.ID,
		"invoker", n.invoker.Name(),
		"lines", len(payload.RecentLines),
		"took", time.Since(start).Round(time.Millisecond),
	)
	n.events.Emit(bus.Event{
		Type:   bus.EventNotifySent,
		Source: "notify",
		Payload: map[string]any{
			"entity":   entity.ID,
			"platform": entity.Platform,
			"invoker":  n.invoker.Name(),
			"id":       payload.ID,
		},
	})
	return OutcomeSent, nil
}

// BuildPayload keeps the last recentLines non-empty lines.
func (n *Notifier) BuildPayload(entity domain.Entity, lines []string, at time.Time) domain.NotificationPayload {
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n.recentLines {
		kept = kept[len(kept)-n.recentLines:]
	}
	label := entity.Label
	if label == "" {
		label = entity.NativeID
	}
	return domain.NotificationPayload{
		ID:           uuid.NewString(),
		EntityID:     entity.ID,
		Platform:     entity.Platform,
		ContactLabel: label,
		RecentLines:  kept,
		GeneratedAt:  at,
	}
}

// FormatMessage renders the text handed to the agent.
func FormatMessage(p domain.NotificationPayload) string {
	var b strings.Builder
	if p.Platform == domain.PlatformNote {
		fmt.Fprintf(&b, "Note changed: %s", p.ContactLabel)
	} else {
		fmt.Fprintf(&b, "New %s activity from %s", p.Platform, p.ContactLabel)
	}
	fmt.Fprintf(&b, " [%s]\n", p.EntityID)
	if len(p.RecentLines) > 0 {
		b.WriteString("\n")
		for _, l := range p.RecentLines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nReview the change and update memory or tasks if needed.")
	return b.String()
}
