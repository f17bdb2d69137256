package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/domain"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type PollerConfig struct {
	API         domain.ChatAPI
	Cursors     domain.CursorStore // read only; each cycle fetches past the persisted position
	Interval    time.Duration
	Jitter      float64 // fraction of Interval, clamped to [0, 0.9]
	CallTimeout time.Duration
	Concurrency int
	Limiter     *rate.Limiter // shared across fetches; nil means unlimited
	Events      *bus.EventBus
	Logger      *slog.Logger
}

// Poller is the pull change source. Each cycle lists the API's entities and
// fetches what is new since each one's persisted cursor. Items emitted
// earlier but never synced are emitted again until the cursor passes them.
// Without a cursor store the poller falls back to the highest id it emitted.
type Poller struct {
	api         domain.ChatAPI
	cursors     domain.CursorStore
	interval    time.Duration
	jitter      float64
	callTimeout time.Duration
	concurrency int
	limiter     *rate.Limiter
	events      *bus.EventBus
	logger      *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]int64 // native id -> highest id emitted
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Poller{
		api:         cfg.API,
		cursors:     cfg.Cursors,
		interval:    cfg.Interval,
		jitter:      clampJitterRatio(cfg.Jitter),
		callTimeout: cfg.CallTimeout,
		concurrency: cfg.Concurrency,
		limiter:     cfg.Limiter,
		events:      cfg.Events,
		logger:      cfg.Logger.With("source", "poll", "platform", cfg.API.Platform()),
		lastSeen:    make(map[string]int64),
	}
}

func (p *Poller) Name() string { return "poll:" + p.api.Platform() }

// Run polls immediately and then on every jittered interval until ctx ends.
func (p *Poller) Run(ctx context.Context, out chan<- domain.RawEvent) error {
	p.runCycle(ctx, out)

	timer := time.NewTimer(jitteredIntervalWithSample(p.interval, p.jitter, rand.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			p.runCycle(ctx, out)
			timer.Reset(jitteredIntervalWithSample(p.interval, p.jitter, rand.Float64()))
		}
	}
}

func (p *Poller) runCycle(ctx context.Context, out chan<- domain.RawEvent) {
	start := time.Now()
	entities, emitted, err := p.PollOnce(ctx, out)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Warn("poll cycle failed, retrying next interval", "err", err)
	} else {
		p.logger.Debug("poll cycle complete", "entities", entities, "events", emitted, "took", time.Since(start))
	}
	p.events.Emit(bus.Event{
		Type:   bus.EventPollCycle,
		Source: p.Name(),
		Payload: map[string]any{
			"platform": p.api.Platform(),
			"entities": entities,
			"events":   emitted,
			"failed":   err != nil,
		},
	})
}

// PollOnce runs one cycle. A failure of one entity does not stop the others;
// the first such error is returned after all fetches finished.
func (p *Poller) PollOnce(ctx context.Context, out chan<- domain.RawEvent) (entities, emitted int, err error) {
	listCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	descs, err := p.api.ListEntities(listCtx)
	cancel()
	if err != nil {
		return 0, 0, fmt.Errorf("list entities: %w", err)
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
		total    int
	)
	g.SetLimit(p.concurrency)
	for _, d := range descs {
		g.Go(func() error {
			n, err := p.pollEntity(ctx, d, out)
			mu.Lock()
			total += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return len(descs), total, firstErr
}

func (p *Poller) pollEntity(ctx context.Context, d domain.EntityDescriptor, out chan<- domain.RawEvent) (int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	since := p.since(ctx, d.NativeID)
	fetchCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	msgs, err := p.api.FetchSince(fetchCtx, d.NativeID, since)
	cancel()
	if err != nil {
		p.logger.Warn("fetch failed", "entity", domain.ChatEntityID(p.api.Platform(), d.NativeID), "err", err)
		return 0, fmt.Errorf("fetch %s: %w", d.NativeID, err)
	}

	emitted := 0
	highest := since
	for _, m := range msgs {
		if m.ID <= since {
			continue
		}
		ev := domain.RawEvent{
			Kind:       domain.KindChat,
			Platform:   p.api.Platform(),
			NativeID:   d.NativeID,
			ObservedAt: time.Now(),
			Change:     domain.ChangeMessage,
			Position:   m.ID,
			Sender:     m.Sender,
			FromSelf:   m.FromSelf,
			Label:      d.Label,
			IsGroup:    d.IsGroup,
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			p.markSeen(d.NativeID, highest)
			return emitted, ctx.Err()
		}
		if m.ID > highest {
			highest = m.ID
		}
		emitted++
	}
	p.markSeen(d.NativeID, highest)
	return emitted, nil
}

// since is the position to fetch after. The persisted cursor wins over
// lastSeen so a failed or dropped sync is retried on the next cycle.
func (p *Poller) since(ctx context.Context, nativeID string) int64 {
	p.mu.Lock()
	seen := p.lastSeen[nativeID]
	p.mu.Unlock()
	if p.cursors == nil {
		return seen
	}
	id := domain.ChatEntityID(p.api.Platform(), nativeID)
	cur, found, err := p.cursors.Get(ctx, id)
	if err != nil {
		p.logger.Warn("cannot read cursor, polling from last seen", "entity", id, "seen", seen, "err", err)
		return seen
	}
	var pos int64
	if found {
		pos = cur.Position
	}
	if pos < seen {
		p.logger.Info("cursor behind emitted items, emitting again", "entity", id, "cursor", pos, "seen", seen)
	}
	return pos
}

func (p *Poller) markSeen(nativeID string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id > p.lastSeen[nativeID] {
		p.lastSeen[nativeID] = id
	} else if _, ok := p.lastSeen[nativeID]; !ok {
		p.lastSeen[nativeID] = id
	}
}

func clampJitterRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 0.9 {
		return 0.9
	}
	return r
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
