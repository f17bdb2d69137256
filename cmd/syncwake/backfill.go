package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"syncwake/internal/bus"
	"syncwake/internal/classify"
	"syncwake/internal/config"
	"syncwake/internal/domain"
	"syncwake/internal/engine"
	"syncwake/internal/state"

	"github.com/spf13/cobra"
)

func backfillCmd() *cobra.Command {
	var (
		chat   string
		force  bool
		status bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Merge the full history of bridge chats into their logs",
		Long: `Fetches every message a chat bridge still holds and merges the ones
missing from each conversation log, in time order. Lines already in a log
are left alone, so the command can be re-run safely. Progress is kept in
backfill.json and chats finished by an earlier run are skipped unless
--force is given.

Telegram is skipped: the Bot API keeps no history.

Stop the daemon first; it keeps cursors in memory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			progress, err := state.OpenBackfillProgress(cfg.General.StateDir, logger)
			if err != nil {
				return err
			}
			if status {
				return printBackfillStatus(os.Stdout, progress)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Sources.Telegram.Enabled {
				fmt.Println("telegram: skipped, the Bot API keeps no history")
			}
			apis := bridgeAPIs(cfg, logger)
			if len(apis) == 0 {
				return errors.New("no chat bridges configured")
			}

			stores, err := state.Open(stateConfig(cfg))
			if err != nil {
				return fmt.Errorf("open state: %w", err)
			}
			defer stores.Close()

			syncer := buildSyncer(cfg, apis, stores.Cursors, classify.New(classifierConfig(cfg)), bus.NewEventBus(logger), logger)
			run := backfillRun{
				apis:     apis,
				syncer:   syncer,
				progress: progress,
				chat:     chat,
				force:    force,
				out:      os.Stdout,
				logger:   logger,
			}
			return run.run(ctx)
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "", "only chats whose label contains this text, or whose id matches it")
	cmd.Flags().BoolVar(&force, "force", false, "backfill chats an earlier run finished")
	cmd.Flags().BoolVar(&status, "status", false, "show recorded progress and exit")
	return cmd
}

type backfillRun struct {
	apis     []chatAPI
	syncer   *engine.Syncer
	progress *state.BackfillProgress
	chat     string
	force    bool
	out      io.Writer
	logger   *slog.Logger
}

func (r backfillRun) run(ctx context.Context) error {
	if err := r.progress.Started(); err != nil {
		return err
	}
	var (
		matched, skipped, failed int
		fetched, added           int
	)
	for _, a := range r.apis {
		chats, err := r.listChats(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			fmt.Fprintf(r.out, "%s: cannot list chats: %v\n", a.api.Platform(), err)
			continue
		}
		for _, e := range chats {
			matched++
			if !r.force && r.progress.Done(e.ID) {
				skipped++
				continue
			}
			if a.limiter != nil {
				if err := a.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			res, err := r.syncer.Backfill(ctx, e)
			rec := state.BackfillChat{Label: e.Label, Fetched: res.Fetched, Added: res.Added, Done: err == nil}
			if err != nil {
				rec.Error = err.Error()
			}
			if perr := r.progress.Update(e.ID, rec); perr != nil {
				return perr
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				r.logger.Warn("backfill failed", "entity", e.ID, "err", err)
				fmt.Fprintf(r.out, "%s (%s): failed: %v\n", e.Label, e.ID, err)
				continue
			}
			fetched += res.Fetched
			added += res.Added
			fmt.Fprintf(r.out, "%s (%s): %d fetched, %d added, %d already logged\n",
				e.Label, e.ID, res.Fetched, res.Added, res.Present)
		}
	}
	if r.chat != "" && matched == 0 {
		return fmt.Errorf("no chat matches %q", r.chat)
	}
	fmt.Fprintf(r.out, "done: %d chats, %d skipped, %d failed, %d fetched, %d added\n",
		matched, skipped, failed, fetched, added)
	if failed > 0 {
		return fmt.Errorf("%d chats failed, re-run to retry them", failed)
	}
	return r.progress.Completed()
}

// listChats returns the backend's chats that pass the --chat filter, by id.
func (r backfillRun) listChats(ctx context.Context, a chatAPI) ([]domain.Entity, error) {
	listCtx := ctx
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}
	descs, err := a.api.ListEntities(listCtx)
	if err != nil {
		return nil, err
	}
	platform := a.api.Platform()
	filter := strings.ToLower(strings.TrimSpace(r.chat))
	var out []domain.Entity
	for _, d := range descs {
		if filter != "" && d.NativeID != r.chat && !strings.Contains(strings.ToLower(d.Label), filter) {
			continue
		}
		out = append(out, domain.Entity{
			ID:       domain.ChatEntityID(platform, d.NativeID),
			Kind:     domain.KindChat,
			Platform: platform,
			NativeID: d.NativeID,
			Label:    d.Label,
			IsGroup:  d.IsGroup,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func printBackfillStatus(w io.Writer, p *state.BackfillProgress) error {
	s := p.Status()
	fmt.Fprintf(w, "progress: %s\n", p.Path())
	fmt.Fprintf(w, "started:  %s\n", formatTime(s.Started))
	fmt.Fprintf(w, "finished: %s\n", formatTime(s.Completed))
	if len(s.Chats) == 0 {
		_, err := fmt.Fprintln(w, "no chats backfilled yet")
		return err
	}
	ids := make([]string, 0, len(s.Chats))
	for id := range s.Chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tENTITY\tLABEL\tFETCHED\tADDED\tUPDATED")
	for _, id := range ids {
		c := s.Chats[id]
		mark := "✓"
		if !c.Done {
			mark = "…"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", mark, id, c.Label, c.Fetched, c.Added, formatTime(c.Updated))
		if c.Error != "" {
			fmt.Fprintf(tw, "\t\t  %s\t\t\t\n", c.Error)
		}
	}
	return tw.Flush()
}
