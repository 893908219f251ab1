package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"dscrape/internal/source"

	"gorm.io/gorm"
)

type Options struct {
	Mode Mode
	// ChannelID restricts archival to one channel. Zero archives every
	// channel the credential can read.
	ChannelID int64
}

// Stats summarizes one run.
type Stats struct {
	Channels    int
	Members     int
	Archived    int
	Skipped     int
	Messages    int
	// Synthesized counts departed authors this run stored for the first time.
	Synthesized int
}

// Archiver copies remote channel history into the store.
type Archiver struct {
	src  source.Source
	w    *Writer
	opts Options
	log  *slog.Logger

	started atomic.Bool
	known   map[int64]struct{}
	stats   Stats
}

func New(src source.Source, w *Writer, opts Options) *Archiver {
	return &Archiver{
		src:   src,
		w:     w,
		opts:  opts,
		log:   slog.Default().With("mode", opts.Mode.String()),
		known: make(map[int64]struct{}),
	}
}

func (a *Archiver) Stats() Stats {
	return a.stats
}

// Run performs one archival pass. Only the first call does anything. On any
// failure the commit loop is still stopped, pending rows are committed and
// the source is closed; nothing already written is rolled back.
func (a *Archiver) Run(ctx context.Context) (err error) {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	a.w.Start(ctx)
	defer func() {
		if cerr := a.w.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("final commit: %w", cerr))
		}
		if cerr := a.src.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("disconnect: %w", cerr))
		}
		if err != nil {
			a.log.Error("archival aborted", "err", err, "messages", a.stats.Messages)
		}
	}()

	channels, err := a.syncChannels(ctx)
	if err != nil {
		return err
	}
	if err := a.syncMembers(ctx); err != nil {
		return err
	}
	if _, err := a.w.Flush(ctx); err != nil {
		return err
	}

	for _, ch := range channels {
		if a.opts.ChannelID != 0 && ch.ID != a.opts.ChannelID {
			continue
		}
		ok, err := a.src.CanArchive(ctx, ch)
		if err != nil {
			return fmt.Errorf("check access to channel %s: %w", ch.Name, err)
		}
		if !ok {
			a.stats.Skipped++
			a.log.Debug("no history access, skipping", "channel", ch.Name)
			continue
		}
		if err := a.archiveChannel(ctx, ch); err != nil {
			return err
		}
		a.stats.Archived++
	}

	a.log.Info("archival done",
		"channels", a.stats.Archived,
		"skipped", a.stats.Skipped,
		"messages", a.stats.Messages,
		"synthesized_users", a.stats.Synthesized,
	)
	return nil
}

func (a *Archiver) syncChannels(ctx context.Context) ([]source.Channel, error) {
	all, err := a.src.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	text := make([]source.Channel, 0, len(all))
	for _, ch := range all {
		if ch.Kind != source.ChannelText {
			continue
		}
		c := Channel{ID: ch.ID, Name: ch.Name}
		if err := a.w.Do(ctx, func(tx *gorm.DB) error { return UpsertChannel(tx, c) }); err != nil {
			return nil, fmt.Errorf("insert channel %s: %w", ch.Name, err)
		}
		text = append(text, ch)
	}
	a.stats.Channels = len(text)
	a.log.Info("inserted channels", "count", len(text))
	return text, nil
}

func (a *Archiver) syncMembers(ctx context.Context) error {
	members, err := a.src.Members(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for _, m := range members {
		u := userFromSource(m)
		if err := a.w.Do(ctx, func(tx *gorm.DB) error { return UpsertUser(tx, u) }); err != nil {
			return fmt.Errorf("insert user %d: %w", m.ID, err)
		}
		a.known[m.ID] = struct{}{}
	}
	a.stats.Members = len(members)
	a.log.Info("inserted users", "count", len(members))
	return nil
}

// archiveChannel reads the watermark once and then performs a single scan;
// messages that arrive during the scan are picked up by the next run.
func (a *Archiver) archiveChannel(ctx context.Context, ch source.Channel) error {
	var cursor source.Cursor
	err := a.w.Do(ctx, func(tx *gorm.DB) error {
		var err error
		cursor, err = Watermark(tx, ch.ID, a.opts.Mode)
		return err
	})
	if err != nil {
		return err
	}

	a.log.Info("archiving channel", "channel", ch.Name, "before", cursor.Before, "after", cursor.After)

	n := 0
	err = a.src.History(ctx, ch.ID, cursor, func(m source.Message) error {
		if err := a.ingest(ctx, m); err != nil {
			return fmt.Errorf("message %d in %s: %w", m.ID, ch.Name, err)
		}
		n++
		return nil
	})
	a.stats.Messages += n
	if err != nil && !errors.Is(err, source.ErrStop) {
		return err
	}

	a.log.Debug("channel done", "channel", ch.Name, "messages", n)
	return nil
}

// ingest writes one message. Authors who left the server never show up in
// the member list, so they are inserted here before their message.
func (a *Archiver) ingest(ctx context.Context, m source.Message) error {
	_, known := a.known[m.Author.ID]
	added := false

	err := a.w.Do(ctx, func(tx *gorm.DB) error {
		if !known {
			var err error
			if added, err = insertUser(tx, userFromSource(m.Author)); err != nil {
				return fmt.Errorf("insert author: %w", err)
			}
		}
		if err := InsertMessage(tx, messageFromSource(m)); err != nil {
			return err
		}
		return InsertMentions(tx, mentionsFromSource(m))
	})
	if err != nil {
		return err
	}

	if !known {
		a.known[m.Author.ID] = struct{}{}
	}
	if added {
		a.stats.Synthesized++
	}
	return nil
}
