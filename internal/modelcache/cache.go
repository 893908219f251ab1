// Package modelcache hands out per-author text models. Models are trained
// from the archive, persisted as JSON artifacts next to each other in one
// directory, and reused for as long as the author has not written anything
// newer than the artifact.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"dscrape/internal/archive"
	"dscrape/internal/markov"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMinMessages = 25
	DefaultMaxCorpus   = 100_000
	DefaultLRUSize     = 32
)

var (
	ErrNotEnoughData = errors.New("not enough messages to build a model")
	ErrClosed        = errors.New("model cache closed")
)

// Corpus is the slice of the archive the cache reads from.
type Corpus interface {
	AuthorStats(ctx context.Context, authorID int64) (archive.AuthorStats, error)
	AuthorContents(ctx context.Context, authorID int64, limit int) ([]string, error)
}

type Options struct {
	Dir         string
	MinMessages int
	MaxCorpus   int
	LRUSize     int
	// Workers bounds concurrent training. Defaults to GOMAXPROCS.
	Workers   int
	StateSize int
	Log       *slog.Logger
}

type entry struct {
	model  *markov.Model
	latest int64
}

type Cache struct {
	corpus Corpus
	opts   Options

	memo    *lru.Cache[int64, entry]
	flights singleflight.Group
	pool    *semaphore.Weighted
	closed  atomic.Bool
}

func New(corpus Corpus, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("model directory is required")
	}
	if opts.MinMessages <= 0 {
		opts.MinMessages = DefaultMinMessages
	}
	if opts.MaxCorpus <= 0 {
		opts.MaxCorpus = DefaultMaxCorpus
	}
	if opts.LRUSize <= 0 {
		opts.LRUSize = DefaultLRUSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.StateSize <= 0 {
		opts.StateSize = markov.DefaultStateSize
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	memo, err := lru.New[int64, entry](opts.LRUSize)
	if err != nil {
		return nil, err
	}

	return &Cache{
		corpus: corpus,
		opts:   opts,
		memo:   memo,
		pool:   semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

// Path is where the artifact for authorID lives.
func (c *Cache) Path(authorID int64) string {
	return filepath.Join(c.opts.Dir, strconv.FormatInt(authorID, 10)+".json")
}

// Get returns the model for authorID, training one if no fresh model is
// memoized or on disk. ErrNotEnoughData means the author has too few
// messages; callers treat it as "no model" rather than a failure.
func (c *Cache) Get(ctx context.Context, authorID int64) (*markov.Model, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	st, err := c.corpus.AuthorStats(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if st.Count < int64(c.opts.MinMessages) {
		return nil, ErrNotEnoughData
	}

	if e, ok := c.memo.Get(authorID); ok && e.latest >= st.Latest {
		return e.model, nil
	}

	// The build outlives a cancelled caller so that concurrent callers for
	// the same author still get its result.
	ch := c.flights.DoChan(strconv.FormatInt(authorID, 10), func() (any, error) {
		m, err := c.load(context.WithoutCancel(ctx), authorID, st.Latest)
		if err != nil {
			return nil, err
		}
		c.memo.Add(authorID, entry{model: m, latest: st.Latest})
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*markov.Model), nil
	}
}

// Close waits for in-flight training and refuses new requests.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.pool.Acquire(context.Background(), int64(c.opts.Workers)); err != nil {
		return err
	}
	c.pool.Release(int64(c.opts.Workers))
	c.memo.Purge()
	return nil
}

func (c *Cache) load(ctx context.Context, authorID, latest int64) (*markov.Model, error) {
	path := c.Path(authorID)
	log := c.opts.Log.With("author", authorID)

	if m, ok := c.readFresh(path, latest, log); ok {
		log.Debug("model loaded from artifact", "path", path)
		return m, nil
	}

	contents, err := c.corpus.AuthorContents(ctx, authorID, c.opts.MaxCorpus)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	m, err := c.train(ctx, contents)
	if err != nil {
		return nil, err
	}
	log.Info("model trained", "messages", len(contents), "sentences", m.Sentences(), "took", time.Since(start))

	if err := writeArtifact(path, m); err != nil {
		// The model is still usable; it will just be rebuilt next time.
		log.Warn("persist model failed", "path", path, "err", err)
	}
	return m, nil
}

// readFresh loads the artifact when its mtime is not older than the
// author's latest message. Unreadable artifacts count as misses.
func (c *Cache) readFresh(path string, latest int64, log *slog.Logger) (*markov.Model, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if fi.ModTime().Unix() < latest {
		log.Debug("model artifact stale", "mtime", fi.ModTime().Unix(), "latest", latest)
		return nil, false
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	m, err := markov.Load(f)
	if err != nil {
		log.Warn("discarding unreadable model artifact", "path", path, "err", err)
		return nil, false
	}
	return m, true
}

// train runs the build on the pool so request handling never shares a
// goroutine with CPU-bound work.
func (c *Cache) train(ctx context.Context, contents []string) (*markov.Model, error) {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	done := make(chan *markov.Model, 1)
	go func() {
		defer c.pool.Release(1)
		done <- markov.Build(contents, c.opts.StateSize)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-done:
		return m, nil
	}
}

func writeArtifact(path string, m *markov.Model) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := m.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
