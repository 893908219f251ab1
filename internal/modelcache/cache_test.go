package modelcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"dscrape/internal/archive"
	"dscrape/internal/markov"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCorpus struct {
	mu        sync.Mutex
	messages  []string
	latest    int64
	contents  int
	lastLimit int
}

func newCorpus(n int, latest int64) *fakeCorpus {
	c := &fakeCorpus{latest: latest}
	for i := 0; i < n; i++ {
		c.messages = append(c.messages, fmt.Sprintf("message number %d says hello to everyone", i))
	}
	return c
}

func (c *fakeCorpus) AuthorStats(_ context.Context, _ int64) (archive.AuthorStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return archive.AuthorStats{Count: int64(len(c.messages)), Latest: c.latest}, nil
}

func (c *fakeCorpus) AuthorContents(_ context.Context, _ int64, limit int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents++
	c.lastLimit = limit
	return append([]string(nil), c.messages...), nil
}

func (c *fakeCorpus) contentCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents
}

func newCache(t *testing.T, corpus Corpus, dir string) *Cache {
	t.Helper()
	c, err := New(corpus, Options{Dir: dir, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeModel(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, markov.Build([]string{"a stored model sentence"}, 2).Save(f))
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func mtime(t *testing.T, path string) time.Time {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.ModTime()
}

func TestMinimumMessageBoundary(t *testing.T) {
	latest := time.Now().Add(-time.Hour).Unix()
	ctx := context.Background()

	c := newCache(t, newCorpus(24, latest), t.TempDir())
	_, err := c.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotEnoughData)

	dir := t.TempDir()
	c = newCache(t, newCorpus(25, latest), dir)
	m, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 25, m.Sentences())
	assert.FileExists(t, c.Path(1))
}

func TestFreshArtifactIsReused(t *testing.T) {
	latest := time.Now().Add(-time.Hour).Unix()
	corpus := newCorpus(30, latest)
	c := newCache(t, corpus, t.TempDir())

	stamp := time.Unix(latest+60, 0)
	writeModel(t, c.Path(7), stamp)

	m, err := c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Sentences())
	assert.Zero(t, corpus.contentCalls())
	assert.True(t, mtime(t, c.Path(7)).Equal(stamp))
}

func TestArtifactSameSecondAsLatestIsFresh(t *testing.T) {
	latest := time.Now().Add(-time.Hour).Unix()
	corpus := newCorpus(30, latest)
	c := newCache(t, corpus, t.TempDir())
	writeModel(t, c.Path(7), time.Unix(latest, 0))

	_, err := c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, corpus.contentCalls())
}

func TestStaleArtifactIsRebuilt(t *testing.T) {
	latest := time.Now().Add(-time.Hour).Unix()
	dir := t.TempDir()
	corpus := newCorpus(30, latest)
	c := newCache(t, corpus, dir)
	writeModel(t, c.Path(7), time.Unix(latest-60, 0))

	m, err := c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 30, m.Sentences())
	assert.Equal(t, 1, corpus.contentCalls())
	assert.Equal(t, DefaultMaxCorpus, corpus.lastLimit)
	assert.GreaterOrEqual(t, mtime(t, c.Path(7)).Unix(), latest)

	// A fresh process finds the rebuilt artifact and does not retrain.
	again := newCorpus(30, latest)
	m, err = newCache(t, again, dir).Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 30, m.Sentences())
	assert.Zero(t, again.contentCalls())
}

func TestCorruptArtifactIsAMiss(t *testing.T) {
	for name, artifact := range map[string]string{
		"truncated":  `{"state_size":2,"chain":[`,
		"empty next": `{"state_size":2,"chain":[{"state":["___BEGIN__","___BEGIN__"],"next":{}}],"parsed_sentences":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			latest := time.Now().Add(-time.Hour).Unix()
			corpus := newCorpus(30, latest)
			c := newCache(t, corpus, t.TempDir())

			path := c.Path(3)
			require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))
			future := time.Unix(latest+60, 0)
			require.NoError(t, os.Chtimes(path, future, future))

			m, err := c.Get(context.Background(), 3)
			require.NoError(t, err)
			assert.Equal(t, 30, m.Sentences())
			assert.Equal(t, 1, corpus.contentCalls())
			assert.NotPanics(t, func() { m.MakeSentence(markov.DefaultSentenceOptions()) })

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			_, err = markov.Load(f)
			assert.NoError(t, err)
		})
	}
}

func TestMemoizedModelFollowsNewMessages(t *testing.T) {
	latest := time.Now().Add(-time.Hour).Unix()
	corpus := newCorpus(30, latest)
	c := newCache(t, corpus, t.TempDir())
	ctx := context.Background()

	first, err := c.Get(ctx, 5)
	require.NoError(t, err)
	second, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, corpus.contentCalls())

	corpus.mu.Lock()
	corpus.messages = append(corpus.messages, "a brand new thing to say")
	corpus.latest = time.Now().Add(time.Hour).Unix()
	corpus.mu.Unlock()

	third, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 31, third.Sentences())
	assert.Equal(t, 2, corpus.contentCalls())
}

func TestConcurrentRequestsTrainOnce(t *testing.T) {
	corpus := newCorpus(40, time.Now().Add(-time.Hour).Unix())
	c := newCache(t, corpus, t.TempDir())

	var wg sync.WaitGroup
	models := make([]*markov.Model, 8)
	errs := make([]error, 8)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			models[i], errs[i] = c.Get(context.Background(), 9)
		}(i)
	}
	wg.Wait()

	for i := range models {
		require.NoError(t, errs[i])
		assert.Equal(t, 40, models[i].Sentences())
	}
	assert.Equal(t, 1, corpus.contentCalls())
}

func TestGetAfterClose(t *testing.T) {
	c := newCache(t, newCorpus(30, 0), t.TempDir())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
