// Package bot is the command core of the model service: picking whose model
// is active, generating sentences from it, quoting archived messages and
// running diagnostic queries. Formatting is left to the caller.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dscrape/internal/archive"
	"dscrape/internal/markov"
)

const MaxQueryRows = 50

var (
	ErrNoModel          = errors.New("no model is active")
	ErrGenerationFailed = errors.New("unable to generate a sentence")
	ErrUserNotFound     = errors.New("user not found")
	ErrNoQuote          = errors.New("no matching message")
)

// Archive is the read side of the store the service needs.
type Archive interface {
	UserByTag(ctx context.Context, tag string) (*archive.User, error)
	UserByID(ctx context.Context, id int64) (*archive.User, error)
	RandomMessage(ctx context.Context, authorID int64, keyword string) (*archive.Message, error)
	Query(ctx context.Context, stmt string, maxRows int) (*archive.QueryResult, error)
}

// Models returns the model for an author; modelcache.Cache implements it.
type Models interface {
	Get(ctx context.Context, authorID int64) (*markov.Model, error)
}

type Service struct {
	Archive Archive
	Models  Models
	Members MemberResolver
	Log     *slog.Logger
	// Rand seeds generation; nil uses the global source.
	Rand markov.Rand

	mu          sync.RWMutex
	active      *markov.Model
	attribution string
}

type SwitchResult struct {
	User        ResolvedUser
	Attribution string
}

type TalkResult struct {
	Sentence    string
	Attribution string
}

type QuoteResult struct {
	User      ResolvedUser
	MessageID int64
	ChannelID int64
	Time      time.Time
	Text      string
}

// QueryResult always carries either rows or the error text.
type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
	Err       string
}

// Text renders the result as tab-separated lines.
func (r QueryResult) Text() string {
	if r.Err != "" {
		return r.Err
	}
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, "\t"))
	}
	if r.Truncated {
		fmt.Fprintf(&b, "\n(truncated to %d rows)", len(r.Rows))
	}
	return b.String()
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Switch makes ref's model the active one. Errors from the model source are
// returned unchanged, so modelcache.ErrNotEnoughData reaches the caller.
func (s *Service) Switch(ctx context.Context, ref string) (SwitchResult, error) {
	u, err := s.resolve(ctx, ref)
	if err != nil {
		return SwitchResult{}, err
	}

	m, err := s.Models.Get(ctx, u.ID())
	if err != nil {
		return SwitchResult{User: u}, err
	}

	attribution := Tag(u)
	s.mu.Lock()
	s.active = m
	s.attribution = attribution
	s.mu.Unlock()

	s.log().Info("model switched", "user", attribution, "id", u.ID())
	return SwitchResult{User: u, Attribution: attribution}, nil
}

// Active returns the attribution of the active model, if any.
func (s *Service) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attribution, s.active != nil
}

// Talk generates one sentence from the active model, optionally starting
// with start.
func (s *Service) Talk(ctx context.Context, start string) (TalkResult, error) {
	s.mu.RLock()
	m, attribution := s.active, s.attribution
	s.mu.RUnlock()

	if m == nil {
		return TalkResult{}, ErrNoModel
	}

	sentence, ok := generate(ctx, m, strings.TrimSpace(start), s.Rand)
	if !ok {
		if err := ctx.Err(); err != nil {
			return TalkResult{}, err
		}
		return TalkResult{}, ErrGenerationFailed
	}
	return TalkResult{Sentence: sentence, Attribution: attribution}, nil
}

// TalkUwu is Talk with the sentence run through Uwu.
func (s *Service) TalkUwu(ctx context.Context, start string) (TalkResult, error) {
	res, err := s.Talk(ctx, start)
	if err != nil {
		return res, err
	}
	res.Sentence = Uwu(res.Sentence)
	return res, nil
}

// Quote picks a random archived message by ref, optionally containing
// keyword.
func (s *Service) Quote(ctx context.Context, ref, keyword string) (QuoteResult, error) {
	u, err := s.resolve(ctx, ref)
	if err != nil {
		return QuoteResult{}, err
	}

	msg, err := s.Archive.RandomMessage(ctx, u.ID(), keyword)
	if errors.Is(err, archive.ErrNotFound) {
		return QuoteResult{User: u}, ErrNoQuote
	}
	if err != nil {
		return QuoteResult{User: u}, err
	}

	res := QuoteResult{
		User:      u,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Time:      time.Unix(msg.Timestamp, 0).UTC(),
	}
	if msg.CleanContent != nil {
		res.Text = *msg.CleanContent
	}
	return res, nil
}

// Query runs a diagnostic statement. Failures come back as text in the
// result, never as an error.
func (s *Service) Query(ctx context.Context, stmt string) QueryResult {
	stmt = strings.TrimSpace(stmt)
	if stmt == "" {
		return QueryResult{Err: "empty query"}
	}

	res, err := s.Archive.Query(ctx, stmt, MaxQueryRows)
	if err != nil {
		s.log().Warn("diagnostic query failed", "err", err)
		return QueryResult{Err: err.Error()}
	}
	return QueryResult{Columns: res.Columns, Rows: res.Rows, Truncated: res.Truncated}
}
