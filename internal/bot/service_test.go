package bot

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"dscrape/internal/archive"
	"dscrape/internal/markov"
	"dscrape/internal/modelcache"
	"dscrape/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	users    []archive.User
	messages []archive.Message
	queryErr error
}

func (a *fakeArchive) UserByTag(_ context.Context, tag string) (*archive.User, error) {
	for _, u := range a.users {
		if u.Username+"#"+u.Discriminator == tag {
			return &u, nil
		}
	}
	return nil, archive.ErrNotFound
}

func (a *fakeArchive) UserByID(_ context.Context, id int64) (*archive.User, error) {
	for _, u := range a.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, archive.ErrNotFound
}

func (a *fakeArchive) RandomMessage(_ context.Context, authorID int64, keyword string) (*archive.Message, error) {
	for _, m := range a.messages {
		if m.AuthorID == authorID && strings.Contains(strings.ToLower(*m.CleanContent), strings.ToLower(keyword)) {
			return &m, nil
		}
	}
	return nil, archive.ErrNotFound
}

func (a *fakeArchive) Query(_ context.Context, stmt string, maxRows int) (*archive.QueryResult, error) {
	if a.queryErr != nil {
		return nil, a.queryErr
	}
	return &archive.QueryResult{
		Columns:   []string{"id", "username"},
		Rows:      [][]string{{"1", "alice"}, {"2", "NULL"}},
		Truncated: maxRows == 2,
	}, nil
}

type fakeModels struct {
	models map[int64]*markov.Model
	asked  []int64
}

func (f *fakeModels) Get(_ context.Context, id int64) (*markov.Model, error) {
	f.asked = append(f.asked, id)
	m, ok := f.models[id]
	if !ok {
		return nil, modelcache.ErrNotEnoughData
	}
	return m, nil
}

type fakeMembers struct {
	users map[string]source.User
	err   error
}

func (f *fakeMembers) ResolveMember(_ context.Context, ref string) (source.User, bool, error) {
	if f.err != nil {
		return source.User{}, false, f.err
	}
	u, ok := f.users[ref]
	return u, ok, nil
}

func str(s string) *string { return &s }

func newService() (*Service, *fakeModels, *fakeMembers) {
	models := &fakeModels{models: map[int64]*markov.Model{
		1: markov.Build([]string{"alice only ever says this one thing"}, 2),
		2: markov.Build([]string{
			"one two three four five six seven",
			"alpha beta three four five gamma delta",
		}, 2),
	}}
	members := &fakeMembers{users: map[string]source.User{
		"alice#0001": {ID: 1, Username: "alice", Discriminator: "0001"},
		"<@1>":       {ID: 1, Username: "alice", Discriminator: "0001"},
	}}
	svc := &Service{
		Archive: &fakeArchive{
			users: []archive.User{
				{ID: 1, Username: "alice", Discriminator: "0001"},
				{ID: 2, Username: "gone", Discriminator: "4242"},
				{ID: 3, Username: "quiet", Discriminator: "0003"},
			},
			messages: []archive.Message{
				{ID: 10, AuthorID: 2, ChannelID: 5, Timestamp: 1700000000, CleanContent: str("See you Later")},
			},
		},
		Models:  models,
		Members: members,
		Rand:    rand.New(rand.NewPCG(3, 4)),
	}
	return svc, models, members
}

func TestSwitchPrefersPlatformMembers(t *testing.T) {
	svc, _, _ := newService()

	res, err := svc.Switch(context.Background(), "<@1>")
	require.NoError(t, err)
	assert.Equal(t, PlatformMember{UserID: 1, Username: "alice", Discrim: "0001"}, res.User)
	assert.Equal(t, "alice#0001", res.Attribution)

	attribution, ok := svc.Active()
	assert.True(t, ok)
	assert.Equal(t, "alice#0001", attribution)
}

func TestSwitchFallsBackToArchive(t *testing.T) {
	svc, models, members := newService()
	ctx := context.Background()

	res, err := svc.Switch(ctx, "gone#4242")
	require.NoError(t, err)
	assert.Equal(t, ArchivedUser{UserID: 2, Username: "gone", Discrim: "4242"}, res.User)

	res, err = svc.Switch(ctx, "2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.User.ID())

	members.err = errors.New("gateway down")
	res, err = svc.Switch(ctx, "alice#0001")
	require.NoError(t, err)
	assert.IsType(t, ArchivedUser{}, res.User)

	assert.Equal(t, []int64{2, 2, 1}, models.asked)
}

func TestSwitchFailures(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	_, err := svc.Switch(ctx, "nobody#0000")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.Switch(ctx, "   ")
	assert.ErrorIs(t, err, ErrUserNotFound)

	res, err := svc.Switch(ctx, "quiet#0003")
	assert.ErrorIs(t, err, modelcache.ErrNotEnoughData)
	assert.EqualValues(t, 3, res.User.ID())

	_, ok := svc.Active()
	assert.False(t, ok)
}

func TestTalkWithoutModel(t *testing.T) {
	svc, _, _ := newService()
	_, err := svc.Talk(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestTalkRelaxesWhenEverythingOverlaps(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, err := svc.Switch(ctx, "alice#0001")
	require.NoError(t, err)

	res, err := svc.Talk(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "alice only ever says this one thing", res.Sentence)
	assert.Equal(t, "alice#0001", res.Attribution)

	res, err = svc.TalkUwu(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "awice onwy evew says this onye thing uwu", res.Sentence)
}

func TestTalkWithStart(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, err := svc.Switch(ctx, "gone#4242")
	require.NoError(t, err)

	res, err := svc.Talk(ctx, "three")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Sentence, "three four five"), res.Sentence)

	_, err = svc.Talk(ctx, "zebra")
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestTalkHonoursCancellation(t *testing.T) {
	svc, _, _ := newService()
	_, err := svc.Switch(context.Background(), "alice#0001")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Talk(ctx, "zebra")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuote(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	q, err := svc.Quote(ctx, "gone#4242", "later")
	require.NoError(t, err)
	assert.Equal(t, "See you Later", q.Text)
	assert.EqualValues(t, 10, q.MessageID)
	assert.EqualValues(t, 5, q.ChannelID)
	assert.Equal(t, int64(1700000000), q.Time.Unix())

	_, err = svc.Quote(ctx, "gone#4242", "never said")
	assert.ErrorIs(t, err, ErrNoQuote)

	_, err = svc.Quote(ctx, "nobody#1", "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestQuery(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	res := svc.Query(ctx, "select id, username from users")
	assert.Empty(t, res.Err)
	assert.Equal(t, "id\tusername\n1\talice\n2\tNULL", res.Text())

	assert.Equal(t, "empty query", svc.Query(ctx, " ").Text())

	svc.Archive.(*fakeArchive).queryErr = errors.New("no such table: nowhere")
	res = svc.Query(ctx, "select * from nowhere")
	assert.Equal(t, "no such table: nowhere", res.Text())
}

func TestUwu(t *testing.T) {
	for in, want := range map[string]string{
		"":              "",
		"hello world":   "hewwo wowwd uwu",
		"I love nature": "I wuv nyatuwe uwu",
		"RUN":           "WUN uwu",
	} {
		assert.Equal(t, want, Uwu(in), in)
	}
}
