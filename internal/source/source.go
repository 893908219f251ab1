// Package source describes the remote message history the archiver reads
// from. Implementations wrap a chat platform SDK; the archiver only ever
// sees these types.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrStop may be returned from a HistoryFunc to end a scan early without
// reporting a failure.
var ErrStop = errors.New("stop scan")

type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelVoice
	ChannelCategory
	ChannelOther
)

type Channel struct {
	ID   int64
	Name string
	Kind ChannelKind
}

type User struct {
	ID            int64
	Username      string
	DisplayName   string
	Discriminator string
}

// Tag is the "name#discriminator" form users are looked up by.
func (u User) Tag() string {
	return u.Username + "#" + u.Discriminator
}

type Message struct {
	ID           int64
	ChannelID    int64
	CreatedAt    time.Time
	Author       User
	Content      string
	CleanContent string
	Mentions     []User
}

// Direction selects which way a history scan walks from its cursor.
type Direction int

const (
	// Backward walks from the newest message (or from Before) to the oldest.
	Backward Direction = iota
	// Forward walks from the oldest message (or from After) to the newest.
	Forward
)

// Cursor bounds a history scan. A zero Before/After means unbounded on that
// side. Both bounds are exclusive.
type Cursor struct {
	Direction Direction
	Before    int64
	After     int64
}

// HistoryFunc receives messages in the order the source yields them.
type HistoryFunc func(Message) error

// Source is the remote side of the archiver.
type Source interface {
	// Channels lists every channel visible to the credential.
	Channels(ctx context.Context) ([]Channel, error)
	// Members lists every member visible to the credential.
	Members(ctx context.Context) ([]User, error)
	// CanArchive reports whether the credential may read the channel and
	// its history. A false result is not an error.
	CanArchive(ctx context.Context, channel Channel) (bool, error)
	// History performs a single scan of a channel bounded by cursor.
	History(ctx context.Context, channelID int64, cursor Cursor, fn HistoryFunc) error
	Close() error
}
