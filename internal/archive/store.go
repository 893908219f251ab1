package archive

import (
	"fmt"
	"strings"

	"dscrape/internal/source"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mode selects the archival direction for a run.
type Mode int

const (
	// Backfill fetches messages older than the oldest one stored.
	Backfill Mode = iota
	// Update fetches messages newer than the newest one stored.
	Update
)

func (m Mode) String() string {
	if m == Update {
		return "update"
	}
	return "backfill"
}

var ignoreConflict = clause.OnConflict{DoNothing: true}

func UpsertChannel(tx *gorm.DB, c Channel) error {
	return tx.Clauses(ignoreConflict).Create(&c).Error
}

func UpsertUser(tx *gorm.DB, u User) error {
	_, err := insertUser(tx, u)
	return err
}

// insertUser reports whether the row was new.
func insertUser(tx *gorm.DB, u User) (bool, error) {
	res := tx.Clauses(ignoreConflict).Create(&u)
	return res.RowsAffected > 0, res.Error
}

func InsertMessage(tx *gorm.DB, m Message) error {
	return tx.Omit(clause.Associations).Clauses(ignoreConflict).Create(&m).Error
}

func InsertMentions(tx *gorm.DB, ms []Mention) error {
	if len(ms) == 0 {
		return nil
	}
	return tx.Clauses(ignoreConflict).Create(&ms).Error
}

// Watermark builds the history cursor for the next scan of a channel. The
// stored range is bounded by min/max timestamp only; nothing is assumed about
// gaps in between.
func Watermark(tx *gorm.DB, channelID int64, mode Mode) (source.Cursor, error) {
	order := "timestamp asc, id asc"
	if mode == Update {
		order = "timestamp desc, id desc"
	}

	var ids []int64
	err := tx.Model(&Message{}).
		Where("channel_id = ?", channelID).
		Order(order).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return source.Cursor{}, fmt.Errorf("watermark for channel %d: %w", channelID, err)
	}

	if mode == Update {
		c := source.Cursor{Direction: source.Forward}
		if len(ids) > 0 {
			c.After = ids[0]
		}
		return c, nil
	}

	c := source.Cursor{Direction: source.Backward}
	if len(ids) > 0 {
		c.Before = ids[0]
	}
	return c, nil
}

func userFromSource(u source.User) User {
	return User{
		ID:            u.ID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Discriminator: u.Discriminator,
	}
}

func messageFromSource(m source.Message) Message {
	return Message{
		ID:             m.ID,
		Timestamp:      m.CreatedAt.UTC().Unix(),
		AuthorID:       m.Author.ID,
		AuthorUsername: m.Author.Username,
		ChannelID:      m.ChannelID,
		Content:        nullable(m.Content),
		CleanContent:   nullable(m.CleanContent),
	}
}

func mentionsFromSource(m source.Message) []Mention {
	out := make([]Mention, 0, len(m.Mentions))
	seen := make(map[int64]struct{}, len(m.Mentions))
	for _, u := range m.Mentions {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, Mention{FromUserID: m.Author.ID, ToUserID: u.ID, MessageID: m.ID})
	}
	return out
}

// Attachment-only messages have no text; they are stored as NULL so corpus
// queries can skip them.
func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
