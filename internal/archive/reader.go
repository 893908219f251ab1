package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// Reader is the query side used by the model service. It is meant to sit on
// a read-only connection.
type Reader struct {
	DB *gorm.DB
}

type AuthorStats struct {
	Count  int64
	Latest int64
}

func (r *Reader) corpus(ctx context.Context, authorID int64) *gorm.DB {
	return r.DB.WithContext(ctx).Model(&Message{}).
		Where("author_id = ? AND clean_content IS NOT NULL", authorID)
}

// AuthorStats returns how many text messages an author has and the Unix time
// of the newest one.
func (r *Reader) AuthorStats(ctx context.Context, authorID int64) (AuthorStats, error) {
	var st AuthorStats
	err := r.corpus(ctx, authorID).
		Select("count(*) as count, coalesce(max(timestamp), 0) as latest").
		Scan(&st).Error
	if err != nil {
		return AuthorStats{}, fmt.Errorf("author %d stats: %w", authorID, err)
	}
	return st, nil
}

// AuthorContents returns up to limit of the author's most recent cleaned
// messages.
func (r *Reader) AuthorContents(ctx context.Context, authorID int64, limit int) ([]string, error) {
	var out []string
	err := r.corpus(ctx, authorID).
		Order("timestamp desc, id desc").
		Limit(limit).
		Pluck("clean_content", &out).Error
	if err != nil {
		return nil, fmt.Errorf("author %d contents: %w", authorID, err)
	}
	return out, nil
}

func (r *Reader) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := r.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UserByTag finds a user by "name#discriminator".
func (r *Reader) UserByTag(ctx context.Context, tag string) (*User, error) {
	i := strings.LastIndex(tag, "#")
	if i <= 0 || i == len(tag)-1 {
		return nil, ErrNotFound
	}
	var u User
	err := r.DB.WithContext(ctx).
		Where("username = ? AND discriminator = ?", tag[:i], tag[i+1:]).
		Order("id asc").
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// RandomMessage picks one of the author's messages uniformly at random,
// optionally only among those containing keyword (case-insensitive).
func (r *Reader) RandomMessage(ctx context.Context, authorID int64, keyword string) (*Message, error) {
	q := func() *gorm.DB {
		q := r.corpus(ctx, authorID)
		if kw := strings.TrimSpace(keyword); kw != "" {
			q = q.Where(`lower(clean_content) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(kw))+"%")
		}
		return q
	}

	var n int64
	if err := q().Count(&n).Error; err != nil {
		return nil, fmt.Errorf("count quotes: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	var m Message
	err := q().Order("id asc").Offset(int(rand.Int64N(n))).Limit(1).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// Query runs an ad-hoc statement and renders at most maxRows rows as text.
func (r *Reader) Query(ctx context.Context, stmt string, maxRows int) (*QueryResult, error) {
	rows, err := r.DB.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &QueryResult{Columns: cols}
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}
