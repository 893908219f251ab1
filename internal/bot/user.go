package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dscrape/internal/archive"
	"dscrape/internal/source"
)

// ResolvedUser is a user found either on the platform or, failing that, in
// the archive. Command handlers treat both the same way.
type ResolvedUser interface {
	ID() int64
	Name() string
	Discriminator() string
	isResolvedUser()
}

// PlatformMember is a user the chat platform still knows about.
type PlatformMember struct {
	UserID   int64
	Username string
	Discrim  string
}

func (m PlatformMember) ID() int64             { return m.UserID }
func (m PlatformMember) Name() string          { return m.Username }
func (m PlatformMember) Discriminator() string { return m.Discrim }
func (PlatformMember) isResolvedUser()         {}

// ArchivedUser is a user only the archive remembers, typically someone who
// has left.
type ArchivedUser struct {
	UserID   int64
	Username string
	Discrim  string
}

func (u ArchivedUser) ID() int64             { return u.UserID }
func (u ArchivedUser) Name() string          { return u.Username }
func (u ArchivedUser) Discriminator() string { return u.Discrim }
func (ArchivedUser) isResolvedUser()         {}

// Tag renders u as "name#discriminator".
func Tag(u ResolvedUser) string {
	return u.Name() + "#" + u.Discriminator()
}

// MemberResolver looks a reference (mention, id, name#discriminator or
// name) up among current platform members.
type MemberResolver interface {
	ResolveMember(ctx context.Context, ref string) (source.User, bool, error)
}

func (s *Service) resolve(ctx context.Context, ref string) (ResolvedUser, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUserNotFound)
	}

	if s.Members != nil {
		u, ok, err := s.Members.ResolveMember(ctx, ref)
		switch {
		case err != nil:
			s.log().Warn("member lookup failed, falling back to archive", "ref", ref, "err", err)
		case ok:
			return PlatformMember{UserID: u.ID, Username: u.Username, Discrim: u.Discriminator}, nil
		}
	}

	u, err := s.Archive.UserByTag(ctx, ref)
	if errors.Is(err, archive.ErrNotFound) {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			u, err = s.Archive.UserByID(ctx, id)
		}
	}
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return ArchivedUser{UserID: u.ID, Username: u.Username, Discrim: u.Discriminator}, nil
}
