// Package discord adapts a discordgo session to the archiver's source
// contract and to the bot's member lookup.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"dscrape/internal/source"

	"github.com/bwmarrin/discordgo"
)

const (
	pageSize         = 100
	memberPageSize   = 1000
	searchLimit      = 25
	defaultReadyWait = 30 * time.Second

	readAccess = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
)

var _ source.Source = (*Client)(nil)

// api is the part of *discordgo.Session the client calls.
type api interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembersSearch(guildID, query string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Close() error
}

type Options struct {
	// Guild restricts the client to one guild.
	Guild     string
	ReadyWait time.Duration
	Log       *slog.Logger
}

type Client struct {
	api     api
	session *discordgo.Session
	self    string
	guilds  []string
	log     *slog.Logger
}

// Open connects to the gateway and waits for the ready event, which carries
// the guild list.
func Open(ctx context.Context, token string, opts Options) (*Client, error) {
	if opts.ReadyWait <= 0 {
		opts.ReadyWait = defaultReadyWait
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	ready := make(chan *discordgo.Ready, 1)
	s.AddHandlerOnce(func(_ *discordgo.Session, r *discordgo.Ready) {
		ready <- r
	})

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	var r *discordgo.Ready
	select {
	case r = <-ready:
	case <-time.After(opts.ReadyWait):
		_ = s.Close()
		return nil, errors.New("timed out waiting for ready")
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	var guilds []string
	for _, g := range r.Guilds {
		if opts.Guild == "" || g.ID == opts.Guild {
			guilds = append(guilds, g.ID)
		}
	}
	opts.Log.Info("connected", "user", r.User.Username, "guilds", len(guilds))

	c := newClient(s, r.User.ID, guilds, opts.Log)
	c.session = s
	return c, nil
}

func newClient(a api, self string, guilds []string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: a, self: self, guilds: guilds, log: log}
}

func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) Channels(ctx context.Context) ([]source.Channel, error) {
	var out []source.Channel
	for _, g := range c.guilds {
		chs, err := c.api.GuildChannels(g, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("guild %s channels: %w", g, err)
		}
		for _, ch := range chs {
			id, err := snowflake(ch.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, source.Channel{ID: id, Name: ch.Name, Kind: channelKind(ch.Type)})
		}
	}
	return out, nil
}

func (c *Client) Members(ctx context.Context) ([]source.User, error) {
	var out []source.User
	for _, g := range c.guilds {
		after := ""
		for {
			page, err := c.api.GuildMembers(g, after, memberPageSize, discordgo.WithContext(ctx))
			if err != nil {
				return nil, fmt.Errorf("guild %s members: %w", g, err)
			}
			for _, m := range page {
				u, err := memberUser(m)
				if err != nil {
					return nil, err
				}
				out = append(out, u)
			}
			if len(page) < memberPageSize {
				break
			}
			after = page[len(page)-1].User.ID
		}
	}
	return out, nil
}

func (c *Client) CanArchive(ctx context.Context, ch source.Channel) (bool, error) {
	perms, err := c.api.UserChannelPermissions(c.self, strconv.FormatInt(ch.ID, 10), discordgo.WithContext(ctx))
	if err != nil {
		if isStatus(err, http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return perms&readAccess == readAccess, nil
}

// History pages through a channel. Backward scans keep the platform's
// newest-first order; forward scans are delivered oldest first.
func (c *Client) History(ctx context.Context, channelID int64, cursor source.Cursor, fn source.HistoryFunc) error {
	cid := strconv.FormatInt(channelID, 10)
	before, after := "", ""
	switch {
	case cursor.Direction == source.Forward:
		after = strconv.FormatInt(cursor.After, 10)
	case cursor.Before != 0:
		before = strconv.FormatInt(cursor.Before, 10)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.api.ChannelMessages(cid, pageSize, before, after, "", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("channel %s history: %w", cid, err)
		}
		if len(page) == 0 {
			return nil
		}
		c.log.Debug("history page", "channel", cid, "messages", len(page))

		sort.Slice(page, func(i, j int) bool {
			a, _ := snowflake(page[i].ID)
			b, _ := snowflake(page[j].ID)
			if cursor.Direction == source.Forward {
				return a < b
			}
			return a > b
		})

		for _, m := range page {
			msg, err := c.message(m)
			if err != nil {
				return err
			}
			if err := fn(msg); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}

		last := page[len(page)-1].ID
		if cursor.Direction == source.Forward {
			after = last
		} else {
			before = last
		}
	}
}

var mentionRef = regexp.MustCompile(`^<@!?(\d+)>$`)

// ResolveMember finds a current member by mention, id, name#discriminator
// or plain name.
func (c *Client) ResolveMember(ctx context.Context, ref string) (source.User, bool, error) {
	ref = strings.TrimSpace(ref)
	id := ref
	if m := mentionRef.FindStringSubmatch(ref); m != nil {
		id = m[1]
	}

	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		for _, g := range c.guilds {
			m, err := c.api.GuildMember(g, id, discordgo.WithContext(ctx))
			if isStatus(err, http.StatusNotFound) {
				continue
			}
			if err != nil {
				return source.User{}, false, err
			}
			u, err := memberUser(m)
			return u, err == nil, err
		}
		return source.User{}, false, nil
	}

	name, disc := ref, ""
	if i := strings.LastIndex(ref, "#"); i > 0 {
		name, disc = ref[:i], ref[i+1:]
	}
	for _, g := range c.guilds {
		found, err := c.api.GuildMembersSearch(g, name, searchLimit, discordgo.WithContext(ctx))
		if err != nil {
			return source.User{}, false, err
		}
		for _, m := range found {
			if m.User == nil || m.User.Username != name {
				continue
			}
			if disc != "" && m.User.Discriminator != disc {
				continue
			}
			u, err := memberUser(m)
			return u, err == nil, err
		}
	}
	return source.User{}, false, nil
}

func (c *Client) message(m *discordgo.Message) (source.Message, error) {
	id, err := snowflake(m.ID)
	if err != nil {
		return source.Message{}, err
	}
	chID, err := snowflake(m.ChannelID)
	if err != nil {
		return source.Message{}, err
	}
	if m.Author == nil {
		return source.Message{}, fmt.Errorf("message %s has no author", m.ID)
	}
	author, err := user(m.Author)
	if err != nil {
		return source.Message{}, err
	}

	created := m.Timestamp
	if created.IsZero() {
		created, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	out := source.Message{
		ID:           id,
		ChannelID:    chID,
		CreatedAt:    created.UTC(),
		Author:       author,
		Content:      m.Content,
		CleanContent: c.clean(m),
	}
	for _, mu := range m.Mentions {
		u, err := user(mu)
		if err != nil {
			return source.Message{}, err
		}
		out.Mentions = append(out.Mentions, u)
	}
	return out, nil
}

func (c *Client) clean(m *discordgo.Message) string {
	if c.session != nil {
		if s, err := m.ContentWithMoreMentionsReplaced(c.session); err == nil {
			return s
		}
	}
	return m.ContentWithMentionsReplaced()
}

func user(u *discordgo.User) (source.User, error) {
	id, err := snowflake(u.ID)
	if err != nil {
		return source.User{}, err
	}
	display := u.GlobalName
	if display == "" {
		display = u.Username
	}
	return source.User{ID: id, Username: u.Username, DisplayName: display, Discriminator: u.Discriminator}, nil
}

func memberUser(m *discordgo.Member) (source.User, error) {
	if m == nil || m.User == nil {
		return source.User{}, errors.New("member without user")
	}
	u, err := user(m.User)
	if err != nil {
		return source.User{}, err
	}
	if m.Nick != "" {
		u.DisplayName = m.Nick
	}
	return u, nil
}

func channelKind(t discordgo.ChannelType) source.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return source.ChannelText
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return source.ChannelVoice
	case discordgo.ChannelTypeGuildCategory:
		return source.ChannelCategory
	default:
		return source.ChannelOther
	}
}

func snowflake(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad snowflake %q: %w", id, err)
	}
	return n, nil
}

func isStatus(err error, code int) bool {
	var rerr *discordgo.RESTError
	return errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == code
}
