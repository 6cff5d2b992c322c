package refoldbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordEpochMillis is the Discord snowflake epoch
	// (2015-01-01T00:00:00Z) in Unix milliseconds.
	discordEpochMillis int64 = 1420070400000

	// discordMessagePageSize is the maximum page size for channel
	// history requests.
	discordMessagePageSize = 100

	// forumThreadAutoArchiveMinutes is the auto-archive duration for
	// homework forum threads (7 days).
	forumThreadAutoArchiveMinutes = 10080

	// discussionThreadAutoArchiveMinutes is the auto-archive duration
	// for accountability/check-in discussion threads (24 hours).
	discussionThreadAutoArchiveMinutes = 1440
)

// DiscordSessionHandler is the subset of discordgo.Session the bot
// uses, extracted so tests can stub the Discord API.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	GuildThreadsActive(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)
	ThreadsArchived(
		channelID string,
		before *time.Time,
		limit int,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)
	ForumThreadStart(
		channelID string,
		name string,
		archiveDuration int,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	MessageThreadStart(
		channelID string,
		messageID string,
		name string,
		archiveDuration int,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
}

// Discord adapts the discordgo session to the capabilities the core
// consumes: posting homework forum threads, streaming channel history,
// resolving category membership and enrolling joining members. All
// discordgo failures are translated into the core error taxonomy at
// this boundary.
type Discord struct {
	session  DiscordSessionHandler
	config   *DiscordConfig
	registry *CourseRegistry
	logger   *slog.Logger

	removeHandlerFuncs []func()
}

// NewDiscord creates the Discord adapter from config. The session
// isn't opened until Connect.
func NewDiscord(
	config *DiscordConfig,
	registry *CourseRegistry,
	logger *slog.Logger,
) (*Discord, error) {
	if config.Token == "" {
		return nil, newError(ErrorKindValidation, "discord token must be set")
	}
	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, wrapError(ErrorKindTransport, "failed to create discord session", err)
	}
	session.Identify.Intents = config.GatewayIntents

	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		session:  session,
		config:   config,
		registry: registry,
		logger:   logger.With(loggerNameKey, "discord"),
	}, nil
}

// Connect registers event handlers and opens the gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerGuildMemberAdd(ctx)),
	)
	if err := d.session.Open(); err != nil {
		return translateDiscordErr("failed to open discord session", err)
	}
	return nil
}

// Disconnect removes handlers and closes the gateway connection.
func (d *Discord) Disconnect() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handlerReady(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.InfoContext(
			ctx,
			"discord session ready",
			"username", r.User.Username,
			"guild_count", len(r.Guilds),
		)
	}
}

// handlerGuildMemberAdd matches joining members against the roster,
// grants their course role and sends the course welcome message.
func (d *Discord) handlerGuildMemberAdd(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		user := m.Member.User
		if user == nil || user.Bot {
			return
		}
		student, found := d.registry.FindStudentByHandle(memberHandle(user))
		if !found {
			return
		}
		userID, err := strconv.ParseInt(user.ID, 10, 64)
		if err != nil {
			d.logger.ErrorContext(
				ctx,
				"invalid member user id",
				"user_id", user.ID,
				tint.Err(err),
			)
			return
		}

		d.registry.MarkStudentEnrolled(ctx, student.DiscordHandle, userID)

		course, courseFound := d.registry.GetCourse(student.CourseName)
		if !courseFound {
			return
		}
		if err = d.session.GuildMemberRoleAdd(
			m.GuildID,
			user.ID,
			strconv.FormatInt(course.RoleID, 10),
		); err != nil {
			d.logger.ErrorContext(
				ctx,
				"failed to grant course role",
				"discord_handle", student.DiscordHandle,
				"role_id", course.RoleID,
				tint.Err(translateDiscordErr("role grant failed", err)),
			)
			return
		}
		d.logger.InfoContext(
			ctx,
			"course role granted to joining member",
			"discord_handle", student.DiscordHandle,
			"course_name", course.Name,
		)

		if course.WelcomeMessage != "" {
			d.sendWelcome(ctx, user.ID, course.WelcomeMessage)
		}
	}
}

func (d *Discord) sendWelcome(ctx context.Context, userID string, message string) {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"failed to open welcome DM",
			"user_id", userID,
			tint.Err(err),
		)
		return
	}
	if _, err = d.session.ChannelMessageSend(channel.ID, message); err != nil {
		d.logger.WarnContext(
			ctx,
			"failed to send welcome message",
			"user_id", userID,
			tint.Err(err),
		)
	}
}

// PostAssignment posts a homework assignment as a new forum thread in
// its destination channel. Implements Poster.
func (d *Discord) PostAssignment(ctx context.Context, a Assignment) (int64, error) {
	if a.ForumChannelID <= 0 {
		return 0, newError(
			ErrorKindValidation,
			fmt.Sprintf("assignment %q has no forum channel", a.ID),
		)
	}
	thread, err := d.session.ForumThreadStart(
		strconv.FormatInt(a.ForumChannelID, 10),
		a.Title,
		forumThreadAutoArchiveMinutes,
		a.Content,
	)
	if err != nil {
		return 0, translateDiscordErr(
			fmt.Sprintf("failed to create forum thread in %d", a.ForumChannelID),
			err,
		)
	}
	threadID, err := strconv.ParseInt(thread.ID, 10, 64)
	if err != nil {
		return 0, wrapError(ErrorKindTransport, "invalid thread id", err)
	}
	d.logger.InfoContext(
		ctx,
		"homework posted to forum",
		"homework_id", a.ID,
		"thread_id", thread.ID,
		"forum_channel_id", a.ForumChannelID,
	)
	return threadID, nil
}

// StartThread posts content to a text channel and opens a discussion
// thread on the resulting message. Implements ThreadStarter.
func (d *Discord) StartThread(
	ctx context.Context,
	channelID int64,
	content string,
	threadName string,
) error {
	channel := strconv.FormatInt(channelID, 10)
	msg, err := d.session.ChannelMessageSend(channel, content)
	if err != nil {
		return translateDiscordErr(
			fmt.Sprintf("failed to post to channel %d", channelID),
			err,
		)
	}
	if _, err = d.session.MessageThreadStart(
		channel,
		msg.ID,
		threadName,
		discussionThreadAutoArchiveMinutes,
	); err != nil {
		return translateDiscordErr(
			fmt.Sprintf("failed to start thread in channel %d", channelID),
			err,
		)
	}
	d.logger.InfoContext(
		ctx,
		"discussion thread created",
		"channel_id", channelID,
		"thread_name", threadName,
	)
	return nil
}

// CategoryChannels returns the guild channels belonging to a category,
// sorted by display position. Implements ChannelHistory.
func (d *Discord) CategoryChannels(
	_ context.Context,
	categoryID int64,
) ([]ChannelRef, error) {
	channels, err := d.session.GuildChannels(strconv.FormatInt(d.config.GuildID, 10))
	if err != nil {
		return nil, translateDiscordErr("failed to list guild channels", err)
	}

	parentID := strconv.FormatInt(categoryID, 10)
	var refs []ChannelRef
	for _, channel := range channels {
		if channel.ParentID != parentID {
			continue
		}
		id, parseErr := strconv.ParseInt(channel.ID, 10, 64)
		if parseErr != nil {
			continue
		}
		refs = append(
			refs, ChannelRef{
				ID:       id,
				Name:     channel.Name,
				Position: channel.Position,
			},
		)
	}
	sortChannelRefs(refs)
	return refs, nil
}

// ChannelThreads returns active and archived threads of a channel,
// with archived listing capped at limit. Implements ChannelHistory.
func (d *Discord) ChannelThreads(
	_ context.Context,
	channelID int64,
	limit int,
) ([]ChannelRef, error) {
	parentID := strconv.FormatInt(channelID, 10)
	var refs []ChannelRef

	archived, err := d.session.ThreadsArchived(parentID, nil, limit)
	if err != nil {
		return nil, translateDiscordErr("failed to list archived threads", err)
	}
	refs = appendThreadRefs(refs, archived.Threads, parentID)

	active, err := d.session.GuildThreadsActive(
		strconv.FormatInt(d.config.GuildID, 10),
	)
	if err != nil {
		return nil, translateDiscordErr("failed to list active threads", err)
	}
	refs = appendThreadRefs(refs, active.Threads, parentID)
	return refs, nil
}

func appendThreadRefs(
	refs []ChannelRef,
	threads []*discordgo.Channel,
	parentID string,
) []ChannelRef {
	for _, thread := range threads {
		if thread.ParentID != parentID {
			continue
		}
		id, err := strconv.ParseInt(thread.ID, 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, ChannelRef{ID: id, Name: thread.Name})
	}
	return refs
}

// Messages pages through a channel's history after the given boundary,
// up to limit messages. Implements ChannelHistory.
func (d *Discord) Messages(
	_ context.Context,
	channelID int64,
	after time.Time,
	limit int,
) ([]HistoryMessage, error) {
	channel := strconv.FormatInt(channelID, 10)
	afterID := timeToSnowflake(after)

	var result []HistoryMessage
	for len(result) < limit {
		pageSize := limit - len(result)
		if pageSize > discordMessagePageSize {
			pageSize = discordMessagePageSize
		}
		page, err := d.session.ChannelMessages(channel, pageSize, "", afterID, "")
		if err != nil {
			return result, translateDiscordErr("failed to fetch channel history", err)
		}
		if len(page) == 0 {
			break
		}

		// pages aren't guaranteed in a single order; track the newest
		// id seen as the next page boundary. Snowflakes are numeric, so
		// a longer decimal string is always the larger id.
		var newestID string
		for _, msg := range page {
			if len(msg.ID) > len(newestID) ||
				(len(msg.ID) == len(newestID) && msg.ID > newestID) {
				newestID = msg.ID
			}
			result = append(result, historyMessage(msg))
		}
		afterID = newestID

		if len(page) < pageSize {
			break
		}
	}
	return result, nil
}

func historyMessage(msg *discordgo.Message) HistoryMessage {
	m := HistoryMessage{CreatedAt: msg.Timestamp.UTC()}
	if msg.Author != nil {
		m.AuthorName = msg.Author.Username
		m.AuthorDisplay = memberHandle(msg.Author)
		m.Bot = msg.Author.Bot
		if id, err := strconv.ParseInt(msg.Author.ID, 10, 64); err == nil {
			m.AuthorID = id
		}
	}
	return m
}

// MemberJoinedAt returns when a guild member joined. Implements
// ChannelHistory.
func (d *Discord) MemberJoinedAt(
	_ context.Context,
	userID int64,
) (time.Time, bool) {
	member, err := d.session.GuildMember(
		strconv.FormatInt(d.config.GuildID, 10),
		strconv.FormatInt(userID, 10),
	)
	if err != nil || member == nil {
		return time.Time{}, false
	}
	return member.JoinedAt, true
}

// memberHandle renders a user's matchable handle: legacy accounts keep
// the username#discriminator form, migrated accounts the bare username.
func memberHandle(user *discordgo.User) string {
	if user.Discriminator != "" && user.Discriminator != "0" {
		return user.Username + "#" + user.Discriminator
	}
	return user.Username
}

// timeToSnowflake converts a timestamp to the smallest Discord
// snowflake id created at or after it.
func timeToSnowflake(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMillis
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// translateDiscordErr maps discordgo failures into the core error
// taxonomy: permission failures are access errors, everything else is
// a transport error.
func translateDiscordErr(msg string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return wrapError(ErrorKindAccess, msg, err)
		}
	}
	return wrapError(ErrorKindTransport, msg, err)
}

func sortChannelRefs(refs []ChannelRef) {
	sort.SliceStable(
		refs, func(i, j int) bool {
			return refs[i].Position < refs[j].Position
		},
	)
}
