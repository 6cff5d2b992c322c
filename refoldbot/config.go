//nolint:lll // struct tags can't be split
package refoldbot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "REFOLDBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "RB"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "refoldbot.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultSchedulerPollInterval = time.Minute
	DefaultUpcomingWindow        = 24 * time.Hour

	DefaultAPIListen = "127.0.0.1:5000"

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel      = slog.LevelWarn

	// referenceTimezone is the fixed timezone used to interpret uploaded
	// dates/times and to align the "recent" activity window boundary.
	referenceTimezone = "America/Los_Angeles"

	// Daily accountability thread defaults (hour/minute are wall-clock
	// times in referenceTimezone)
	DefaultDailyThreadHour    = 6
	DefaultDailyThreadMinute  = 0
	DefaultWeeklyThreadHour   = 9
	DefaultWeeklyThreadMinute = 0
	DefaultWeeklyThreadDay    = WeekdayFriday
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Scheduler configures the homework posting scheduler
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// Discord configures the Discord bot connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the backend admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Accountability configures the daily accountability and weekly
	// check-in discussion threads
	Accountability *AccountabilityConfig `yaml:"accountability" mapstructure:"accountability" json:"accountability"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// SchedulerConfig configures the homework posting scheduler loop.
type SchedulerConfig struct {
	// Enabled starts the scheduler loop on boot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// PollInterval is how long the loop sleeps between checks for
	// due assignments
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval"`
}

type DiscordConfig struct {
	// Token is the Discord bot token
	Token string `yaml:"token" mapstructure:"token" json:"-"`

	// GuildID is the Discord server the bot manages courses for
	GuildID int64 `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// GatewayIntents sets the gateway intents to use
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// LogLevel sets the log level for the discordgo library
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// AccountabilityConfig configures the recurring community discussion
// threads: a daily accountability prompt and a weekly graduate
// check-in. Hours and minutes are wall-clock times in the reference
// timezone.
type AccountabilityConfig struct {
	// Enabled starts the thread posting loop on boot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// DailyChannelIDs are the channels that receive the daily
	// accountability prompt
	DailyChannelIDs []int64 `yaml:"daily_channel_ids" mapstructure:"daily_channel_ids" json:"daily_channel_ids"`

	// DailyRoleID is the role mentioned in the daily prompt
	DailyRoleID int64 `yaml:"daily_role_id" mapstructure:"daily_role_id" json:"daily_role_id"`

	// GraduateChannelIDs are the channels that receive the weekly
	// check-in prompt
	GraduateChannelIDs []int64 `yaml:"graduate_channel_ids" mapstructure:"graduate_channel_ids" json:"graduate_channel_ids"`

	// DailyHour and DailyMinute set the daily posting time
	DailyHour   int `yaml:"daily_hour" mapstructure:"daily_hour" json:"daily_hour"`
	DailyMinute int `yaml:"daily_minute" mapstructure:"daily_minute" json:"daily_minute"`

	// WeeklyHour, WeeklyMinute and WeeklyDay (0=Monday..6=Sunday) set
	// the weekly posting time
	WeeklyHour   int `yaml:"weekly_hour" mapstructure:"weekly_hour" json:"weekly_hour"`
	WeeklyMinute int `yaml:"weekly_minute" mapstructure:"weekly_minute" json:"weekly_minute"`
	WeeklyDay    int `yaml:"weekly_day" mapstructure:"weekly_day" json:"weekly_day"`
}

type APIConfig struct {
	// Enabled starts the admin API server on boot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen is the address:port for the API server
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// TokenHash is the argon2 hash of the API bearer token, as produced
	// by the `hash-token` command
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" json:"-"`

	// CORSAllowOrigins configures allowed CORS origins
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// LogLevel sets the log level for API request logging
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a Config with default values set.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	discordLogLevel := &slog.LevelVar{}
	discordLogLevel.Set(DefaultDiscordLogLevel)

	apiLogLevel := &slog.LevelVar{}
	apiLogLevel.Set(DefaultLogLevel)

	return &Config{
		Database:        DefaultDatabase,
		DatabaseType:    DefaultDatabaseType,
		LogLevel:        logLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Scheduler: &SchedulerConfig{
			Enabled:      true,
			PollInterval: DefaultSchedulerPollInterval,
		},
		Discord: &DiscordConfig{
			GatewayIntents: DefaultDiscordGatewayIntent,
			LogLevel:       discordLogLevel,
		},
		API: &APIConfig{
			Listen:   DefaultAPIListen,
			LogLevel: apiLogLevel,
		},
		Accountability: &AccountabilityConfig{
			DailyHour:    DefaultDailyThreadHour,
			DailyMinute:  DefaultDailyThreadMinute,
			WeeklyHour:   DefaultWeeklyThreadHour,
			WeeklyMinute: DefaultWeeklyThreadMinute,
			WeeklyDay:    DefaultWeeklyThreadDay,
		},
	}
}

// Validate checks the config for values that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database must be set"))
	}
	if c.Scheduler != nil && c.Scheduler.PollInterval <= 0 {
		errs = append(
			errs,
			fmt.Errorf(
				"scheduler poll_interval must be positive (got: %s)",
				c.Scheduler.PollInterval,
			),
		)
	}
	if c.API != nil && c.API.Enabled && c.API.TokenHash == "" {
		errs = append(errs, errors.New("api token_hash must be set when the API is enabled"))
	}
	if a := c.Accountability; a != nil {
		if a.DailyHour < 0 || a.DailyHour > 23 ||
			a.WeeklyHour < 0 || a.WeeklyHour > 23 {
			errs = append(errs, errors.New("accountability hours must be 0-23"))
		}
		if a.DailyMinute < 0 || a.DailyMinute > 59 ||
			a.WeeklyMinute < 0 || a.WeeklyMinute > 59 {
			errs = append(errs, errors.New("accountability minutes must be 0-59"))
		}
		if a.WeeklyDay < WeekdayMonday || a.WeeklyDay > WeekdaySunday {
			errs = append(
				errs,
				fmt.Errorf(
					"accountability weekly_day must be 0 (Monday) through 6 (Sunday) (got: %d)",
					a.WeeklyDay,
				),
			)
		}
	}
	return errors.Join(errs...)
}

// referenceLocation returns the fixed reference timezone. The tzdata for
// America/Los_Angeles ships with every supported platform, so a load
// failure means a broken environment and panicking early is preferable
// to silently scheduling in UTC.
func referenceLocation() *time.Location {
	loc, err := time.LoadLocation(referenceTimezone)
	if err != nil {
		panic(fmt.Sprintf("failed to load reference timezone: %s", err))
	}
	return loc
}
