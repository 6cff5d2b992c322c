package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/refold-languages/refoldbot/refoldbot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = refoldbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "refoldbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names into *slog.LevelVar
// config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", refoldbot.DefaultDatabase)
	viper.SetDefault("database_type", refoldbot.DefaultDatabaseType)

	viper.SetDefault("log_level", refoldbot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", refoldbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", refoldbot.DefaultShutdownTimeout)

	// Scheduler config
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault(
		"scheduler.poll_interval",
		refoldbot.DefaultSchedulerPollInterval,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", 0)
	viper.SetDefault(
		"discord.gateway_intents",
		refoldbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		refoldbot.DefaultDiscordLogLevel.String(),
	)

	// Accountability thread config
	viper.SetDefault("accountability.enabled", false)
	viper.SetDefault("accountability.daily_channel_ids", []int64{})
	viper.SetDefault("accountability.daily_role_id", 0)
	viper.SetDefault("accountability.graduate_channel_ids", []int64{})
	viper.SetDefault(
		"accountability.daily_hour",
		refoldbot.DefaultDailyThreadHour,
	)
	viper.SetDefault(
		"accountability.daily_minute",
		refoldbot.DefaultDailyThreadMinute,
	)
	viper.SetDefault(
		"accountability.weekly_hour",
		refoldbot.DefaultWeeklyThreadHour,
	)
	viper.SetDefault(
		"accountability.weekly_minute",
		refoldbot.DefaultWeeklyThreadMinute,
	)
	viper.SetDefault(
		"accountability.weekly_day",
		refoldbot.DefaultWeeklyThreadDay,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", refoldbot.DefaultAPIListen)
	viper.SetDefault("api.token_hash", "")
	viper.SetDefault("api.cors_allow_origins", []string{})
	viper.SetDefault("api.log_level", refoldbot.DefaultLogLevel.String())

	envPrefix := os.Getenv(refoldbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = refoldbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
