package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"stockwatch/internal/api"
	"stockwatch/internal/config"
	"stockwatch/internal/pkg/logger"
	"stockwatch/internal/store"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "stockctl",
	Short: "Operate the stockwatch catalog crawler and favorite monitors from the command line.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/config.json)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "", "override log level: debug, info, warn, error")

	rootCmd.AddCommand(crawlCmd, cronCmd, watchCmd, tokenCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env 是子命令共用的数据库、缓存与业务组件。
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	graph  *api.Graph
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.App.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return cfg, logger.NewDefault(level), nil
}

// bootstrap 连接数据库与 Redis 并组装业务组件。
func bootstrap(ctx context.Context) (*env, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &env{
		cfg:    cfg,
		logger: log,
		db:     db,
		rdb:    rdb,
		graph:  api.Wire(cfg, db, rdb, log),
	}, nil
}

func (r *env) Close() {
	if err := r.rdb.Close(); err != nil {
		r.logger.Warn("close redis failed", slog.String("error", err.Error()))
	}
	closeDB(r.db)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
