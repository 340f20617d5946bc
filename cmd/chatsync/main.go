package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourjinKR/myFitSync-sub000/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Headless client for fitsync chat rooms",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagConfigPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "configs/config.yaml", "path to config file (missing file falls back to defaults)")

	rootCmd.AddCommand(tailCmd, sendCmd, roomsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并初始化全局日志
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// configPath 配置文件不存在时返回空路径，只使用默认值与环境变量
func configPath() string {
	if _, err := os.Stat(flagConfigPath); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return flagConfigPath
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
