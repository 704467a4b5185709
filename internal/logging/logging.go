package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup 初始化全局日志
// debug 为 true 时强制使用 debug 级别；pretty 为 true 时输出便于阅读的控制台格式
func Setup(level string, debug bool, pretty bool) {
	SetupWriter(os.Stdout, level, debug, pretty)
}

// SetupWriter 与 Setup 相同，但写入指定 writer
func SetupWriter(w io.Writer, level string, debug bool, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Mask 脱敏显示密钥，只保留末尾 4 位
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
