package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var log *logrus.Logger

// Init 初始化日志：JSON 格式，控制台 + 滚动文件
func Init(level string) {
	log = logrus.New()

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := strings.Split(f.File, "/")
			return "", fmt.Sprintf("%s:%d", filename[len(filename)-1], f.Line)
		},
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	out := io.Writer(os.Stdout)
	filePath := os.Getenv("CONSULT_LOG_FILE")
	if filePath == "-" {
		log.SetOutput(out)
		log.AddHook(&ContextHook{})
		return
	}
	if filePath == "" {
		filePath = "./logs/consult-service.log"
	}
	_ = os.MkdirAll(filepath.Dir(filePath), 0755)

	rotator := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    envInt("CONSULT_LOG_MAX_SIZE", 100), // MB
		MaxBackups: envInt("CONSULT_LOG_MAX_BACKUPS", 7),
		MaxAge:     envInt("CONSULT_LOG_MAX_AGE", 14), // days
		Compress:   envBool("CONSULT_LOG_COMPRESS", true),
	}
	log.SetOutput(io.MultiWriter(out, rotator))

	log.AddHook(&ContextHook{})
}

func GetLogger() *logrus.Logger {
	if log == nil {
		Init("info")
	}
	return log
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ContextHook 添加 goroutine 信息
type ContextHook struct{}

func (hook *ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *ContextHook) Fire(entry *logrus.Entry) error {
	entry.Data["goroutine"] = getGID()
	return nil
}

func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	var gid uint64
	fmt.Sscanf(string(b), "goroutine %d", &gid)
	return gid
}

// MaskEmail 邮箱脱敏，保留首字母与域名
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
