package logger

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	logrus "github.com/sirupsen/logrus"
)

// Setup initializes Logrus and GORM logging via a rotating file.
func Setup() {
	// 1) Lumberjack for file rotation
	rotator := &lumberjack.Logger{
		Filename:   logFile(),
		MaxSize:    10, // megabytes
		MaxBackups: 7,  // keep up to 7 old files
		MaxAge:     7,  // days
		Compress:   true,
	}

	// 2) Configure Logrus to write to that file
	logrus.SetOutput(rotator)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logrus.SetLevel(logLevel())
}

func logFile() string {
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		return v
	}
	return "./logs/app.log"
}

func logLevel() logrus.Level {
	raw, ok := os.LookupEnv("LOG_LEVEL")
	if !ok {
		return logrus.DebugLevel // capture SQL at Debug/Info
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		logrus.WithField("log_level", raw).Warn("Unknown LOG_LEVEL, falling back to debug.")
		return logrus.DebugLevel
	}
	return level
}

// GormLogger returns the standard Logrus logger for GORM
func GormLogger() *logrus.Logger {
	return logrus.StandardLogger()
}
