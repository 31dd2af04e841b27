/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package logger

import (
	"os"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"moul.io/zapgorm2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogTimeFmt = "2006-01-02 15:04:05.000"
)

var logger = zap.NewNop()

type Config struct {
	LogLevel   string `toml:"log-level" json:"log-level"`
	LogFile    string `toml:"log-file" json:"log-file"`
	MaxSize    int    `toml:"max-size" json:"max-size"`
	MaxDays    int    `toml:"max-days" json:"max-days"`
	MaxBackups int    `toml:"max-backups" json:"max-backups"`
	Console    bool   `toml:"console" json:"console"`
}

func NewRootLogger(cfg *Config) {
	encoder := getEncoder()
	levelEnabler := getLevelEnabler(cfg.LogLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, getWriteSyncer(cfg), levelEnabler),
	}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), levelEnabler))
	}

	logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	zap.ReplaceGlobals(logger)
}

func GetRootLogger() *zap.Logger {
	return logger
}

func Debug(msg string, fields ...zap.Field) {
	logger.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Error(msg, fields...)
}

func GetGormLogger(logLevel string, slowThreshold uint64) zapgorm2.Logger {
	gormLogger := zapgorm2.New(GetRootLogger())
	gormLogger.SlowThreshold = time.Duration(slowThreshold) * time.Millisecond

	spaceLogLevel := strings.TrimSpace(logLevel)
	// reduce log
	if strings.EqualFold(spaceLogLevel, "info") || strings.EqualFold(spaceLogLevel, "warn") {
		gormLogger.LogLevel = gormlogger.Warn
	} else if strings.EqualFold(spaceLogLevel, "silent") {
		gormLogger.LogLevel = gormlogger.Silent
	} else if strings.EqualFold(spaceLogLevel, "error") {
		gormLogger.LogLevel = gormlogger.Error
	}
	// avoid First Method logger output "record not found" error
	gormLogger.IgnoreRecordNotFoundError = true
	gormLogger.LogMode(gormLogger.LogLevel)
	gormLogger.SetAsDefault()
	return gormLogger
}

// getEncoder custom logger encoder
func getEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(
		zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller_line",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    cEncodeLevel,
			EncodeTime:     cEncodeTime,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   cEncodeCaller,
		})
}

// getWriteSyncer custom write syncer
func getWriteSyncer(cfg *Config) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
	}
	return zapcore.AddSync(lumberJackLogger)
}

// getLevelEnabler used for get custom log level
func getLevelEnabler(logLevel string) zapcore.Level {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		return zapcore.InfoLevel
	case "WARN":
		return zapcore.WarnLevel
	case "FATAL":
		return zapcore.FatalLevel
	case "DEBUG":
		return zapcore.DebugLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "PANIC":
		return zapcore.PanicLevel
	case "DPANIC":
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// cEncodeLevel custom log level display
func cEncodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

// cEncodeTime custom time format display
func cEncodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + t.Format(LogTimeFmt) + "]")
}

// cEncodeCaller custom line number display
func cEncodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + caller.TrimmedPath() + "]")
}
