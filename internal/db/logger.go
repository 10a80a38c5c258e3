package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks queries worth a warning even when full SQL
// tracing is off.
const slowQueryThreshold = 200 * time.Millisecond

// gormZap routes GORM's internal messages (SQL traces, slow-query warnings,
// errors) through the application logger instead of stdout.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger returns a gormlogger.Interface backed by log. Pass
// gormlogger.Silent to disable GORM logging entirely, gormlogger.Info to
// trace every statement.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZap{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy with the given level; GORM calls it for per-query
// overrides like db.Debug().
func (l *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormZap) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement. gorm.ErrRecordNotFound stays silent:
// absent rows are a normal outcome for the lookup-heavy coordination paths.
func (l *gormZap) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query error", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
