package db

import (
	"testing"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenTest returns a fresh in-memory store with the full schema applied.
// Component tests across the module share this entry point.
func OpenTest(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := Open(Config{
		Path:     MemoryPath,
		Logger:   zaptest.NewLogger(t),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })
	return database
}
