package database

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"affiliateledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingWriter struct {
	mu    sync.Mutex
	lines []string
}

func (w *recordingWriter) Printf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lines)
}

func TestGormLoggerSkipsRecordNotFound(t *testing.T) {
	w := &recordingWriter{}
	dsn := "file:" + filepath.Join(t.TempDir(), "log.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newGormLogger(w), TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	baseline := w.count()

	var affiliate model.Affiliate
	err = db.Where("affiliate_no = ?", "missing").First(&affiliate).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Equal(t, baseline, w.count())

	err = db.Exec("SELECT * FROM no_such_table").Error
	assert.Error(t, err)
	assert.Greater(t, w.count(), baseline)
}
