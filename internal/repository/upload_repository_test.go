package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"skydump-go/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestUploadRepository_MySQL(t *testing.T) {
	dsn := os.Getenv("SKYDUMP_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SKYDUMP_TEST_MYSQL_DSN not set; skipping MySQL integration test")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.FinalizedUpload{}))

	ctx := context.Background()
	repo := NewUploadRepository(db)
	status := "completed"

	older := &model.FinalizedUpload{ID: uuid.NewString(), FileName: "a.mp4", FileSize: 1, ObjectKey: "x/a.mp4"}
	require.NoError(t, repo.Create(ctx, older))
	time.Sleep(1100 * time.Millisecond)
	newer := &model.FinalizedUpload{ID: uuid.NewString(), FileName: "b.mp4", FileSize: 2, ObjectKey: "x/b.mp4"}
	require.NoError(t, repo.Create(ctx, newer))
	t.Cleanup(func() {
		db.Delete(&model.FinalizedUpload{}, "id IN ?", []string{older.ID, newer.ID})
	})

	got, err := repo.FindCompletedByID(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "b.mp4", got.FileName)
	assert.Equal(t, status, got.Status)

	_, err = repo.FindCompletedByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrUploadNotFound)

	records, total, err := repo.List(ctx, status, 0, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(2))
	require.Len(t, records, 2)
	assert.False(t, records[0].CreatedAt.Before(records[1].CreatedAt), "应按 created_at 倒序")
}
