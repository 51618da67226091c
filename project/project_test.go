package project

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Create(ctx, &Project{ID: "p1", UserID: "u1", Prompt: "todo app"}))
	assert.Error(t, s.Create(ctx, &Project{ID: "p1", UserID: "u1"}))

	p, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)

	require.NoError(t, s.MarkBuilding(ctx, "p1"))
	require.NoError(t, s.MarkFailed(ctx, "p1", "architect: boom"))

	p, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "architect: boom", p.Error)
	assert.True(t, p.Status.IsTerminal())

	require.NoError(t, s.MarkCompleted(ctx, "p1"))
	p, _ = s.Get(ctx, "p1")
	assert.Empty(t, p.Error)

	assert.ErrorIs(t, s.MarkCompleted(ctx, "missing"), ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidate(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Create(context.Background(), &Project{UserID: "u"}))
	assert.Error(t, s.Create(context.Background(), &Project{ID: "p"}))
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusBuilding, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusDeleted, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO projects").
		WithArgs("p1", "u1", "todo app", "pending").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewPostgresStore(db).Create(context.Background(), &Project{ID: "p1", UserID: "u1", Prompt: "todo app"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE projects SET status").
		WithArgs("p1", "failed", "qa: timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).MarkFailed(context.Background(), "p1", "qa: timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkCompletedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE projects SET status").
		WithArgs("gone", "completed", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, NewPostgresStore(db).MarkCompleted(context.Background(), "gone"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "prompt", "status", "error_message", "created_at", "updated_at"}).
		AddRow("p1", "u1", "todo app", "building", nil, now, now)
	mock.ExpectQuery("SELECT id, user_id, prompt, status").WithArgs("p1").WillReturnRows(rows)
	mock.ExpectQuery("SELECT id, user_id, prompt, status").WithArgs("p2").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, prompt, status").WithArgs("p3").WillReturnError(errors.New("conn reset"))

	s := NewPostgresStore(db)
	p, err := s.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusBuilding, p.Status)
	assert.Empty(t, p.Error)

	_, err = s.Get(context.Background(), "p2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "p3")
	assert.ErrorContains(t, err, "conn reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
