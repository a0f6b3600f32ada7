package storage

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/domain"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/model"
)

var columns = []string{
	"id", "idempotency_key", "request_hash", "organization_id", "operation_type", "status",
	"total_items", "processed_items", "succeeded_items", "failed_items",
	"item_errors", "error_message", "options", "attempts",
	"created_at", "updated_at", "started_at", "completed_at",
}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStorage(sqlx.NewDb(db, "postgres")), mock
}

func row(id, key, status string, createdAt time.Time) []driver.Value {
	return []driver.Value{
		id, key, "hash-1", "org-1", "create", status,
		2, 0, 0, 0,
		[]byte("[]"), nil, []byte(`{"source":"csv"}`), 0,
		createdAt, createdAt, nil, nil,
	}
}

func TestStorage_CreateBulkOperation(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO bulk_operations").
		WithArgs("op-1", "key-1", "hash-1", "org-1", "create", domain.StatusPending, 2, []byte(`{"source":"csv"}`), now, now).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(row("op-1", "key-1", domain.StatusPending, now)...))

	op, created, err := s.CreateBulkOperation(context.Background(), &model.BulkOperation{
		ID:             "op-1",
		IdempotencyKey: "key-1",
		RequestHash:    "hash-1",
		OrganizationID: "org-1",
		OperationType:  "create",
		Status:         domain.StatusPending,
		TotalItems:     2,
		Options:        []byte(`{"source":"csv"}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, 2, op.TotalItems)
	assert.Equal(t, "hash-1", op.RequestHash)
	assert.False(t, op.ErrorMessage.Valid)
	assert.False(t, op.StartedAt.Valid)
	assert.JSONEq(t, `{"source":"csv"}`, string(op.Options))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateBulkOperationReplay(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO bulk_operations").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery("SELECT (.+) FROM bulk_operations WHERE organization_id = \\$1 AND idempotency_key = \\$2").
		WithArgs("org-1", "key-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(row("op-original", "key-1", domain.StatusRunning, now)...))

	op, created, err := s.CreateBulkOperation(context.Background(), &model.BulkOperation{
		ID:             "op-2",
		IdempotencyKey: "key-1",
		OrganizationID: "org-1",
		OperationType:  "create",
		Status:         domain.StatusPending,
		TotalItems:     2,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "op-original", op.ID)
	assert.Equal(t, domain.StatusRunning, op.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetBulkOperationNotFound(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM bulk_operations").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.GetBulkOperation(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrBulkOperationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListBulkOperations(t *testing.T) {
	cursorAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    BulkOperationFilter
		wantQuery string
		wantArgs  []driver.Value
	}{
		{
			name:      "organization only",
			filter:    BulkOperationFilter{OrganizationID: "org-1", PageSize: 20},
			wantQuery: `WHERE organization_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2`,
			wantArgs:  []driver.Value{"org-1", 21},
		},
		{
			name: "all filters with cursor",
			filter: BulkOperationFilter{
				OrganizationID: "org-1",
				OperationType:  "delete",
				Status:         domain.StatusFailed,
				PageSize:       5,
				Cursor:         &BulkOperationCursor{CreatedAt: cursorAt, ID: "op-9"},
			},
			wantQuery: `operation_type = \$2 AND status = \$3 AND \(created_at, id\) < \(\$4, \$5\) ORDER BY created_at DESC, id DESC LIMIT \$6`,
			wantArgs:  []driver.Value{"org-1", "delete", domain.StatusFailed, cursorAt, "op-9", 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)

			mock.ExpectQuery(tt.wantQuery).
				WithArgs(tt.wantArgs...).
				WillReturnRows(sqlmock.NewRows(columns).
					AddRow(row("op-2", "k2", domain.StatusFailed, cursorAt)...).
					AddRow(row("op-1", "k1", domain.StatusFailed, cursorAt.Add(-time.Minute))...))

			ops, err := s.ListBulkOperations(context.Background(), tt.filter)
			require.NoError(t, err)
			require.Len(t, ops, 2)
			assert.Equal(t, "op-2", ops[0].ID)

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_StatusTransitions(t *testing.T) {
	s, mock := newMockStorage(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE bulk_operations").
		WithArgs(domain.StatusCanceled, "op-1", domain.StatusPending, domain.StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bulk_operations").
		WithArgs(domain.StatusCanceled, "op-2", domain.StatusPending, domain.StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE bulk_operations").
		WithArgs(domain.StatusPending, "op-3", domain.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bulk_operations").
		WithArgs(domain.StatusFailed, "retry failed: job not found", "op-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	canceled, err := s.MarkCanceled(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, canceled)

	canceled, err = s.MarkCanceled(ctx, "op-2")
	require.NoError(t, err)
	assert.False(t, canceled)

	reset, err := s.ResetForRetry(ctx, "op-3")
	require.NoError(t, err)
	assert.True(t, reset)

	require.NoError(t, s.MarkFailed(ctx, "op-3", "retry failed: job not found"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
