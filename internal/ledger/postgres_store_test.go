package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestPostgresStoreGetLatestSequenceEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT MAX\\(sequence_number\\) FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	store := NewPostgresStore(db)
	seq, err := store.GetLatestSequence(context.Background())
	if err != nil {
		t.Fatalf("get latest sequence: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected 0 on an empty ledger, got %d", seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreGetLatestSequenceNonEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT MAX\\(sequence_number\\) FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))

	store := NewPostgresStore(db)
	seq, err := store.GetLatestSequence(context.Background())
	if err != nil {
		t.Fatalf("get latest sequence: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected sequence 42, got %d", seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreAppendEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO ledger_events").WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresStore(db)
	ev := &Event{
		ID:             "evt_1",
		SequenceNumber: 1,
		EventType:      EventWorkflowStarted,
		Payload:        map[string]any{"workflow_name": "onboarding"},
		ActorType:      "system",
		EventHash:      "deadbeef",
	}
	if err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreAppendEventMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	store := NewPostgresStore(db)
	ev := &Event{ID: "evt_1", SequenceNumber: 7, EventType: EventTaskCompleted, ActorType: "system", EventHash: "cafe"}
	if err := store.AppendEvent(context.Background(), ev); !errors.Is(err, ErrChainCollision) {
		t.Fatalf("expected ErrChainCollision, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreWithTxAcquiresWriterLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		// A nested WithTx on the tx-bound store must not open a second
		// transaction or re-request the writer lock.
		return tx.WithTx(ctx, func(ctx context.Context, inner Store) error { return nil })
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreEnsureSchemaRunsAllStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
