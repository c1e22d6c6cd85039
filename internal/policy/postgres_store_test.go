package policy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newSqlxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPostgresStoreEnsureSchemaRunsStatement(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreCreatePolicy(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectExec("INSERT INTO policies").WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresStore(db)
	p := &Policy{
		ID:               "pol_1",
		Name:             "rate-limit-dispatch",
		Type:             TypeRateLimit,
		EnforcementLevel: EnforcementWarn,
		RuleDefinition:   map[string]any{"per_minute": 10},
		IsActive:         true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := store.CreatePolicy(context.Background(), p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreGetPolicyByNameNotFound(t *testing.T) {
	db, mock := newSqlxMock(t)
	mock.ExpectQuery("SELECT \\* FROM policies WHERE name = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "type", "enforcement_level", "rule_definition",
			"scoped_agent_ids", "scoped_workflow_ids", "is_active", "created_at", "updated_at",
		}))

	store := NewPostgresStore(db)
	p, err := store.GetPolicyByName(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get policy by name: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil policy for unknown name, got %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreListActivePolicies(t *testing.T) {
	db, mock := newSqlxMock(t)
	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM policies WHERE is_active = true").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "type", "enforcement_level", "rule_definition",
			"scoped_agent_ids", "scoped_workflow_ids", "is_active", "created_at", "updated_at",
		}).AddRow("pol_1", "compliance-gate", nil, "compliance", "strict", []byte(`{}`),
			"{}", "{}", true, now, now))

	store := NewPostgresStore(db)
	policies, err := store.ListActivePolicies(context.Background())
	if err != nil {
		t.Fatalf("list active policies: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "compliance-gate" {
		t.Fatalf("unexpected policies: %+v", policies)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
