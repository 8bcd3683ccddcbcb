package auth

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartzerp/quartz/internal/tenant"
)

const (
	qUnfiltered = `SELECT id, tenant_id, active FROM principal WHERE name = ? LIMIT 1`
	qFiltered   = `SELECT id, tenant_id, active FROM principal WHERE name = ? AND tenant_id = ? LIMIT 1`
	qRoles      = `SELECT r.name, r.access_level FROM principal_role pr JOIN role r ON r.id = pr.role_id WHERE pr.principal_id = ? AND r.enabled = TRUE`
)

var (
	reqTenant   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	otherTenant = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	principalID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func principalCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "active"})
}

func roleCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "access_level"})
}

func TestBuildSharedModeFilteredLookup(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("alice", reqTenant.String()).
		WillReturnRows(principalCols().AddRow(principalID.String(), reqTenant.String(), true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow("accounting", 40).AddRow("manager", 60))

	ac, err := NewBuilder().Build(context.Background(), db, "alice", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac == nil {
		t.Fatal("expected an auth context")
	}
	if ac.PrincipalID != principalID {
		t.Errorf("PrincipalID = %s, want %s", ac.PrincipalID, principalID)
	}
	if ac.TenantID != reqTenant {
		t.Errorf("TenantID = %s, want %s", ac.TenantID, reqTenant)
	}
	if ac.Super {
		t.Error("Super = true, want false")
	}
	if ac.AccessLevel != 60 {
		t.Errorf("AccessLevel = %d, want 60", ac.AccessLevel)
	}
	if len(ac.Roles) != 2 {
		t.Errorf("Roles = %v, want two entries", ac.Roles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildUnknownPrincipalYieldsNil(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("ghost", reqTenant.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	ac, err := NewBuilder().Build(context.Background(), db, "ghost", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac != nil {
		t.Fatalf("expected nil context, got %+v", ac)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildInactivePrincipalYieldsNil(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("bob", reqTenant.String()).
		WillReturnRows(principalCols().AddRow(principalID.String(), reqTenant.String(), false))

	ac, err := NewBuilder().Build(context.Background(), db, "bob", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac != nil {
		t.Fatal("inactive principal must yield no context")
	}
	// No role query must have run.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildFallbackRefusesRegularPrincipal(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("eve", reqTenant.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("eve").
		WillReturnRows(principalCols().AddRow(principalID.String(), otherTenant.String(), true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow("accounting", 40))

	ac, err := NewBuilder().Build(context.Background(), db, "eve", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac != nil {
		t.Fatal("a regular principal from another tenant must be refused")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildFallbackHonorsSuperPrincipal(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("sysadmin", reqTenant.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("sysadmin").
		WillReturnRows(principalCols().AddRow(principalID.String(), nil, true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow(SystemRoleName, MaxAccessLevel))

	ac, err := NewBuilder().Build(context.Background(), db, "sysadmin", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac == nil {
		t.Fatal("expected an auth context")
	}
	if !ac.Super {
		t.Error("Super = false, want true")
	}
	if ac.TenantID != uuid.Nil {
		t.Errorf("TenantID = %s, want the zero uuid for a super principal", ac.TenantID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildDedicatedModeSkipsTenantFilter(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("alice").
		WillReturnRows(principalCols().AddRow(principalID.String(), reqTenant.String(), true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow("manager", 60))

	ac, err := NewBuilder().Build(context.Background(), db, "alice", reqTenant, tenant.ModeDedicated)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac == nil {
		t.Fatal("expected an auth context")
	}
	if ac.TenantID != reqTenant {
		t.Errorf("TenantID = %s, want %s", ac.TenantID, reqTenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildDedicatedModeCorrectsNullTenant(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("alice").
		WillReturnRows(principalCols().AddRow(principalID.String(), nil, true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow("manager", 60))

	ac, err := NewBuilder().Build(context.Background(), db, "alice", reqTenant, tenant.ModeDedicated)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac == nil {
		t.Fatal("expected an auth context")
	}
	if ac.TenantID != reqTenant {
		t.Errorf("TenantID = %s, want the resolved tenant %s", ac.TenantID, reqTenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildRefusesStoredTenantMismatch(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qUnfiltered)).
		WithArgs("alice").
		WillReturnRows(principalCols().AddRow(principalID.String(), otherTenant.String(), true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols().AddRow("manager", 60))

	ac, err := NewBuilder().Build(context.Background(), db, "alice", reqTenant, tenant.ModeDedicated)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac != nil {
		t.Fatal("a stored tenant contradicting the resolved tenant must be refused")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildNoRolesYieldsZeroAccessLevel(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(qFiltered)).
		WithArgs("alice", reqTenant.String()).
		WillReturnRows(principalCols().AddRow(principalID.String(), reqTenant.String(), true))
	mock.ExpectQuery(regexp.QuoteMeta(qRoles)).
		WithArgs(principalID.String()).
		WillReturnRows(roleCols())

	ac, err := NewBuilder().Build(context.Background(), db, "alice", reqTenant, tenant.ModeShared)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ac == nil {
		t.Fatal("expected an auth context")
	}
	if ac.AccessLevel != 0 {
		t.Errorf("AccessLevel = %d, want 0", ac.AccessLevel)
	}
	if len(ac.Roles) != 0 {
		t.Errorf("Roles = %v, want empty", ac.Roles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
