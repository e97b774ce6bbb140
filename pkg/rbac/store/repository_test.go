package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

func TestPostgresRepository_GetAssignedRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	principal := uuid.New()
	deleted := time.Now()
	rows := sqlmock.NewRows([]string{"id", "name", "is_active", "is_system", "parent_id", "deleted_at"}).
		AddRow(2, "admin", true, false, nil, nil).
		AddRow(5, "support", true, false, 2, deleted)
	mock.ExpectQuery("FROM users_roles ur").WithArgs(principal.String()).WillReturnRows(rows)

	repo := NewPostgresRepository(db)
	refs, err := repo.GetAssignedRoles(context.Background(), principal)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, "admin", refs[0].Name)
	assert.Nil(t, refs[0].ParentID)
	assert.True(t, refs[0].Usable())

	require.NotNil(t, refs[1].ParentID)
	assert.EqualValues(t, 2, *refs[1].ParentID)
	assert.False(t, refs[1].Usable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetRoleByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)

	query := regexp.QuoteMeta("FROM roles\n\t\tWHERE id = $1")
	mock.ExpectQuery(query).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_active", "is_system", "parent_id", "deleted_at"}))
	_, err = repo.GetRoleByID(context.Background(), 9)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	assert.NotErrorIs(t, err, rbac.ErrRepositoryUnavailable)

	mock.ExpectQuery(query).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_active", "is_system", "parent_id", "deleted_at"}).
			AddRow(1, "superadmin", true, true, nil, nil))
	ref, err := repo.GetRoleByID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ref.IsSystem)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DriverErrorsAreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	boom := errors.New("connection reset by peer")

	mock.ExpectQuery("FROM users_roles").WillReturnError(boom)
	_, err = repo.GetAssignedRoles(ctx, uuid.New())
	assert.ErrorIs(t, err, rbac.ErrRepositoryUnavailable)
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery("FROM roles").WillReturnError(boom)
	_, err = repo.GetRoleByID(ctx, 1)
	assert.ErrorIs(t, err, rbac.ErrRepositoryUnavailable)

	mock.ExpectQuery("FROM users_permissions").WillReturnError(boom)
	_, err = repo.GetDirectPermissions(ctx, uuid.New())
	assert.ErrorIs(t, err, rbac.ErrRepositoryUnavailable)

	mock.ExpectQuery("FROM roles_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_active", "deleted_at"}).
			AddRow(1, "a.b", true, nil).
			RowError(0, boom))
	_, err = repo.GetRolePermissions(ctx, 1)
	assert.ErrorIs(t, err, rbac.ErrRepositoryUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Principals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery("UNION").WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
		AddRow(a.String()).
		AddRow(b.String()))

	got, err := NewPostgresRepository(db).Principals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []rbac.PrincipalID{a, b}, got)
}

func TestTranslate(t *testing.T) {
	err := translate("create role", &pq.Error{Code: "23505"})
	assert.ErrorIs(t, err, ErrConflict)

	err = translate("assign role", &pq.Error{Code: "23503"})
	assert.Contains(t, err.Error(), "referenced row")

	boom := errors.New("boom")
	err = translate("create role", boom)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to create role")
}

func TestRunMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2).AddRow(3))

	for _, m := range Migrations()[3:] {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(m.SQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.Version, m.Description).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	ran, err := RunMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS roles").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	ran, err := RunMigrations(context.Background(), db)
	assert.Zero(t, ran)
	assert.ErrorContains(t, err, "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsAreOrdered(t *testing.T) {
	for i, m := range Migrations() {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.Description)
	}
}
