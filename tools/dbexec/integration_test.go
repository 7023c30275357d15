package dbexec

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/flow/tools"
)

var (
	testPostgresDSN       string
	testPostgresContainer testcontainers.Container
	skipPostgresTests     bool
)

func setupPostgres() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "flow",
				"POSTGRES_DB":       "flow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			Tmpfs:      map[string]string{"/var/lib/postgresql/data": "rw"},
		}
		testPostgresContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipPostgresTests = true
		return
	}

	host, err := testPostgresContainer.Host(ctx)
	if err != nil {
		skipPostgresTests = true
		return
	}
	port, err := testPostgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		skipPostgresTests = true
		return
	}
	testPostgresDSN = fmt.Sprintf("postgres://postgres:flow@%s:%s/flow?sslmode=disable", host, port.Port())
}

func integrationExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	if testPostgresDSN == "" && !skipPostgresTests {
		setupPostgres()
	}
	if skipPostgresTests {
		t.Skip("Docker not available, skipping Postgres test")
	}
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })
	return ex, testPostgresDSN
}

func pgSpec(dsn, query string) *tools.Spec {
	return dbSpec(&tools.DBSpec{Provider: tools.ProviderPostgres, DSN: dsn, Query: query})
}

func TestIntegrationPostgresRoundTrip(t *testing.T) {
	ex, dsn := integrationExecutor(t)
	ctx := context.Background()

	_, err := ex.Execute(ctx, pgSpec(dsn,
		"CREATE TABLE IF NOT EXISTS bookings (id SERIAL PRIMARY KEY, city TEXT, guests INT)"), nil)
	require.NoError(t, err)
	_, err = ex.Execute(ctx, pgSpec(dsn, "TRUNCATE bookings"), nil)
	require.NoError(t, err)

	insert := pgSpec(dsn, "INSERT INTO bookings (city, guests) VALUES (:city, :guests)")
	out, err := ex.Execute(ctx, insert, map[string]any{"city": "Lyon", "guests": 2})
	require.NoError(t, err)
	content := out.Content.(map[string]any)
	require.Equal(t, int64(1), content["rows_affected"])

	_, err = ex.Execute(ctx, insert, map[string]any{"city": "Paris", "guests": 4})
	require.NoError(t, err)

	out, err = ex.Execute(ctx, pgSpec(dsn,
		"SELECT city FROM bookings WHERE guests >= :min AND city <> :skip ORDER BY id"),
		map[string]any{"min": 2, "skip": "Nantes"})
	require.NoError(t, err)
	content = out.Content.(map[string]any)
	require.Equal(t, 2, content["row_count"])
	rows := content["rows"].([]map[string]any)
	require.Equal(t, "Lyon", rows[0]["city"])
	require.Equal(t, "Paris", rows[1]["city"])
}

func TestIntegrationPostgresMaxRows(t *testing.T) {
	ex, dsn := integrationExecutor(t)
	ctx := context.Background()

	_, err := ex.Execute(ctx, pgSpec(dsn, "CREATE TABLE IF NOT EXISTS nums (n INT)"), nil)
	require.NoError(t, err)
	_, err = ex.Execute(ctx, pgSpec(dsn, "TRUNCATE nums"), nil)
	require.NoError(t, err)
	for _, n := range []int{1, 2, 3} {
		_, err = ex.Execute(ctx, pgSpec(dsn, "INSERT INTO nums VALUES (:n)"), map[string]any{"n": n})
		require.NoError(t, err)
	}

	spec := pgSpec(dsn, "SELECT n FROM nums ORDER BY n")
	spec.DB.MaxRows = 2
	out, err := ex.Execute(ctx, spec, nil)
	require.NoError(t, err)
	require.Equal(t, 2, out.Content.(map[string]any)["row_count"])
}
