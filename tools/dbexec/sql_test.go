package dbexec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/tools"
)

func sqliteSpec(dsn, query string) *tools.Spec {
	return dbSpec(&tools.DBSpec{Provider: tools.ProviderSQLite, DSN: dsn, Query: query})
}

func TestSQLiteRoundTrip(t *testing.T) {
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })
	dsn := filepath.Join(t.TempDir(), "flow.db")
	ctx := context.Background()

	out, err := ex.Execute(ctx, sqliteSpec(dsn,
		"CREATE TABLE bookings (id INTEGER PRIMARY KEY, city TEXT, guests INTEGER)"), nil)
	require.NoError(t, err)
	content := out.Content.(map[string]any)
	require.Equal(t, int64(0), content["rows_affected"])

	insert := sqliteSpec(dsn, "INSERT INTO bookings (city, guests) VALUES (:city, :guests)")
	out, err = ex.Execute(ctx, insert, map[string]any{"city": "Lyon", "guests": 2})
	require.NoError(t, err)
	content = out.Content.(map[string]any)
	require.Equal(t, int64(1), content["rows_affected"])
	require.Equal(t, int64(1), content["last_insert_id"])
	require.Equal(t, int64(1), out.Usage["rows_affected"])

	_, err = ex.Execute(ctx, insert, map[string]any{"city": "Paris", "guests": 4})
	require.NoError(t, err)

	out, err = ex.Execute(ctx, sqliteSpec(dsn,
		"SELECT city, guests FROM bookings WHERE guests >= :min ORDER BY id"), map[string]any{"min": 2})
	require.NoError(t, err)
	content = out.Content.(map[string]any)
	require.Equal(t, 2, content["row_count"])
	rows := content["rows"].([]map[string]any)
	require.Equal(t, "Lyon", rows[0]["city"])
	require.Equal(t, int64(4), rows[1]["guests"])
}

func TestSQLiteMaxRows(t *testing.T) {
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })
	dsn := filepath.Join(t.TempDir(), "flow.db")
	ctx := context.Background()

	_, err := ex.Execute(ctx, sqliteSpec(dsn, "CREATE TABLE nums (n INTEGER)"), nil)
	require.NoError(t, err)
	for _, n := range []int{1, 2, 3} {
		_, err = ex.Execute(ctx, sqliteSpec(dsn, "INSERT INTO nums VALUES (:n)"), map[string]any{"n": n})
		require.NoError(t, err)
	}

	spec := sqliteSpec(dsn, "SELECT n FROM nums ORDER BY n")
	spec.DB.MaxRows = 2
	out, err := ex.Execute(ctx, spec, nil)
	require.NoError(t, err)
	require.Equal(t, 2, out.Content.(map[string]any)["row_count"])
}

func TestSQLiteMissingParameter(t *testing.T) {
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })
	dsn := filepath.Join(t.TempDir(), "flow.db")

	_, err := ex.Execute(context.Background(), sqliteSpec(dsn, "SELECT :city"), nil)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), `parameter "city"`)
}

func TestSQLiteQueryError(t *testing.T) {
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })
	dsn := filepath.Join(t.TempDir(), "flow.db")

	_, err := ex.Execute(context.Background(), sqliteSpec(dsn, "SELECT * FROM missing_table"), nil)
	require.True(t, tools.IsKind(err, tools.KindExecution))
	require.Contains(t, err.Error(), "sqlite query failed")
}
