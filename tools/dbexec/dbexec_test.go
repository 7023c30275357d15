package dbexec

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"goa.design/flow/tools"
)

func dbSpec(ds *tools.DBSpec) *tools.Spec {
	return &tools.Spec{ID: "lookup", ToolName: "lookup", ToolType: tools.TypeDB, DB: ds}
}

func TestBindNamed(t *testing.T) {
	args := map[string]any{"name": "ada", "age": 36}

	t.Run("dollar style dedupes repeated names", func(t *testing.T) {
		query, bound, err := bindNamed(
			"SELECT * FROM users WHERE name = :name AND age > :age AND alias = :name", args, styleDollar)
		require.NoError(t, err)
		require.Equal(t, "SELECT * FROM users WHERE name = $1 AND age > $2 AND alias = $1", query)
		require.Equal(t, []any{"ada", 36}, bound)
	})

	t.Run("question style binds per occurrence", func(t *testing.T) {
		query, bound, err := bindNamed(
			"SELECT * FROM users WHERE name = :name AND age > :age AND alias = :name", args, styleQuestion)
		require.NoError(t, err)
		require.Equal(t, "SELECT * FROM users WHERE name = ? AND age > ? AND alias = ?", query)
		require.Equal(t, []any{"ada", 36, "ada"}, bound)
	})

	t.Run("quoted text is untouched", func(t *testing.T) {
		query, bound, err := bindNamed("SELECT ':ignored' || :name FROM t", args, styleQuestion)
		require.NoError(t, err)
		require.Equal(t, "SELECT ':ignored' || ? FROM t", query)
		require.Equal(t, []any{"ada"}, bound)
	})

	t.Run("double colon casts are untouched", func(t *testing.T) {
		query, bound, err := bindNamed("SELECT :age::text", args, styleDollar)
		require.NoError(t, err)
		require.Equal(t, "SELECT $1::text", query)
		require.Equal(t, []any{36}, bound)
	})

	t.Run("missing parameter fails", func(t *testing.T) {
		_, _, err := bindNamed("SELECT * FROM t WHERE id = :ghost", args, styleQuestion)
		require.True(t, tools.IsKind(err, tools.KindValidation))
		require.Contains(t, err.Error(), `parameter "ghost"`)
		var terr *tools.Error
		require.True(t, errors.As(err, &terr))
		require.Equal(t, "ghost", terr.Details["parameter"])
	})

	t.Run("identifier stops at punctuation", func(t *testing.T) {
		query, bound, err := bindNamed("INSERT INTO t VALUES (:name, :age)", args, styleQuestion)
		require.NoError(t, err)
		require.Equal(t, "INSERT INTO t VALUES (?, ?)", query)
		require.Equal(t, []any{"ada", 36}, bound)
	})
}

func TestIsRowQuery(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"pragma table_info(t)", true},
		{"EXPLAIN SELECT 1", true},
		{"VALUES (1)", true},
		{"SHOW TABLES", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET a = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t (id INTEGER)", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isRowQuery(tc.query), tc.query)
	}
}

func TestNormalizeValue(t *testing.T) {
	require.Equal(t, "blob", normalizeValue([]byte("blob")))
	require.Equal(t, int64(7), normalizeValue(int64(7)))
	require.Nil(t, normalizeValue(nil))
}

func TestExecuteDispatch(t *testing.T) {
	ex := New()
	t.Cleanup(func() { _ = ex.Close() })

	out, err := ex.Execute(context.Background(), &tools.Spec{ToolName: "bare"}, nil)
	require.Nil(t, out)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), "has no db config")

	_, err = ex.Execute(context.Background(), dbSpec(&tools.DBSpec{Provider: "cassandra"}), nil)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), `unknown db provider "cassandra"`)

	_, err = ex.Execute(context.Background(), dbSpec(&tools.DBSpec{Provider: tools.ProviderSQLite}), nil)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), "needs dsn and query")
}

func TestDynamoValidation(t *testing.T) {
	ex := New(WithDynamoClientFactory(func(context.Context, string) (*dynamodb.Client, error) {
		return dynamodb.New(dynamodb.Options{}), nil
	}))
	t.Cleanup(func() { _ = ex.Close() })

	_, err := ex.Execute(context.Background(), dbSpec(&tools.DBSpec{Provider: tools.ProviderDynamoDB}), nil)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), "needs a table")

	spec := dbSpec(&tools.DBSpec{Provider: tools.ProviderDynamoDB, Table: "orders", Operation: "scan_all"})
	_, err = ex.Execute(context.Background(), spec, nil)
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), `unknown dynamodb operation "scan_all"`)

	spec = dbSpec(&tools.DBSpec{Provider: tools.ProviderDynamoDB, Table: "orders", Operation: OpQuery})
	_, err = ex.Execute(context.Background(), spec, map[string]any{"values": map[string]any{"id": "A"}})
	require.True(t, tools.IsKind(err, tools.KindValidation))
	require.Contains(t, err.Error(), "needs a key_condition")
}

func TestDynamoClientFactoryError(t *testing.T) {
	ex := New(WithDynamoClientFactory(func(context.Context, string) (*dynamodb.Client, error) {
		return nil, errors.New("no credentials")
	}))
	t.Cleanup(func() { _ = ex.Close() })

	spec := dbSpec(&tools.DBSpec{Provider: tools.ProviderDynamoDB, Table: "orders"})
	_, err := ex.Execute(context.Background(), spec, nil)
	require.True(t, tools.IsKind(err, tools.KindExecution))
	require.Contains(t, err.Error(), "building dynamodb client failed")
}

func TestMarshalSubMap(t *testing.T) {
	av, err := marshalSubMap(map[string]any{"key": map[string]any{"id": "A-1"}, "noise": true}, "key")
	require.NoError(t, err)
	require.Len(t, av, 1)
	member, ok := av["id"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	require.Equal(t, "A-1", member.Value)

	av, err = marshalSubMap(map[string]any{"id": "A-2", "qty": 3}, "key")
	require.NoError(t, err)
	require.Len(t, av, 2, "without the field the whole argument set is encoded")
	num, ok := av["qty"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	require.Equal(t, "3", num.Value)
}
