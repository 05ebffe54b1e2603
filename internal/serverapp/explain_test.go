package serverapp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplain_Postgres(t *testing.T) {
	result, err := Explain(context.Background(), testConfig(), ExplainRequest{
		Query: `{ level(uid: "io.cytoid.glow") { title } }`,
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Statements, 1)

	stmt := result.Statements[0]
	assert.Equal(t, "postgres", result.Dialect)
	assert.Equal(t,
		`SELECT "levels"."title" AS "levels__title" FROM "levels" `+
			`WHERE "levels"."uid" = $1 AND ("levels"."published" = $2 OR "levels"."published" IS NULL) LIMIT 1`,
		stmt.SQL)
	assert.Equal(t, []any{"io.cytoid.glow", true}, stmt.Args)
}

func TestExplain_MySQL(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "mysql"

	result, err := Explain(context.Background(), cfg, ExplainRequest{
		Query:         `query Level($uid: String) { level(uid: $uid) { title } }`,
		OperationName: "Level",
		Variables:     map[string]interface{}{"uid": "io.cytoid.glow"},
	})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)

	assert.Equal(t, "mysql", result.Dialect)
	assert.Contains(t, result.Statements[0].SQL, "`levels`.`uid` = ?")
	assert.NotContains(t, result.Statements[0].SQL, "$1")
}

func TestExplain_SubjectSeesOwnLevels(t *testing.T) {
	result, err := Explain(context.Background(), testConfig(), ExplainRequest{
		Query:   `{ level(uid: "io.cytoid.glow") { title } }`,
		Subject: "user-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Statements, 1)

	assert.Contains(t, result.Statements[0].SQL, `OR "levels"."ownerId" = $3`)
	assert.Equal(t, "user-1", result.Statements[0].Args[2])
}

func TestExplain_ReportsGraphQLErrors(t *testing.T) {
	result, err := Explain(context.Background(), testConfig(), ExplainRequest{
		Query: `{ level(uid: "x") { notAField } }`,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Statements)
	require.NotEmpty(t, result.Errors)
}

func TestExplain_UnsupportedDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "sqlite"

	_, err := Explain(context.Background(), cfg, ExplainRequest{Query: `{ levels { title } }`})
	assert.Error(t, err)
}
