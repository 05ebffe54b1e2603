package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/planner"
	"cytoid-graphql/internal/schema"
	"cytoid-graphql/internal/sqlutil"
)

const resolverSDL = `
type User {
  id: ID! @column(primary: true)
  name: String @column
}

type Chart {
  id: ID! @column(primary: true)
  difficulty: Int! @column
}

type Level {
  id: ID! @column(primary: true)
  title: String! @column
  owner: User @column(name: "ownerId") @relation(name: "users")
  charts: [Chart!]! @reverse(name: "charts", key: "levelId")
}

type Collection {
  id: ID! @column(primary: true)
  ownerId: ID @column
  levelIds: [ID!] @column
  owner: User @toOne(name: "users", field: "ownerId")
  levels: [Level!]! @toMany(name: "levels", field: "levelIds")
}

type Query {
  level(id: ID!): Level @toOne(name: "levels")
  levels(ids: [ID!]): [Level!]! @toMany(name: "levels")
  collection(id: ID!): Collection @toOne(name: "collections")
}
`

func byIDHook(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	if err := q.Eq("id", p.Args["id"]); err != nil {
		return nil, err
	}
	return q, nil
}

func idsHook(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	if ids, ok := p.Args["ids"].([]interface{}); ok {
		q.FilterByIDs(ids)
	}
	return q, nil
}

func defaultHooks() Hooks {
	return Hooks{"Query": {
		"level":      byIDHook,
		"levels":     idsHook,
		"collection": byIDHook,
	}}
}

func buildTestSchema(t *testing.T, executor dbexec.QueryExecutor, dialect sqlutil.Dialect, opts ...Option) graphql.Schema {
	t.Helper()
	doc, err := schema.Load("resolver.graphql", resolverSDL)
	require.NoError(t, err)

	r := New(executor, planner.NewCompiler(doc.Metadata, dialect), opts...)
	built, err := schema.Build(doc, schema.BuildConfig{Bindings: r.Bind})
	require.NoError(t, err)
	return built
}

func runQuery(t *testing.T, s graphql.Schema, query string) *graphql.Result {
	t.Helper()
	return graphql.Do(graphql.Params{
		Schema:        s,
		RequestString: query,
		Context:       context.Background(),
	})
}

func assertData(t *testing.T, result *graphql.Result, expected string) {
	t.Helper()
	require.Empty(t, result.Errors)
	data, err := json.Marshal(result.Data)
	require.NoError(t, err)
	assert.JSONEq(t, expected, string(data))
}

func TestToOne_SingleStatementWithJoinAndAggregate(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	expectQuery(t, mock,
		"SELECT `levels`.`id` AS `levels__id`, `levels`.`title` AS `levels__title`, "+
			"`users`.`id` AS `users__id`, `users`.`name` AS `users__name`, "+
			"IF(COUNT(`charts`.`levelId`) = 0, JSON_ARRAY(), JSON_ARRAYAGG(JSON_OBJECT('id', `charts`.`id`, 'difficulty', `charts`.`difficulty`))) AS `agg__levels__charts` "+
			"FROM `levels` "+
			"LEFT JOIN `users` ON `users`.`id` = `levels`.`ownerId` "+
			"LEFT JOIN `charts` ON `charts`.`levelId` = `levels`.`id` "+
			"WHERE `levels`.`id` = ? "+
			"GROUP BY `levels`.`id`, `users`.`id` LIMIT 1",
		[]interface{}{"7"},
		sqlmock.NewRows([]string{"levels__id", "levels__title", "users__id", "users__name", "agg__levels__charts"}).
			AddRow(int64(7), "Tutorial", int64(3), "tigerhix", []byte(`[{"id": 1, "difficulty": 5}, {"id": 2, "difficulty": 11}]`)),
	)

	s := buildTestSchema(t, dbexec.NewStandardExecutor(db), sqlutil.MySQL{}, WithHooks(defaultHooks()))
	result := runQuery(t, s, `{
		level(id: "7") {
			id
			...LevelTitle
			owner { id name }
			charts { id difficulty }
		}
	}
	fragment LevelTitle on Level { title }`)

	assertData(t, result, `{"level": {
		"id": "7",
		"title": "Tutorial",
		"owner": {"id": "3", "name": "tigerhix"},
		"charts": [{"id": "1", "difficulty": 5}, {"id": "2", "difficulty": 11}]
	}}`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToOne_FragmentsCompileLikeInlineSelections(t *testing.T) {
	withFragments := &fakeExecutor{}
	inlined := &fakeExecutor{}

	runQuery(t, buildTestSchema(t, withFragments, sqlutil.Postgres{}, WithHooks(defaultHooks())), `{
		level(id: "7") { ...LevelCard charts { ...ChartCell } }
	}
	fragment LevelCard on Level { id ...Owned title }
	fragment Owned on Level { owner { id name } }
	fragment ChartCell on Chart { difficulty id }`)

	runQuery(t, buildTestSchema(t, inlined, sqlutil.Postgres{}, WithHooks(defaultHooks())), `{
		level(id: "7") { id owner { id name } title charts { difficulty id } }
	}`)

	require.Equal(t, 1, withFragments.callCount())
	require.Equal(t, 1, inlined.callCount())
	assert.Equal(t, inlined.queries[0], withFragments.queries[0])
	assert.Equal(t, inlined.args[0], withFragments.args[0])
	assert.Contains(t, inlined.queries[0], `LEFT JOIN "users"`)
	assert.Contains(t, inlined.queries[0], `'difficulty', "charts"."difficulty", 'id', "charts"."id"`)
}

func TestToOne_MissingRelatedRowIsNull(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{int64(7), "Tutorial", nil, nil, []byte(`[]`)}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ level(id: "7") { id title owner { id name } charts { id } } }`)

	assertData(t, result, `{"level": {"id": "7", "title": "Tutorial", "owner": null, "charts": []}}`)
	assert.Equal(t, 1, executor.callCount())
}

func TestToOne_PrimaryKeyOnlyRelationReadsForeignKey(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{int64(3)}},
		{{nil}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ level(id: "7") { owner { id } } }`)
	assertData(t, result, `{"level": {"owner": {"id": "3"}}}`)
	assert.Equal(t, "SELECT `levels`.`ownerId` AS `levels__ownerId` FROM `levels` WHERE `levels`.`id` = ? LIMIT 1", executor.queries[0])

	result = runQuery(t, s, `{ level(id: "7") { owner { id } } }`)
	assertData(t, result, `{"level": {"owner": null}}`)
}

func TestToOne_NoRowIsNull(t *testing.T) {
	executor := &fakeExecutor{}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ level(id: "404") { title } }`)

	assertData(t, result, `{"level": null}`)
	assert.Equal(t, 1, executor.callCount())
}

func TestToOne_EmptySelectionSkipsDatabase(t *testing.T) {
	executor := &fakeExecutor{}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ level(id: "7") { __typename } }`)

	assertData(t, result, `{"level": {"__typename": "Level"}}`)
	assert.Equal(t, 0, executor.callCount())
}

func TestToOne_HookCanReturnResultDirectly(t *testing.T) {
	executor := &fakeExecutor{}
	hooks := Hooks{"Query": {
		"level": func(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
			return map[string]interface{}{"id": "cached", "title": "From hook"}, nil
		},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(hooks))

	result := runQuery(t, s, `{ level(id: "7") { id title } }`)

	assertData(t, result, `{"level": {"id": "cached", "title": "From hook"}}`)
	assert.Equal(t, 0, executor.callCount())
}

func TestToOne_HookErrorIsReported(t *testing.T) {
	executor := &fakeExecutor{}
	hooks := Hooks{"Query": {
		"level": func(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
			return nil, errors.New("level is hidden")
		},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(hooks))

	result := runQuery(t, s, `{ level(id: "7") { title } }`)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "level is hidden")
	assert.Equal(t, 0, executor.callCount())
}

func TestToOne_BoundFieldUsesSourceProperty(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{int64(3)}},
		{{int64(3), "tigerhix"}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ collection(id: "1") { owner { id name } } }`)

	assertData(t, result, `{"collection": {"owner": {"id": "3", "name": "tigerhix"}}}`)
	require.Equal(t, 2, executor.callCount())
	assert.Equal(t, "SELECT `collections`.`ownerId` AS `collections__ownerId` FROM `collections` WHERE `collections`.`id` = ? LIMIT 1", executor.queries[0])
	assert.Equal(t, "SELECT `users`.`id` AS `users__id`, `users`.`name` AS `users__name` FROM `users` WHERE `users`.`id` = ? LIMIT 1", executor.queries[1])
	assert.Equal(t, []any{int64(3)}, executor.args[1])
}

func TestToOne_BoundFieldWithNullSourceIsNull(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{nil}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ collection(id: "1") { owner { name } } }`)

	assertData(t, result, `{"collection": {"owner": null}}`)
	assert.Equal(t, 1, executor.callCount())
}

func TestToMany_BoundFieldFollowsSourceOrder(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{[]byte(`[3, 1, 2]`)}},
		{{"One", int64(1)}, {"Three", int64(3)}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ collection(id: "1") { levels { title } } }`)

	assertData(t, result, `{"collection": {"levels": [{"title": "Three"}, {"title": "One"}]}}`)
	require.Equal(t, 2, executor.callCount())
	assert.Equal(t, "SELECT `levels`.`title` AS `levels__title`, `levels`.`id` AS `levels__id` FROM `levels` WHERE `levels`.`id` IN (?,?,?)", executor.queries[1])
	assert.Equal(t, []any{int64(3), int64(1), int64(2)}, executor.args[1])
}

func TestToMany_EmptySourceListSkipsDatabase(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{nil}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ collection(id: "1") { levels { title } } }`)

	assertData(t, result, `{"collection": {"levels": []}}`)
	assert.Equal(t, 1, executor.callCount())
}

func TestToMany_RootIDFilterPostgres(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	expectQuery(t, mock,
		`SELECT "levels"."id" AS "levels__id", "levels"."title" AS "levels__title" FROM "levels" WHERE "levels"."id" IN ($1,$2)`,
		[]interface{}{"2", "1"},
		sqlmock.NewRows([]string{"levels__id", "levels__title"}).
			AddRow(int64(1), "One").
			AddRow(int64(2), "Two"),
	)

	s := buildTestSchema(t, dbexec.NewStandardExecutor(db), sqlutil.Postgres{}, WithHooks(defaultHooks()))
	result := runQuery(t, s, `{ levels(ids: ["2", "1"]) { id title } }`)

	assertData(t, result, `{"levels": [{"id": "2", "title": "Two"}, {"id": "1", "title": "One"}]}`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToMany_EmptyRootIDFilterSkipsDatabase(t *testing.T) {
	executor := &fakeExecutor{}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ levels(ids: []) { title } }`)

	assertData(t, result, `{"levels": []}`)
	assert.Equal(t, 0, executor.callCount())
}

func TestToMany_WithoutIDFilterKeepsRowOrder(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{"B", int64(2)}, {"A", int64(1)}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{})

	result := runQuery(t, s, `{ levels { title } }`)

	assertData(t, result, `{"levels": [{"title": "B"}, {"title": "A"}]}`)
}

func TestToMany_LongIDListIsChunked(t *testing.T) {
	titles := map[string]string{"1": "a", "2": "b", "3": "c", "4": "d", "5": "e"}
	executor := &fakeExecutor{handler: func(_ string, args []any) [][]any {
		var rows [][]any
		for i := len(args) - 1; i >= 0; i-- {
			id := args[i].(string)
			rows = append(rows, []any{id, titles[id]})
		}
		return rows
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()), WithMaxInClause(2))

	result := runQuery(t, s, `{ levels(ids: ["5", "3", "1", "2", "4"]) { id title } }`)

	assertData(t, result, `{"levels": [
		{"id": "5", "title": "e"},
		{"id": "3", "title": "c"},
		{"id": "1", "title": "a"},
		{"id": "2", "title": "b"},
		{"id": "4", "title": "d"}
	]}`)
	assert.Equal(t, 3, executor.callCount())
}

func TestToMany_ExecutorErrorIsReported(t *testing.T) {
	executor := &fakeExecutor{err: errors.New("connection reset")}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))

	result := runQuery(t, s, `{ levels(ids: ["1"]) { title } }`)

	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "connection reset")
}

func TestResolver_EmitsTracingSpan(t *testing.T) {
	recorder, cleanup := installResolverSpanRecorder(t)
	defer cleanup()

	executor := &fakeExecutor{responses: [][][]any{
		{{"Tutorial"}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))
	result := runQuery(t, s, `{ level(id: "7") { title } }`)
	require.Empty(t, result.Errors)

	span := findEndedSpanByName(recorder.Ended(), "graphql.resolve.to_one")
	require.NotNil(t, span)
	assert.Equal(t, "levels", readSpanString(span.Attributes(), "db.table"))
	assert.Equal(t, "Level", readSpanString(span.Attributes(), "graphql.type"))
	assert.Equal(t, "level", readSpanString(span.Attributes(), "graphql.path"))
	assert.Equal(t, "ok", readSpanString(span.Attributes(), "graphql.resolver.outcome"))
}

func TestResolver_ErrorSpanStatus(t *testing.T) {
	recorder, cleanup := installResolverSpanRecorder(t)
	defer cleanup()

	executor := &fakeExecutor{err: errors.New("boom")}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithHooks(defaultHooks()))
	result := runQuery(t, s, `{ levels(ids: ["1"]) { title } }`)
	require.NotEmpty(t, result.Errors)

	span := findEndedSpanByName(recorder.Ended(), "graphql.resolve.to_many")
	require.NotNil(t, span)
	assert.Equal(t, "error", readSpanString(span.Attributes(), "graphql.resolver.outcome"))
	assert.Equal(t, codes.Error, span.Status().Code)
}

func TestLimits_RejectDeepRootField(t *testing.T) {
	executor := &fakeExecutor{}
	s := buildTestSchema(t, executor, sqlutil.MySQL{},
		WithHooks(defaultHooks()), WithLimits(planner.Limits{MaxDepth: 2}))

	result := runQuery(t, s, `{ level(id: "1") { title owner { name } } }`)

	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "maximum depth of 2")
	assert.Equal(t, 0, executor.callCount())
}

func TestLimits_RejectTooManyRows(t *testing.T) {
	executor := &fakeExecutor{}
	s := buildTestSchema(t, executor, sqlutil.MySQL{}, WithLimits(planner.Limits{MaxRows: 1}))

	result := runQuery(t, s, `{ levels { title } }`)

	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "maximum rows of 1")
	assert.Equal(t, 0, executor.callCount())
}

func TestLimits_NestedBoundFieldsAreNotRechecked(t *testing.T) {
	executor := &fakeExecutor{responses: [][][]any{
		{{nil}},
	}}
	s := buildTestSchema(t, executor, sqlutil.MySQL{},
		WithHooks(defaultHooks()), WithLimits(planner.Limits{MaxDepth: 3}))

	result := runQuery(t, s, `{ collection(id: "1") { levels { title } } }`)

	assertData(t, result, `{"collection": {"levels": []}}`)
}
