package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSDL = `
type File {
  path: String! @column(primary: true)
  size: Int @column
}

type User {
  id: ID! @column(primary: true)
  uid: String @column
  avatar: File @column(name: "avatarPath") @relation(name: "files")
}

type Chart {
  id: ID! @column(primary: true)
  type: String! @column
  level: Level @column(name: "levelId") @relation
}

type Level {
  id: ID! @column(primary: true)
  title: String! @column
  owner: User @column(name: "ownerId") @relation(name: "users")
  charts: [Chart!]! @reverse(key: "levelId")
  untracked: String
}

type Collection {
  id: ID! @column(primary: true)
  levelIds: [ID!]! @column
  levels: [Level!]! @toMany(name: "levels", field: "levelIds")
}

type Query {
  level(id: ID!): Level @toOne(name: "levels")
  collection(id: ID!): Collection @toOne
}
`

func TestLoad_ExtractsJoinTable(t *testing.T) {
	doc, err := Load("fixture.graphql", fixtureSDL)
	require.NoError(t, err)
	meta := doc.Metadata

	f, ok := meta.Field("Level", "title")
	require.True(t, ok)
	assert.Equal(t, SQLField{Kind: KindColumn, Key: "title"}, f)

	owner, ok := meta.Field("Level", "owner")
	require.True(t, ok)
	assert.Equal(t, KindToOne, owner.Kind)
	assert.Equal(t, "ownerId", owner.Key)
	assert.Equal(t, "id", owner.RelationKey)
	assert.Equal(t, "User", owner.Target)
	assert.True(t, owner.Relation)
	assert.False(t, owner.Many)

	charts, ok := meta.Field("Level", "charts")
	require.True(t, ok)
	assert.Equal(t, KindToMany, charts.Kind)
	assert.Equal(t, "id", charts.Key)
	assert.Equal(t, "levelId", charts.RelationKey)
	assert.True(t, charts.Many)

	avatar, ok := meta.Field("User", "avatar")
	require.True(t, ok)
	assert.Equal(t, "path", avatar.RelationKey)

	_, ok = meta.Field("Level", "untracked")
	assert.False(t, ok)
}

func TestLoad_PrimaryFieldsAndTables(t *testing.T) {
	doc, err := Load("fixture.graphql", fixtureSDL)
	require.NoError(t, err)
	meta := doc.Metadata

	assert.Equal(t, map[string]string{
		"Chart":      "id",
		"Collection": "id",
		"File":       "path",
		"Level":      "id",
		"User":       "id",
	}, meta.PrimaryFields())

	assert.Equal(t, map[string]string{
		"Chart":      "charts",
		"Collection": "collections",
		"File":       "files",
		"Level":      "levels",
		"User":       "users",
	}, meta.TableNames())

	col, ok := meta.PrimaryColumn("File")
	require.True(t, ok)
	assert.Equal(t, "path", col)
}

func TestLoad_ToManyTargetExtractedColumnsOnlyUntilReachedFully(t *testing.T) {
	sdl := `
type Chart {
  id: ID! @column(primary: true)
  level: Level @column(name: "levelId") @relation
}
type Level {
  id: ID! @column(primary: true)
  charts: [Chart!]! @reverse(key: "levelId")
}
type Query {
  level(id: ID!): Level @toOne
}
`
	doc, err := Load("t.graphql", sdl)
	require.NoError(t, err)

	_, ok := doc.Metadata.Field("Chart", "id")
	assert.True(t, ok)
	level, ok := doc.Metadata.Field("Chart", "level")
	require.True(t, ok, "relations of a to-many target are recorded")
	assert.Equal(t, KindToOne, level.Kind)
	assert.Equal(t, "Level", level.Target)
	assert.Empty(t, level.Key, "but not followed")
}

func TestLoad_ToManyTargetRelationsAreNotEnqueued(t *testing.T) {
	sdl := `
type Author {
  id: ID! @column(primary: true)
  name: String @column
}
type Post {
  id: ID! @column(primary: true)
  author: Author @column(name: "authorId") @relation(name: "authors")
}
type Thread {
  id: ID! @column(primary: true)
  posts: [Post!]! @reverse(name: "posts", key: "threadId")
}
type Query {
  thread(id: ID!): Thread @toOne(name: "threads")
}
`
	doc, err := Load("t.graphql", sdl)
	require.NoError(t, err)

	author, ok := doc.Metadata.Field("Post", "author")
	require.True(t, ok)
	assert.Equal(t, KindToOne, author.Kind)
	assert.False(t, doc.Metadata.HasType("Author"), "Author is reachable only through a to-many edge")
}

func TestLoad_Bindings(t *testing.T) {
	doc, err := Load("fixture.graphql", fixtureSDL)
	require.NoError(t, err)

	b, ok := doc.Metadata.Binding("Collection", "levels")
	require.True(t, ok)
	assert.Equal(t, Binding{Kind: BindToMany, Target: "Level", Table: "levels", SourceProperty: "levelIds"}, b)

	b, ok = doc.Metadata.Binding("Query", "collection")
	require.True(t, ok)
	assert.Equal(t, "collections", b.Table)
	assert.Equal(t, BindToOne, b.Kind)

	all := doc.Metadata.Bindings()
	require.Len(t, all, 3)
	assert.Equal(t, "Collection", all[0].TypeName)
	assert.Equal(t, "collection", all[1].FieldName)
	assert.Equal(t, "level", all[2].FieldName)
}

func TestLoad_JoinTableIsACopy(t *testing.T) {
	doc, err := Load("fixture.graphql", fixtureSDL)
	require.NoError(t, err)

	jt := doc.Metadata.JoinTable()
	delete(jt["Level"], "title")
	jt["Level"]["owner"] = SQLField{}

	f, ok := doc.Metadata.Field("Level", "title")
	require.True(t, ok)
	assert.Equal(t, "title", f.Key)
	owner, _ := doc.Metadata.Field("Level", "owner")
	assert.Equal(t, "User", owner.Target)
}

func TestLoad_FixedSelections(t *testing.T) {
	sdl := `
type User {
  id: ID! @column(primary: true)
  name: String @column
}
type Level {
  id: ID! @column(primary: true)
  owner: User @column(name: "ownerId") @relation(select: ["id", "name"])
}
type Query {
  level: Level @toOne
}
`
	doc, err := Load("t.graphql", sdl)
	require.NoError(t, err)
	owner, ok := doc.Metadata.Field("Level", "owner")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, owner.Selections)
}

func TestLoad_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		sdl  string
		msg  string
	}{
		{
			name: "duplicate primary",
			sdl: `
type Level {
  id: ID! @column(primary: true)
  uid: ID! @column(primary: true)
}
type Query { level: Level @toOne }`,
			msg: "duplicate primary field",
		},
		{
			name: "conflicting aliases",
			sdl: `
type Level { id: ID! @column(primary: true) }
type Query {
  a: Level @toOne(name: "levels")
  b: Level @toOne(name: "level_table")
}`,
			msg: "conflicts with",
		},
		{
			name: "relation without column",
			sdl: `
type User { id: ID! @column(primary: true) }
type Level {
  id: ID! @column(primary: true)
  owner: User @relation
}
type Query { level: Level @toOne }`,
			msg: "@relation requires @column",
		},
		{
			name: "to-one without remote key",
			sdl: `
type User { name: String @column }
type Level {
  id: ID! @column(primary: true)
  owner: User @column(name: "ownerId") @relation
}
type Query { level: Level @toOne }`,
			msg: "User has no primary field",
		},
		{
			name: "to-many owner without primary",
			sdl: `
type Chart { id: ID! @column(primary: true) }
type Level {
  title: String @column
  charts: [Chart!]! @reverse(key: "levelId")
}
type Query { level: Level @toOne }`,
			msg: "to-many owner Level has no primary field",
		},
		{
			name: "to-many not a list",
			sdl: `
type Chart { id: ID! @column(primary: true) }
type Level {
  id: ID! @column(primary: true)
  charts: Chart @reverse(key: "levelId")
}
type Query { level: Level @toOne }`,
			msg: "must be a list",
		},
		{
			name: "relation target not an object",
			sdl: `
enum State { PUBLIC PRIVATE }
type Level {
  id: ID! @column(primary: true)
  state: State @column @relation
}
type Query { level: Level @toOne }`,
			msg: "is not an object type",
		},
		{
			name: "binding with storage directive",
			sdl: `
type Level { id: ID! @column(primary: true) }
type Query { level: Level @toOne @column }`,
			msg: "cannot also carry a storage directive",
		},
		{
			name: "binding source is not a column",
			sdl: `
type Level { id: ID! @column(primary: true) }
type Collection {
  id: ID! @column(primary: true)
  levelIds: [ID!]!
  levels: [Level!]! @toMany(field: "levelIds")
}
type Query { collection: Collection @toOne }`,
			msg: "must be a @column field",
		},
		{
			name: "object column without relation",
			sdl: `
type User { id: ID! @column(primary: true) }
type Level {
  id: ID! @column(primary: true)
  owner: User @column
}
type Query { level: Level @toOne }`,
			msg: "needs @relation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("t.graphql", tt.sdl)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_InvalidSDL(t *testing.T) {
	_, err := Load("t.graphql", `type Query { level: Missing }`)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfig)
}
