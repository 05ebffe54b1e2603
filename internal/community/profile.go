package community

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/graphql-go/graphql"

	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/selection"
	"cytoid-graphql/internal/sqlutil"
)

var errProfileNotLoaded = errors.New("profile id not loaded")

// gradeThresholds maps minimum scores to grades, highest first. Scores below
// the last threshold are graded F.
var gradeThresholds = []struct {
	grade string
	min   int
}{
	{"MAX", 1000000},
	{"SSS", 999500},
	{"SS", 990000},
	{"S", 950000},
	{"A", 900000},
	{"B", 800000},
	{"C", 700000},
	{"D", 600000},
}

// activityStat is one aggregate ProfileActivity can ask for.
type activityStat struct {
	expr    func(s *ProfileStats) string
	integer bool
}

var activityStats = map[string]activityStat{
	"totalRankedPlays": {integer: true, expr: func(s *ProfileStats) string {
		return "COUNT(CASE WHEN " + s.col("records", "ranked") + " THEN 1 END)"
	}},
	"clearedNotes": {integer: true, expr: func(s *ProfileStats) string {
		return "COALESCE(SUM(" + s.col("chart", "notesCount") + "), 0)"
	}},
	"maxCombo": {integer: true, expr: func(s *ProfileStats) string {
		return "COALESCE(MAX(" + s.dialect.JSONInt(s.col("records", "details"), "maxCombo") + "), 0)"
	}},
	"averageRankedAccuracy": {expr: func(s *ProfileStats) string {
		return "COALESCE(AVG(CASE WHEN " + s.col("records", "ranked") + " THEN " + s.col("records", "accuracy") + " END), 0)"
	}},
	"totalRankedScore": {integer: true, expr: func(s *ProfileStats) string {
		return "COALESCE(SUM(CASE WHEN " + s.col("records", "ranked") + " THEN " + s.col("records", "score") + " END), 0)"
	}},
	"totalPlayTime": {expr: func(s *ProfileStats) string {
		return "COALESCE(SUM(" + s.col("level", "duration") + "), 0)"
	}},
}

// ProfileStats resolves the Profile fields computed from a user's play
// records. Each field runs its own statement keyed by the profile id.
type ProfileStats struct {
	executor dbexec.QueryExecutor
	dialect  sqlutil.Dialect
	builder  sq.StatementBuilderType
}

// NewProfileStats creates the Profile statistics resolvers.
func NewProfileStats(executor dbexec.QueryExecutor, dialect sqlutil.Dialect) *ProfileStats {
	return &ProfileStats{
		executor: executor,
		dialect:  dialect,
		builder:  sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
	}
}

// Resolvers returns the resolvers for the Profile type.
func (s *ProfileStats) Resolvers() map[string]graphql.FieldResolveFn {
	return map[string]graphql.FieldResolveFn{
		"rating":     s.rating,
		"exp":        s.exp,
		"grades":     s.grades,
		"activity":   s.activity,
		"timeseries": s.timeseries,
	}
}

func (s *ProfileStats) col(alias, column string) string {
	return s.dialect.Qualified(alias, column)
}

func (s *ProfileStats) table(name, alias string) string {
	if alias == name {
		return s.dialect.Quote(name)
	}
	return s.dialect.Quote(name) + " AS " + s.dialect.Quote(alias)
}

func profileID(p graphql.ResolveParams) (interface{}, error) {
	id := sourceMap(p)["id"]
	if id == nil {
		return nil, errProfileNotLoaded
	}
	return id, nil
}

// query runs b and hands every row to scan.
func (s *ProfileStats) query(ctx context.Context, field string, b sq.SelectBuilder, scan func(dbexec.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build Profile.%s query: %w", field, err)
	}
	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query Profile.%s: %w", field, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan Profile.%s: %w", field, err)
		}
	}
	return rows.Err()
}

func (s *ProfileStats) ratingQuery(id interface{}) sq.SelectBuilder {
	return s.builder.Select().Column(sq.Expr("user_rating(?)", id))
}

func (s *ProfileStats) rating(p graphql.ResolveParams) (interface{}, error) {
	id, err := profileID(p)
	if err != nil {
		return nil, err
	}
	var rating sql.NullFloat64
	err = s.query(p.Context, "rating", s.ratingQuery(id), func(rows dbexec.Rows) error {
		return rows.Scan(&rating)
	})
	if err != nil {
		return nil, err
	}
	return rating.Float64, nil
}

func (s *ProfileStats) gradesQuery(id interface{}) sq.SelectBuilder {
	score := s.col("records", "score")
	var grade strings.Builder
	grade.WriteString("CASE")
	for _, t := range gradeThresholds {
		fmt.Fprintf(&grade, " WHEN %s >= %d THEN %s", score, t.min, sqlutil.QuoteString(t.grade))
	}
	grade.WriteString(" ELSE 'F' END")

	return s.builder.
		Select(grade.String()+" AS "+s.dialect.Quote("grade"), "COUNT(*) AS "+s.dialect.Quote("count")).
		From(s.table("records", "records")).
		Where(sq.Eq{s.col("records", "ownerId"): id}).
		GroupBy(s.dialect.Quote("grade"))
}

func (s *ProfileStats) grades(p graphql.ResolveParams) (interface{}, error) {
	id, err := profileID(p)
	if err != nil {
		return nil, err
	}
	grades := map[string]interface{}{"F": 0}
	for _, t := range gradeThresholds {
		grades[t.grade] = 0
	}
	err = s.query(p.Context, "grades", s.gradesQuery(id), func(rows dbexec.Rows) error {
		var grade string
		var count int64
		if err := rows.Scan(&grade, &count); err != nil {
			return err
		}
		grades[grade] = int(count)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grades, nil
}

// expQuery sums two experience components over the owner's charts of
// difficulty 1 to 16. Basic experience grows with the square root of each
// score; level experience takes the best squared score per level.
func (s *ProfileStats) expQuery(id interface{}) sq.SelectBuilder {
	base := fmt.Sprintf("(%s * (%s / 15.0) + %s / 60.0 * 100.0) * (CASE WHEN %s THEN 1 ELSE 0.5 END)",
		s.col("charts", "notesCount"), s.col("charts", "difficulty"), s.col("levels", "duration"), s.col("records", "ranked"))
	scores := s.builder.
		Select(base+" AS "+s.dialect.Quote("base"),
			s.col("records", "score")+" AS "+s.dialect.Quote("score"),
			s.col("levels", "id")+" AS "+s.dialect.Quote("levelId")).
		From(s.table("records", "records")).
		Join(s.table("charts", "charts") + " ON " + s.col("records", "chartId") + " = " + s.col("charts", "id")).
		Join(s.table("levels", "levels") + " ON " + s.col("charts", "levelId") + " = " + s.col("levels", "id")).
		Where(sq.Eq{s.col("records", "ownerId"): id}).
		Where(s.col("charts", "difficulty") + " BETWEEN 1 AND 16")

	score := s.col("scores", "score") + " / 1000000.0"
	perLevel := s.builder.
		Select(fmt.Sprintf("MAX(POWER(%s, 2) * (%s * 1.5)) AS %s", score, s.col("scores", "base"), s.dialect.Quote("levelExp")),
			fmt.Sprintf("SUM(SQRT(%s) * %s) AS %s", score, s.col("scores", "base"), s.dialect.Quote("basicExp"))).
		FromSelect(scores, s.dialect.Quote("scores")).
		GroupBy(s.col("scores", "levelId"))

	return s.builder.
		Select("ROUND(SUM("+s.col("per_level", "basicExp")+")) AS "+s.dialect.Quote("basicExp"),
			"ROUND(SUM("+s.col("per_level", "levelExp")+")) AS "+s.dialect.Quote("levelExp")).
		FromSelect(perLevel, s.dialect.Quote("per_level"))
}

func (s *ProfileStats) exp(p graphql.ResolveParams) (interface{}, error) {
	id, err := profileID(p)
	if err != nil {
		return nil, err
	}
	var basic, level sql.NullFloat64
	err = s.query(p.Context, "exp", s.expQuery(id), func(rows dbexec.Rows) error {
		return rows.Scan(&basic, &level)
	})
	if err != nil {
		return nil, err
	}
	return experience(int(math.Round(basic.Float64)), int(math.Round(level.Float64))), nil
}

// experience derives the player level from total experience.
func experience(basicExp, levelExp int) map[string]interface{} {
	total := basicExp + levelExp
	current := int(math.Floor((math.Sqrt(6*float64(total)+400) + 10) / 30))
	return map[string]interface{}{
		"basicExp":        basicExp,
		"levelExp":        levelExp,
		"totalExp":        total,
		"currentLevel":    current,
		"nextLevelExp":    levelToExp(current + 1),
		"currentLevelExp": levelToExp(current),
	}
}

// levelToExp is the total experience needed to reach level n.
func levelToExp(n int) int {
	x := float64(3*n - 1)
	return int(math.Round(50 * (x*x/3 - 4.0/3)))
}

// activityQuery selects only the named aggregates, in order. Unknown names
// are skipped.
func (s *ProfileStats) activityQuery(id interface{}, names []string) (sq.SelectBuilder, []string) {
	b := s.builder.Select()
	var selected []string
	for _, name := range names {
		stat, ok := activityStats[name]
		if !ok {
			continue
		}
		b = b.Column(stat.expr(s) + " AS " + s.dialect.Quote(name))
		selected = append(selected, name)
	}
	return b.
		From(s.table("records", "records")).
		Join(s.table("charts", "chart") + " ON " + s.col("records", "chartId") + " = " + s.col("chart", "id")).
		Join(s.table("levels", "level") + " ON " + s.col("level", "id") + " = " + s.col("chart", "levelId")).
		Where(sq.Eq{s.col("records", "ownerId"): id}), selected
}

func (s *ProfileStats) activity(p graphql.ResolveParams) (interface{}, error) {
	id, err := profileID(p)
	if err != nil {
		return nil, err
	}
	fields, err := selection.Analyze(p.Info.FieldASTs, p.Info.Fragments, p.Info.VariableValues)
	if err != nil {
		return nil, err
	}
	b, names := s.activityQuery(id, selection.Names(fields))

	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		out[name] = activityValue(name, 0)
	}
	if len(names) == 0 {
		return out, nil
	}
	err = s.query(p.Context, "activity", b, func(rows dbexec.Rows) error {
		values := make([]sql.NullFloat64, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, name := range names {
			out[name] = activityValue(name, values[i].Float64)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func activityValue(name string, v float64) interface{} {
	if activityStats[name].integer {
		return int(math.Round(v))
	}
	return v
}

func (s *ProfileStats) timeseriesQuery(id interface{}) sq.SelectBuilder {
	year, week := s.dialect.ISOWeek(s.col("records", "date"))
	return s.builder.
		Select(year+" AS "+s.dialect.Quote("year"),
			week+" AS "+s.dialect.Quote("week"),
			"AVG("+s.col("records", "accuracy")+") AS "+s.dialect.Quote("accuracy"),
			"AVG("+s.col("records", "rating")+") AS "+s.dialect.Quote("rating"),
			"COUNT(*) AS "+s.dialect.Quote("count")).
		From(s.table("records", "records")).
		Where(sq.Eq{s.col("records", "ownerId"): id}).
		GroupBy(s.dialect.Quote("year"), s.dialect.Quote("week")).
		OrderBy(s.dialect.Quote("year"), s.dialect.Quote("week"))
}

// timeseries returns weekly averages with running averages weighted by the
// number of plays in each week.
func (s *ProfileStats) timeseries(p graphql.ResolveParams) (interface{}, error) {
	id, err := profileID(p)
	if err != nil {
		return nil, err
	}
	series := []interface{}{}
	var plays, ratingSum, accuracySum float64
	err = s.query(p.Context, "timeseries", s.timeseriesQuery(id), func(rows dbexec.Rows) error {
		var year, week, count int64
		var accuracy, rating sql.NullFloat64
		if err := rows.Scan(&year, &week, &accuracy, &rating, &count); err != nil {
			return err
		}
		plays += float64(count)
		ratingSum += rating.Float64 * float64(count)
		accuracySum += accuracy.Float64 * float64(count)
		point := map[string]interface{}{
			"year":          int(year),
			"week":          int(week),
			"accuracy":      accuracy.Float64,
			"rating":        rating.Float64,
			"count":         int(count),
			"accu_rating":   0.0,
			"accu_accuracy": 0.0,
		}
		if plays > 0 {
			point["accu_rating"] = ratingSum / plays
			point["accu_accuracy"] = accuracySum / plays
		}
		series = append(series, point)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return series, nil
}
