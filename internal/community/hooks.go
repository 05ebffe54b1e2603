package community

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/graphql-go/graphql"

	"cytoid-graphql/internal/middleware"
	"cytoid-graphql/internal/planner"
	"cytoid-graphql/internal/resolver"
	"cytoid-graphql/internal/scalars"
)

// Hooks returns the query hooks for root lookups and level visibility.
func Hooks() resolver.Hooks {
	return resolver.Hooks{
		"Query": {
			"profile":    profileByIDOrUID,
			"user":       byIDOrUID,
			"level":      levelByIDOrUID,
			"levels":     levelList,
			"collection": byIDOrUID,
			"chart":      byID,
		},
		"Collection": {
			"levels": collectionLevels,
		},
	}
}

func viewer(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	auth, ok := middleware.AuthFromContext(ctx)
	if !ok || auth.Subject == "" {
		return "", false
	}
	return auth.Subject, true
}

func stringArg(p graphql.ResolveParams, name string) (string, bool) {
	v, ok := p.Args[name].(string)
	return v, ok && v != ""
}

func byID(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	id, ok := stringArg(p, "id")
	if !ok {
		return nil, nil
	}
	if err := q.Eq("id", id); err != nil {
		return nil, err
	}
	return q, nil
}

// byIDOrUID looks an entity up by id, falling back to uid. With neither the
// field resolves to null.
func byIDOrUID(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	if id, ok := stringArg(p, "id"); ok {
		return q, q.Eq("id", id)
	}
	if uid, ok := stringArg(p, "uid"); ok {
		return q, q.Eq("uid", uid)
	}
	return nil, nil
}

// profileByIDOrUID resolves uid through the profile's user, joining users if
// the selection did not already. The profile id is always loaded for the
// statistics resolvers.
func profileByIDOrUID(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	if err := q.SelectField("id"); err != nil {
		return nil, err
	}
	if id, ok := stringArg(p, "id"); ok {
		return q, q.Eq("id", id)
	}
	uid, ok := stringArg(p, "uid")
	if !ok {
		return nil, nil
	}
	col, err := q.RelationColumn("user", "uid")
	if err != nil {
		return nil, err
	}
	q.Where(sq.Eq{col: uid})
	return q, nil
}

// visibleByLink admits public and unlisted levels plus the viewer's own.
func visibleByLink(ctx context.Context, q *planner.Query) error {
	published, err := q.Column("state")
	if err != nil {
		return err
	}
	pred := sq.Or{sq.Eq{published: true}, sq.Eq{published: nil}}
	if subject, ok := viewer(ctx); ok {
		owner, err := q.Column("owner")
		if err != nil {
			return err
		}
		pred = append(pred, sq.Eq{owner: subject})
	}
	q.Where(pred)
	return nil
}

// visibleInListing admits public levels plus the viewer's own.
func visibleInListing(ctx context.Context, q *planner.Query) error {
	published, err := q.Column("state")
	if err != nil {
		return err
	}
	subject, ok := viewer(ctx)
	if !ok {
		q.Where(sq.Eq{published: true})
		return nil
	}
	owner, err := q.Column("owner")
	if err != nil {
		return err
	}
	q.Where(sq.Or{sq.Eq{published: true}, sq.Eq{owner: subject}})
	return nil
}

func levelByIDOrUID(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	result, err := byIDOrUID(p, q)
	if err != nil || result == nil {
		return result, err
	}
	return q, visibleByLink(p.Context, q)
}

// levelList serves explicit id lists in the requested order, or otherwise a
// newest-first listing optionally narrowed to one owner's uid.
func levelList(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	limit, err := scalars.IntArg(p.Args, "limit", DefaultListLimit)
	if err != nil {
		return nil, err
	}
	offset, err := scalars.IntArg(p.Args, "offset", 0)
	if err != nil {
		return nil, err
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	if raw, ok := p.Args["ids"]; ok && raw != nil {
		ids := window(resolver.ListValue(raw), offset, limit)
		q.FilterByIDs(ids)
		return q, visibleByLink(p.Context, q)
	}

	if err := visibleInListing(p.Context, q); err != nil {
		return nil, err
	}
	if owner, ok := stringArg(p, "owner"); ok {
		col, err := q.RelationColumn("owner", "uid")
		if err != nil {
			return nil, err
		}
		q.Where(sq.Eq{col: owner})
	}
	created, err := q.Column("creationDate")
	if err != nil {
		return nil, err
	}
	pk, err := q.PrimaryKeyColumn()
	if err != nil {
		return nil, err
	}
	q.OrderBy(created+" DESC", pk+" DESC").Limit(uint64(limit)).Offset(uint64(offset))
	return q, nil
}

// collectionLevels trims the collection's id list to the requested limit and
// hides private levels of other users.
func collectionLevels(p graphql.ResolveParams, q *planner.Query) (interface{}, error) {
	limit, err := scalars.IntArg(p.Args, "limit", MaxListLimit)
	if err != nil {
		return nil, err
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if ids, ok := q.IDs(); ok {
		q.FilterByIDs(window(ids, 0, limit))
	}
	return q, visibleByLink(p.Context, q)
}

func window(ids []interface{}, offset, limit int) []interface{} {
	if offset >= len(ids) {
		return []interface{}{}
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}
