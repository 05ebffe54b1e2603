// Package planner compiles a GraphQL selection into a single parameterized SQL
// statement. To-one relations become LEFT JOINs, to-many relations become
// JSON aggregates, and joins are skipped when only the related key is asked for.
package planner

import "errors"

var (
	// ErrNoPrimaryKey indicates a required primary key is missing.
	ErrNoPrimaryKey = errors.New("no primary key")
	// ErrUnknownType indicates a type with no storage mapping.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnknownField indicates a field with no usable storage mapping.
	ErrUnknownField = errors.New("unknown field")
	// ErrUnsupportedPredicate indicates a Where predicate of an unknown type.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
)

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// CompileStats counts what a compilation produced.
type CompileStats struct {
	Joins       int
	ElidedJoins int
	Aggregates  int
	Dropped     int
}
