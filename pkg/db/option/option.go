package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type optionFunc func(db *gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// QuerySortBy orders results by a column that must appear in Allow.
type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{
		SortBy:  strings.TrimSpace(sortBy),
		OrderBy: strings.TrimSpace(orderBy),
		Allow:   allow,
	}
}

func WithSortBy(q QuerySortBy) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		column := q.SortBy
		if column == "" || !q.Allow[column] {
			column = "created_at"
		}
		direction := strings.ToLower(q.OrderBy)
		if direction != "asc" && direction != "desc" {
			direction = "asc"
		}
		return db.Order(fmt.Sprintf("%s %s", column, direction))
	})
}

type Operator string

const (
	GTE Operator = ">="
	LTE Operator = "<="
)

// Condition is a single column comparison appended to the WHERE clause.
type Condition struct {
	Column   string
	Value    any
	Operator Operator
}

func ApplyOperator(c Condition) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if c.Column == "" || c.Operator == "" {
			return db
		}
		return db.Where(fmt.Sprintf("%s %s ?", c.Column, c.Operator), c.Value)
	})
}
