// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

// DefaultMaxPerPage caps the page size when the installation does not
// override it.
const DefaultMaxPerPage = 10000

// Field maps one exposed parameter name to its backing column.
type Field struct {
	// Column is the SQL column name. Defaults to the parameter name.
	Column string
}

// Table describes one searchable resource: its SQL table and the
// parameters callers may reference.
type Table struct {
	Name   string
	Fields map[string]Field
}

// column resolves a parameter to its column, or fails with an invalid
// query error for unknown parameters.
func (t Table) column(parameter string) (string, error) {
	field, ok := t.Fields[parameter]
	if !ok {
		return "", apierror.NewInvalidRequestError(
			fmt.Sprintf("unknown parameter %q", parameter), nil)
	}
	if field.Column == "" {
		return parameter, nil
	}
	return field.Column, nil
}

// Query is a composed SQL statement pair: the paged selection and the
// count of matching rows before paging. Parameters holds the effective
// projection, in column order, for mapping rows back to external names.
type Query struct {
	SelectSQL  string
	CountSQL   string
	Args       []any
	Parameters []string
}

// Compose builds the SQL for one search request. page is 1-indexed;
// perPage is clamped to maxPerPage (DefaultMaxPerPage when zero).
func Compose(table Table, params Params, page, perPage, maxPerPage int) (*Query, error) {
	if maxPerPage <= 0 {
		maxPerPage = DefaultMaxPerPage
	}
	if page < 1 {
		return nil, apierror.NewInvalidRequestError("page is 1-indexed", nil)
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = maxPerPage
	}

	parameters := params.Parameters
	if parameters == nil {
		parameters = sortedParameters(table)
	}
	projection, err := composeProjection(table, parameters)
	if err != nil {
		return nil, err
	}
	where, args, err := composeWhere(table, params.Search)
	if err != nil {
		return nil, err
	}
	orderBy, err := composeOrderBy(table, params.Sort)
	if err != nil {
		return nil, err
	}

	distinct := ""
	if params.Distinct {
		distinct = "DISTINCT "
	}

	selectSQL := fmt.Sprintf("SELECT %s%s FROM %s%s%s LIMIT %d OFFSET %d",
		distinct, projection, table.Name, where, orderBy, perPage, (page-1)*perPage)
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT %s%s FROM %s%s)",
		distinct, projection, table.Name, where)

	return &Query{SelectSQL: selectSQL, CountSQL: countSQL, Args: args, Parameters: parameters}, nil
}

func composeProjection(table Table, parameters []string) (string, error) {
	if len(parameters) == 0 {
		return "", apierror.NewInvalidRequestError("empty parameter list", nil)
	}
	columns := make([]string, 0, len(parameters))
	for _, p := range parameters {
		column, err := table.column(p)
		if err != nil {
			return "", err
		}
		columns = append(columns, column)
	}
	return strings.Join(columns, ", "), nil
}

func composeWhere(table Table, specs []SearchSpec) (string, []any, error) {
	if len(specs) == 0 {
		return "", nil, nil
	}
	conditions := make([]string, 0, len(specs))
	var args []any
	for _, spec := range specs {
		column, err := table.column(spec.Parameter)
		if err != nil {
			return "", nil, err
		}
		switch spec.Operator {
		case OpEqual:
			conditions = append(conditions, column+" = ?")
			args = append(args, spec.Value)
		case OpNotEqual:
			conditions = append(conditions, column+" != ?")
			args = append(args, spec.Value)
		case OpGreaterThan:
			conditions = append(conditions, column+" > ?")
			args = append(args, spec.Value)
		case OpLessThan:
			conditions = append(conditions, column+" < ?")
			args = append(args, spec.Value)
		case OpLike:
			conditions = append(conditions, column+" LIKE ?")
			args = append(args, spec.Value)
		case OpNotLike:
			conditions = append(conditions, column+" NOT LIKE ?")
			args = append(args, spec.Value)
		case OpRegex:
			// Compiled here so a bad pattern fails the request instead of
			// erroring out of the database's REGEXP function mid-query.
			pattern := stringify(spec.Value)
			if _, err := regexp.Compile(pattern); err != nil {
				return "", nil, apierror.NewInvalidRequestError(
					fmt.Sprintf("invalid regex %q", pattern), err)
			}
			conditions = append(conditions, column+" REGEXP ?")
			args = append(args, spec.Value)
		case OpIn, OpNotIn:
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(spec.Values)), ", ")
			op := "IN"
			if spec.Operator == OpNotIn {
				op = "NOT IN"
			}
			conditions = append(conditions, fmt.Sprintf("%s %s (%s)", column, op, placeholders))
			args = append(args, spec.Values...)
		default:
			return "", nil, apierror.NewInvalidRequestError(
				fmt.Sprintf("unknown operator %q", spec.Operator), nil)
		}
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

func composeOrderBy(table Table, sorts []SortSpec) (string, error) {
	if len(sorts) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(sorts))
	for _, sort := range sorts {
		column, err := table.column(sort.Parameter)
		if err != nil {
			return "", err
		}
		switch sort.Direction {
		case Ascending:
			clauses = append(clauses, column+" ASC")
		case Descending:
			clauses = append(clauses, column+" DESC")
		default:
			return "", apierror.NewInvalidRequestError(
				fmt.Sprintf("invalid sort direction %q", sort.Direction), nil)
		}
	}
	return " ORDER BY " + strings.Join(clauses, ", "), nil
}

func sortedParameters(table Table) []string {
	parameters := make([]string, 0, len(table.Fields))
	for name := range table.Fields {
		parameters = append(parameters, name)
	}
	// Deterministic projection order for a nil parameter list.
	slices.Sort(parameters)
	return parameters
}
