// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package search implements the query engine shared by the administrative
// resources: a declarative filter/sort/projection language composed into
// SQL or evaluated in memory, with an implicit tenant filter for
// multi-VO tables.
package search

import (
	"encoding/json"
	"fmt"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

// Operator is a comparison operator of a search specification.
type Operator string

// Scalar operators.
const (
	OpEqual       Operator = "eq"
	OpNotEqual    Operator = "neq"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpLike        Operator = "like"
	OpNotLike     Operator = "not like"
	OpRegex       Operator = "regex"
)

// Vector operators.
const (
	OpIn    Operator = "in"
	OpNotIn Operator = "not in"
)

// Direction is a sort direction.
type Direction string

// Sort directions.
const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// SearchSpec is one filter condition. Scalar operators use Value, vector
// operators use Values.
type SearchSpec struct {
	Parameter string   `json:"parameter"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value,omitempty"`
	Values    []any    `json:"values,omitempty"`
}

// Vector reports whether the operator takes a value list.
func (s SearchSpec) Vector() bool {
	return s.Operator == OpIn || s.Operator == OpNotIn
}

// SortSpec orders results by one parameter.
type SortSpec struct {
	Parameter string    `json:"parameter"`
	Direction Direction `json:"direction"`
}

// Params is a complete search request. A nil Parameters list selects every
// known field.
type Params struct {
	Parameters []string     `json:"parameters"`
	Search     []SearchSpec `json:"search"`
	Sort       []SortSpec   `json:"sort"`
	Distinct   bool         `json:"distinct"`
}

// UnmarshalJSON validates operators and directions at the boundary.
func (p *Params) UnmarshalJSON(data []byte) error {
	type plain Params
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, spec := range raw.Search {
		if err := validateOperator(spec); err != nil {
			return err
		}
	}
	for _, sort := range raw.Sort {
		if sort.Direction != Ascending && sort.Direction != Descending {
			return apierror.NewInvalidRequestError(
				fmt.Sprintf("invalid sort direction %q", sort.Direction), nil)
		}
	}
	*p = Params(raw)
	return nil
}

func validateOperator(spec SearchSpec) error {
	switch spec.Operator {
	case OpEqual, OpNotEqual, OpGreaterThan, OpLessThan, OpLike, OpNotLike, OpRegex:
		if spec.Value == nil {
			return apierror.NewInvalidRequestError(
				fmt.Sprintf("operator %q requires a value", spec.Operator), nil)
		}
	case OpIn, OpNotIn:
		if len(spec.Values) == 0 {
			return apierror.NewInvalidRequestError(
				fmt.Sprintf("operator %q requires a value list", spec.Operator), nil)
		}
	default:
		return apierror.NewInvalidRequestError(
			fmt.Sprintf("unknown operator %q", spec.Operator), nil)
	}
	return nil
}

// WithVOFilter returns a copy of the params with the caller's VO appended
// as an implicit equality filter. Multi-tenant resources apply this before
// composition, unconditionally.
func (p Params) WithVOFilter(parameter, vo string) Params {
	filtered := p
	filtered.Search = make([]SearchSpec, 0, len(p.Search)+1)
	filtered.Search = append(filtered.Search, p.Search...)
	filtered.Search = append(filtered.Search, SearchSpec{
		Parameter: parameter,
		Operator:  OpEqual,
		Value:     vo,
	})
	return filtered
}
