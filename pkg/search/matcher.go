// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

// Match evaluates one filter condition against a row. It mirrors the SQL
// composition so resources served from memory behave like SQL-backed ones.
func Match(row map[string]any, spec SearchSpec) (bool, error) {
	value, ok := row[spec.Parameter]
	if !ok {
		return false, apierror.NewInvalidRequestError(
			fmt.Sprintf("unknown parameter %q", spec.Parameter), nil)
	}

	switch spec.Operator {
	case OpEqual:
		return compareValues(value, spec.Value) == 0, nil
	case OpNotEqual:
		return compareValues(value, spec.Value) != 0, nil
	case OpGreaterThan:
		return compareValues(value, spec.Value) > 0, nil
	case OpLessThan:
		return compareValues(value, spec.Value) < 0, nil
	case OpLike:
		return matchLike(stringify(value), stringify(spec.Value)), nil
	case OpNotLike:
		return !matchLike(stringify(value), stringify(spec.Value)), nil
	case OpRegex:
		re, err := regexp.Compile(stringify(spec.Value))
		if err != nil {
			return false, apierror.NewInvalidRequestError(
				fmt.Sprintf("invalid regex %q", spec.Value), err)
		}
		return re.MatchString(stringify(value)), nil
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range spec.Values {
			if compareValues(value, candidate) == 0 {
				found = true
				break
			}
		}
		if spec.Operator == OpNotIn {
			return !found, nil
		}
		return found, nil
	default:
		return false, apierror.NewInvalidRequestError(
			fmt.Sprintf("unknown operator %q", spec.Operator), nil)
	}
}

// MatchAll reports whether a row satisfies every condition.
func MatchAll(row map[string]any, specs []SearchSpec) (bool, error) {
	for _, spec := range specs {
		ok, err := Match(row, spec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// compareValues orders two loosely typed values: numerically when both
// sides are numbers, lexically otherwise.
func compareValues(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// matchLike implements SQL LIKE: % matches any run, _ a single character.
func matchLike(value, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile("(?i)" + sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
