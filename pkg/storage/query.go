// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

// RunSearch executes a composed query pair inside one read transaction
// so the count and the page observe the same snapshot. Rows come back
// keyed by the external parameter names of the query's projection.
func RunSearch(ctx context.Context, db *sql.DB, query *search.Query) (int64, []map[string]any, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, nil, fmt.Errorf("beginning search transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	if err := tx.QueryRowContext(ctx, query.CountSQL, query.Args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("counting search results: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query.SelectSQL, query.Args...)
	if err != nil {
		return 0, nil, fmt.Errorf("running search query: %w", err)
	}
	defer rows.Close()

	parameters := query.Parameters
	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(parameters))
		pointers := make([]any, len(parameters))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return 0, nil, fmt.Errorf("scanning search row: %w", err)
		}
		row := make(map[string]any, len(parameters))
		for i, p := range parameters {
			row[p] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterating search rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("committing search transaction: %w", err)
	}
	return total, result, nil
}

// normalizeValue converts driver types into JSON-friendly values.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
