package postgres

import (
	"fmt"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// listQuery appends the created_at window, newest-first ordering and
// pagination of opts to base. base must already bind len(args) parameters.
func listQuery(base string, args []any, opts domain.ListOpts) (string, []any) {
	query := base
	next := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", next)
		args = append(args, *opts.Since)
		next++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", next)
		args = append(args, *opts.Until)
		next++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next)
		args = append(args, opts.Limit)
		next++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", next)
		args = append(args, opts.Offset)
	}
	return query, args
}
