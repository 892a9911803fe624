package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trafficlake/internal/contract"
)

// EnsureBaseTables creates an empty destination table for every declared
// contract. The reporting views bind against these tables, so they must
// exist before the first batch has loaded anything. Existing tables are
// left untouched.
func EnsureBaseTables(ctx context.Context, db *sql.DB, contracts contract.Registry) error {
	for dest, ct := range contracts {
		cols := make([]string, len(ct.Columns))
		for i, c := range ct.Columns {
			cols[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type)
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			quoteIdent(dest), strings.Join(cols, ", "))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create base table %s: %w", dest, err)
		}
	}
	return nil
}
