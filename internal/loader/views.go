package loader

import (
	"context"
	"database/sql"
	"fmt"

	"trafficlake/internal/config"
)

// CreateDerivedViews (re)creates the reporting views the serving layer
// queries. v_traffic_normalized clamps outlier counter readings above the
// configured threshold (scaled down, or floored to 1 when no scale ratio
// is set) and shifts timestamps so a working day that crosses midnight
// starts at 00:00.
func CreateDerivedViews(ctx context.Context, db *sql.DB, cfg *config.Config) error {
	thenIn, thenOut := "1", "1"
	if cfg.OutlierScaleRatio > 0 {
		thenIn = fmt.Sprintf("CAST(ROUND(a.visitors_in * %g, 0) AS INTEGER)", cfg.OutlierScaleRatio)
		thenOut = fmt.Sprintf("CAST(ROUND(a.visitors_out * %g, 0) AS INTEGER)", cfg.OutlierScaleRatio)
	}

	viewSQL := fmt.Sprintf(`
CREATE OR REPLACE VIEW v_traffic_normalized AS
SELECT
    CAST(a.recorded_at AS TIMESTAMP) AS record_time,
    b.store_name,
    CASE WHEN a.visitors_in > %d THEN %s ELSE a.visitors_in END AS in_count,
    CASE WHEN a.visitors_out > %d THEN %s ELSE a.visitors_out END AS out_count,
    (record_time - INTERVAL '%d hours') AS adjusted_time
FROM fact_traffic AS a
LEFT JOIN dim_stores AS b ON a.store_id = b.store_id`,
		cfg.OutlierThreshold, thenIn,
		cfg.OutlierThreshold, thenOut,
		cfg.WorkingHourStart)

	if _, err := db.ExecContext(ctx, viewSQL); err != nil {
		return fmt.Errorf("create view v_traffic_normalized: %w", err)
	}
	return nil
}
