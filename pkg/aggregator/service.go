package aggregator

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/meterdb"
	"go.uber.org/zap"
)

// roundToHourStart returns the Unix timestamp of the start of the hour for the given time
func roundToHourStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
}

// roundToDayStart returns the Unix timestamp of the start of the day for the given time
func roundToDayStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// roundToMonthStart returns the Unix timestamp of the start of the month for the given time
func roundToMonthStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
}

// getHourEnd returns the Unix timestamp of the last second of the hour (next hour start - 1)
func getHourEnd(hourStart int64) int64 {
	return time.Unix(hourStart, 0).Add(time.Hour).Unix() - 1
}

// getDayEnd returns the Unix timestamp of the last second of the day (next day start - 1)
func getDayEnd(dayStart int64) int64 {
	return time.Unix(dayStart, 0).AddDate(0, 0, 1).Unix() - 1
}

// getMonthEnd returns the Unix timestamp of the last second of the month (next month start - 1)
func getMonthEnd(monthStart int64) int64 {
	t := time.Unix(monthStart, 0)
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).Unix() - 1
}

// aggregateLivePower computes the power statistics for one bucket and
// upserts them into the given aggregate table.
func aggregateLivePower(table string, keyColumn string, bucketStart, bucketEnd int64) error {
	db := meterdb.GetDB()

	query := `
		SELECT
			AVG(watt) as avg_watt,
			MIN(watt) as min_watt,
			MAX(watt) as max_watt,
			COUNT(*) as count
		FROM live_power_readings
		WHERE timestamp >= ? AND timestamp <= ?
	`

	var avgWatt sql.NullFloat64
	var minWatt, maxWatt sql.NullInt64
	var sampleCount uint32
	err := db.QueryRow(query, bucketStart, bucketEnd).Scan(&avgWatt, &minWatt, &maxWatt, &sampleCount)
	if err != nil {
		return err
	}

	// Only insert if we have data
	if sampleCount == 0 || !avgWatt.Valid {
		return nil
	}

	insertQuery := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(%s, avg_watt, min_watt, max_watt, sample_count)
		VALUES (?, ?, ?, ?, ?)
	`, table, keyColumn)

	_, err = db.Exec(insertQuery, bucketStart,
		int32(avgWatt.Float64), minWatt.Int64, maxWatt.Int64, sampleCount)
	return err
}

// aggregateLivePowerHourly aggregates live power readings for a specific hour
func aggregateLivePowerHourly(hourStart int64) error {
	return aggregateLivePower("aggregate_live_power_hourly", "hour_start", hourStart, getHourEnd(hourStart))
}

// aggregateLivePowerDaily aggregates live power readings for a specific day
func aggregateLivePowerDaily(dayStart int64) error {
	return aggregateLivePower("aggregate_live_power_daily", "day_start", dayStart, getDayEnd(dayStart))
}

// aggregateLivePowerMonthly aggregates live power readings for a specific month
func aggregateLivePowerMonthly(monthStart int64) error {
	return aggregateLivePower("aggregate_live_power_monthly", "month_start", monthStart, getMonthEnd(monthStart))
}

// snapshotCumulativeEnergyHourly retains the last counter standing
// reported within the hour.
func snapshotCumulativeEnergyHourly(hourStart int64) error {
	db := meterdb.GetDB()
	hourEnd := getHourEnd(hourStart)

	// Get the last known standing within the timespan
	query := `
		SELECT consumption_wh, production_wh
		FROM cumulative_energy_readings
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var consumptionWh, productionWh uint32
	err := db.QueryRow(query, hourStart, hourEnd).Scan(&consumptionWh, &productionWh)
	if err != nil {
		if err == sql.ErrNoRows {
			// No entry within timeframe, that's okay
			return nil
		}
		return err
	}

	// Insert or replace the snapshot
	insertQuery := `
		INSERT OR REPLACE INTO snapshot_cumulative_energy_hourly
		(timestamp, consumption_wh_standing, production_wh_standing)
		VALUES (?, ?, ?)
	`

	_, err = db.Exec(insertQuery, hourStart, consumptionWh, productionWh)
	return err
}

// cleanupOldData removes raw data older than 3 months if we have aggregated it
func cleanupOldData() error {
	db := meterdb.GetDB()

	// Calculate the cutoff timestamp (3 months ago)
	threeMonthsAgo := time.Now().UTC().AddDate(0, -3, 0)
	cutoffTimestamp := threeMonthsAgo.Unix()

	// Check if we have aggregated data up to the cutoff point
	// We check the last hourly aggregate to see if we've aggregated recent enough data
	var lastAggregateHour sql.NullInt64
	err := db.QueryRow("SELECT MAX(hour_start) FROM aggregate_live_power_hourly").Scan(&lastAggregateHour)
	if err != nil {
		if err == sql.ErrNoRows {
			// No aggregates yet, don't clean up
			return nil
		}
		return err
	}

	// Only clean up if we have aggregated data up to the cutoff point
	if !lastAggregateHour.Valid || lastAggregateHour.Int64 < cutoffTimestamp {
		// We haven't aggregated enough data yet, don't clean up
		return nil
	}

	// Delete old live power readings
	_, err = db.Exec("DELETE FROM live_power_readings WHERE timestamp < ?", cutoffTimestamp)
	if err != nil {
		return err
	}

	// Delete old cumulative readings; the hourly snapshots keep the history
	_, err = db.Exec("DELETE FROM cumulative_energy_readings WHERE timestamp < ?", cutoffTimestamp)
	if err != nil {
		return err
	}

	logging.Info("Cleaned up old raw readings",
		zap.String("cutoff", threeMonthsAgo.Format(time.RFC3339)))
	return nil
}

// AggregateAndCleanup performs all aggregation and cleanup tasks
// This is the main function to call for data aggregation
func AggregateAndCleanup() error {
	now := time.Now().UTC()

	// Aggregate the previous hour (current hour is still ongoing)
	previousHour := now.Add(-time.Hour)
	hourStart := roundToHourStart(previousHour)

	logging.Debug("Aggregating hourly data",
		zap.String("hour_start", time.Unix(hourStart, 0).Format(time.RFC3339)))

	if err := aggregateLivePowerHourly(hourStart); err != nil {
		logging.Error("Error aggregating hourly live power", zap.Error(err))
		return err
	}

	if err := snapshotCumulativeEnergyHourly(hourStart); err != nil {
		logging.Error("Error creating cumulative energy snapshot", zap.Error(err))
		return err
	}

	// Aggregate the previous day if it's a new day
	if now.Hour() == 0 {
		previousDay := now.AddDate(0, 0, -1)
		dayStart := roundToDayStart(previousDay)

		if err := aggregateLivePowerDaily(dayStart); err != nil {
			logging.Error("Error aggregating daily live power", zap.Error(err))
			return err
		}
	}

	// Aggregate the previous month if it's a new month
	if now.Hour() == 0 && now.Day() == 1 {
		previousMonth := now.AddDate(0, -1, 0)
		monthStart := roundToMonthStart(previousMonth)

		if err := aggregateLivePowerMonthly(monthStart); err != nil {
			logging.Error("Error aggregating monthly live power", zap.Error(err))
			return err
		}
	}

	// Run cleanup
	if err := cleanupOldData(); err != nil {
		logging.Error("Error cleaning up old data", zap.Error(err))
		return err
	}

	logging.Debug("Aggregation and cleanup completed")
	return nil
}
