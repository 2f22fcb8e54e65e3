package meterdb

func InsertLivePowerReading(reading *MeterDbLivePowerReading) error {
	db := GetDB()

	_, err := db.Exec(
		"INSERT INTO live_power_readings (timestamp, watt, r_current_da, t_current_da) "+
			"VALUES (?, ?, ?, ?)",
		reading.Timestamp,
		reading.Watt,
		reading.RCurrentDA,
		reading.TCurrentDA,
	)
	if err != nil {
		return err
	}
	return nil
}

func InsertCumulativeReading(reading *MeterDbCumulativeReading) error {
	db := GetDB()

	_, err := db.Exec(
		"INSERT INTO cumulative_energy_readings "+
			"(timestamp, consumption_wh, production_wh) "+
			"VALUES (?, ?, ?)",
		reading.Timestamp,
		reading.ConsumptionWh,
		reading.ProductionWh,
	)
	if err != nil {
		return err
	}
	return nil
}
