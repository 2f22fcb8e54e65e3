package meterdb

// One instantaneous poll from the B-route meter. Watt is signed:
// negative values mean the house is exporting. Currents are stored in
// deci-amps to keep the columns integer.
type MeterDbLivePowerReading struct {
	Timestamp  int64 `db:"timestamp"`
	Watt       int32 `db:"watt"`
	RCurrentDA int16 `db:"r_current_da"`
	TCurrentDA int16 `db:"t_current_da"`
}

// Meter counter standings in watt hours.
type MeterDbCumulativeReading struct {
	Timestamp     int64  `db:"timestamp"`
	ConsumptionWh uint32 `db:"consumption_wh"`
	ProductionWh  uint32 `db:"production_wh"`
}
