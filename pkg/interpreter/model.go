package interpreter

import "encoding/json"

// RawMeterReading is one poll result from the B-route meter as served
// by the interpreter API. Negative instantaneous power means reverse
// flow (local production exceeding consumption).
type RawMeterReading struct {
	Timestamp string `json:"timestamp"`

	// Instantaneous values
	InstantaneousPowerW int32   `json:"instantaneous_power_w"`
	CurrentRPhaseA      float64 `json:"current_r_phase_a"`
	CurrentTPhaseA      float64 `json:"current_t_phase_a"`

	// Meter standings
	CumulativeConsumptionKWH float64 `json:"cumulative_consumption_kwh"`
	CumulativeProductionKWH  float64 `json:"cumulative_production_kwh"`

	// 16 hex digit hardware address of the meter we are joined to
	MeterAddress string `json:"meter_address"`
}

func (r *RawMeterReading) ToJsonBytes() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

func MeterReadingFromJsonBytes(data []byte) *RawMeterReading {
	var reading RawMeterReading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil
	}
	return &reading
}
