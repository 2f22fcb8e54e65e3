package jsmutils

import (
	"fmt"
	"math"
)

// No negative values
func KwToW(kw float64) uint32 {
	if kw < 0 {
		return 0
	}
	return uint32(math.Round(kw * 1000))
}

func WToKw(w uint32) float64 {
	return float64(w) / 1000
}

// Convert kWh to Wh for storage - No negative values
func KwhToWh(kwh float64) uint32 {
	if kwh < 0 {
		return 0
	}
	return uint32(math.Round(kwh * 1000))
}

func WhToKwh(wh uint32) float64 {
	return float64(wh) / 1000
}

// CumulativeUnitMultiplier maps the meter's cumulative energy unit
// code (EPC 0xE1) to the kWh multiplier for the raw counter value.
// Table from the ECHONET Lite appendix for the low-voltage smart
// electric energy meter class.
func CumulativeUnitMultiplier(code byte) (float64, error) {
	switch code {
	case 0x00:
		return 1, nil
	case 0x01:
		return 0.1, nil
	case 0x02:
		return 0.01, nil
	case 0x03:
		return 0.001, nil
	case 0x04:
		return 0.0001, nil
	case 0x0A:
		return 10, nil
	case 0x0B:
		return 100, nil
	case 0x0C:
		return 1000, nil
	case 0x0D:
		return 10000, nil
	default:
		return 0, fmt.Errorf("unknown cumulative energy unit code 0x%02X", code)
	}
}
