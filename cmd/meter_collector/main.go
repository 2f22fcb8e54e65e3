// Responsible for storing the data collected from the smart meter
// Depends on the interpreter API being online.
package main

import (
	"os"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/aggregator"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/config"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/interpreter"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/jsmutils"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/meterdb"
	"go.uber.org/zap"
)

func main() {
	if err := logging.Initialize(""); err != nil {
		panic(err)
	}
	defer logging.Sync()

	// Initialize database
	meterdb.InitializeDatabase()

	if err := config.LoadMeterCollectorConfig(); err != nil {
		logging.Fatal("Failed to load meter collector config", zap.Error(err))
	}

	// Env var INTERPRETER_API_HOST takes precedence over the config
	host := os.Getenv("INTERPRETER_API_HOST")
	if host == "" {
		host = config.ActiveMeterCollectorConfig.InterpreterAPIHost
	}

	// Aggregate on the hour
	go runAggregationSchedule()

	// Subscribe to websocket with revive
	interpreter.StartListener(host, config.ActiveMeterCollectorConfig.TLSEnabled, handleMeterReading)
}

// Handle meter reading data
func handleMeterReading(reading *interpreter.RawMeterReading) {
	timestamp := time.Now().UTC().Unix()
	if t, err := time.Parse(time.RFC3339, reading.Timestamp); err == nil {
		timestamp = t.UTC().Unix()
	}

	err := meterdb.InsertLivePowerReading(&meterdb.MeterDbLivePowerReading{
		Timestamp:  timestamp,
		Watt:       reading.InstantaneousPowerW,
		RCurrentDA: int16(reading.CurrentRPhaseA * 10),
		TCurrentDA: int16(reading.CurrentTPhaseA * 10),
	})
	if err != nil {
		logging.Error("Failed to store live power reading", zap.Error(err))
		return
	}

	// Counter standings only change a few times per hour; storing every
	// broadcast is still cheap and the aggregator dedupes per hour.
	err = meterdb.InsertCumulativeReading(&meterdb.MeterDbCumulativeReading{
		Timestamp:     timestamp,
		ConsumptionWh: jsmutils.KwhToWh(reading.CumulativeConsumptionKWH),
		ProductionWh:  jsmutils.KwhToWh(reading.CumulativeProductionKWH),
	})
	if err != nil {
		logging.Error("Failed to store cumulative reading", zap.Error(err))
	}
}

// runAggregationSchedule runs the aggregator shortly after every full
// hour so the previous hour is complete.
func runAggregationSchedule() {
	for {
		now := time.Now().UTC()
		nextRun := now.Truncate(time.Hour).Add(time.Hour + time.Minute)
		time.Sleep(nextRun.Sub(now))

		if err := aggregator.AggregateAndCleanup(); err != nil {
			logging.Error("Aggregation run failed", zap.Error(err))
		}
	}
}
