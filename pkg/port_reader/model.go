package port_reader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/echonet"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/interpreter"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/skstack"
)

// UDP port and ECHONET objects for the low-voltage smart electric
// energy meter class.
const (
	echonetPort uint16 = 3610
	sendHandle  byte   = 1

	scanModeActive  byte   = 2
	scanChannelMask uint32 = 0xFFFFFFFF
)

var (
	controllerEOJ = echonet.EOJ{ClassGroup: 0x05, Class: 0xFF, Instance: 0x01}
	meterEOJ      = echonet.EOJ{ClassGroup: 0x02, Class: 0x88, Instance: 0x01}
)

// Meter properties polled from the B-route
const (
	epcCumulativeForward    byte = 0xE0 // normal direction standing, raw counter
	epcCumulativeUnit       byte = 0xE1 // kWh multiplier for the counters
	epcCumulativeReverse    byte = 0xE3 // reverse direction standing, raw counter
	epcInstantaneousPower   byte = 0xE7 // signed W
	epcInstantaneousCurrent byte = 0xE8 // R/T phase, 0.1 A units
)

type Options struct {
	Device   string
	Baudrate uint

	// B-route credentials issued by the power company
	RouteBID string
	Password string

	// SKSCAN duration exponent range; scanning grows the duration
	// until the meter answers
	ScanInitialDuration byte
	ScanMaxDuration     byte

	PollInterval time.Duration
	ReadTimeout  time.Duration
}

type BRouteReader struct {
	opts Options

	session     *skstack.Session
	meterAddr   string // IPv6 link-local address once joined
	meterHWAddr string
	// kWh per raw cumulative counter step, read once after join
	unitMultiplier float64

	latestReading *interpreter.RawMeterReading
	readingMutex  sync.RWMutex
	// Set by StopReading, read by the polling goroutine
	stopSignal atomic.Bool

	// Transaction id source for request correlation. Overridable so
	// tests can script exchanges.
	nextTID func() uint16
}
