// Owns the Wi-SUN adapter and the B-route session with the smart
// meter: discovery, join, and the property poll loop.
package port_reader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/echonet"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/interpreter"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/jsmutils"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/skstack"
	"go.uber.org/zap"
)

// Initialize a new B-route reader client.
func NewBRouteReader(opts Options) *BRouteReader {
	if opts.Baudrate == 0 {
		opts.Baudrate = 115200
	}
	if opts.ScanInitialDuration == 0 {
		opts.ScanInitialDuration = 4
	}
	if opts.ScanMaxDuration == 0 {
		opts.ScanMaxDuration = 8
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 15 * time.Second
	}

	return &BRouteReader{
		opts: opts,
		nextTID: func() uint16 {
			return uint16(rand.Intn(0x10000))
		},
	}
}

// Start polling the meter. Runs in goroutine. handleReading() also
// runs in goroutine.
func (r *BRouteReader) StartReading(
	handleReading func(reading *interpreter.RawMeterReading),
	handleError func(error),
) {
	r.stopSignal.Store(false)

	go func() {
		// Tolerance before we report error.
		consecutiveErrors := 0
		maxErrors := 10
		var lastError error

		// Open the adapter and join the meter's PAN
		if err := r.connect(); err != nil {
			handleError(err)
			return
		}

		for consecutiveErrors < maxErrors {
			// Check for Stop command
			if r.stopSignal.Load() {
				logging.Info("Stop signal received, disconnecting")
				r.disconnect()
				return
			}

			reading, err := r.pollReading()
			if err != nil {
				consecutiveErrors++
				lastError = err
				logging.Warn("Error polling meter",
					zap.Int("consecutive_errors", consecutiveErrors),
					zap.Int("max_errors", maxErrors),
					zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			r.readingMutex.Lock()
			r.latestReading = reading
			r.readingMutex.Unlock()

			go handleReading(reading)
			consecutiveErrors = 0

			time.Sleep(r.opts.PollInterval)
		}

		logging.Error("Too many consecutive errors, stopping reader",
			zap.Int("max_errors", maxErrors),
			zap.Error(lastError))
		handleError(lastError)
		r.disconnect()
	}()
}

func (r *BRouteReader) StopReading() {
	r.stopSignal.Store(true)
	r.disconnect()
}

func (r *BRouteReader) GetLatestReading() *interpreter.RawMeterReading {
	r.readingMutex.RLock()
	defer r.readingMutex.RUnlock()
	return r.latestReading
}

// connect opens the serial session and walks the full association
// sequence: credentials, active scan, channel registers, PANA join.
func (r *BRouteReader) connect() error {
	session, err := skstack.Open(r.opts.Device, r.opts.Baudrate, r.opts.ReadTimeout)
	if err != nil {
		return err
	}
	r.session = session

	version, err := session.Version()
	if err != nil {
		return fmt.Errorf("adapter not responding: %w", err)
	}
	logging.Info("Connected to Wi-SUN adapter",
		zap.String("device", r.opts.Device),
		zap.String("firmware", version))

	if err := session.SetPassword(r.opts.Password); err != nil {
		return err
	}
	if err := session.SetRBID(r.opts.RouteBID); err != nil {
		return err
	}

	pan, err := r.findMeter()
	if err != nil {
		return err
	}
	logging.Info("Found smart meter",
		zap.String("addr", pan.Addr),
		zap.Uint16("pan_id", pan.PanID),
		zap.Uint8("channel", pan.Channel),
		zap.Uint8("lqi", pan.LQI))

	// Tune the radio to the meter's channel and PAN before joining
	if err := session.SetRegister("S2", fmt.Sprintf("%X", pan.Channel)); err != nil {
		return err
	}
	if err := session.SetRegister("S3", fmt.Sprintf("%X", pan.PanID)); err != nil {
		return err
	}

	addr, err := session.LinkLocalAddr(pan.Addr)
	if err != nil {
		return err
	}
	if err := session.Join(addr); err != nil {
		return fmt.Errorf("failed to join meter PAN: %w", err)
	}
	r.meterAddr = addr
	r.meterHWAddr = pan.Addr
	logging.Info("Joined meter PAN", zap.String("ipv6", addr))

	return r.fetchCumulativeUnit()
}

// findMeter scans with growing duration until the meter shows up.
// An empty scan is normal on short durations; the retry policy lives
// here, not in the driver.
func (r *BRouteReader) findMeter() (*skstack.PanDescriptor, error) {
	for duration := r.opts.ScanInitialDuration; duration <= r.opts.ScanMaxDuration; duration++ {
		logging.Debug("Scanning for meter PAN", zap.Uint8("duration", duration))
		found, err := r.session.Scan(scanModeActive, scanChannelMask, duration)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return &found[0], nil
		}
	}
	return nil, fmt.Errorf("no meter PAN found after scans up to duration %d", r.opts.ScanMaxDuration)
}

// fetchCumulativeUnit reads EPC E1 once; the counters are meaningless
// without it.
func (r *BRouteReader) fetchCumulativeUnit() error {
	resp, err := r.requestProperties([]byte{epcCumulativeUnit})
	if err != nil {
		return err
	}
	edt, ok := findProperty(resp, epcCumulativeUnit)
	if !ok || len(edt) != 1 {
		return fmt.Errorf("meter did not report its cumulative energy unit")
	}
	multiplier, err := jsmutils.CumulativeUnitMultiplier(edt[0])
	if err != nil {
		return err
	}
	r.unitMultiplier = multiplier
	return nil
}

// pollReading requests the instantaneous and cumulative properties in
// one Get and maps them into a reading.
func (r *BRouteReader) pollReading() (*interpreter.RawMeterReading, error) {
	resp, err := r.requestProperties([]byte{
		epcInstantaneousPower,
		epcInstantaneousCurrent,
		epcCumulativeForward,
		epcCumulativeReverse,
	})
	if err != nil {
		return nil, err
	}

	reading := &interpreter.RawMeterReading{
		Timestamp:    time.Now().Format(time.RFC3339),
		MeterAddress: r.meterHWAddr,
	}

	if edt, ok := findProperty(resp, epcInstantaneousPower); ok && len(edt) == 4 {
		reading.InstantaneousPowerW = int32(binary.BigEndian.Uint32(edt))
	}
	if edt, ok := findProperty(resp, epcInstantaneousCurrent); ok && len(edt) == 4 {
		// R and T phase in 0.1 A units; single-phase meters report
		// 0x7FFE for the missing T phase
		reading.CurrentRPhaseA = deciAmps(edt[0:2])
		reading.CurrentTPhaseA = deciAmps(edt[2:4])
	}
	if edt, ok := findProperty(resp, epcCumulativeForward); ok && len(edt) == 4 {
		reading.CumulativeConsumptionKWH = float64(binary.BigEndian.Uint32(edt)) * r.unitMultiplier
	}
	if edt, ok := findProperty(resp, epcCumulativeReverse); ok && len(edt) == 4 {
		reading.CumulativeProductionKWH = float64(binary.BigEndian.Uint32(edt)) * r.unitMultiplier
	}

	return reading, nil
}

// requestProperties runs one Get exchange: send, await the response
// carrying our transaction id, retry the whole exchange with a fresh
// id when the read times out. Responses with a foreign transaction id
// are stale answers to an abandoned request and are skipped.
func (r *BRouteReader) requestProperties(epcs []byte) (*echonet.Frame, error) {
	const maxAttempts = 3

	props := make([]echonet.Property, 0, len(epcs))
	for _, epc := range epcs {
		props = append(props, echonet.Property{EPC: epc})
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		tid := r.nextTID()
		request := &echonet.Frame{
			Format:     echonet.Format1,
			TID:        tid,
			SEOJ:       controllerEOJ,
			DEOJ:       meterEOJ,
			Service:    echonet.Get,
			Properties: props,
		}
		payload, err := request.Encode()
		if err != nil {
			return nil, err
		}
		if err := r.session.SendTo(sendHandle, r.meterAddr, echonetPort, payload); err != nil {
			return nil, err
		}

		resp, err := r.awaitResponse(tid)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, skstack.ErrTimedOut) {
			return nil, err
		}
		logging.Debug("Meter request timed out, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts))
	}
	return nil, fmt.Errorf("meter did not answer after %d attempts: %w", maxAttempts, skstack.ErrTimedOut)
}

func (r *BRouteReader) awaitResponse(tid uint16) (*echonet.Frame, error) {
	for {
		ev, err := r.session.ReadEvent()
		if err != nil {
			return nil, err
		}
		dgram, ok := ev.(skstack.InboundDatagram)
		if !ok {
			// Transmission status notifications and the like
			continue
		}
		frame, err := echonet.Decode(dgram.Data)
		if err != nil {
			return nil, err
		}
		if frame.TID != tid {
			continue
		}
		return frame, nil
	}
}

func (r *BRouteReader) disconnect() {
	if r.session != nil {
		r.session.Close()
		logging.Info("Disconnected from Wi-SUN adapter")
	}
}

func findProperty(frame *echonet.Frame, epc byte) ([]byte, bool) {
	for _, prop := range frame.Properties {
		if prop.EPC == epc {
			return prop.EDT, len(prop.EDT) > 0
		}
	}
	return nil, false
}

func deciAmps(edt []byte) float64 {
	raw := int16(binary.BigEndian.Uint16(edt))
	if raw == 0x7FFE { // no measurement on this phase
		return 0
	}
	return float64(raw) / 10
}
