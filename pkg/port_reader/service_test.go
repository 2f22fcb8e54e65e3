package port_reader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/echonet"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/skstack"
)

// fakeAdapter feeds scripted read results to the session and captures
// writes. A step is either a block of bytes or an error to surface.
type scriptStep struct {
	data []byte
	err  error
}

type fakeAdapter struct {
	steps []scriptStep
	out   bytes.Buffer
}

func lines(l ...string) scriptStep {
	return scriptStep{data: []byte(strings.Join(l, "\r\n") + "\r\n")}
}

func readErr(err error) scriptStep {
	return scriptStep{err: err}
}

func (f *fakeAdapter) Read(p []byte) (int, error) {
	if len(f.steps) == 0 {
		return 0, io.EOF
	}
	step := &f.steps[0]
	if step.err != nil {
		err := step.err
		f.steps = f.steps[1:]
		return 0, err
	}
	n := copy(p, step.data)
	step.data = step.data[n:]
	if len(step.data) == 0 {
		f.steps = f.steps[1:]
	}
	return n, nil
}

func (f *fakeAdapter) Write(p []byte) (int, error) { return f.out.Write(p) }

func testReader(adapter *fakeAdapter, tids ...uint16) *BRouteReader {
	r := NewBRouteReader(Options{Device: "/dev/null"})
	r.session = skstack.NewSession(adapter)
	r.meterAddr = "FE80::1"
	r.meterHWAddr = "001D129012345678"
	r.unitMultiplier = 0.1
	r.nextTID = func() uint16 {
		tid := tids[0]
		if len(tids) > 1 {
			tids = tids[1:]
		}
		return tid
	}
	return r
}

// sendEcho reproduces the adapter's verbatim echo of the SKSENDTO line
// carrying the Get request the reader sends for the given properties.
func sendEcho(t *testing.T, tid uint16, epcs ...byte) scriptStep {
	t.Helper()
	props := make([]echonet.Property, 0, len(epcs))
	for _, epc := range epcs {
		props = append(props, echonet.Property{EPC: epc})
	}
	frame := &echonet.Frame{
		Format:     echonet.Format1,
		TID:        tid,
		SEOJ:       controllerEOJ,
		DEOJ:       meterEOJ,
		Service:    echonet.Get,
		Properties: props,
	}
	payload, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	data := []byte(fmt.Sprintf("SKSENDTO 1 FE80::1 0E1A 1 %04X ", len(payload)))
	data = append(data, payload...)
	data = append(data, '\r', '\n')
	return scriptStep{data: data}
}

// erxudpLine wraps an encoded frame into the adapter's datagram report.
func erxudpLine(t *testing.T, frame *echonet.Frame) string {
	t.Helper()
	payload, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return fmt.Sprintf("ERXUDP FE80::1 FE80::2 0E1A 0E1A 001D129012345678 0 %04X %s",
		len(payload), strings.ToUpper(hex.EncodeToString(payload)))
}

func meterResponse(tid uint16, props ...echonet.Property) *echonet.Frame {
	return &echonet.Frame{
		Format:     echonet.Format1,
		TID:        tid,
		SEOJ:       meterEOJ,
		DEOJ:       controllerEOJ,
		Service:    echonet.GetRes,
		Properties: props,
	}
}

func TestRequestPropertiesSkipsForeignTransactions(t *testing.T) {
	stale := meterResponse(0x0099, echonet.Property{EPC: epcInstantaneousPower, EDT: []byte{0x00, 0x00, 0x00, 0x01}})
	wanted := meterResponse(0x0001, echonet.Property{EPC: epcInstantaneousPower, EDT: []byte{0x00, 0x00, 0x01, 0xF4}})

	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0001, epcInstantaneousPower),
		lines(
			erxudpLine(t, stale),  // answer to an abandoned request
			"EVENT 21 FE80::1 00", // transmission status, not a datagram
			erxudpLine(t, wanted),
		),
	}}
	r := testReader(adapter, 0x0001)

	resp, err := r.requestProperties([]byte{epcInstantaneousPower})
	if err != nil {
		t.Fatalf("requestProperties() error = %v", err)
	}
	if resp.TID != 0x0001 {
		t.Errorf("TID = 0x%04X, want 0x0001", resp.TID)
	}
	edt, ok := findProperty(resp, epcInstantaneousPower)
	if !ok || !bytes.Equal(edt, []byte{0x00, 0x00, 0x01, 0xF4}) {
		t.Errorf("got %x, want the second response's data", edt)
	}
	if !strings.HasPrefix(adapter.out.String(), "SKSENDTO 1 FE80::1 0E1A 1 ") {
		t.Errorf("wrote %q", adapter.out.String())
	}
}

func TestRequestPropertiesRetriesTimeoutWithFreshTID(t *testing.T) {
	wanted := meterResponse(0x0011, echonet.Property{EPC: epcCumulativeUnit, EDT: []byte{0x01}})

	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0010, epcCumulativeUnit),
		readErr(skstack.ErrTimedOut),
		sendEcho(t, 0x0011, epcCumulativeUnit),
		lines(erxudpLine(t, wanted)),
	}}
	r := testReader(adapter, 0x0010, 0x0011)

	resp, err := r.requestProperties([]byte{epcCumulativeUnit})
	if err != nil {
		t.Fatalf("requestProperties() error = %v", err)
	}
	if resp.TID != 0x0011 {
		t.Errorf("TID = 0x%04X, want the retry's 0x0011", resp.TID)
	}
	if got := strings.Count(adapter.out.String(), "SKSENDTO"); got != 2 {
		t.Errorf("sent %d requests, want 2", got)
	}
}

func TestRequestPropertiesGivesUpAfterRepeatedTimeouts(t *testing.T) {
	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0001, epcInstantaneousPower), readErr(skstack.ErrTimedOut),
		sendEcho(t, 0x0001, epcInstantaneousPower), readErr(skstack.ErrTimedOut),
		sendEcho(t, 0x0001, epcInstantaneousPower), readErr(skstack.ErrTimedOut),
	}}
	r := testReader(adapter, 0x0001)

	_, err := r.requestProperties([]byte{epcInstantaneousPower})
	if !errors.Is(err, skstack.ErrTimedOut) {
		t.Fatalf("requestProperties() error = %v, want ErrTimedOut", err)
	}
	if got := strings.Count(adapter.out.String(), "SKSENDTO"); got != 3 {
		t.Errorf("sent %d requests, want 3", got)
	}
}

func TestRequestPropertiesPropagatesDecodeError(t *testing.T) {
	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0001, epcInstantaneousPower),
		lines("ERXUDP FE80::1 FE80::2 0E1A 0E1A 001D129012345678 0 0002 1081"),
	}}
	r := testReader(adapter, 0x0001)

	_, err := r.requestProperties([]byte{epcInstantaneousPower})
	var truncated *echonet.TruncatedError
	if !errors.As(err, &truncated) {
		t.Fatalf("requestProperties() error = %v, want *echonet.TruncatedError", err)
	}
}

func TestPollReadingMapsProperties(t *testing.T) {
	resp := meterResponse(0x0001,
		echonet.Property{EPC: epcInstantaneousPower, EDT: []byte{0x00, 0x00, 0x01, 0xF4}}, // 500 W
		echonet.Property{EPC: epcInstantaneousCurrent, EDT: []byte{0x00, 0x34, 0x7F, 0xFE}}, // 5.2 A, no T phase
		echonet.Property{EPC: epcCumulativeForward, EDT: []byte{0x00, 0x00, 0x30, 0x39}}, // 12345 * 0.1 kWh
		echonet.Property{EPC: epcCumulativeReverse, EDT: []byte{0x00, 0x00, 0x00, 0x43}}, // 67 * 0.1 kWh
	)
	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0001, epcInstantaneousPower, epcInstantaneousCurrent,
			epcCumulativeForward, epcCumulativeReverse),
		lines(erxudpLine(t, resp)),
	}}
	r := testReader(adapter, 0x0001)

	reading, err := r.pollReading()
	if err != nil {
		t.Fatalf("pollReading() error = %v", err)
	}
	if reading.InstantaneousPowerW != 500 {
		t.Errorf("InstantaneousPowerW = %d, want 500", reading.InstantaneousPowerW)
	}
	if reading.CurrentRPhaseA != 5.2 {
		t.Errorf("CurrentRPhaseA = %v, want 5.2", reading.CurrentRPhaseA)
	}
	if reading.CurrentTPhaseA != 0 {
		t.Errorf("CurrentTPhaseA = %v, want 0 on a single-phase meter", reading.CurrentTPhaseA)
	}
	if reading.CumulativeConsumptionKWH != 1234.5 {
		t.Errorf("CumulativeConsumptionKWH = %v, want 1234.5", reading.CumulativeConsumptionKWH)
	}
	if reading.CumulativeProductionKWH != 6.7 {
		t.Errorf("CumulativeProductionKWH = %v, want 6.7", reading.CumulativeProductionKWH)
	}
	if reading.MeterAddress != "001D129012345678" {
		t.Errorf("MeterAddress = %q", reading.MeterAddress)
	}
	if reading.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
}

func TestFetchCumulativeUnit(t *testing.T) {
	resp := meterResponse(0x0001, echonet.Property{EPC: epcCumulativeUnit, EDT: []byte{0x02}})
	adapter := &fakeAdapter{steps: []scriptStep{
		sendEcho(t, 0x0001, epcCumulativeUnit),
		lines(erxudpLine(t, resp)),
	}}
	r := testReader(adapter, 0x0001)
	r.unitMultiplier = 0

	if err := r.fetchCumulativeUnit(); err != nil {
		t.Fatalf("fetchCumulativeUnit() error = %v", err)
	}
	if r.unitMultiplier != 0.01 {
		t.Errorf("unitMultiplier = %v, want 0.01", r.unitMultiplier)
	}
}

func TestFindMeterRetriesEmptyScan(t *testing.T) {
	adapter := &fakeAdapter{steps: []scriptStep{lines(
		// First scan comes up empty
		"echo", "OK",
		"EVENT 22 FE80::1",
		// Longer scan finds the meter
		"echo", "OK",
		"EVENT 20 FE80::1",
		"EPANDESC",
		"  Channel:21",
		"  Channel Page:09",
		"  Pan ID:8888",
		"  Addr:12345678ABCDEF01",
		"  LQI:E1",
		"  PairID:AABBCCDD",
		"EVENT 22 FE80::1",
	)}}
	r := testReader(adapter, 0x0001)

	pan, err := r.findMeter()
	if err != nil {
		t.Fatalf("findMeter() error = %v", err)
	}
	if pan.PanID != 0x8888 || pan.Addr != "12345678ABCDEF01" {
		t.Errorf("findMeter() = %#v", pan)
	}
	if got := strings.Count(adapter.out.String(), "SKSCAN"); got != 2 {
		t.Errorf("ran %d scans, want 2", got)
	}
}

func TestFindMeterGivesUp(t *testing.T) {
	var steps []scriptStep
	for i := 0; i < 5; i++ {
		steps = append(steps, lines("echo", "OK", "EVENT 22 FE80::1"))
	}
	adapter := &fakeAdapter{steps: steps}
	r := testReader(adapter, 0x0001)

	if _, err := r.findMeter(); err == nil {
		t.Fatal("findMeter() succeeded with no PAN in range")
	}
}

func TestStopReading(t *testing.T) {
	r := NewBRouteReader(Options{Device: "/dev/null"})
	r.StopReading()
	if !r.stopSignal.Load() {
		t.Error("stop signal not set")
	}
}

func TestDeciAmps(t *testing.T) {
	tests := []struct {
		edt  []byte
		want float64
	}{
		{[]byte{0x00, 0x34}, 5.2},
		{[]byte{0x7F, 0xFE}, 0},  // phase not present
		{[]byte{0xFF, 0xF6}, -1}, // reverse flow
		{[]byte{0x00, 0x00}, 0},
	}
	for _, tt := range tests {
		if got := deciAmps(tt.edt); got != tt.want {
			t.Errorf("deciAmps(%x) = %v, want %v", tt.edt, got, tt.want)
		}
	}
}
