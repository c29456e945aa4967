package vehicle

import (
	"encoding/json"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPins_BCMs(t *testing.T) {
	pins := DefaultPins()

	lines := pins.BCMs()
	expected := []int{23, 18, 26, 22, 12, 16, 20, 21}

	if len(lines) != len(expected) {
		t.Fatalf("BCMs returned %d lines, want %d", len(lines), len(expected))
	}
	for i, line := range lines {
		if line != expected[i] {
			t.Errorf("BCMs()[%d] = %d, want %d", i, line, expected[i])
		}
	}
}

func TestPins_ByBCM(t *testing.T) {
	pins := DefaultPins()

	name, pc, ok := pins.ByBCM(18)
	if !ok {
		t.Fatal("ByBCM(18) returned false")
	}
	if name != LeftDirectionPin {
		t.Errorf("ByBCM(18) returned name %s, want left_direction", name)
	}
	if !pc.ActiveLow {
		t.Errorf("ByBCM(18) returned wrong config: %+v", pc)
	}

	if _, _, ok := pins.ByBCM(99); ok {
		t.Error("ByBCM(99) should return false")
	}
}

func TestPins_Validate(t *testing.T) {
	if err := DefaultPins().Validate(); err != nil {
		t.Errorf("default pins: %v", err)
	}

	missing := DefaultPins()
	delete(missing, ObstructionPin)
	if err := missing.Validate(); err == nil {
		t.Error("missing pin should fail validation")
	}

	dup := DefaultPins()
	dup[RightEnablePin] = PinConfig{BCM: 23}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate line should fail validation")
	}
}

func TestConfig_DefaultIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"header size", func(c *Config) { c.Link.HeaderSize = 0 }},
		{"max payload", func(c *Config) { c.Link.MaxPayload = 0 }},
		{"same tokens", func(c *Config) { c.Link.Disconnect = c.Link.Handshake }},
		{"wheel", func(c *Config) { c.Drive.Geometry.WheelDiameter = 0 }},
		{"ramp", func(c *Config) { c.Drive.Ramp.StepsPerLevel = 0 }},
		{"teach fraction", func(c *Config) { c.Drive.TeachFraction = 1.5 }},
		{"poll", func(c *Config) { c.Timing.Poll = 0 }},
		{"search", func(c *Config) { c.Search.Band = 0.1 }},
		{"driver", func(c *Config) { c.Hardware.Driver = "pigpio" }},
		{"serial port", func(c *Config) { c.Hardware.Driver = DriverSerial }},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() should fail", tt.name)
		}
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agv.json")

	cfg := DefaultConfig()
	cfg.Link.Addr = ":4321"
	cfg.Timing.Poll = Duration(100 * time.Millisecond)
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	if !ConfigExists(path) {
		t.Fatal("ConfigExists returned false after SaveTo")
	}

	loaded, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if loaded.Link.Addr != ":4321" {
		t.Errorf("Link.Addr = %q, want :4321", loaded.Link.Addr)
	}
	if time.Duration(loaded.Timing.Poll) != 100*time.Millisecond {
		t.Errorf("Timing.Poll = %v, want 100ms", time.Duration(loaded.Timing.Poll))
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{`"250ms"`, 250 * time.Millisecond, false},
		{`"1m30s"`, 90 * time.Second, false},
		{`250`, 0, true},
		{`"soon"`, 0, true},
	}

	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.input), &d)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && time.Duration(d) != tt.expected {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, time.Duration(d), tt.expected)
		}
	}
}

func TestDriveConfig_Velocity(t *testing.T) {
	d := DefaultConfig().Drive

	tests := []struct {
		mode     Mode
		expected float64
	}{
		{Production, 2.25},
		{Teach, 0.45},
		{Unselected, 0.45},
	}
	for _, tt := range tests {
		if got := d.Velocity(tt.mode); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("Velocity(%s) = %f, want %f", tt.mode, got, tt.expected)
		}
	}
}

func TestState_Toggles(t *testing.T) {
	st := NewState(0.45)

	if !st.ToggleEStop() {
		t.Error("first ToggleEStop should arm")
	}
	if st.ToggleEStop() {
		t.Error("second ToggleEStop should disarm")
	}
	if !st.ToggleHalt() {
		t.Error("first ToggleHalt should halt")
	}
	st.SetHalted(false)
	if st.Snapshot().Halted {
		t.Error("SetHalted(false) did not clear halt")
	}

	st.SetMode(Production, 2.25)
	snap := st.Snapshot()
	if snap.Mode != Production || snap.Velocity != 2.25 {
		t.Errorf("after SetMode: mode=%s velocity=%f", snap.Mode, snap.Velocity)
	}
}

func TestState_BusyIsExclusive(t *testing.T) {
	st := NewState(1)

	if !st.BeginBusy() {
		t.Fatal("BeginBusy on idle state returned false")
	}
	if st.BeginBusy() {
		t.Error("BeginBusy while busy returned true")
	}
	st.EndBusy()
	if !st.BeginBusy() {
		t.Error("BeginBusy after EndBusy returned false")
	}
}

func TestState_UpdateSensors(t *testing.T) {
	st := NewState(1)

	st.UpdateSensors(Readings{Obstructed: true, LeftSensor: true})
	snap := st.Snapshot()
	if !snap.Obstructed || !snap.LeftSensor || snap.RightSensor || snap.Aligned() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.ScanSeq != 0 {
		t.Errorf("ScanSeq = %d without a scan", snap.ScanSeq)
	}

	st.UpdateSensors(Readings{LeftSensor: true, RightSensor: true, Scan: "STATION A"})
	snap = st.Snapshot()
	if !snap.Aligned() || snap.ScanSeq != 1 || snap.LastScan != "STATION A" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestState_SnapshotNotTorn(t *testing.T) {
	st := NewState(1)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		on := false
		for {
			select {
			case <-done:
				return
			default:
			}
			on = !on
			st.UpdateSensors(Readings{LeftSensor: on, RightSensor: on})
		}
	}()

	for i := 0; i < 10000; i++ {
		snap := st.Snapshot()
		if snap.LeftSensor != snap.RightSensor {
			t.Fatalf("torn snapshot: left=%v right=%v", snap.LeftSensor, snap.RightSensor)
		}
	}
	close(done)
	wg.Wait()
}

func TestMode_Text(t *testing.T) {
	for _, m := range []Mode{Unselected, Teach, Production} {
		text, _ := m.MarshalText()
		var back Mode
		if err := back.UnmarshalText(text); err != nil || back != m {
			t.Errorf("mode %s did not survive text encoding (got %s)", m, back)
		}
	}
}
