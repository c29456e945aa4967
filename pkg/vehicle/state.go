package vehicle

import "sync"

// Mode is the operating mode selected by the operator.
type Mode int

const (
	Unselected Mode = iota
	Teach
	Production
)

func (m Mode) String() string {
	switch m {
	case Teach:
		return "teach"
	case Production:
		return "production"
	default:
		return "unselected"
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name. Unknown names decode as Unselected.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "teach":
		*m = Teach
	case "production":
		*m = Production
	default:
		*m = Unselected
	}
	return nil
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Mode     Mode    `json:"mode"`
	Velocity float64 `json:"velocity"`

	EStopped    bool `json:"e_stopped"`
	Halted      bool `json:"halted"`
	Busy        bool `json:"busy"`
	Obstructed  bool `json:"obstructed"`
	LeftSensor  bool `json:"left_sensor"`
	RightSensor bool `json:"right_sensor"`

	// ScanSeq counts qualifying marker scans. Consumers remember the last
	// value they handled instead of clearing a flag owned by the poller.
	ScanSeq  uint64 `json:"scan_seq"`
	LastScan string `json:"last_scan,omitempty"`
}

// Aligned reports whether both proximity sensors are actuated.
func (s Snapshot) Aligned() bool {
	return s.LeftSensor && s.RightSensor
}

// Readings is one poll of the vehicle's sensors. Scan is empty when no
// qualifying marker was read.
type Readings struct {
	Obstructed  bool
	LeftSensor  bool
	RightSensor bool
	Scan        string
}

// State is the controller state shared by the session's loops. All fields
// sit behind one lock so readers never see a torn combination of flags.
type State struct {
	mu sync.RWMutex
	s  Snapshot
}

// NewState returns a state in Unselected mode at the given velocity with
// every flag cleared.
func NewState(velocity float64) *State {
	return &State{s: Snapshot{Mode: Unselected, Velocity: velocity}}
}

// Snapshot returns a copy of the current state.
func (st *State) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// ToggleEStop flips the e-stop flag and returns the new value.
func (st *State) ToggleEStop() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.EStopped = !st.s.EStopped
	return st.s.EStopped
}

// ToggleHalt flips the halt flag and returns the new value.
func (st *State) ToggleHalt() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Halted = !st.s.Halted
	return st.s.Halted
}

// SetHalted sets the halt flag.
func (st *State) SetHalted(halted bool) {
	st.mu.Lock()
	st.s.Halted = halted
	st.mu.Unlock()
}

// Mode returns the current mode.
func (st *State) Mode() Mode {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Mode
}

// SetMode selects a mode and the velocity that goes with it.
func (st *State) SetMode(m Mode, velocity float64) {
	st.mu.Lock()
	st.s.Mode = m
	st.s.Velocity = velocity
	st.mu.Unlock()
}

// BeginBusy marks an instruction as in flight. It returns false if one
// already is.
func (st *State) BeginBusy() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Busy {
		return false
	}
	st.s.Busy = true
	return true
}

// EndBusy clears the in-flight mark.
func (st *State) EndBusy() {
	st.mu.Lock()
	st.s.Busy = false
	st.mu.Unlock()
}

// UpdateSensors stores one poll of sensor readings.
func (st *State) UpdateSensors(r Readings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Obstructed = r.Obstructed
	st.s.LeftSensor = r.LeftSensor
	st.s.RightSensor = r.RightSensor
	if r.Scan != "" {
		st.s.ScanSeq++
		st.s.LastScan = r.Scan
	}
}
