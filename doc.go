// Package agv is the onboard motion controller of a wheeled guided vehicle.
//
// The controller accepts text commands from a stationary operator over a
// framed TCP link, turns them into stepper pulse ramps and supervises each
// move against the e-stop, halt and obstruction flags. When a marker is
// scanned mid-move the vehicle searches for it with its proximity sensors
// before resuming.
//
// # Installation
//
//	go install github.com/gwillem/agv/cmd/agv@latest
//
// # Usage
//
// Write a configuration, then start the controller on the vehicle:
//
//	agv setup
//	agv serve
//
// From the operator station, send commands and watch the status feed:
//
//	agv drive --addr vehicle:1234 -e "SETMODE AUTO" -e "FORWARD 10"
//	agv monitor --url ws://vehicle:8080/ws
//
// Print the ramp the controller would issue for a move:
//
//	agv ramp --distance 10
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/agv: CLI with serve, drive, monitor, setup and ramp commands
//   - pkg/link: Length-prefixed message framing and handshake
//   - pkg/command: Command parsing and immediate directives
//   - pkg/queue: Goroutine-safe FIFO shared by the session loops
//   - pkg/ramp: Pulse counts and acceleration ramps
//   - pkg/vehicle: Configuration, pin map and shared controller state
//   - pkg/hw: Hardware interfaces, with sim and serial bridge drivers
//   - pkg/sensor: Sensor and marker scanner polling
//   - pkg/engine: Instruction execution, interrupt/resume and marker search
//   - pkg/controller: Operator session wiring the loops together
//   - pkg/status: Websocket status feed
package agv
