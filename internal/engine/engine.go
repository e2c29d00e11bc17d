// Package engine defines the narrow control-and-query surface the
// connector needs from a microscopic traffic simulator.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"
)

var (
	// ErrEngineStart wraps every failure to bring a scenario up.
	ErrEngineStart = errors.New("engine start failure")
	// ErrNotStarted is returned by calls made before Start or after Close.
	ErrNotStarted = errors.New("engine not started")
	// ErrUnknownObject is returned for lane, signal, polygon or vehicle IDs
	// the simulation does not know.
	ErrUnknownObject = errors.New("unknown simulation object")
)

// ProgramOff is the program that switches a signal controller off.
const ProgramOff = "off"

// StartConfig describes one scenario launch.
type StartConfig struct {
	ConfigFile string
	// OutputFile receives the per-vehicle trace (FCD output). Empty
	// disables the trace.
	OutputFile string
	// SamplePeriod is the trace period in simulation steps.
	SamplePeriod int
}

// Color is an RGBA overlay colour.
type Color struct {
	R, G, B, A uint8
}

// Red is the overlay colour for incident areas.
var Red = Color{R: 255, A: 255}

// Var selects a vehicle attribute in a context subscription. Values are
// the simulator's variable identifiers.
type Var byte

const (
	VarPosition     Var = 0x42
	VarVehicleClass Var = 0x49
	VarRouteValid   Var = 0x92
	VarType         Var = 0x4f
	VarPosition3D   Var = 0x39
	VarAngle        Var = 0x43
	VarSlope        Var = 0x36
	VarSpeed        Var = 0x40
)

// VehicleState is the per-step kinematic snapshot of one vehicle. X, Y are
// in the network's local frame, Angle is degrees clockwise from north,
// Slope is degrees, Speed is m/s.
type VehicleState struct {
	ID     string
	TypeID string
	X, Y   float64
	Z      float64
	Angle  float64
	Slope  float64
	Speed  float64
}

// Stepper advances the simulation by one step.
type Stepper interface {
	Step(ctx context.Context) error
}

// Engine is the simulator collaborator. Implementations are driven from a
// single goroutine.
type Engine interface {
	Stepper

	Start(ctx context.Context, cfg StartConfig) error
	Close() error
	StepLength() (time.Duration, error)

	LaneDisallowed(laneID string) ([]string, error)
	SetLaneDisallowed(laneID string, classes []string) error

	Program(tlsID string) (string, error)
	SetProgram(tlsID, programID string) error

	AddPolygon(id string, ring orb.Ring, color Color, layer int) error
	RemovePolygon(id string, layer int) error
	SubscribePolygonContext(polygonID string, radius float64, vars []Var) error

	DepartedIDs() ([]string, error)
	ArrivedIDs() ([]string, error)
	Vehicle(id string) (VehicleState, error)
}
