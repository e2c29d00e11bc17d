// Package telemetry turns per-step vehicle state from the engine into
// entity items for the control channel.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/model"
)

// Owner is stamped on every emitted item.
const Owner = "sumo"

// VehicleSource is the part of the engine the emitter reads.
type VehicleSource interface {
	DepartedIDs() ([]string, error)
	ArrivedIDs() ([]string, error)
	Vehicle(id string) (engine.VehicleState, error)
}

// GeoConverter maps local network coordinates to lon/lat.
type GeoConverter interface {
	XYToLonLat(p orb.Point) (lon, lat float64)
}

// Publisher receives emitted items.
type Publisher interface {
	Publish(item model.EntityItem)
}

// VehicleRecorder receives the running vehicle count after every step.
type VehicleRecorder interface {
	SetRunningVehicles(n int)
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithVehicleRecorder attaches a metrics sink.
func WithVehicleRecorder(r VehicleRecorder) EmitterOption {
	return func(e *Emitter) { e.recorder = r }
}

// WithGUIDSource replaces the GUID generator; tests use it for stable ids.
func WithGUIDSource(fn func() (string, error)) EmitterOption {
	return func(e *Emitter) {
		if fn != nil {
			e.newGUID = fn
		}
	}
}

// Emitter tracks running vehicles and publishes one item per running
// vehicle per step. Emit is driven from the control goroutine only;
// Running may be read from anywhere.
type Emitter struct {
	src      VehicleSource
	geo      GeoConverter
	pub      Publisher
	log      logging.Logger
	recorder VehicleRecorder
	newGUID  func() (string, error)

	// running maps vehicle id to its GUID.
	running map[string]string
	count   atomic.Int64
}

// NewEmitter creates an emitter reading src and publishing to pub.
func NewEmitter(src VehicleSource, geo GeoConverter, pub Publisher, log logging.Logger, opts ...EmitterOption) *Emitter {
	if log == nil {
		log = logging.Noop()
	}
	e := &Emitter{
		src:     src,
		geo:     geo,
		pub:     pub,
		log:     log,
		newGUID: timeBasedGUID,
		running: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func timeBasedGUID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Running returns the number of tracked vehicles after the last Emit.
func (e *Emitter) Running() int { return int(e.count.Load()) }

// GUID returns the GUID of a running vehicle.
func (e *Emitter) GUID(vehicleID string) (string, bool) {
	g, ok := e.running[vehicleID]
	return g, ok
}

// Emit updates the running set from the last step and publishes the
// current state of every running vehicle. Its signature matches the
// synchronizer's listener.
func (e *Emitter) Emit(ctx context.Context, now time.Time) error {
	departed, err := e.src.DepartedIDs()
	if err != nil {
		return fmt.Errorf("departed vehicles: %w", err)
	}
	for _, id := range departed {
		if _, ok := e.running[id]; ok {
			continue
		}
		guid, err := e.newGUID()
		if err != nil {
			return fmt.Errorf("guid for vehicle %q: %w", id, err)
		}
		e.running[id] = guid
	}

	arrived, err := e.src.ArrivedIDs()
	if err != nil {
		return fmt.Errorf("arrived vehicles: %w", err)
	}
	for _, id := range arrived {
		delete(e.running, id)
	}

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v, err := e.src.Vehicle(id)
		if err != nil {
			e.log.Warn(ctx, "vehicle state unavailable",
				logging.String("vehicle_id", id), logging.Err(err))
			continue
		}
		e.pub.Publish(e.item(e.running[id], v))
	}

	e.count.Store(int64(len(e.running)))
	if e.recorder != nil {
		e.recorder.SetRunningVehicles(len(e.running))
	}
	return nil
}

func (e *Emitter) item(guid string, v engine.VehicleState) model.EntityItem {
	lon, lat := v.X, v.Y
	if e.geo != nil {
		lon, lat = e.geo.XYToLonLat(orb.Point{v.X, v.Y})
	}
	return model.EntityItem{
		GUID:                  guid,
		Name:                  v.ID + " " + v.TypeID,
		Owner:                 Owner,
		VisibleForParticipant: true,
		Movable:               true,
		Location:              model.Location{Latitude: lat, Longitude: lon, Altitude: v.Z},
		Orientation:           model.Orientation{Yaw: v.Angle, Pitch: v.Slope, Roll: 0},
		Velocity:              model.Velocity{Yaw: v.Angle, Pitch: v.Slope, Magnitude: v.Speed},
	}
}
