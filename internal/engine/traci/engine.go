// Package traci drives an external SUMO process over the TraCI protocol.
package traci

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/paulmach/orb"

	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/logging"
)

// Config controls how the simulator is launched and reached.
type Config struct {
	// Binary is the simulator executable. GUI switches the default to
	// the graphical build.
	Binary string
	GUI    bool
	// Host and Port of the TraCI server. Port 0 picks a free port.
	Host string
	Port int
	// External connects to an already running simulator instead of
	// launching one.
	External  bool
	ExtraArgs []string
	// DialAttempts bounds the connection handshake while the process boots.
	DialAttempts uint
	// Timeout bounds each request/response exchange.
	Timeout time.Duration
}

// DefaultConfig returns the launch settings used by the connector.
func DefaultConfig() Config {
	return Config{
		Binary:       "sumo",
		Host:         "127.0.0.1",
		DialAttempts: 3,
		Timeout:      30 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Binary == "" {
		c.Binary = def.Binary
		if c.GUI {
			c.Binary = "sumo-gui"
		}
	}
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = def.DialAttempts
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
}

// Engine implements engine.Engine against a TraCI server.
type Engine struct {
	cfg Config
	log logging.Logger

	mu      sync.Mutex
	conn    *conn
	proc    *exec.Cmd
	version string
}

// New creates an engine. Nothing is launched until Start.
func New(cfg Config, log logging.Logger) *Engine {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{cfg: cfg, log: log}
}

// Start launches the simulator for the scenario and performs the version
// handshake. Failures wrap engine.ErrEngineStart.
func (e *Engine) Start(ctx context.Context, sc engine.StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return fmt.Errorf("%w: already started", engine.ErrEngineStart)
	}

	port := e.cfg.Port
	if port == 0 && !e.cfg.External {
		p, err := freePort(e.cfg.Host)
		if err != nil {
			return fmt.Errorf("%w: %v", engine.ErrEngineStart, err)
		}
		port = p
	}

	if !e.cfg.External {
		if sc.ConfigFile == "" {
			return fmt.Errorf("%w: empty config file", engine.ErrEngineStart)
		}
		args := launchArgs(sc, port, e.cfg.ExtraArgs)
		cmd := exec.Command(e.cfg.Binary, args...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: launch %s: %v", engine.ErrEngineStart, e.cfg.Binary, err)
		}
		e.proc = cmd
		e.log.Info(ctx, "simulator launched",
			logging.String("binary", e.cfg.Binary),
			logging.Int("port", port),
			logging.Int("pid", cmd.Process.Pid),
		)
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(port))
	nc, err := backoff.Retry(ctx, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 2*time.Second)
	},
		backoff.WithMaxTries(e.cfg.DialAttempts),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		e.killLocked()
		return fmt.Errorf("%w: dial %s: %v", engine.ErrEngineStart, addr, err)
	}
	e.conn = newConn(nc, e.cfg.Timeout)

	version, err := e.getVersionLocked()
	if err != nil {
		_ = e.conn.close()
		e.conn = nil
		e.killLocked()
		return fmt.Errorf("%w: handshake: %v", engine.ErrEngineStart, err)
	}
	e.version = version
	e.log.Info(ctx, "simulator connected",
		logging.String("addr", addr),
		logging.String("version", version),
	)
	return nil
}

func launchArgs(sc engine.StartConfig, port int, extra []string) []string {
	args := []string{"-S", "-Q", "-c", sc.ConfigFile, "--remote-port", strconv.Itoa(port)}
	if sc.OutputFile != "" {
		args = append(args, "--fcd-output", sc.OutputFile)
		if sc.SamplePeriod > 0 {
			args = append(args, "--device.fcd.period", strconv.Itoa(sc.SamplePeriod))
		}
	}
	return append(args, extra...)
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Version returns the simulator's version string from the handshake.
func (e *Engine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *Engine) getVersionLocked() (string, error) {
	r, err := e.conn.do(cmdGetVersion, command(cmdGetVersion, nil))
	if err != nil {
		return "", err
	}
	if _, _, err := r.commandHeader(); err != nil {
		return "", err
	}
	api, err := r.int32()
	if err != nil {
		return "", err
	}
	name, err := r.str()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (api %d)", name, api), nil
}

// Close asks the simulator to shut down and reaps the process.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.conn != nil {
		if _, err := e.conn.do(cmdClose, command(cmdClose, nil)); err != nil {
			errs = append(errs, err)
		}
		if err := e.conn.close(); err != nil {
			errs = append(errs, err)
		}
		e.conn = nil
	}
	if e.proc != nil {
		done := make(chan error, 1)
		proc := e.proc
		go func() { done <- proc.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = proc.Process.Kill()
			<-done
		}
		e.proc = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) killLocked() {
	if e.proc == nil {
		return
	}
	_ = e.proc.Process.Kill()
	_ = e.proc.Wait()
	e.proc = nil
}

func (e *Engine) client() (*conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, engine.ErrNotStarted
	}
	return e.conn, nil
}

// Step advances one simulation step. Subscription results delivered with
// the step are discarded.
func (e *Engine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	var s storage
	s.double(0)
	r, err := c.do(cmdSimStep, command(cmdSimStep, s.bytes()))
	if err != nil {
		return err
	}
	_, err = r.skipSubscriptionResults()
	return err
}

func (e *Engine) StepLength() (time.Duration, error) {
	v, err := e.getDouble(cmdGetSimVariable, varDeltaT, "")
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(v * float64(time.Second))), nil
}

func (e *Engine) LaneDisallowed(laneID string) ([]string, error) {
	r, err := e.get(cmdGetLaneVariable, varLaneDisallowed, laneID, typeStringList)
	if err != nil {
		return nil, fmt.Errorf("lane %q: %w", laneID, err)
	}
	return r.strList()
}

func (e *Engine) SetLaneDisallowed(laneID string, classes []string) error {
	var s storage
	s.ubyte(varLaneDisallowed)
	s.str(laneID)
	s.ubyte(typeStringList)
	s.strList(classes)
	if err := e.set(cmdSetLaneVariable, s.bytes()); err != nil {
		return fmt.Errorf("lane %q: %w", laneID, err)
	}
	return nil
}

func (e *Engine) Program(tlsID string) (string, error) {
	r, err := e.get(cmdGetTLVariable, varTLCurrentProgram, tlsID, typeString)
	if err != nil {
		return "", fmt.Errorf("signal %q: %w", tlsID, err)
	}
	return r.str()
}

func (e *Engine) SetProgram(tlsID, programID string) error {
	var s storage
	s.ubyte(varTLProgram)
	s.str(tlsID)
	s.ubyte(typeString)
	s.str(programID)
	if err := e.set(cmdSetTLVariable, s.bytes()); err != nil {
		return fmt.Errorf("signal %q: %w", tlsID, err)
	}
	return nil
}

func (e *Engine) AddPolygon(id string, ring orb.Ring, color engine.Color, layer int) error {
	var s storage
	s.ubyte(varPolygonAdd)
	s.str(id)
	s.ubyte(typeCompound)
	s.int32(5)
	s.ubyte(typeString)
	s.str("")
	s.ubyte(typeColor)
	s.ubyte(color.R)
	s.ubyte(color.G)
	s.ubyte(color.B)
	s.ubyte(color.A)
	s.ubyte(typeUByte)
	s.ubyte(0) // not filled
	s.ubyte(typeInteger)
	s.int32(int32(layer))
	s.ubyte(typePolygon)
	if len(ring) <= 255 {
		s.ubyte(byte(len(ring)))
	} else {
		s.ubyte(0)
		s.int32(int32(len(ring)))
	}
	for _, p := range ring {
		s.double(p[0])
		s.double(p[1])
	}
	if err := e.set(cmdSetPolygonVariable, s.bytes()); err != nil {
		return fmt.Errorf("polygon %q: %w", id, err)
	}
	return nil
}

func (e *Engine) RemovePolygon(id string, layer int) error {
	var s storage
	s.ubyte(varPolygonRemove)
	s.str(id)
	s.ubyte(typeInteger)
	s.int32(int32(layer))
	if err := e.set(cmdSetPolygonVariable, s.bytes()); err != nil {
		return fmt.Errorf("polygon %q: %w", id, err)
	}
	return nil
}

// SubscribePolygonContext subscribes vehicle variables within radius of
// the polygon for the whole simulation.
func (e *Engine) SubscribePolygonContext(polygonID string, radius float64, vars []engine.Var) error {
	var s storage
	s.double(invalidDouble)
	s.double(invalidDouble)
	s.str(polygonID)
	s.ubyte(cmdGetVehicleVariable)
	s.double(radius)
	s.ubyte(byte(len(vars)))
	for _, v := range vars {
		s.ubyte(byte(v))
	}
	if err := e.set(cmdSubscribePolygonContext, s.bytes()); err != nil {
		return fmt.Errorf("polygon %q: %w", polygonID, err)
	}
	return nil
}

func (e *Engine) DepartedIDs() ([]string, error) {
	r, err := e.get(cmdGetSimVariable, varDepartedIDs, "", typeStringList)
	if err != nil {
		return nil, err
	}
	return r.strList()
}

func (e *Engine) ArrivedIDs() ([]string, error) {
	r, err := e.get(cmdGetSimVariable, varArrivedIDs, "", typeStringList)
	if err != nil {
		return nil, err
	}
	return r.strList()
}

func (e *Engine) Vehicle(id string) (engine.VehicleState, error) {
	st := engine.VehicleState{ID: id}

	r, err := e.get(cmdGetVehicleVariable, byte(engine.VarType), id, typeString)
	if err != nil {
		return st, fmt.Errorf("vehicle %q: %w", id, err)
	}
	if st.TypeID, err = r.str(); err != nil {
		return st, err
	}

	r, err = e.get(cmdGetVehicleVariable, byte(engine.VarPosition3D), id, typePosition3D)
	if err != nil {
		return st, fmt.Errorf("vehicle %q: %w", id, err)
	}
	for _, dst := range []*float64{&st.X, &st.Y, &st.Z} {
		if *dst, err = r.double(); err != nil {
			return st, err
		}
	}

	for _, q := range []struct {
		v   engine.Var
		dst *float64
	}{
		{engine.VarAngle, &st.Angle},
		{engine.VarSlope, &st.Slope},
		{engine.VarSpeed, &st.Speed},
	} {
		if *q.dst, err = e.getDouble(cmdGetVehicleVariable, byte(q.v), id); err != nil {
			return st, fmt.Errorf("vehicle %q: %w", id, err)
		}
	}
	return st, nil
}

func (e *Engine) get(cmd, variable byte, objectID string, want byte) (*reader, error) {
	c, err := e.client()
	if err != nil {
		return nil, err
	}
	r, err := c.do(cmd, getCommand(cmd, variable, objectID))
	if err != nil {
		return nil, err
	}
	typ, err := r.getResponse(cmd, variable, objectID)
	if err != nil {
		return nil, err
	}
	if err := expectType(typ, want); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) getDouble(cmd, variable byte, objectID string) (float64, error) {
	r, err := e.get(cmd, variable, objectID, typeDouble)
	if err != nil {
		return 0, err
	}
	return r.double()
}

func (e *Engine) set(cmd byte, content []byte) error {
	c, err := e.client()
	if err != nil {
		return err
	}
	_, err = c.do(cmd, command(cmd, content))
	return err
}

var _ engine.Engine = (*Engine)(nil)
