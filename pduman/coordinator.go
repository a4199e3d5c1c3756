package pduman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pdulink/logging"
	"pdulink/mib"
	"pdulink/snmp"
)

// State is the lifecycle state of a coordinator.
type State int

const (
	StateUninitialized State = iota
	StateRefreshing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateRefreshing:
		return "Refreshing"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Reader is the read side of an SNMP client.
type Reader interface {
	Get(oids []string) (snmp.Values, error)
	GetBulk(columns []string, count, start int) ([]snmp.Values, error)
}

// Writer is the write side of an SNMP client.
type Writer interface {
	Set(oid string, value interface{}, kind snmp.ValueKind) (bool, error)
}

const (
	DefaultInterval     = 60 * time.Second
	DefaultSettleDelay  = 2 * time.Second
	DefaultImplicitUnit = "0"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithInterval sets the poll interval used by Start.
func WithInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithSettleDelay sets the pause between an outlet write and its refresh.
func WithSettleDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithImplicitUnit sets the unit index assumed when the device reports no
// unit list.
func WithImplicitUnit(unit string) CoordinatorOption {
	return func(c *Coordinator) {
		if unit != "" {
			c.implicitUnit = unit
		}
	}
}

// WithWriter enables outlet commands through w.
func WithWriter(w Writer) CoordinatorOption {
	return func(c *Coordinator) { c.writer = w }
}

// WithName labels log output.
func WithName(name string) CoordinatorOption {
	return func(c *Coordinator) { c.name = name }
}

// refreshCall is one in-flight refresh that other callers may join.
type refreshCall struct {
	started time.Time
	done    chan struct{}
	snap    *Snapshot
	err     error
}

// Coordinator owns the polling of one device. It publishes an immutable
// Snapshot after every fully successful refresh pass.
type Coordinator struct {
	name         string
	reader       Reader
	writer       Writer
	interval     time.Duration
	settleDelay  time.Duration
	implicitUnit string
	sleep        func(time.Duration)
	now          func() time.Time

	snap atomic.Pointer[Snapshot]

	mu         sync.Mutex
	state      State
	lastErr    error
	units      []string
	rediscover bool
	inflight   *refreshCall
	onUpdate   func(prev, next *Snapshot)
	onState    func(State, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator reading through r.
func NewCoordinator(r Reader, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		reader:       r,
		interval:     DefaultInterval,
		settleDelay:  DefaultSettleDelay,
		implicitUnit: DefaultImplicitUnit,
		sleep:        time.Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(emptySnapshot)
	return c
}

// Name returns the device name given with WithName.
func (c *Coordinator) Name() string { return c.name }

// Interval returns the poll interval.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// ReadOnly reports whether outlet commands are unavailable.
func (c *Coordinator) ReadOnly() bool { return c.writer == nil }

// Snapshot returns the last published snapshot. It is never nil.
func (c *Coordinator) Snapshot() *Snapshot { return c.snap.Load() }

// Get returns the value at key in the current snapshot, or def.
func (c *Coordinator) Get(key string, def snmp.Value) snmp.Value {
	return c.snap.Load().Get(key, def)
}

// GetUnits returns the unit indices listed in the current snapshot's
// unit-list entry, or an empty slice when the device has not reported one.
// A synthesized implicit unit appears only in Snapshot.Units.
func (c *Coordinator) GetUnits() []string {
	v, ok := c.snap.Load().Lookup(mib.UnitList.Resolve("", 0))
	if !ok {
		return []string{}
	}
	units := ParseUnits(v)
	if units == nil {
		return []string{}
	}
	return units
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error of the last failed refresh, or nil once a
// refresh has succeeded since.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetOnUpdate registers a callback run after each published snapshot.
func (c *Coordinator) SetOnUpdate(fn func(prev, next *Snapshot)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// SetOnStateChange registers a callback run on every state transition.
func (c *Coordinator) SetOnStateChange(fn func(State, error)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Rediscover makes the next refresh re-read the unit list and attributes.
func (c *Coordinator) Rediscover() {
	c.mu.Lock()
	c.rediscover = true
	c.mu.Unlock()
}

// Refresh runs a refresh pass, or joins the one in flight. On failure the
// previous snapshot is returned together with the error.
func (c *Coordinator) Refresh() (*Snapshot, error) {
	return c.refresh(time.Time{})
}

// RefreshAfter is like Refresh but only joins a pass that started at or
// after t. An older in-flight pass is waited out and a new one is run.
func (c *Coordinator) RefreshAfter(t time.Time) (*Snapshot, error) {
	return c.refresh(t)
}

func (c *Coordinator) refresh(after time.Time) (*Snapshot, error) {
	for {
		c.mu.Lock()
		if call := c.inflight; call != nil {
			c.mu.Unlock()
			<-call.done
			if after.IsZero() || !call.started.Before(after) {
				return call.snap, call.err
			}
			continue
		}
		call := &refreshCall{started: c.now(), done: make(chan struct{})}
		c.inflight = call
		c.mu.Unlock()

		call.snap, call.err = c.run()

		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(call.done)
		return call.snap, call.err
	}
}

// run performs one pass. Only one run is active at a time.
func (c *Coordinator) run() (*Snapshot, error) {
	c.transition(StateRefreshing, nil)

	prev := c.snap.Load()
	staging := cloneValues(prev.values)

	c.mu.Lock()
	units := c.units
	discover := units == nil || c.rediscover
	c.mu.Unlock()

	var err error
	if discover {
		units, err = c.discover(staging)
	}
	if err == nil {
		err = c.fetchTables(staging, units)
	}
	if err != nil {
		logging.DebugError("pduman", fmt.Sprintf("refresh %s", c.name), err)
		c.transition(StateFailed, err)
		return prev, err
	}

	next := &Snapshot{
		values:     staging,
		units:      units,
		generation: prev.generation + 1,
		time:       c.now(),
	}
	c.snap.Store(next)

	c.mu.Lock()
	c.units = units
	if discover {
		c.rediscover = false
	}
	onUpdate := c.onUpdate
	c.mu.Unlock()

	logging.DebugLog("pduman", "%s: published generation %d with %d keys", c.name, next.generation, len(staging))
	c.transition(StateReady, nil)
	if onUpdate != nil {
		onUpdate(prev, next)
	}
	return next, nil
}

// discover reads the unit list and every unit's static attributes.
func (c *Coordinator) discover(staging snmp.Values) ([]string, error) {
	listOID := mib.UnitList.Resolve("", 0)
	values, err := c.reader.Get([]string{listOID})
	if err != nil {
		// v1 agents answer a missing variable with noSuchName.
		var remote *snmp.RemoteError
		if !errors.As(err, &remote) || !remote.NoSuchName() {
			return nil, fmt.Errorf("unit list: %w", err)
		}
		values = nil
	}
	merge(staging, values)

	var units []string
	if v, ok := values[listOID]; ok {
		units = ParseUnits(v)
	}
	if len(units) == 0 {
		logging.DebugLog("pduman", "%s: no unit list, using implicit unit %s", c.name, c.implicitUnit)
		units = []string{c.implicitUnit}
	}

	for _, unit := range units {
		attrs, err := c.reader.Get(mib.Resolve(mib.UnitAttributes, unit, 0))
		if err != nil {
			return nil, fmt.Errorf("unit %s attributes: %w", unit, err)
		}
		merge(staging, attrs)
	}
	return units, nil
}

// fetchTables walks the input and outlet tables of every unit.
func (c *Coordinator) fetchTables(staging snmp.Values, units []string) error {
	for _, unit := range units {
		inputs, outlets := mib.Topology(staging, unit)
		if inputs > 0 {
			if err := c.walk(staging, mib.Columns(mib.InputColumns, unit), inputs); err != nil {
				return fmt.Errorf("unit %s inputs: %w", unit, err)
			}
		}
		if outlets > 0 {
			if err := c.walk(staging, mib.Columns(mib.OutletColumns, unit), outlets); err != nil {
				return fmt.Errorf("unit %s outlets: %w", unit, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) walk(staging snmp.Values, columns []string, count int) error {
	rows, err := c.reader.GetBulk(columns, count, 1)
	if err != nil {
		return err
	}
	for _, row := range rows {
		merge(staging, row)
	}
	return nil
}

func (c *Coordinator) transition(state State, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if state == StateFailed {
		c.lastErr = err
	} else if state == StateReady {
		c.lastErr = nil
	}
	onState := c.onState
	c.mu.Unlock()

	if onState != nil && (changed || state == StateFailed) {
		onState(state, err)
	}
}

// Start begins polling on the configured interval with an immediate first
// refresh.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ctx := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pollLoop(ctx)
}

// Stop ends polling and waits for the loop to exit. An in-flight refresh
// completes first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	c.Refresh()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}
