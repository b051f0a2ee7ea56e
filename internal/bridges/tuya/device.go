package tuya

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is the bootstrap phase of a device.
type Phase string

// Device phases.
const (
	PhaseInitializing       Phase = "initializing"
	PhaseReady              Phase = "ready"
	PhaseNeedsConfiguration Phase = "needs_configuration"
	PhaseSpecificationError Phase = "specification_error"
	PhaseCloudError         Phase = "cloud_error"
	PhaseClosed             Phase = "closed"
)

// Attribute names of the persisted specification.
const (
	AttrSpecFunctions = "spec_functions"
	AttrSpecStatus    = "spec_status"
)

// DefaultProtocolVersion is used when a device config leaves Version empty.
const DefaultProtocolVersion = "3.3"

const statusTimeout = 10 * time.Second

// DeviceConfig identifies one device.
type DeviceConfig struct {
	// ID is the cloud device id; it names the MQTT topics and attributes.
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// ProductID selects a static schema when no cloud client is configured.
	ProductID string `json:"product_id" yaml:"product_id"`

	// Address is the device's LAN address.
	Address  string `json:"address" yaml:"address"`
	LocalKey string `json:"local_key" yaml:"local_key"` //nolint:gosec // G117: device key from operator config

	// Version is the local protocol version, "3.3" when empty.
	Version string `json:"version" yaml:"version"`
}

// Validate checks the fields needed to run the device. Every missing field
// is reported; the result wraps ErrInvalidArgument.
func (c DeviceConfig) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.LocalKey == "" {
		errs = append(errs, errors.New("local_key is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	Config    DeviceConfig
	Transport Transport
	Cloud     CloudClient // nil when no cloud credentials are configured

	// Schemas is consulted when Cloud is nil; nil means the built-in set.
	Schemas *SchemaRegistry

	// Sink receives every reading batch of the device.
	Sink ReadingSink

	// Attributes persists the specification and slot bindings.
	Attributes AttributeStore

	Logger  Logger
	Metrics *Metrics // optional
	Timing  SupervisorTiming

	// SubDecoders expands Json status fields; nil means the built-in set.
	SubDecoders *SubDecoders
}

// DeviceInfo is a point-in-time summary of a device.
type DeviceInfo struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ProductID  string          `json:"product_id"`
	Category   string          `json:"category,omitempty"`
	Phase      Phase           `json:"phase"`
	Detail     string          `json:"detail,omitempty"`
	Connection ConnectionState `json:"connection"`
}

// Device bootstraps one device from its specification and runs it: command
// table, telemetry and supervised session.
//
// Phases:
//   - initializing: the specification is being loaded
//   - needs_configuration: no cloud credentials and no static schema match
//   - cloud_error, specification_error: loading failed; Refetch retries
//   - ready: the snapshot is installed and the supervisor is running
//   - closed: Close was called; every operation returns ErrDeviceClosed
//
// Data-point updates and session events are applied on a single job queue,
// so telemetry of one device is always processed in arrival order.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	loggerHolder

	cfg        DeviceConfig
	transport  Transport
	cloud      CloudClient
	schemas    *SchemaRegistry
	attributes AttributeStore
	metrics    *Metrics
	timing     SupervisorTiming

	telemetry *TelemetrySync
	slots     *SlotRegistry
	queue     *jobQueue

	// resolveMu serialises every read-modify-write of base/snapshot/commands.
	resolveMu sync.Mutex

	mu         sync.RWMutex
	base       *Snapshot
	snapshot   *Snapshot
	commands   map[string]CommandDescriptor
	phase      Phase
	detail     string
	supervisor *Supervisor

	ctx         context.Context
	cancel      context.CancelFunc
	workerOnce  sync.Once
	closeOnce   sync.Once
	stopContext func() bool
	wg          sync.WaitGroup
}

// NewDevice creates a device. Call Start (or Bootstrap) to bring it up.
//
// Parameters:
//   - opts: Device configuration and collaborators. Transport, Sink and
//     Attributes are required; Schemas and SubDecoders default to the
//     built-in sets.
//
// Returns:
//   - *Device: Device in the initializing phase, not yet connected
//   - error: ErrInvalidArgument if the configuration or a collaborator is missing
func NewDevice(opts DeviceOptions) (*Device, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: reading sink is required", ErrInvalidArgument)
	}
	if opts.Attributes == nil {
		return nil, fmt.Errorf("%w: attribute store is required", ErrInvalidArgument)
	}
	if opts.Config.Version == "" {
		opts.Config.Version = DefaultProtocolVersion
	}
	if opts.Schemas == nil {
		opts.Schemas = NewSchemaRegistry()
	}
	if opts.SubDecoders == nil {
		opts.SubDecoders = NewSubDecoders()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cfg:        opts.Config,
		transport:  opts.Transport,
		cloud:      opts.Cloud,
		schemas:    opts.Schemas,
		attributes: opts.Attributes,
		metrics:    opts.Metrics,
		timing:     opts.Timing.withDefaults(),
		slots:      NewSlotRegistry(),
		queue:      newJobQueue(),
		commands:   map[string]CommandDescriptor{},
		phase:      PhaseInitializing,
		ctx:        ctx,
		cancel:     cancel,
	}
	d.telemetry = NewTelemetrySync(d.cfg.ID, opts.Sink, d.Snapshot)
	d.telemetry.SetMetrics(opts.Metrics)
	d.telemetry.SetSubDecoders(opts.SubDecoders)
	d.SetLogger(opts.Logger)
	return d, nil
}

// SetLogger sets the logger of the device and its components.
func (d *Device) SetLogger(logger Logger) {
	d.loggerHolder.SetLogger(logger)
	d.telemetry.SetLogger(logger)
	d.mu.RLock()
	sup := d.supervisor
	d.mu.RUnlock()
	if sup != nil {
		sup.SetLogger(logger)
	}
}

// ID returns the device id.
func (d *Device) ID() string { return d.cfg.ID }

// Config returns the device configuration.
func (d *Device) Config() DeviceConfig { return d.cfg }

// Start bootstraps the device in the background. Cancelling ctx closes the
// device. Bootstrap failures are logged and leave the device in the phase
// that describes them.
func (d *Device) Start(ctx context.Context) {
	stop := context.AfterFunc(ctx, d.Close)
	d.mu.Lock()
	d.stopContext = stop
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Bootstrap(d.ctx); err != nil && !errors.Is(err, ErrDeviceClosed) {
			d.logWarn("device bootstrap failed", "device_id", d.cfg.ID, "phase", d.Phase(), "error", err)
		}
	}()
}

// Bootstrap loads the specification, derives the command table and opens
// the supervised session.
//
// With a cloud client the specification is read from the stored spec
// attributes, or downloaded and stored when absent. Without one the static
// schema of the product id is used. Slot attributes are synced and applied
// before the command table is installed.
//
// Parameters:
//   - ctx: Bounds specification loading; the session outlives it
//
// Returns:
//   - error: ErrNeedsConfiguration, a *CloudError or a *SpecificationError
//     describing the non-ready phase; ErrDeviceClosed after Close
func (d *Device) Bootstrap(ctx context.Context) error {
	if d.Phase() == PhaseClosed {
		return ErrDeviceClosed
	}
	d.startWorker()
	d.setPhase(PhaseInitializing, "")
	d.telemetry.PublishState(string(PhaseInitializing))

	if err := d.load(ctx, false); err != nil {
		return err
	}

	d.startSupervisor()
	return nil
}

// Refetch re-downloads the specification (or re-reads the static schema)
// and replaces the snapshot wholesale. Slot bindings are kept and re-applied.
// An open session is refreshed so telemetry uses the new snapshot.
func (d *Device) Refetch(ctx context.Context) error {
	if d.Phase() == PhaseClosed {
		return ErrDeviceClosed
	}
	d.startWorker()
	if err := d.load(ctx, true); err != nil {
		return err
	}

	d.mu.RLock()
	sup := d.supervisor
	d.mu.RUnlock()
	if sup == nil {
		d.startSupervisor()
		return nil
	}
	if sess := sup.Session(); sess != nil {
		d.queue.push(func(ctx context.Context) { d.refresh(ctx, sess) })
	}
	return nil
}

// load runs one bootstrap pass and installs the result.
func (d *Device) load(ctx context.Context, force bool) error {
	snap, err := d.loadSnapshot(ctx, force)
	if err != nil {
		d.fail(err)
		return err
	}

	d.resolveMu.Lock()
	resolved := d.resolveSlots(ctx, snap, nil)
	d.mu.Lock()
	d.base = snap
	d.mu.Unlock()
	d.install(resolved)
	d.resolveMu.Unlock()

	d.setPhase(PhaseReady, "")
	d.metrics.bootstrap(PhaseReady)
	d.logInfo("device ready",
		"device_id", d.cfg.ID, "category", snap.Category,
		"status_fields", len(snap.Status), "function_fields", len(snap.Functions))
	return nil
}

func (d *Device) loadSnapshot(ctx context.Context, force bool) (*Snapshot, error) {
	unsupported := WithUnsupported(func(code, typ string) {
		d.logInfo("dropping field with unsupported type", "device_id", d.cfg.ID, "code", code, "type", typ)
	})

	if d.cloud != nil {
		return d.loadCloud(ctx, force, unsupported)
	}

	schema, ok := d.schemas.Lookup(d.cfg.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: no cloud credentials and no schema for product %q",
			ErrNeedsConfiguration, d.cfg.ProductID)
	}
	snap, err := NormalizeStatic(schema.Category, schema.Fields, unsupported)
	if err != nil {
		return nil, d.withDevice(err)
	}
	return snap, nil
}

func (d *Device) loadCloud(ctx context.Context, force bool, opts ...NormalizeOption) (*Snapshot, error) {
	info, err := d.cloud.DeviceInfo(ctx, d.cfg.ID)
	if err != nil {
		return nil, asCloudError("device info", err)
	}
	d.telemetry.PublishInfo(info)
	category, _ := info["category"].(string)

	var functions, status []RawField
	if !force {
		if functions, status, err = d.storedSpecification(ctx); err != nil {
			d.logWarn("ignoring stored specification", "device_id", d.cfg.ID, "error", err)
			functions, status = nil, nil
		}
	}

	if len(functions) == 0 && len(status) == 0 {
		return d.downloadSpecification(ctx, category, opts...)
	}

	snap, err := NormalizeCloud(RawSpecification{Category: category, Functions: functions, Status: status}, opts...)
	if err != nil {
		return nil, d.withDevice(err)
	}
	return snap, nil
}

func (d *Device) storedSpecification(ctx context.Context) ([]RawField, []RawField, error) {
	fnAttr, err := d.attributes.GetAttribute(ctx, d.cfg.ID, AttrSpecFunctions, "")
	if err != nil {
		return nil, nil, err
	}
	stAttr, err := d.attributes.GetAttribute(ctx, d.cfg.ID, AttrSpecStatus, "")
	if err != nil {
		return nil, nil, err
	}
	functions, err := DecodeFields(fnAttr)
	if err != nil {
		return nil, nil, err
	}
	status, err := DecodeFields(stAttr)
	if err != nil {
		return nil, nil, err
	}
	return functions, status, nil
}

func (d *Device) downloadSpecification(ctx context.Context, category string, opts ...NormalizeOption) (*Snapshot, error) {
	spec, err := d.cloud.DeviceSpecification(ctx, d.cfg.ID)
	if err != nil {
		return nil, asCloudError("specification", err)
	}
	spec.Category = category

	snap, err := NormalizeCloud(spec, opts...)
	if err != nil {
		return nil, d.withDevice(err)
	}

	desc, err := d.cloud.FunctionDescriptions(ctx, d.cfg.ID)
	if err != nil {
		d.logWarn("function descriptions unavailable", "device_id", d.cfg.ID, "error", err)
	} else {
		snap = snap.WithDescriptions(desc)
	}

	if err := d.persistSpecification(ctx, snap); err != nil {
		d.logError("failed to persist specification", err, "device_id", d.cfg.ID)
	}
	return snap, nil
}

func (d *Device) persistSpecification(ctx context.Context, snap *Snapshot) error {
	functions, err := EncodeFields(snap.Functions)
	if err != nil {
		return err
	}
	status, err := EncodeFields(snap.Status)
	if err != nil {
		return err
	}
	if err := d.attributes.SetAttribute(ctx, d.cfg.ID, AttrSpecFunctions, functions); err != nil {
		return err
	}
	return d.attributes.SetAttribute(ctx, d.cfg.ID, AttrSpecStatus, status)
}

// resolveSlots auto-resolves candidate slots and applies every bound slot to
// base. Callers hold resolveMu.
func (d *Device) resolveSlots(ctx context.Context, base *Snapshot, seen DataPoints) *Snapshot {
	suggestions := base.Suggestions()
	if err := d.slots.Sync(ctx, d.attributes, d.cfg.ID, suggestions, candidateSlots(suggestions, seen)); err != nil {
		d.logError("failed to sync slot attributes", err, "device_id", d.cfg.ID)
	}
	resolved, err := d.slots.Apply(base)
	if err != nil {
		d.logWarn("slot binding skipped", "device_id", d.cfg.ID, "error", err)
	}
	return resolved
}

// install publishes a new snapshot and its command table. Callers hold
// resolveMu.
func (d *Device) install(snap *Snapshot) {
	cmds := Generate(snap)
	d.mu.Lock()
	d.snapshot = snap
	d.commands = cmds
	d.mu.Unlock()
}

// Resolve binds a data-point slot to a field code, persists the binding as
// the slot attribute and regenerates the command table.
//
// An empty code clears the slot: whatever field holds it, including a field
// bound by a static schema, becomes pending and loses its commands. The
// clear holds across reconnects until the slot is bound again.
//
// Parameters:
//   - ctx: Bounds the attribute write
//   - slot: Data-point id, greater than zero
//   - code: Field code from the snapshot, or "" to clear
//
// Returns:
//   - error: ErrInvalidArgument for a bad slot, ErrUnknownCode for a code
//     the snapshot does not carry, ErrNeedsConfiguration before bootstrap
func (d *Device) Resolve(ctx context.Context, slot int, code string) error {
	if slot <= 0 {
		return fmt.Errorf("%w: slot %d", ErrInvalidArgument, slot)
	}

	d.resolveMu.Lock()
	defer d.resolveMu.Unlock()

	d.mu.RLock()
	base := d.base
	d.mu.RUnlock()
	if base == nil {
		return fmt.Errorf("%w: device has no specification", ErrNeedsConfiguration)
	}
	if code != "" && !base.HasCode(code) {
		return fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}

	if err := d.attributes.SetAttribute(ctx, d.cfg.ID, SlotAttribute(slot), code); err != nil {
		return fmt.Errorf("persisting %s: %w", SlotAttribute(slot), err)
	}
	if err := d.slots.Resolve(slot, code); err != nil {
		return err
	}
	resolved, err := d.slots.Apply(base)
	if err != nil {
		d.logWarn("slot binding skipped", "device_id", d.cfg.ID, "error", err)
	}
	d.install(resolved)

	d.logInfo("slot resolved", "device_id", d.cfg.ID, "slot", SlotAttribute(slot), "code", code)
	return nil
}

// Execute runs a named command with its argument.
//
// The argument is encoded by the command's field (scaling, range and enum
// checks) and written to the open session. Execute blocks until the
// transport acknowledges the write or ctx ends.
//
// Parameters:
//   - ctx: Bounds the data-point write
//   - name: Command name from Commands
//   - arg: Command argument; ignored by zero-argument commands
//
// Returns:
//   - error: ErrUnknownCommand, ErrInvalidArgument, ErrNotConnected, a
//     *TransportError, or ErrDeviceClosed
func (d *Device) Execute(ctx context.Context, name string, arg any) error {
	if d.Phase() == PhaseClosed {
		return ErrDeviceClosed
	}

	d.mu.RLock()
	cmd, ok := d.commands[name]
	sup := d.supervisor
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	dp, raw, err := cmd.Encode(arg)
	if err != nil {
		return err
	}

	if sup == nil {
		return ErrNotConnected
	}
	sess := sup.Session()
	if sess == nil {
		return ErrNotConnected
	}

	start := time.Now()
	err = sess.SetDataPoint(ctx, dp, raw)
	d.metrics.command(d.cfg.ID, err, time.Since(start))
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "set", Err: err}
		}
		return err
	}

	d.logDebug("command sent", "device_id", d.cfg.ID, "command", name, "dp", dp)
	return nil
}

// Commands returns the current command table ordered by name. The table is
// empty until the device is ready and changes on every Resolve or Refetch.
func (d *Device) Commands() []CommandDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return SortedCommands(d.commands)
}

// Command returns one command descriptor.
func (d *Device) Command(name string) (CommandDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[name]
	return c, ok
}

// Snapshot returns the current resolved snapshot, or nil before bootstrap.
// The returned value is immutable and may be kept.
func (d *Device) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

// Phase returns the bootstrap phase.
func (d *Device) Phase() Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

// ConnectionState returns the session state. Before bootstrap it is
// disconnected, and closed once Close has run.
func (d *Device) ConnectionState() ConnectionState {
	d.mu.RLock()
	sup := d.supervisor
	phase := d.phase
	d.mu.RUnlock()
	if sup != nil {
		return sup.State()
	}
	if phase == PhaseClosed {
		return StateClosed
	}
	return StateDisconnected
}

// Info returns a summary of the device.
func (d *Device) Info() DeviceInfo {
	d.mu.RLock()
	info := DeviceInfo{
		ID:        d.cfg.ID,
		Name:      d.cfg.Name,
		ProductID: d.cfg.ProductID,
		Phase:     d.phase,
		Detail:    d.detail,
	}
	if d.snapshot != nil {
		info.Category = d.snapshot.Category
	}
	d.mu.RUnlock()
	info.Connection = d.ConnectionState()
	return info
}

// Close stops the device: the session is closed, reconnects and pending
// jobs are cancelled. Close does not wait; use Wait.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.phase = PhaseClosed
		d.detail = ""
		sup := d.supervisor
		stop := d.stopContext
		d.mu.Unlock()

		if sup != nil {
			sup.Close()
		}
		d.cancel()
		if stop != nil {
			stop()
		}
		d.logInfo("device closed", "device_id", d.cfg.ID)
	})
}

// Wait blocks until every goroutine of the device has exited.
func (d *Device) Wait() {
	d.wg.Wait()
	d.mu.RLock()
	sup := d.supervisor
	d.mu.RUnlock()
	if sup != nil {
		sup.Wait()
	}
}

func (d *Device) startWorker() {
	d.workerOnce.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.queue.run(d.ctx, func(err error) {
				d.logError("device job failed", err, "device_id", d.cfg.ID)
			})
		}()
	})
}

func (d *Device) startSupervisor() {
	d.mu.Lock()
	if d.supervisor != nil || d.phase == PhaseClosed {
		d.mu.Unlock()
		return
	}
	sup := NewSupervisor(ConnectParams{
		Address:  d.cfg.Address,
		DeviceID: d.cfg.ID,
		LocalKey: d.cfg.LocalKey,
		Version:  d.cfg.Version,
		Timeout:  d.timing.ConnectTimeout,
	}, d.transport, deviceHandler{d: d}, d.timing)
	sup.SetLogger(d.current())
	sup.SetMetrics(d.metrics)
	d.supervisor = sup
	d.mu.Unlock()

	sup.Start(d.ctx)
}

// refresh reads the full status after a (re)connect, auto-resolves slots
// for every data point seen and publishes the readings.
func (d *Device) refresh(ctx context.Context, sess Session) {
	statusCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	status, err := sess.Status(statusCtx)
	if err != nil {
		d.logWarn("device status read failed", "device_id", d.cfg.ID, "error", err)
		return
	}

	d.resolveMu.Lock()
	d.mu.RLock()
	base := d.base
	d.mu.RUnlock()
	if base != nil {
		d.install(d.resolveSlots(ctx, base, status))
	}
	d.resolveMu.Unlock()

	d.telemetry.Apply(ctx, status)
}

func (d *Device) fail(err error) {
	var (
		phase Phase
		state string
	)
	switch {
	case errors.Is(err, ErrNeedsConfiguration):
		phase, state = PhaseNeedsConfiguration, "needs configuration: "
	case errors.Is(err, ErrCloud):
		phase, state = PhaseCloudError, "cloud error: "
	case errors.Is(err, ErrSpecification):
		phase, state = PhaseSpecificationError, "specification error: "
	case errors.Is(err, context.Canceled) && d.Phase() == PhaseClosed:
		return
	default:
		phase, state = PhaseCloudError, "cloud error: "
	}
	d.setPhase(phase, err.Error())
	d.metrics.bootstrap(phase)
	d.telemetry.PublishState(state + err.Error())
}

func (d *Device) setPhase(p Phase, detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == PhaseClosed {
		return
	}
	d.phase = p
	d.detail = detail
}

func (d *Device) withDevice(err error) error {
	var se *SpecificationError
	if errors.As(err, &se) && se.DeviceID == "" {
		se.DeviceID = d.cfg.ID
	}
	return err
}

func asCloudError(op string, err error) error {
	var ce *CloudError
	if errors.As(err, &ce) {
		return err
	}
	return &CloudError{Op: op, Err: err}
}

// deviceHandler routes supervisor events into the device job queue.
type deviceHandler struct {
	d *Device
}

func (h deviceHandler) OnConnected(sess Session) {
	h.d.queue.push(func(ctx context.Context) { h.d.refresh(ctx, sess) })
}

func (h deviceHandler) OnStatus(update DataPoints) {
	h.d.queue.push(func(ctx context.Context) { h.d.telemetry.Apply(ctx, update) })
}

func (h deviceHandler) OnOffline() {
	h.d.queue.push(func(context.Context) { h.d.telemetry.Offline() })
}
