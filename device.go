// Package virtiofsd provides the transport core for a virtio-fs daemon:
// mounting a session onto a vhost-user protocol endpoint, multiplexing
// its control plane against per-queue worker pumps, and tearing it all
// down again. The FUSE semantic layer (inode tables, lookups,
// passthrough file operations) and the protocol endpoint's wire framing
// are both supplied by the caller; this package only drives them.
package virtiofsd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/virtiofsd-core/internal/dispatch"
	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/logging"
	"github.com/ehrlich-b/virtiofsd-core/internal/slave"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Logger is the Printf/Debugf method set of *logging.Logger. Options.Logger
// takes a *logging.Logger, which satisfies it; nothing in this package
// accepts a Logger value.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// DeviceParams contains parameters for mounting a virtio-fs session.
type DeviceParams struct {
	// Session is the FUSE semantic layer this daemon serves.
	Session fusesession.Session

	// Endpoint is the vhost-user protocol endpoint: framing, feature
	// negotiation, and per-queue descriptor access are all implemented
	// by the caller's endpoint, not this package.
	Endpoint vhost.Endpoint

	// Tag is the filesystem tag reported in the virtio-fs config region.
	Tag string
}

// Options contains additional options for mounting a session.
type Options struct {
	// Context for cancellation (if nil, the ctx passed to Mount is used).
	Context context.Context

	// Logger for debug/info messages (if nil, no logging).
	Logger *logging.Logger

	// Observer for metrics collection (if nil, a MetricsObserver recording
	// into the device's Metrics is used).
	Observer Observer
}

// DeviceState represents the current state of a mounted session.
type DeviceState string

const (
	DeviceStateCreated DeviceState = "created"
	DeviceStateRunning DeviceState = "running"
	DeviceStateStopped DeviceState = "stopped"
)

// Device represents one mounted virtio-fs session.
type Device struct {
	Tag string

	session  fusesession.Session
	endpoint vhost.Endpoint
	device   *dispatch.Device
	dispatcher *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer

	mu      sync.Mutex
	started bool
	runErr  error
	done    chan struct{}
}

// Mount mounts params.Session onto params.Endpoint and starts serving
// the control plane and every queue the endpoint starts via
// QUEUE_SET_STARTED. It returns once the Dispatcher goroutine has been
// launched; queues themselves come up as the guest negotiates them.
//
// The session keeps running until the context is cancelled, Unmount is
// called, or the protocol endpoint's dispatch fails unrecoverably.
func Mount(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if params.Session == nil {
		return nil, NewError(OpMount, ErrCodeInvalidParameters, "session is required")
	}
	if params.Endpoint == nil {
		return nil, NewError(OpMount, ErrCodeInvalidParameters, "endpoint is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	metrics := NewMetrics()
	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	slaveCh := slave.New(params.Endpoint)
	dev := dispatch.NewDevice(params.Endpoint, params.Session, slaveCh, params.Tag, options.Logger, observer)

	dispatcher, err := dispatch.NewDispatcher(dev, options.Logger)
	if err != nil {
		return nil, WrapError(OpMount, err)
	}

	device := &Device{
		Tag:        params.Tag,
		session:    params.Session,
		endpoint:   params.Endpoint,
		device:     dev,
		dispatcher: dispatcher,
		metrics:    metrics,
		observer:   observer,
		started:    true,
		done:       make(chan struct{}),
	}
	device.ctx, device.cancel = context.WithCancel(ctx)

	go device.run()
	go func() {
		select {
		case <-device.ctx.Done():
			_ = Unmount(context.Background(), device)
		case <-device.done:
		}
	}()

	if options.Logger != nil {
		options.Logger.Infof("mounted tag=%q", params.Tag)
	}

	return device, nil
}

func (d *Device) run() {
	err := d.dispatcher.Run()

	d.mu.Lock()
	d.runErr = err
	d.mu.Unlock()

	close(d.done)

	if err != nil {
		go func() {
			_ = Unmount(d.ctx, d)
		}()
	}
}

// State returns the current state of the device.
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return DeviceStateStopped
	}
	select {
	case <-d.done:
		return DeviceStateStopped
	default:
		return DeviceStateRunning
	}
}

// IsRunning returns true if the device is currently serving the control
// plane and any started queues.
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NotifyEnabled reports whether notifications were negotiated.
func (d *Device) NotifyEnabled() bool {
	return d.device.NotifyEnabled()
}

// StartedQueues returns the number of currently started queues.
func (d *Device) StartedQueues() int {
	return d.device.StartedQueues()
}

// DeviceInfo contains comprehensive information about a mounted session.
type DeviceInfo struct {
	Tag            string      `json:"tag"`
	State          DeviceState `json:"state"`
	StartedQueues  int         `json:"started_queues"`
	NotifyEnabled  bool        `json:"notify_enabled"`
	Running        bool        `json:"running"`
}

// Info returns comprehensive information about the device.
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	state := d.State()
	return DeviceInfo{
		Tag:           d.Tag,
		State:         state,
		StartedQueues: d.StartedQueues(),
		NotifyEnabled: d.NotifyEnabled(),
		Running:       state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device.
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Err returns the error the dispatcher exited with, if any. Only
// meaningful once State() reports DeviceStateStopped.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

// Unmount stops the device's dispatcher and every started queue, then
// releases the endpoint. Safe to call once; a second call is a no-op.
func Unmount(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}

	device.mu.Lock()
	if !device.started {
		device.mu.Unlock()
		return nil
	}
	device.started = false
	device.mu.Unlock()

	device.dispatcher.Stop()

	select {
	case <-device.done:
	case <-time.After(5 * time.Second):
	}

	device.device.Close()
	_ = device.dispatcher.Close()

	if device.cancel != nil {
		device.cancel()
	}
	if device.metrics != nil {
		device.metrics.Stop()
	}

	if err := device.endpoint.Close(); err != nil {
		return WrapError(OpUnmount, err)
	}

	device.mu.Lock()
	err := device.runErr
	device.mu.Unlock()
	if err != nil {
		return fmt.Errorf("virtiofsd: dispatcher exited with error: %w", err)
	}
	return nil
}
