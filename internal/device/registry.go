// ABOUTME: Device registry with lazy enumeration and hot-plug polling
// ABOUTME: Tracks the selected output and reports topology changes
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sendspin/sendspin-native/pkg/audio"
	"go.uber.org/zap"
)

// HotplugKind distinguishes device arrival from removal
type HotplugKind int

const (
	Added HotplugKind = iota
	Removed
)

func (k HotplugKind) String() string {
	if k == Added {
		return "added"
	}
	return "removed"
}

// Hotplug is emitted when the device topology changes
type Hotplug struct {
	Kind   HotplugKind
	Device Device
}

// Registry enumerates devices through a Backend and owns device selection
type Registry struct {
	backend      Backend
	logger       *zap.SugaredLogger
	pollInterval time.Duration
	events       chan Hotplug

	mu       sync.Mutex
	selected string
	known    map[string]Device
	probed   map[string]Capabilities
	watching bool
}

// NewRegistry creates a registry over backend
func NewRegistry(backend Backend, pollInterval time.Duration, logger *zap.SugaredLogger) *Registry {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Registry{
		backend:      backend,
		logger:       logger.Named("device"),
		pollInterval: pollInterval,
		events:       make(chan Hotplug, 16),
	}
}

// Backend returns the platform backend in use
func (r *Registry) Backend() Backend {
	return r.backend
}

// ListDevices enumerates devices fresh from the backend and fills in
// probed formats. The default device sorts first, the rest by name.
func (r *Registry) ListDevices() ([]Device, error) {
	devices, err := r.backend.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("%s: enumerate devices: %w", r.backend.Name(), err)
	}
	r.fillProbed(devices)
	sortDevices(devices)
	return devices, nil
}

// fillProbed replaces enumerated formats with probe results, probing
// each device once while it stays present
func (r *Registry) fillProbed(devices []Device) {
	r.mu.Lock()
	cache := r.probed
	r.mu.Unlock()

	next := make(map[string]Capabilities, len(devices))
	for i, d := range devices {
		if !d.Available {
			continue
		}
		caps, ok := cache[d.ID]
		if !ok {
			var err error
			caps, err = r.backend.Probe(d.ID)
			if err != nil || caps.Empty() {
				r.logger.Debugw("keeping enumerated formats", "id", d.ID, "error", err)
				continue
			}
		}
		next[d.ID] = caps
		devices[i] = d.withCapabilities(caps)
	}

	r.mu.Lock()
	r.probed = next
	r.mu.Unlock()
}

// Probe queries a device afresh and returns it carrying the probed
// formats. A device that vanished since it was listed yields ErrNotAvailable.
func (r *Registry) Probe(dev Device) (Device, error) {
	caps, err := r.backend.Probe(dev.ID)
	if err != nil {
		return Device{}, fmt.Errorf("probe %q: %w", dev.Name, err)
	}
	if caps.Empty() {
		return Device{}, fmt.Errorf("probe %q: %w", dev.Name, ErrNotAvailable)
	}

	r.mu.Lock()
	if r.probed == nil {
		r.probed = make(map[string]Capabilities)
	}
	r.probed[dev.ID] = caps
	r.mu.Unlock()

	return dev.withCapabilities(caps), nil
}

// Lookup finds a present device by ID
func (r *Registry) Lookup(id string) (Device, error) {
	devices, err := r.ListDevices()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			if !d.Available {
				return Device{}, fmt.Errorf("device %q: %w", id, ErrNotAvailable)
			}
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("device %q: %w", id, ErrNotAvailable)
}

// Select marks a device as the preferred output
func (r *Registry) Select(id string) (Device, error) {
	dev, err := r.Lookup(id)
	if err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	r.selected = id
	r.mu.Unlock()

	r.logger.Infow("selected output device", "id", dev.ID, "name", dev.Name)
	return dev, nil
}

// Selected returns the preferred device, falling back to the default
// device when nothing was selected or the selection is gone
func (r *Registry) Selected() (Device, error) {
	devices, err := r.ListDevices()
	if err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	selected := r.selected
	r.mu.Unlock()

	var fallback *Device
	for i := range devices {
		d := devices[i]
		if !d.Available {
			continue
		}
		if selected != "" && d.ID == selected {
			return d, nil
		}
		if fallback == nil {
			fallback = &devices[i]
		}
	}

	if fallback == nil {
		return Device{}, ErrNoDevice
	}
	if selected != "" {
		r.logger.Warnw("selected device missing, using fallback", "selected", selected, "fallback", fallback.ID)
	}
	return *fallback, nil
}

// SelectedID returns the stored preference, which may name an absent device
func (r *Registry) SelectedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// Open opens an output stream on dev
func (r *Registry) Open(dev Device, format audio.Format, render RenderFunc, onLost func()) (Stream, error) {
	stream, err := r.backend.Open(dev, format, render, onLost)
	if err != nil {
		return nil, fmt.Errorf("open %q at %s: %w", dev.Name, format, err)
	}
	// backends that narrow formats to the open stream are reprobed next listing
	if n, ok := r.backend.(interface{ NarrowsOnOpen() bool }); ok && n.NarrowsOnOpen() {
		r.forget(dev.ID)
	}
	return stream, nil
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.probed, id)
	r.mu.Unlock()
}

// Events delivers hot-plug notifications while Watch runs
func (r *Registry) Events() <-chan Hotplug {
	return r.events
}

// Watch polls the backend until ctx is done and emits topology changes
func (r *Registry) Watch(ctx context.Context) {
	r.mu.Lock()
	if r.watching {
		r.mu.Unlock()
		return
	}
	r.watching = true
	r.mu.Unlock()

	go r.watchLoop(ctx)
}

func (r *Registry) watchLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
	}()

	r.poll(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll diffs the current topology against the last one seen
func (r *Registry) poll(ctx context.Context) {
	devices, err := r.ListDevices()
	if err != nil {
		r.logger.Warnw("device poll failed", "error", err)
		return
	}

	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		if d.Available {
			current[d.ID] = d
		}
	}

	r.mu.Lock()
	previous := r.known
	r.known = current
	r.mu.Unlock()

	// first poll only establishes the baseline
	if previous == nil {
		return
	}

	var changes []Hotplug
	for id, d := range previous {
		if _, ok := current[id]; !ok {
			changes = append(changes, Hotplug{Kind: Removed, Device: d})
		}
	}
	for id, d := range current {
		if _, ok := previous[id]; !ok {
			changes = append(changes, Hotplug{Kind: Added, Device: d})
		}
	}

	for _, h := range changes {
		r.logger.Infow("device topology changed", "kind", h.Kind, "id", h.Device.ID, "name", h.Device.Name)
		select {
		case r.events <- h:
		case <-ctx.Done():
			return
		}
	}
}

func sortDevices(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Default != devices[j].Default {
			return devices[i].Default
		}
		return devices[i].Name < devices[j].Name
	})
}
