// ABOUTME: Tests for the device registry
// ABOUTME: Uses the null backend to exercise selection, probing and hotplug
package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-native/pkg/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDevice(id, name string, def bool) Device {
	return Device{
		ID:          id,
		Name:        name,
		SampleRates: []int{48000},
		BitDepths:   []int{16, 24},
		Channels:    []int{2},
		Default:     def,
	}
}

func newTestRegistry(t *testing.T, devs ...Device) (*Registry, *NullBackend) {
	backend := NewNullBackend(devs...)
	return NewRegistry(backend, 10*time.Millisecond, zaptest.NewLogger(t).Sugar()), backend
}

func TestListDevicesDefaultFirst(t *testing.T) {
	r, _ := newTestRegistry(t,
		testDevice("b", "Bravo", false),
		testDevice("z", "Zulu", true),
		testDevice("a", "Alpha", false),
	)

	devices, err := r.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, "z", devices[0].ID)
	assert.Equal(t, "a", devices[1].ID)
	assert.Equal(t, "b", devices[2].ID)
}

func TestRemovedDeviceNotAvailable(t *testing.T) {
	r, backend := newTestRegistry(t, testDevice("usb", "USB DAC", false))

	devices, err := r.ListDevices()
	require.NoError(t, err)

	backend.Remove("usb")

	_, err = r.Probe(devices[0])
	assert.True(t, errors.Is(err, ErrNotAvailable), "got %v", err)
}

func TestSelectedFallsBackToDefault(t *testing.T) {
	r, backend := newTestRegistry(t,
		testDevice("builtin", "Speakers", true),
		testDevice("usb", "USB DAC", false),
	)

	dev, err := r.Selected()
	require.NoError(t, err)
	assert.Equal(t, "builtin", dev.ID)

	_, err = r.Select("usb")
	require.NoError(t, err)
	dev, err = r.Selected()
	require.NoError(t, err)
	assert.Equal(t, "usb", dev.ID)

	backend.Remove("usb")
	dev, err = r.Selected()
	require.NoError(t, err)
	assert.Equal(t, "builtin", dev.ID)
	assert.Equal(t, "usb", r.SelectedID())
}

func TestSelectUnknownDevice(t *testing.T) {
	r, _ := newTestRegistry(t, testDevice("builtin", "Speakers", true))

	_, err := r.Select("ghost")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestSelectedWithNoDevices(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Selected()
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestWatchEmitsHotplug(t *testing.T) {
	r, backend := newTestRegistry(t, testDevice("builtin", "Speakers", true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Watch(ctx)

	// let the baseline poll happen
	time.Sleep(30 * time.Millisecond)

	backend.Add(testDevice("usb", "USB DAC", false))
	select {
	case h := <-r.Events():
		assert.Equal(t, Added, h.Kind)
		assert.Equal(t, "usb", h.Device.ID)
	case <-time.After(time.Second):
		t.Fatal("no hotplug event for added device")
	}

	backend.Remove("usb")
	select {
	case h := <-r.Events():
		assert.Equal(t, Removed, h.Kind)
		assert.Equal(t, "usb", h.Device.ID)
	case <-time.After(time.Second):
		t.Fatal("no hotplug event for removed device")
	}
}

func TestNullStreamLostOnRemove(t *testing.T) {
	r, backend := newTestRegistry(t, testDevice("usb", "USB DAC", false))
	dev, err := r.Lookup("usb")
	require.NoError(t, err)

	format := audio.Format{Codec: audio.CodecPCM, SampleRate: 48000, BitDepth: 16, Channels: 2}
	lost := 0
	stream, err := r.Open(dev, format, func(out []byte) {}, func() { lost++ })
	require.NoError(t, err)
	require.NoError(t, stream.Start())

	out := stream.(*NullStream).Pull(480)
	assert.Len(t, out, 480*4)

	backend.Remove("usb")
	backend.Remove("usb")
	assert.Equal(t, 1, lost)
	assert.ErrorIs(t, stream.Start(), ErrNotAvailable)
	assert.NoError(t, stream.Close())
}

func TestNullOpenRejectsUnsupportedFormat(t *testing.T) {
	r, _ := newTestRegistry(t, testDevice("usb", "USB DAC", false))
	dev, err := r.Lookup("usb")
	require.NoError(t, err)

	_, err = r.Open(dev, audio.Format{Codec: audio.CodecPCM, SampleRate: 96000, BitDepth: 16, Channels: 2}, func([]byte) {}, nil)
	assert.Error(t, err)
}

// narrowBackend enumerates broad formats but accepts only 48k/24-bit
// stereo, and only that one device opens exclusively
type narrowBackend struct {
	*NullBackend
	probes  map[string]int
	narrows bool
}

func (b *narrowBackend) Probe(id string) (Capabilities, error) {
	if _, err := b.NullBackend.Probe(id); err != nil {
		return Capabilities{}, err
	}
	b.probes[id]++
	return Capabilities{
		Capability: audio.Capability{SampleRates: []int{48000}, BitDepths: []int{24}, Channels: []int{2}},
		Exclusive:  id == "usb",
	}, nil
}

func (b *narrowBackend) NarrowsOnOpen() bool { return b.narrows }

func newNarrowRegistry(t *testing.T) (*Registry, *narrowBackend) {
	broad := func(id, name string, def bool) Device {
		d := testDevice(id, name, def)
		d.SampleRates = []int{44100, 48000, 96000}
		d.BitDepths = []int{16, 24, 32}
		return d
	}
	backend := &narrowBackend{
		NullBackend: NewNullBackend(broad("builtin", "Speakers", true), broad("usb", "USB DAC", false)),
		probes:      make(map[string]int),
	}
	return NewRegistry(backend, 10*time.Millisecond, zaptest.NewLogger(t).Sugar()), backend
}

func TestListDevicesReportsQueriedFormats(t *testing.T) {
	r, backend := newNarrowRegistry(t)

	devices, err := r.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	for _, d := range devices {
		assert.Equal(t, []int{48000}, d.SampleRates, d.ID)
		assert.Equal(t, []int{24}, d.BitDepths, d.ID)
		assert.Equal(t, d.ID == "usb", d.Exclusive, d.ID)
		assert.False(t, d.Capability().Supports(audio.Format{Codec: audio.CodecPCM, SampleRate: 48000, BitDepth: 16, Channels: 2}))
	}

	dev, err := r.Selected()
	require.NoError(t, err)
	assert.Equal(t, []int{24}, dev.BitDepths)

	dev, err = r.Lookup("usb")
	require.NoError(t, err)
	assert.True(t, dev.Exclusive)

	// cached after the first listing
	assert.Equal(t, 1, backend.probes["usb"])
	assert.Equal(t, 1, backend.probes["builtin"])
}

func TestCapabilityQueryReturnsDevice(t *testing.T) {
	r, _ := newNarrowRegistry(t)

	probed, err := r.Probe(Device{ID: "usb", Name: "USB DAC", SampleRates: []int{96000}})
	require.NoError(t, err)
	assert.Equal(t, "USB DAC", probed.Name)
	assert.Equal(t, []int{48000}, probed.SampleRates)
	assert.True(t, probed.Exclusive)
}

func TestCapabilityCacheDroppedForRemovedDevice(t *testing.T) {
	r, backend := newNarrowRegistry(t)

	_, err := r.ListDevices()
	require.NoError(t, err)

	backend.Remove("usb")
	_, err = r.ListDevices()
	require.NoError(t, err)

	backend.Add(testDevice("usb", "USB DAC", false))
	_, err = r.ListDevices()
	require.NoError(t, err)
	assert.Equal(t, 2, backend.probes["usb"])
}

func TestOpenInvalidatesNarrowingBackend(t *testing.T) {
	r, backend := newNarrowRegistry(t)
	backend.narrows = true

	dev, err := r.Lookup("usb")
	require.NoError(t, err)
	require.Equal(t, 1, backend.probes["usb"])

	stream, err := r.Open(dev, audio.Format{Codec: audio.CodecPCM, SampleRate: 48000, BitDepth: 24, Channels: 2}, func([]byte) {}, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = r.ListDevices()
	require.NoError(t, err)
	assert.Equal(t, 2, backend.probes["usb"])
	assert.Equal(t, 1, backend.probes["builtin"])
}
