//go:build windows

// ABOUTME: WASAPI endpoint volume for the default render device
// ABOUTME: Talks to IAudioEndpointVolume through go-wca on a COM-initialized thread
package device

import (
	"fmt"
	"runtime"

	ole "github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"
)

type wcaVolume struct {
	logger *zap.SugaredLogger
	calls  chan func()
	done   chan struct{}
	aev    *wca.IAudioEndpointVolume
}

// newPlatformVolume pins a goroutine to one OS thread for the lifetime of
// the COM apartment; every call runs there
func newPlatformVolume(logger *zap.SugaredLogger) (VolumeController, error) {
	v := &wcaVolume{
		logger: logger,
		calls:  make(chan func()),
		done:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go v.loop(ready)
	if err := <-ready; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHardwareVolume, err)
	}
	logger.Debug("WASAPI endpoint volume ready")
	return v, nil
}

func (v *wcaVolume) loop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE: already initialized on this thread
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 {
			ready <- fmt.Errorf("initialize COM: %w", err)
			return
		}
	}
	defer ole.CoUninitialize()

	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		ready <- fmt.Errorf("create device enumerator: %w", err)
		return
	}
	defer mmde.Release()

	var mmd *wca.IMMDevice
	if err := mmde.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
		ready <- fmt.Errorf("get default endpoint: %w", err)
		return
	}
	defer mmd.Release()

	if err := mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &v.aev); err != nil {
		ready <- fmt.Errorf("activate endpoint volume: %w", err)
		return
	}
	defer v.aev.Release()

	ready <- nil
	for {
		select {
		case fn := <-v.calls:
			fn()
		case <-v.done:
			return
		}
	}
}

// do runs fn on the COM thread
func (v *wcaVolume) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case v.calls <- func() { result <- fn() }:
	case <-v.done:
		return ErrNoHardwareVolume
	}
	return <-result
}

func (v *wcaVolume) Name() string { return "wasapi" }

func (v *wcaVolume) SetVolume(volume int) error {
	return v.do(func() error {
		if err := v.aev.SetMasterVolumeLevelScalar(percentToScalar(volume), nil); err != nil {
			return fmt.Errorf("set endpoint volume: %w", err)
		}
		return nil
	})
}

func (v *wcaVolume) SetMuted(muted bool) error {
	return v.do(func() error {
		if err := v.aev.SetMute(muted, nil); err != nil {
			return fmt.Errorf("set endpoint mute: %w", err)
		}
		return nil
	})
}

func (v *wcaVolume) Volume() (int, bool, error) {
	var level float32
	var muted bool
	err := v.do(func() error {
		if err := v.aev.GetMasterVolumeLevelScalar(&level); err != nil {
			return fmt.Errorf("get endpoint volume: %w", err)
		}
		if err := v.aev.GetMute(&muted); err != nil {
			return fmt.Errorf("get endpoint mute: %w", err)
		}
		return nil
	})
	return scalarToPercent(level), muted, err
}

func (v *wcaVolume) Close() error {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
	return nil
}
