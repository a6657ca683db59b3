//go:build !linux && !windows

package device

import "go.uber.org/zap"

// CoreAudio and the BSD mixers have no pure-Go binding; software gain applies
func newPlatformVolume(logger *zap.SugaredLogger) (VolumeController, error) {
	return nil, ErrNoHardwareVolume
}
