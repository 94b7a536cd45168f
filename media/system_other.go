//go:build !linux && !darwin

package media

import "log/slog"

func NewSystemSource() Source {
	slog.Warn("Now playing detection isn't supported on this platform")
	return Nothing{}
}
