package devices

import "testing"

// SetDevRoot points the built-in probes to a fake device directory for the duration of the test.
func SetDevRoot(t *testing.T, dir string) {
	previous := devRoot
	devRoot = dir
	ResetProbeCache()
	t.Cleanup(func() {
		devRoot = previous
		ResetProbeCache()
	})
}
