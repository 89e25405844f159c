package agentrt

import (
	"context"
	"os"
	"runtime"
)

// Fingerprint is the opaque-to-the-controller machine-state blob sent at
// registration, on every heartbeat, and on periodic config-updates.
type Fingerprint map[string]any

// Sampler produces a fresh Fingerprint on demand. It is a swappable
// interface so a deployment can plug in a richer collector (e.g. one that
// shells out to read /proc) without any reload machinery in the runtime
// itself.
type Sampler interface {
	Sample(ctx context.Context) (Fingerprint, error)
}

// DefaultSampler reports basic Go-runtime and OS stats. It needs no
// external dependency and is always available as a fallback.
type DefaultSampler struct{}

func (DefaultSampler) Sample(context.Context) (Fingerprint, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, _ := os.Hostname()

	return Fingerprint{
		"hostname":    hostname,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"num_cpu":     runtime.NumCPU(),
		"goroutines":  runtime.NumGoroutine(),
		"alloc_bytes": mem.Alloc,
	}, nil
}
