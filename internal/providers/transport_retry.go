package providers

import "sync/atomic"

// DefaultTransportRetryCount is ReliableProvider's built-in retry budget
// when nothing overrides it (spec §4.4).
const DefaultTransportRetryCount = 3

var transportRetryCount atomic.Int32

func init() {
	transportRetryCount.Store(DefaultTransportRetryCount)
}

// SetTransportRetryCount changes the process-wide default retry budget,
// typically from pixy.toml at startup.
func SetTransportRetryCount(n int) {
	transportRetryCount.Store(int32(n))
}

// TransportRetryCount returns the current process-wide default.
func TransportRetryCount() int {
	return int(transportRetryCount.Load())
}
