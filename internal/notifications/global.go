package notifications

import "sync/atomic"

type hubBox struct{ Hub }

var shared atomic.Pointer[hubBox]

func init() { shared.Store(&hubBox{NewMemoryHub(0)}) }

// SetHub installs h as the process-wide hub that services fall back to when
// none is injected, and returns the one it replaced. A nil h restores an
// unbounded MemoryHub.
func SetHub(h Hub) Hub {
	if h == nil {
		h = NewMemoryHub(0)
	}
	return shared.Swap(&hubBox{h}).Hub
}

// GetHub returns the process-wide hub.
func GetHub() Hub { return shared.Load().Hub }
