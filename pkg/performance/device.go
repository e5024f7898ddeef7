package performance

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Hints are the hardware signals used to classify the host.
type Hints struct {
	LogicalCores int     `json:"logical_cores"`
	MemoryGB     float64 `json:"memory_gb"` // 0 when unknown
	Mobile       bool    `json:"mobile"`
}

// DetectHints reads hints from the running host. Memory comes from
// /proc/meminfo where available.
func DetectHints() Hints {
	return Hints{
		LogicalCores: runtime.NumCPU(),
		MemoryGB:     totalMemoryGB("/proc/meminfo"),
		Mobile:       runtime.GOOS == "android" || runtime.GOOS == "ios",
	}
}

func totalMemoryGB(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return 0
			}
			return kb / (1024 * 1024)
		}
	}
	return 0
}

// Classify maps hints to a device class. Unknown memory does not count
// against the host.
func Classify(h Hints) DeviceClass {
	lowMem := h.MemoryGB > 0 && h.MemoryGB <= 4
	switch {
	case h.LogicalCores > 0 && h.LogicalCores <= 2:
		return DeviceLow
	case h.Mobile && (h.LogicalCores <= 4 || lowMem):
		return DeviceLow
	case !h.Mobile && h.LogicalCores >= 8 && (h.MemoryGB == 0 || h.MemoryGB >= 8):
		return DeviceHigh
	default:
		return DeviceMid
	}
}

// SeedRung is the rung a fresh session starts on.
func SeedRung(class DeviceClass) int {
	switch class {
	case DeviceHigh:
		return 0
	case DeviceLow:
		return 4 // Low quality, 8 fps, emotion off
	default:
		return 1
	}
}

// CeilingRung is the best rung recovery may climb to.
func CeilingRung(class DeviceClass) int {
	if class == DeviceLow {
		return 1
	}
	return 0
}
