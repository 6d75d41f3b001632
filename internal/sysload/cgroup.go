package sysload

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var errNoCgroupLimit = errors.New("no cgroup memory limit")

// cgroupMemoryLimit returns the container memory limit in bytes. Supports
// both cgroup v1 and v2; "max" means unlimited.
func cgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			return strconv.ParseInt(s, 10, 64)
		}
		return 0, errNoCgroupLimit
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, errNoCgroupLimit
}

// cgroupMemoryPressure ratios the process footprint against the container
// limit.
func cgroupMemoryPressure(limit int64) float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p := float64(ms.Sys) / float64(limit)
	if p > 1 {
		p = 1
	}
	return p
}
