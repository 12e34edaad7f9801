package fleet

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// onlineCPUPath is where the kernel publishes the online CPU range
// list; system mode reads it once at startup to decide how many
// per-CPU monitors to spawn.
const onlineCPUPath = "/sys/devices/system/cpu/online"

// OnlineCPUs parses the kernel's online-CPU range list (e.g.
// "0-3,6,8-9") into a sorted slice of CPU indices.
func OnlineCPUs() ([]int, error) {
	data, err := os.ReadFile(onlineCPUPath)
	if err != nil {
		return nil, fmt.Errorf("read online CPU list: %w", err)
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("parse CPU range %q: %w", part, err)
		}
		last := first
		if ok {
			last, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("parse CPU range %q: %w", part, err)
			}
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}
