//go:build linux

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jspec "github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/spec"
)

// pollInterval is the watcher's sample cadence (see SPEC_FULL.md §4.2 for why this
// is 50ms rather than a literal 100µs busy-poll).
const pollInterval = 50 * time.Millisecond

// dockerCgroupPath locates the cgroup v2 path the container runtime
// assigned to containerID, reusing the same leaf file names the teacher's
// native-namespace engine reads (memory.peak, memory.events) but
// resolving the directory via the runtime's own naming convention instead
// of a hand-rolled clone()-owned path.
func dockerCgroupPath(containerID string) string {
	return filepath.Join("/sys/fs/cgroup/system.slice", "docker-"+containerID+".scope")
}

// WatchContainer runs C2: it polls containerID's cgroup for peak memory
// and elapsed wall-clock time until the container exits or timeUs elapses,
// whichever comes first. It never returns an error: an unreadable
// memory.peak sample is skipped, and an unreadable cgroup.procs counts as
// "exited", so the result is the elapsed time and the highest peak read so
// far (zero if none was read). The executor takes the exit code and OOM
// flag from the container itself.
func WatchContainer(ctx context.Context, containerID string, timeUs int64) jspec.WatchResult {
	cgroupPath := dockerCgroupPath(containerID)
	deadline := time.Duration(timeUs) * time.Microsecond
	start := time.Now()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var peakMemory int64
	for {
		select {
		case <-ctx.Done():
			return jspec.WatchResult{TimeResultUs: time.Since(start).Microseconds(), MemoryResultBytes: peakMemory}
		case <-ticker.C:
			if mem, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && mem > peakMemory {
				peakMemory = mem
			}
			elapsed := time.Since(start)
			if elapsed >= deadline {
				return jspec.WatchResult{TimeResultUs: elapsed.Microseconds(), MemoryResultBytes: peakMemory}
			}
			if containerExited(cgroupPath) {
				return jspec.WatchResult{TimeResultUs: elapsed.Microseconds(), MemoryResultBytes: peakMemory}
			}
		}
	}
}

// containerExited reports whether the cgroup has no live processes left,
// the cgroup v2 analogue of the teacher's "only the watcher thread
// remains" detection for cgroup v1.
func containerExited(cgroupPath string) bool {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return true
	}
	return len(strings.TrimSpace(string(data))) == 0
}

// WasOomKilled reports whether the cgroup's memory.events recorded an
// oom_kill, reusing the exact parsing the teacher's cgroup_linux.go uses.
func WasOomKilled(containerID string) bool {
	data, err := os.ReadFile(filepath.Join(dockerCgroupPath(containerID), "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	if value == "max" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
