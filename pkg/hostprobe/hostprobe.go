// Package hostprobe samples the host kernel interfaces Plancton's admission
// controller needs: logical CPU count, physical memory and swap size, the
// raw uptime/idle counters behind CPU efficiency, and AppArmor availability.
//
// Every read here is a raw kernel pseudo-file (/proc/uptime, /proc/meminfo,
// /sys/module/apparmor/parameters/enabled): none of the example pack's
// third-party dependencies wrap this exact byte format, so this package is
// built on the standard library by necessity rather than by default — see
// DESIGN.md.
package hostprobe

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// CPUCount returns the number of online logical CPUs.
func CPUCount() int {
	return runtime.NumCPU()
}

// MemBytes returns total physical memory in bytes, read from /proc/meminfo's
// MemTotal line (reported in kB).
func MemBytes() (int64, error) {
	kb, err := meminfoField("MemTotal")
	if err != nil {
		return 0, err
	}
	return kb * 1024, nil
}

// SwapBytes returns total swap in bytes, read from /proc/meminfo's
// SwapTotal line (reported in kB).
func SwapBytes() (int64, error) {
	kb, err := meminfoField("SwapTotal")
	if err != nil {
		return 0, err
	}
	return kb * 1024, nil
}

func meminfoField(name string) (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prefix := name + ":"
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, prefix))
		if len(fields) == 0 {
			continue
		}
		return strconv.ParseInt(fields[0], 10, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, os.ErrNotExist
}

// CPUTimes returns (uptime, idleSumAcrossCPUs) from /proc/uptime. The second
// field is already summed across every CPU by the kernel, so callers must
// not divide it by CPUCount before comparing it to uptime.
func CPUTimes() (uptime, idle float64, err error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, 0, os.ErrInvalid
	}
	uptime, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	idle, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return uptime, idle, nil
}

// AppArmorEnabled reports whether AppArmor is enabled on this host. An
// absent parameters file (non-AppArmor kernels) is treated as disabled, not
// an error.
func AppArmorEnabled() bool {
	data, err := os.ReadFile("/sys/module/apparmor/parameters/enabled")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "Y"
}

// UTCTime returns the current time as seconds since the epoch, read directly
// in UTC. The original Python implementation derived this via
// time.mktime(datetime.utcnow().timetuple()), which silently applies the
// host's local-time offset on any non-UTC host (spec.md §9). This is a
// deliberate deviation: direct epoch arithmetic has no such bug.
func UTCTime() int64 {
	return time.Now().UTC().Unix()
}
