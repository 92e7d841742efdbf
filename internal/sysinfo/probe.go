// Package sysinfo collects the static host inventory the control plane
// verifies before a node is admitted: CPU, memory, disk, OS and network
// identity as descriptive strings.
package sysinfo

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gridmesh/provisiond/internal/domain"
)

// Probe gathers static system information for spec verification.
type Probe struct{}

// NewProbe creates a system probe.
func NewProbe() *Probe {
	return &Probe{}
}

// Collect gathers the full host inventory in one call.
func (p *Probe) Collect() domain.HostInventory {
	return domain.HostInventory{
		CPUName:    p.CPUName(),
		CPUCores:   p.CPUCores(),
		CPUFreqGHz: p.CPUFreqGHz(),
		RAM:        p.RAM(),
		Disk:       p.Disk(),
		OS:         p.OS(),
		MAC:        p.MAC(),
		IP:         p.PublicIP(),
	}
}

// CPUName returns the CPU model string from /proc/cpuinfo.
func (p *Probe) CPUName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	return parseCPUName(string(data))
}

// CPUCores returns the logical CPU count.
func (p *Probe) CPUCores() int {
	return runtime.NumCPU()
}

// CPUFreqGHz returns the current CPU frequency formatted in GHz.
func (p *Probe) CPUFreqGHz() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "0"
	}
	return fmt.Sprintf("%.2f", parseCPUFreqMHz(string(data))/1000.0)
}

// RAM returns total memory as a descriptive string.
func (p *Probe) RAM() string {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%.0f GB", parseMemTotalKB(string(data))/(1024*1024))
}

// Disk returns the summed capacity of whole disks as a descriptive string.
func (p *Probe) Disk() string {
	data, err := os.ReadFile("/proc/partitions")
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%.0f GB", parsePartitionsKB(string(data))/(1024*1024))
}

// OS returns a human-readable operating system string.
func (p *Probe) OS() string {
	data, err := os.ReadFile("/etc/os-release")
	if err == nil {
		if name := parseOSRelease(string(data)); name != "" {
			return name
		}
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}

// MAC returns the hardware address of the first non-loopback interface.
func (p *Probe) MAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// PublicIP detects the public IPv4 address of this machine.
func (p *Probe) PublicIP() string {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, url := range []string{
		"https://api.ipify.org",
		"https://ifconfig.me/ip",
		"https://icanhazip.com",
	} {
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		ip := strings.TrimSpace(string(body))
		if ip != "" {
			return ip
		}
	}
	return "0.0.0.0"
}

// --- parsing helpers ---

func parseCPUName(cpuinfo string) string {
	for _, line := range strings.Split(cpuinfo, "\n") {
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "unknown"
}

func parseCPUFreqMHz(cpuinfo string) float64 {
	for _, line := range strings.Split(cpuinfo, "\n") {
		if strings.HasPrefix(line, "cpu MHz") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				var mhz float64
				fmt.Sscanf(strings.TrimSpace(parts[1]), "%f", &mhz)
				return mhz
			}
		}
	}
	return 0
}

func parseMemTotalKB(meminfo string) float64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			var kb uint64
			fmt.Sscanf(line, "MemTotal: %d kB", &kb)
			return float64(kb)
		}
	}
	return 0
}

func parsePartitionsKB(partitions string) float64 {
	var totalKB uint64
	for _, line := range strings.Split(partitions, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		var blocks uint64
		fmt.Sscanf(fields[2], "%d", &blocks)
		if isWholeDisk(fields[3]) {
			totalKB += blocks
		}
	}
	return float64(totalKB)
}

func isWholeDisk(name string) bool {
	// sda, sdb, vda, nvme0n1 — but not sda1, nvme0n1p1
	if strings.HasPrefix(name, "sd") && len(name) == 3 {
		return true
	}
	if strings.HasPrefix(name, "vd") && len(name) == 3 {
		return true
	}
	if strings.HasPrefix(name, "nvme") && strings.HasSuffix(name, "n1") && !strings.Contains(name, "p") {
		return true
	}
	return false
}

func parseOSRelease(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		}
	}
	return ""
}
