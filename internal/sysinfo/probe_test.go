package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleCPUInfo = `processor	: 0
vendor_id	: AuthenticAMD
model name	: AMD EPYC 7543 32-Core Processor
cpu MHz		: 2794.748
cache size	: 512 KB
`

func TestParseCPUName(t *testing.T) {
	assert.Equal(t, "AMD EPYC 7543 32-Core Processor", parseCPUName(sampleCPUInfo))
	assert.Equal(t, "unknown", parseCPUName("no model line here"))
}

func TestParseCPUFreqMHz(t *testing.T) {
	assert.InDelta(t, 2794.748, parseCPUFreqMHz(sampleCPUInfo), 0.001)
	assert.Zero(t, parseCPUFreqMHz(""))
}

func TestParseMemTotalKB(t *testing.T) {
	meminfo := "MemTotal:       263857204 kB\nMemFree:        1234 kB\n"
	assert.InDelta(t, 263857204, parseMemTotalKB(meminfo), 0.1)
	assert.Zero(t, parseMemTotalKB("MemFree: 10 kB"))
}

func TestParsePartitionsCountsWholeDisksOnly(t *testing.T) {
	partitions := `major minor  #blocks  name

   8        0  976762584 sda
   8        1     524288 sda1
 259        0  500107608 nvme0n1
 259        1  500000000 nvme0n1p1
 252        0  104857600 vda
`
	// sda + nvme0n1 + vda, partitions excluded.
	assert.InDelta(t, 976762584+500107608+104857600, parsePartitionsKB(partitions), 0.1)
}

func TestIsWholeDisk(t *testing.T) {
	assert.True(t, isWholeDisk("sda"))
	assert.True(t, isWholeDisk("vdb"))
	assert.True(t, isWholeDisk("nvme0n1"))
	assert.False(t, isWholeDisk("sda1"))
	assert.False(t, isWholeDisk("nvme0n1p2"))
	assert.False(t, isWholeDisk("loop0"))
}

func TestParseOSRelease(t *testing.T) {
	data := "NAME=\"Ubuntu\"\nPRETTY_NAME=\"Ubuntu 24.04.1 LTS\"\nID=ubuntu\n"
	assert.Equal(t, "Ubuntu 24.04.1 LTS", parseOSRelease(data))
	assert.Empty(t, parseOSRelease("ID=alpine"))
}
