// Package device resolves the compute device a model runs on. Only host CPU
// execution is supported; the identifier controls how many samples of a batch
// the convolution kernels process concurrently.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// DeviceType identifies the backend.
type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Device is a resolved compute target.
type Device struct {
	Type    DeviceType
	Workers int
}

func (d Device) String() string {
	return fmt.Sprintf("cpu:%d", d.Workers)
}

// Parse resolves identifiers of the form "cpu" (all logical cores),
// "cpu:N" or "auto". "cuda" style identifiers are rejected.
func Parse(id string) (Device, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	switch {
	case id == "" || id == "auto" || id == "cpu":
		return Device{Type: CPU, Workers: defaultWorkers()}, nil
	case strings.HasPrefix(id, "cpu:"):
		n, err := strconv.Atoi(strings.TrimPrefix(id, "cpu:"))
		if err != nil || n <= 0 {
			return Device{}, fmt.Errorf("invalid worker count in device %q", id)
		}
		return Device{Type: CPU, Workers: n}, nil
	default:
		return Device{}, fmt.Errorf("unsupported device %q: only cpu is available", id)
	}
}

func defaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Info describes the host processor.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
	FMA           bool
}

// Detect reports the capabilities of the host CPU.
func Detect() Info {
	return Info{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		FMA:           cpuid.CPU.Supports(cpuid.FMA3),
	}
}

func (i Info) String() string {
	var features []string
	if i.AVX2 {
		features = append(features, "avx2")
	}
	if i.AVX512 {
		features = append(features, "avx512")
	}
	if i.FMA {
		features = append(features, "fma")
	}
	brand := i.Brand
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores) [%s]",
		brand, i.PhysicalCores, i.LogicalCores, strings.Join(features, ","))
}
