package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// MinOptimizeRAMBytes is the available memory below which unet conversion tends to fail
const MinOptimizeRAMBytes = 16 << 30

// DetectHost collects CPU, memory and GPU information
func DetectHost(ctx context.Context) (models.HostInfo, error) {
	info := models.HostInfo{
		CPUModel:     "Unknown",
		CPUThreads:   runtime.NumCPU(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil && threads > 0 {
		info.CPUThreads = threads
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to read memory info: %w", err)
	}
	info.RAMTotalBytes = vm.Total
	info.RAMAvailableBytes = vm.Available

	info.HasGPU, info.GPUType = detectGPU(ctx)
	return info, nil
}

// detectGPU looks for an NVIDIA GPU through nvidia-smi
func detectGPU(ctx context.Context) (bool, string) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err == nil && len(out) > 0 {
		return true, strings.TrimSpace(strings.Split(string(out), "\n")[0])
	}
	return false, ""
}

// HostWarnings returns advisories about the host for the given accelerator
func HostWarnings(info models.HostInfo, acc models.Accelerator, optimizing bool) []string {
	var warnings []string
	if optimizing && info.RAMAvailableBytes > 0 && info.RAMAvailableBytes < MinOptimizeRAMBytes {
		warnings = append(warnings, fmt.Sprintf(
			"only %.1f GiB of memory available, unet conversion may run out of memory (16 GiB recommended)",
			float64(info.RAMAvailableBytes)/(1<<30)))
	}
	if acc == models.AcceleratorCUDA && !info.HasGPU {
		warnings = append(warnings, "no NVIDIA GPU detected for the cuda accelerator")
	}
	if acc == models.AcceleratorDML && info.OS != "windows" {
		warnings = append(warnings, "DirectML is only available on Windows")
	}
	return warnings
}
