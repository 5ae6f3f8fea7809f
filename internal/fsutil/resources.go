package fsutil

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// workingSetFactor approximates the peak memory of reducing one cube relative
// to its size on disk: the float64 copy, the calibrated copy and the FFT
// buffers of registration.
const workingSetFactor = 6

// minFreeMB is kept free of worker working sets.
const minFreeMB = 512

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vm.Available / (1024 * 1024)), nil
}

// EstimateCubeSize estimates the working set of one cube in MB from a sample
// of the input files.
func EstimateCubeSize(files []string) int64 {
	sampleSize := len(files)
	if sampleSize > 5 {
		sampleSize = 5
	}
	var total int64
	var n int64
	for i := 0; i < sampleSize; i++ {
		if stat, err := os.Stat(files[i]); err == nil {
			total += stat.Size()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / n * workingSetFactor / (1024 * 1024)
}

// WorkerCount picks the number of concurrent files. requested > 0 wins;
// otherwise the logical CPU count, reduced so that the working sets of all
// workers fit in available memory. Never below one.
func WorkerCount(requested int, files []string, logger *slog.Logger) int {
	if requested > 0 {
		return requested
	}
	workers, err := cpu.Counts(true)
	if err != nil || workers < 1 {
		workers = runtime.NumCPU()
	}

	perCube := EstimateCubeSize(files)
	availableMB, err := GetSystemMemory()
	if err == nil && perCube > 0 {
		fit := (availableMB - minFreeMB) / perCube
		if fit < int64(workers) {
			workers = int(fit)
		}
	}
	if workers < 1 {
		workers = 1
	}
	if len(files) > 0 && workers > len(files) {
		workers = len(files)
	}

	if logger != nil {
		logger.Debug("worker pool sized",
			"workers", workers,
			"available_ram_mb", availableMB,
			"estimated_cube_mb", perCube,
		)
	}
	return workers
}

// FreeSpaceMB returns the free space of the filesystem holding dir.
func FreeSpaceMB(dir string) (int64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free / (1024 * 1024)), nil
}
