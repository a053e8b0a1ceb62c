//go:build windows

package detector

import (
	"syscall"
	"unsafe"
)

// windowsEpochOffset is the number of seconds between 1601 and 1970.
const windowsEpochOffset = 11644473600

var procGetProcessTimes = syscall.NewLazyDLL("kernel32.dll").NewProc("GetProcessTimes")

// getProcStartUnix returns the creation time of pid in Unix seconds, or 0
// on error.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	var creation, exit, kernel, user syscall.Filetime
	ret, _, _ := procGetProcessTimes.Call(uintptr(h),
		uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)),
		uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return 0
	}
	// Filetime counts 100ns intervals.
	ft := uint64(creation.HighDateTime)<<32 | uint64(creation.LowDateTime)
	return int64(ft/10000000) - windowsEpochOffset
}
