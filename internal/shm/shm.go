// File: internal/shm/shm.go
// Package shm implements the Shared-memory OS layer (C9): named region
// creation/open, page-size rounding, and a memory-mapped view exposed
// through api.Region. Platform-specific mapping lives in region_unix.go
// (open of a /dev/shm file + mmap via golang.org/x/sys/unix, grounded on the
// open/ftruncate/mmap sequence in
// other_examples/..._nehraa-Omnyxnet__go-shared_memory.go.go) and
// region_windows.go (Win32 file mapping via golang.org/x/sys/windows).
package shm

import (
	"fmt"

	"github.com/momentics/lapc/api"
)

// VendorPrefix namespaces every region this process creates so it never
// collides with an unrelated shared-memory user on the same host.
const VendorPrefix = "lapc"

// regionName builds the platform-visible name for a logical tag.
func regionName(tag string) string {
	return fmt.Sprintf("/%s_%s", VendorPrefix, tag)
}

// roundUpToPage rounds size up to the nearest multiple of the OS page size.
func roundUpToPage(size, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 4096
	}
	if size <= 0 {
		return pageSize
	}
	rem := size % pageSize
	if rem == 0 {
		return size
	}
	return size + (pageSize - rem)
}

// CreateRegion creates a named shared-memory region of at least size bytes,
// zero-initialised, and returns a mapped api.Region. It fails with
// AlreadyInUse if a region of that name already exists.
func CreateRegion(tag string, size int) (api.Region, error) {
	return createRegion(regionName(tag), size)
}

// OpenRegion opens an existing named shared-memory region created by
// CreateRegion (possibly in another process).
func OpenRegion(tag string) (api.Region, error) {
	return openRegion(regionName(tag))
}
