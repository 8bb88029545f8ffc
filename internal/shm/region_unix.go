//go:build linux || darwin

// File: internal/shm/region_unix.go
// POSIX shared-memory mapping via golang.org/x/sys/unix, grounded on the
// open/O_CREAT + ftruncate + mmap(MAP_SHARED) sequence in
// other_examples/..._nehraa-Omnyxnet__go-shared_memory.go.go, adapted to
// return an api.Region and to map AlreadyInUse/PermissionDenied/OOM onto
// the transport's error taxonomy.
package shm

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/lapc/api"
)

const shmDir = "/dev/shm"

type unixRegion struct {
	name string
	path string
	fd   int
	data []byte

	mu      sync.Mutex
	closed  bool
	created bool
}

func pageSize() int { return unix.Getpagesize() }

func createRegion(name string, size int) (api.Region, error) {
	size = roundUpToPage(size, pageSize())
	path := shmDir + name

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		switch err {
		case unix.EEXIST:
			return nil, api.ErrAlreadyInUse.WithContext("name", name)
		case unix.EACCES, unix.EPERM:
			return nil, api.ErrPermissionDenied.WithContext("name", name)
		default:
			return nil, api.NewError(api.ErrCodeInternal, "shm open: "+err.Error()).WithContext("name", name)
		}
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, mapMmapErr(err, name)
	}

	// Zero-initialise explicitly: POSIX guarantees a freshly-truncated
	// file reads as zero, but some filesystems backing /dev/shm variants
	// do not, so we write it out rather than trust that guarantee.
	if err := zeroFile(fd, size); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, mapMmapErr(err, name)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, mapMmapErr(err, name)
	}

	return &unixRegion{name: name, path: path, fd: fd, data: data, created: true}, nil
}

func openRegion(name string) (api.Region, error) {
	path := shmDir + name

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		switch err {
		case unix.ENOENT:
			return nil, api.ErrNotFound.WithContext("name", name)
		case unix.EACCES, unix.EPERM:
			return nil, api.ErrPermissionDenied.WithContext("name", name)
		default:
			return nil, api.NewError(api.ErrCodeInternal, "shm open: "+err.Error()).WithContext("name", name)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, mapMmapErr(err, name)
	}
	size := int(st.Size)

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, mapMmapErr(err, name)
	}

	return &unixRegion{name: name, path: path, fd: fd, data: data}, nil
}

func zeroFile(fd int, size int) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	remaining := size
	off := int64(0)
	for remaining > 0 {
		n := chunk
		if remaining < n {
			n = remaining
		}
		if _, err := unix.Pwrite(fd, buf[:n], off); err != nil {
			return err
		}
		off += int64(n)
		remaining -= n
	}
	return nil
}

func mapMmapErr(err error, name string) error {
	switch err {
	case unix.ENOMEM:
		return api.ErrOOM.WithContext("name", name)
	case unix.EACCES, unix.EPERM:
		return api.ErrPermissionDenied.WithContext("name", name)
	default:
		return api.NewError(api.ErrCodeInternal, "shm: "+err.Error()).WithContext("name", name)
	}
}

func (r *unixRegion) Name() string  { return r.name }
func (r *unixRegion) Bytes() []byte { return r.data }

func (r *unixRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = err
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *unixRegion) Destroy() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
