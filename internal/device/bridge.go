package device

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmDir is where Linux's tmpfs-backed POSIX shared memory objects
// live; there is no shm_open(3) wrapper in x/sys/unix, so this core
// opens the backing tmpfs file directly, the same way it would on any
// other tmpfs-mounted path.
const shmDir = "/dev/shm"

// Bridge owns the POSIX shared-memory regions a guest process and this
// core both map: the PM4 command ring, the process's shared memory
// image, and its direct-memory (DMEM) pools.
type Bridge struct {
	CommandRing *MappedRegion
	Memory      map[int32]*MappedRegion // keyed by pid
	DMem        map[int]*MappedRegion   // keyed by dmem index
}

// MappedRegion is one POSIX shared-memory object opened with shm_open
// and mapped with mmap, matching the read-write-shared mapping idiom
// this codebase's memory-mapped file loaders use elsewhere.
type MappedRegion struct {
	fd   int
	Name string
	Data []byte
}

// NewBridge opens and maps the "rpcsx-gpu-cmds" command ring; per-pid
// memory images and per-index DMEM pools are mapped later, as processes
// and DMEM pools attach. shmPath is not used: every segment is opened
// directly under /dev/shm.
func NewBridge(shmPath string, ringBytes int) (*Bridge, error) {
	ring, err := openShm("rpcsx-gpu-cmds", ringBytes)
	if err != nil {
		return nil, fmt.Errorf("device: open command ring: %w", err)
	}
	return &Bridge{
		CommandRing: ring,
		Memory:      make(map[int32]*MappedRegion),
		DMem:        make(map[int]*MappedRegion),
	}, nil
}

// AttachProcessMemory maps "/dev/shm/memory-<pid>" at sizeBytes bytes,
// returning the existing region if pid is already attached.
func (b *Bridge) AttachProcessMemory(pid int32, sizeBytes int64) (*MappedRegion, error) {
	if r, ok := b.Memory[pid]; ok {
		return r, nil
	}
	r, err := openShm(fmt.Sprintf("memory-%d", pid), int(sizeBytes))
	if err != nil {
		return nil, fmt.Errorf("device: attach process memory for pid %d: %w", pid, err)
	}
	b.Memory[pid] = r
	return r, nil
}

// AttachDMem maps "/dev/shm/dmem-<index>", one of the PS4's direct
// memory pools.
func (b *Bridge) AttachDMem(index int, sizeBytes int64) (*MappedRegion, error) {
	if r, ok := b.DMem[index]; ok {
		return r, nil
	}
	r, err := openShm(fmt.Sprintf("dmem-%d", index), int(sizeBytes))
	if err != nil {
		return nil, fmt.Errorf("device: attach dmem %d: %w", index, err)
	}
	b.DMem[index] = r
	return r, nil
}

// DetachProcess unmaps and closes pid's memory region. Close calls it
// for every attached pid; handleUnmapProcess does not.
func (b *Bridge) DetachProcess(pid int32) error {
	r, ok := b.Memory[pid]
	if !ok {
		return nil
	}
	delete(b.Memory, pid)
	return r.Close()
}

// Close unmaps every region the bridge holds.
func (b *Bridge) Close() error {
	var firstErr error
	if b.CommandRing != nil {
		if err := b.CommandRing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for pid := range b.Memory {
		if err := b.DetachProcess(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for idx, r := range b.DMem {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.DMem, idx)
	}
	return firstErr
}

// Words views the mapped region as a slice of 32-bit PM4 words, the
// shape a Ring is built over.
func (r *MappedRegion) Words() []uint32 {
	if len(r.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&r.Data[0])), len(r.Data)/4)
}

// Close unmaps and closes the backing shared-memory object.
func (r *MappedRegion) Close() error {
	var firstErr error
	if r.Data != nil {
		if err := unix.Munmap(r.Data); err != nil {
			firstErr = err
		}
		r.Data = nil
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func openShm(name string, size int) (*MappedRegion, error) {
	f, err := os.OpenFile(shmDir+"/"+name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", shmDir, name, err)
	}
	fd := int(f.Fd())
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ftruncate %q to %d: %w", name, size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %q: %w", name, err)
	}
	// The fd is kept open independent of f (mmap only needs the fd, and
	// os.File's finalizer would close the same fd out from under it), so
	// dup it before f goes out of scope.
	dupFD, err := unix.Dup(fd)
	f.Close()
	if err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("dup %q: %w", name, err)
	}
	return &MappedRegion{fd: dupFD, Name: name, Data: data}, nil
}
