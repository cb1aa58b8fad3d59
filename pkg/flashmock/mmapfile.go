//go:build unix

package flashmock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/platform"
)

// FileImage is a file-backed variant of Image: the same per-space,
// all-ones-erased byte layout, but mmap'd from a regular file via
// golang.org/x/sys/unix rather than allocated in the Go heap, so the
// content of the flash survives process restarts the way pkg/slotcache's
// mmap'd cache file does (see open.go's mmapAndCreateCache). It is an
// alternative to the explicit SaveSnapshot/LoadSnapshot pair for a
// persistent image; cmd/nvmctl does not use it.
type FileImage struct {
	*Image
	file *os.File
	data []byte
}

// NewFileImage opens (creating if necessary) path, sizes it to hold every
// space in descriptor, mmaps it MAP_SHARED, and returns an Image backed
// directly by that mapping. A freshly created (zero-length) file is filled
// with the erased 0xFF pattern before use; an existing file of the right
// size is mapped as-is, preserving whatever flash state it already holds.
func NewFileImage(path string, descriptor platform.Descriptor) (*FileImage, error) {
	total, err := totalImageSize(descriptor)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path is operator-controlled, not user input
	if err != nil {
		return nil, fmt.Errorf("flashmock: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashmock: stat %s: %w", path, err)
	}

	fresh := info.Size() == 0
	if info.Size() != int64(total) {
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			return nil, fmt.Errorf("flashmock: sizing %s to %d bytes: %w", path, total, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashmock: mmap %s: %w", path, err)
	}

	if fresh {
		for i := range data {
			data[i] = 0xFF
		}
	}

	img, err := imageOverBuffer(descriptor, data)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return &FileImage{Image: img, file: f, data: data}, nil
}

// Close unmaps the file and closes its descriptor. Changes made through
// the mapping are already visible to other mappers of the same file
// (MAP_SHARED); Close does not itself flush to disk (see Sync).
func (fi *FileImage) Close() error {
	err := unix.Munmap(fi.data)
	if cerr := fi.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Sync flushes the mapping's dirty pages to disk.
func (fi *FileImage) Sync() error {
	return unix.Msync(fi.data, unix.MS_SYNC)
}

func totalImageSize(descriptor platform.Descriptor) (uint64, error) {
	var total uint64
	for _, space := range descriptor.Spaces() {
		desc, err := descriptor.SpaceDesc(space)
		if err != nil {
			return 0, err
		}
		total += uint64(desc.SectorLength) * uint64(desc.NumberOfSectors)
	}
	return total, nil
}

// imageOverBuffer builds an Image whose per-space byte slices are views
// into buf rather than independently allocated slices, the same
// decompose-one-mapping-into-per-space-slices approach pkg/slotcache uses
// to carve header/index/slot regions out of one mmap'd file.
func imageOverBuffer(descriptor platform.Descriptor, buf []byte) (*Image, error) {
	img := &Image{spaces: make(map[flashdriver.Space]*spaceImage)}

	var offset uint64
	for _, space := range descriptor.Spaces() {
		desc, err := descriptor.SpaceDesc(space)
		if err != nil {
			return nil, err
		}
		size := uint64(desc.SectorLength) * uint64(desc.NumberOfSectors)
		if offset+size > uint64(len(buf)) {
			return nil, fmt.Errorf("flashmock: image buffer too small for space %d", space)
		}

		img.spaces[space] = &spaceImage{
			start:        desc.StartAddress,
			sectorLength: desc.SectorLength,
			bytes:        buf[offset : offset+size],
		}
		img.order = append(img.order, space)
		offset += size
	}

	return img, nil
}
