package flashmock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"

	"github.com/nvmtag/store/pkg/flashdriver"
)

// snapshotMagic tags a persisted flash image file so LoadSnapshot can
// reject a file that is not one of these, rather than silently
// misinterpreting arbitrary bytes as flash content.
const snapshotMagic = "NVMFLASH1"

// SaveSnapshot writes space's current bytes to path as a single atomic
// file operation (write-to-temp, rename), so a crash mid-save can never
// leave a half-written snapshot file behind for a later LoadSnapshot to
// misread. Mirrors this codebase's use of natefinch/atomic for durable
// single-file writes (see cache_binary.go).
func SaveSnapshot(img *Image, space flashdriver.Space, path string) error {
	data, err := img.Snapshot(space)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(data))); err != nil { //nolint:gosec // bounded by sector count well under 1<<32
		return err
	}
	buf.Write(data)

	return atomic.WriteFile(path, &buf)
}

// LoadSnapshot reads bytes previously written by SaveSnapshot back into
// space's live image, overwriting whatever is currently there. The image
// must already be sized for space (i.e. constructed against the same
// platform descriptor the snapshot was taken under); a size mismatch is an
// error rather than a silent truncate/pad.
func LoadSnapshot(img *Image, space flashdriver.Space, path string) error {
	f, err := os.Open(path) //nolint:gosec // path is operator-controlled, not user input
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("flashmock: %s: %w", path, err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("flashmock: %s: not a flash snapshot file", path)
	}

	var size uint32
	if err := binary.Read(f, binary.BigEndian, &size); err != nil {
		return fmt.Errorf("flashmock: %s: %w", path, err)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("flashmock: %s: %w", path, err)
	}

	img.mu.Lock()
	defer img.mu.Unlock()

	si, err := img.space(space)
	if err != nil {
		return err
	}
	if len(data) != len(si.bytes) {
		return fmt.Errorf("flashmock: %s: snapshot is %d bytes, space expects %d", path, len(data), len(si.bytes))
	}
	copy(si.bytes, data)

	return nil
}
