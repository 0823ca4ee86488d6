package blockdev

import (
	"context"
	"os"
	"sync"

	"github.com/blobcask/blobcask/pkg/status"
	"github.com/spf13/afero"
)

// FileDevice is a Device backed by a single image file on an afero
// filesystem. The OS filesystem serves production images, while tests
// run against afero.NewMemMapFs.
type FileDevice struct {
	mu         sync.Mutex
	f          afero.File
	blockSize  uint32
	blockCount uint64
}

var _ Device = &FileDevice{}

// NewFile opens (or creates, sized to blockCount blocks) an image file
// as a block device.
func NewFile(fs afero.Fs, path string, blockSize uint32, blockCount uint64) (*FileDevice, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	size := int64(blockSize) * int64(blockCount)
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, status.ErrIO.Wrap(err)
	}
	if fi.Size() < size {
		if err = f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, status.ErrIO.Wrap(err)
		}
	}
	return &FileDevice{
		f:          f,
		blockSize:  blockSize,
		blockCount: blockCount,
	}, nil
}

// OpenFile opens an existing image file, deriving the block count from
// the file size.
func OpenFile(fs afero.Fs, path string, blockSize uint32) (*FileDevice, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound.Wrap(err)
		}
		return nil, status.ErrIO.Wrap(err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, status.ErrIO.Wrap(err)
	}
	return &FileDevice{
		f:          f,
		blockSize:  blockSize,
		blockCount: uint64(fi.Size()) / uint64(blockSize),
	}, nil
}

func (d *FileDevice) checkRange(start, count uint64) error {
	if start+count > d.blockCount || start+count < start {
		return status.ErrIO.WrapMessage("block range [%d,%d) beyond device end %d", start, start+count, d.blockCount)
	}
	return nil
}

func (d *FileDevice) ReadBlocks(ctx context.Context, start, count uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(start, count); err != nil {
		return nil, err
	}
	buf := make([]byte, count*uint64(d.blockSize))
	if _, err := d.f.ReadAt(buf, int64(start)*int64(d.blockSize)); err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	return buf, nil
}

func (d *FileDevice) WriteBlocks(ctx context.Context, start uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(len(data))%uint64(d.blockSize) != 0 {
		return status.ErrIO.WrapMessage("write of %d bytes is not block aligned", len(data))
	}
	if err := d.checkRange(start, uint64(len(data))/uint64(d.blockSize)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(start)*int64(d.blockSize)); err != nil {
		return status.ErrIO.Wrap(err)
	}
	return nil
}

func (d *FileDevice) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return status.ErrIO.Wrap(err)
	}
	return nil
}

func (d *FileDevice) BlockCount() uint64 { return d.blockCount }
func (d *FileDevice) BlockSize() uint32  { return d.blockSize }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Close(); err != nil {
		return status.ErrIO.Wrap(err)
	}
	return nil
}
