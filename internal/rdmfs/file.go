package rdmfs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/protocol"
)

// fileHandle is an open storage file. Read-only handles stream ranges
// through the node; writable handles buffer in a spill file and commit
// the whole buffer on flush, so a file appears upstream only once its
// writer closes it.
type fileHandle struct {
	fsys *FS
	node *fileNode

	mu       sync.Mutex
	writable bool
	dirty    bool
	spill    *os.File
	size     int64
}

var _ fs.FileHandle = (*fileHandle)(nil)
var _ fs.FileWriter = (*fileHandle)(nil)
var _ fs.FileFlusher = (*fileHandle)(nil)
var _ fs.FileFsyncer = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (fh *fileHandle) isWritable() bool {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.writable && fh.spill != nil
}

func (fh *fileHandle) currentSize() int64 {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.size
}

// discard drops the spill file. Only for handles that were never handed
// to the kernel.
func (fh *fileHandle) discard() {
	if fh.spill != nil {
		name := fh.spill.Name()
		fh.spill.Close()
		os.Remove(name)
		fh.spill = nil
	}
}

func (fh *fileHandle) readSpill(dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.spill == nil {
		return nil, syscall.EBADF
	}
	n, err := fh.spill.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if !fh.writable || fh.spill == nil {
		return 0, syscall.EBADF
	}

	n, err := fh.spill.WriteAt(data, off)
	if err != nil {
		logging.Error("spill write failed", logging.Err(err))
		return 0, syscall.EIO
	}
	if end := off + int64(n); end > fh.size {
		fh.size = end
	}
	fh.dirty = true
	metrics.RecordFuseOp("write", true)
	return uint32(n), 0
}

func (fh *fileHandle) truncate(size int64) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if !fh.writable || fh.spill == nil {
		return syscall.EBADF
	}
	if err := fh.spill.Truncate(size); err != nil {
		return syscall.EIO
	}
	fh.size = size
	fh.dirty = true
	return 0
}

func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.commitLocked(ctx)
}

func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.commitLocked(ctx)
}

// commitLocked uploads the buffer if it changed. Commits of the same
// remote path serialize, so concurrent writers settle on one final
// state instead of interleaving.
func (fh *fileHandle) commitLocked(ctx context.Context) syscall.Errno {
	if !fh.dirty || fh.spill == nil {
		return 0
	}
	entry := fh.node.snapshot()

	lock := fh.fsys.commitLock(fh.node.commitKey())
	lock.Lock()
	defer lock.Unlock()

	if _, err := fh.spill.Seek(0, io.SeekStart); err != nil {
		logging.Error("spill seek failed", logging.Err(err))
		return syscall.EIO
	}

	prov, err := fh.fsys.tree.ProviderFor(ctx, entry.Provider)
	if err != nil {
		return fuseErr("flush", err)
	}

	var updated *protocol.RemoteEntry
	if entry.ID == "" {
		updated, err = prov.Upload(ctx, &fh.node.parent, entry.Name, fh.spill, fh.size)
	} else {
		updated, err = prov.Update(ctx, &entry, fh.spill, fh.size)
	}
	if err != nil {
		return fuseErr("flush", err)
	}

	fh.node.setEntry(*updated)
	fh.dirty = false
	fh.fsys.tree.InvalidateFolder(fh.node.projectID, &fh.node.parent)

	metrics.RecordFuseOp("flush", true)
	logging.Info("committed",
		logging.String("path", displayPath(updated)),
		logging.Int64("size", fh.size))
	return 0
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.discard()
	metrics.HandleClosed()
	return 0
}

// attrsHandle serves one open of the attributes document: the bytes
// rendered at open time.
type attrsHandle struct {
	data []byte
}

var _ fs.FileHandle = (*attrsHandle)(nil)
var _ fs.FileReleaser = (*attrsHandle)(nil)

func (h *attrsHandle) read(dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return gofuse.ReadResultData(dest[:0]), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return gofuse.ReadResultData(h.data[off:end]), 0
}

func (h *attrsHandle) Release(ctx context.Context) syscall.Errno {
	metrics.HandleClosed()
	return 0
}
