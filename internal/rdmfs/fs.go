// Package rdmfs exposes the project graph as a FUSE filesystem. Every
// project directory carries the attributes document and the children and
// linked subdirectories ahead of its storage providers; storage subtrees
// delegate to the provider backends and are the only writable region.
package rdmfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/node"
	"github.com/rdmount/rdmount/internal/protocol"
	"github.com/rdmount/rdmount/internal/whitelist"
)

// Extended attribute names exposed on entries, and the root attribute
// that accepts mount commands.
const (
	xattrID       = "user.rdmount.id"
	xattrKind     = "user.rdmount.kind"
	xattrProvider = "user.rdmount.provider"
	xattrPath     = "user.rdmount.path"
	xattrTitle    = "user.rdmount.title"

	commandXattr     = "command"
	commandTerminate = "terminate"
)

// Config holds presentation and mount options.
type Config struct {
	FileMode   uint32
	DirMode    uint32
	UID        uint32
	GID        uint32
	AllowOther bool
	Debug      bool
}

// FS is the mounted filesystem. All resolution goes through the shared
// tree; write buffers spill into a session-scoped temp directory that is
// removed on Close.
type FS struct {
	tree *node.Tree
	wl   *whitelist.List
	cfg  Config

	spillDir string

	server atomic.Pointer[gofuse.Server]

	commitMu sync.Mutex
	commits  map[string]*sync.Mutex
}

// New creates a filesystem over the given tree.
func New(tree *node.Tree, wl *whitelist.List, cfg Config) (*FS, error) {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0o755
	}

	spill, err := os.MkdirTemp("", "rdmount-spill-*")
	if err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	return &FS{
		tree:     tree,
		wl:       wl,
		cfg:      cfg,
		spillDir: spill,
		commits:  make(map[string]*sync.Mutex),
	}, nil
}

// Mount mounts the filesystem. In all-projects mode the root lists one
// directory per accessible project; in single-project mode the project's
// own entries sit at the mount root.
func (f *FS) Mount(mountpoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	var root fs.InodeEmbedder
	if f.tree.Mode() == node.ModeAll {
		root = &rootNode{fsys: f}
	} else {
		root = &projectNode{fsys: f, projectID: f.tree.RootProject()}
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			Logger:     logging.StdLogger(),
			FsName:     "rdmount",
			Name:       "rdmount",
		},
		UID: f.cfg.UID,
		GID: f.cfg.GID,
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	f.server.Store(server)

	logging.Info("mounted",
		logging.String("mountpoint", mountpoint),
		logging.String("mode", modeName(f.tree.Mode())))
	return server, nil
}

// Close removes the session spill directory. Call after unmount.
func (f *FS) Close() error {
	return os.RemoveAll(f.spillDir)
}

func modeName(m node.Mode) string {
	if m == node.ModeAll {
		return "all-projects"
	}
	return "single-project"
}

// terminate unmounts in the background; invoked via the command xattr
// on the mount root.
func (f *FS) terminate() {
	srv := f.server.Load()
	if srv == nil {
		return
	}
	logging.Info("terminate requested")
	go func() {
		if err := srv.Unmount(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
	}()
}

func (f *FS) newSpill() (*os.File, error) {
	return os.CreateTemp(f.spillDir, "write-*")
}

// commitLock serializes commits of one remote path across handles.
func (f *FS) commitLock(key string) *sync.Mutex {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	m, ok := f.commits[key]
	if !ok {
		m = &sync.Mutex{}
		f.commits[key] = m
	}
	return m
}

// errnoFor maps classified upstream failures onto errno values. Anything
// unclassified is an I/O error.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if ue, ok := api.AsUpstream(err); ok {
		switch ue.Kind {
		case api.NotFound:
			return syscall.ENOENT
		case api.NotSupported:
			return syscall.ENOTSUP
		case api.Unauthorized:
			return syscall.EACCES
		}
	}
	if errors.Is(err, context.Canceled) {
		return syscall.EINTR
	}
	return syscall.EIO
}

// fuseErr records and logs one failed operation and maps its error.
func fuseErr(op string, err error) syscall.Errno {
	metrics.RecordFuseOp(op, false)
	logging.Debug("fuse op failed",
		logging.String("op", op),
		logging.Err(err))
	return errnoFor(err)
}

func (f *FS) dirAttr(a *gofuse.Attr, mtime time.Time) {
	a.Mode = syscall.S_IFDIR | f.cfg.DirMode
	a.Uid = f.cfg.UID
	a.Gid = f.cfg.GID
	setTimes(a, mtime)
}

func (f *FS) fileAttr(a *gofuse.Attr, size int64, mtime time.Time) {
	a.Mode = syscall.S_IFREG | f.cfg.FileMode
	if size > 0 {
		a.Size = uint64(size)
	}
	a.Uid = f.cfg.UID
	a.Gid = f.cfg.GID
	setTimes(a, mtime)
}

func (f *FS) linkAttr(a *gofuse.Attr) {
	a.Mode = syscall.S_IFLNK | 0o777
	a.Uid = f.cfg.UID
	a.Gid = f.cfg.GID
}

func setTimes(a *gofuse.Attr, t time.Time) {
	if t.IsZero() {
		return
	}
	ts := uint64(t.Unix())
	a.Atime = ts
	a.Mtime = ts
	a.Ctime = ts
}

// displayPath is the mount-facing path of a storage entry below its
// project directory: /<provider><materialized path>. Whitelist patterns
// match against it.
func displayPath(e *protocol.RemoteEntry) string {
	return "/" + e.Provider + e.Materialized
}

func childMaterialized(folder *protocol.RemoteEntry, name string) string {
	m := folder.Materialized
	if !strings.HasSuffix(m, "/") {
		m += "/"
	}
	return m + name
}

func childDisplay(folder *protocol.RemoteEntry, name string) string {
	return "/" + folder.Provider + childMaterialized(folder, name)
}

// xattrValue serves one extended attribute read with the usual
// size-probe protocol.
func xattrValue(value string, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// xattrNames serves a Listxattr reply: NUL-joined names.
func xattrNames(names []string, dest []byte) (uint32, syscall.Errno) {
	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		copy(dest[off:], name)
		off += len(name)
		dest[off] = 0
		off++
	}
	return uint32(total), 0
}
