package rdmfs

import (
	"context"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/node"
	"github.com/rdmount/rdmount/internal/protocol"
	"github.com/rdmount/rdmount/internal/virtual"
)

// readOnlyDir rejects every mutation below synthesized directories.
// Only storage subtrees accept writes.
type readOnlyDir struct{}

func (readOnlyDir) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (readOnlyDir) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (readOnlyDir) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (readOnlyDir) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (readOnlyDir) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// rootNode is the mount root in all-projects mode: one directory per
// accessible project.
type rootNode struct {
	fs.Inode
	readOnlyDir

	fsys *FS
}

var _ fs.InodeEmbedder = (*rootNode)(nil)
var _ fs.NodeGetattrer = (*rootNode)(nil)
var _ fs.NodeLookuper = (*rootNode)(nil)
var _ fs.NodeReaddirer = (*rootNode)(nil)
var _ fs.NodeSetxattrer = (*rootNode)(nil)
var _ fs.NodeMkdirer = (*rootNode)(nil)

func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.dirAttr(&out.Attr, time.Time{})
	return 0
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	projects, err := n.fsys.tree.AccessibleProjects(ctx)
	if err != nil {
		return nil, fuseErr("lookup", err)
	}
	for i := range projects {
		if projects[i].ID == name {
			child := &projectNode{fsys: n.fsys, projectID: name}
			n.fsys.dirAttr(&out.Attr, projects[i].DateModified)
			metrics.RecordFuseOp("lookup", true)
			return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
		}
	}
	return nil, syscall.ENOENT
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	projects, err := n.fsys.tree.AccessibleProjects(ctx)
	if err != nil {
		return nil, fuseErr("readdir", err)
	}
	entries := make([]gofuse.DirEntry, 0, len(projects))
	for i := range projects {
		entries = append(entries, gofuse.DirEntry{Name: projects[i].ID, Mode: syscall.S_IFDIR})
	}
	metrics.RecordFuseOp("readdir", true)
	return fs.NewListDirStream(entries), 0
}

func (n *rootNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.fsys.handleCommand(&n.Inode, attr, data)
}

// handleCommand implements the command xattr on the mount root. Any
// other setxattr is unsupported.
func (f *FS) handleCommand(n *fs.Inode, attr string, data []byte) syscall.Errno {
	if n.Root() != n || attr != commandXattr {
		return syscall.ENOTSUP
	}
	if string(data) != commandTerminate {
		return syscall.EINVAL
	}
	f.terminate()
	return 0
}

// projectNode is a project directory: the attributes document, the two
// collection directories, then one directory per storage provider.
type projectNode struct {
	fs.Inode
	readOnlyDir

	fsys      *FS
	projectID string
}

var _ fs.InodeEmbedder = (*projectNode)(nil)
var _ fs.NodeGetattrer = (*projectNode)(nil)
var _ fs.NodeLookuper = (*projectNode)(nil)
var _ fs.NodeReaddirer = (*projectNode)(nil)
var _ fs.NodeSetxattrer = (*projectNode)(nil)
var _ fs.NodeGetxattrer = (*projectNode)(nil)
var _ fs.NodeListxattrer = (*projectNode)(nil)
var _ fs.NodeUnlinker = (*projectNode)(nil)
var _ fs.NodeRenamer = (*projectNode)(nil)

func (n *projectNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	meta, err := n.fsys.tree.Node(ctx, n.projectID)
	if err != nil {
		return fuseErr("getattr", err)
	}
	n.fsys.dirAttr(&out.Attr, meta.DateModified)
	return 0
}

func (n *projectNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	switch name {
	case node.AttributesName:
		meta, err := n.fsys.tree.Node(ctx, n.projectID)
		if err != nil {
			return nil, fuseErr("lookup", err)
		}
		child := &attrsNode{fsys: n.fsys, projectID: n.projectID}
		n.fsys.fileAttr(&out.Attr, 0, meta.DateModified)
		metrics.RecordFuseOp("lookup", true)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0

	case node.ChildrenName, node.LinkedName:
		child := &collectionNode{
			fsys:      n.fsys,
			projectID: n.projectID,
			linked:    name == node.LinkedName,
		}
		n.fsys.dirAttr(&out.Attr, time.Time{})
		metrics.RecordFuseOp("lookup", true)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
	}

	providers, err := n.fsys.tree.Providers(ctx, n.projectID)
	if err != nil {
		return nil, fuseErr("lookup", err)
	}
	for i := range providers {
		if providers[i].Name == name {
			child := &folderNode{fsys: n.fsys, projectID: n.projectID, entry: providers[i]}
			n.fsys.dirAttr(&out.Attr, providers[i].Modified)
			metrics.RecordFuseOp("lookup", true)
			return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
		}
	}
	return nil, syscall.ENOENT
}

func (n *projectNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	providers, err := n.fsys.tree.Providers(ctx, n.projectID)
	if err != nil {
		return nil, fuseErr("readdir", err)
	}

	entries := []gofuse.DirEntry{
		{Name: node.AttributesName, Mode: syscall.S_IFREG},
		{Name: node.ChildrenName, Mode: syscall.S_IFDIR},
		{Name: node.LinkedName, Mode: syscall.S_IFDIR},
	}
	for i := range providers {
		entries = append(entries, gofuse.DirEntry{Name: providers[i].Name, Mode: syscall.S_IFDIR})
	}
	metrics.RecordFuseOp("readdir", true)
	return fs.NewListDirStream(entries), 0
}

func (n *projectNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.fsys.handleCommand(&n.Inode, attr, data)
}

func (n *projectNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	switch attr {
	case xattrID:
		return xattrValue(n.projectID, dest)
	case xattrKind:
		return xattrValue("project", dest)
	case xattrTitle:
		meta, err := n.fsys.tree.Node(ctx, n.projectID)
		if err != nil {
			return 0, syscall.ENODATA
		}
		return xattrValue(meta.Title, dest)
	}
	return 0, syscall.ENODATA
}

func (n *projectNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return xattrNames([]string{xattrID, xattrKind, xattrTitle}, dest)
}

// collectionNode is a children or linked directory. Entries are named by
// project id.
type collectionNode struct {
	fs.Inode
	readOnlyDir

	fsys      *FS
	projectID string
	linked    bool
}

var _ fs.InodeEmbedder = (*collectionNode)(nil)
var _ fs.NodeGetattrer = (*collectionNode)(nil)
var _ fs.NodeLookuper = (*collectionNode)(nil)
var _ fs.NodeReaddirer = (*collectionNode)(nil)
var _ fs.NodeGetxattrer = (*collectionNode)(nil)
var _ fs.NodeRmdirer = (*collectionNode)(nil)

func (n *collectionNode) list(ctx context.Context) ([]protocol.Node, error) {
	if n.linked {
		return n.fsys.tree.Linked(ctx, n.projectID)
	}
	return n.fsys.tree.Children(ctx, n.projectID)
}

func (n *collectionNode) kind() string {
	if n.linked {
		return "linked"
	}
	return "children"
}

func (n *collectionNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.dirAttr(&out.Attr, time.Time{})
	return 0
}

func (n *collectionNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	nodes, err := n.list(ctx)
	if err != nil {
		return nil, fuseErr("lookup", err)
	}
	for i := range nodes {
		if nodes[i].ID != name {
			continue
		}
		metrics.RecordFuseOp("lookup", true)

		// Linked projects in all-projects mode are symlinks to the
		// canonical top-level directory.
		if n.linked && n.fsys.tree.Mode() == node.ModeAll {
			child := &linkNode{fsys: n.fsys, targetID: nodes[i].ID}
			n.fsys.linkAttr(&out.Attr)
			return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
		}

		child := &projectNode{fsys: n.fsys, projectID: nodes[i].ID}
		n.fsys.dirAttr(&out.Attr, nodes[i].DateModified)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
	}
	return nil, syscall.ENOENT
}

func (n *collectionNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	nodes, err := n.list(ctx)
	if err != nil {
		return nil, fuseErr("readdir", err)
	}

	mode := uint32(syscall.S_IFDIR)
	if n.linked && n.fsys.tree.Mode() == node.ModeAll {
		mode = syscall.S_IFLNK
	}
	entries := make([]gofuse.DirEntry, 0, len(nodes))
	for i := range nodes {
		entries = append(entries, gofuse.DirEntry{Name: nodes[i].ID, Mode: mode})
	}
	metrics.RecordFuseOp("readdir", true)
	return fs.NewListDirStream(entries), 0
}

func (n *collectionNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	switch attr {
	case xattrID:
		return xattrValue(n.projectID, dest)
	case xattrKind:
		return xattrValue(n.kind(), dest)
	}
	return 0, syscall.ENODATA
}

// linkNode is a symlink redirecting a linked project to its canonical
// top-level directory.
type linkNode struct {
	fs.Inode

	fsys     *FS
	targetID string
}

var _ fs.InodeEmbedder = (*linkNode)(nil)
var _ fs.NodeGetattrer = (*linkNode)(nil)
var _ fs.NodeReadlinker = (*linkNode)(nil)

func (n *linkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.linkAttr(&out.Attr)
	return 0
}

func (n *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(virtual.LinkTarget(n.targetID)), 0
}

// attrsNode is the attributes document. It stats as a zero-size file and
// renders from a live node fetch on every open, so reads never observe a
// cached state.
type attrsNode struct {
	fs.Inode

	fsys      *FS
	projectID string
}

var _ fs.InodeEmbedder = (*attrsNode)(nil)
var _ fs.NodeGetattrer = (*attrsNode)(nil)
var _ fs.NodeOpener = (*attrsNode)(nil)
var _ fs.NodeReader = (*attrsNode)(nil)
var _ fs.NodeGetxattrer = (*attrsNode)(nil)

func (n *attrsNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	meta, err := n.fsys.tree.Node(ctx, n.projectID)
	if err != nil {
		return fuseErr("getattr", err)
	}
	n.fsys.fileAttr(&out.Attr, 0, meta.DateModified)
	return 0
}

func (n *attrsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	live, err := n.fsys.tree.LiveNode(ctx, n.projectID)
	if err != nil {
		return nil, 0, fuseErr("open", err)
	}
	metrics.HandleOpened()
	metrics.RecordFuseOp("open", true)
	return &attrsHandle{data: virtual.RenderAttributes(live)}, gofuse.FOPEN_DIRECT_IO, 0
}

func (n *attrsNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*attrsHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return handle.read(dest, off)
}

func (n *attrsNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	switch attr {
	case xattrID:
		return xattrValue(n.projectID, dest)
	case xattrKind:
		return xattrValue("attributes", dest)
	}
	return 0, syscall.ENODATA
}

// folderNode is a storage folder, including each provider's root. All
// mutations run against the provider backend and drop the affected
// cached listings.
type folderNode struct {
	fs.Inode

	fsys      *FS
	projectID string
	entry     protocol.RemoteEntry
}

var _ fs.InodeEmbedder = (*folderNode)(nil)
var _ fs.NodeGetattrer = (*folderNode)(nil)
var _ fs.NodeLookuper = (*folderNode)(nil)
var _ fs.NodeReaddirer = (*folderNode)(nil)
var _ fs.NodeCreater = (*folderNode)(nil)
var _ fs.NodeMkdirer = (*folderNode)(nil)
var _ fs.NodeUnlinker = (*folderNode)(nil)
var _ fs.NodeRmdirer = (*folderNode)(nil)
var _ fs.NodeRenamer = (*folderNode)(nil)
var _ fs.NodeGetxattrer = (*folderNode)(nil)
var _ fs.NodeListxattrer = (*folderNode)(nil)

func (n *folderNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.dirAttr(&out.Attr, n.entry.Modified)
	return 0
}

func (n *folderNode) find(ctx context.Context, name string) (*protocol.RemoteEntry, error) {
	entries, err := n.fsys.tree.FolderEntries(ctx, n.projectID, &n.entry)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (n *folderNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	found, err := n.find(ctx, name)
	if err != nil {
		return nil, fuseErr("lookup", err)
	}
	if found == nil {
		return nil, syscall.ENOENT
	}
	metrics.RecordFuseOp("lookup", true)

	if found.IsDir() {
		child := &folderNode{fsys: n.fsys, projectID: n.projectID, entry: *found}
		n.fsys.dirAttr(&out.Attr, found.Modified)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
	}

	child := &fileNode{fsys: n.fsys, projectID: n.projectID, parent: n.entry, entry: *found}
	n.fsys.fileAttr(&out.Attr, found.Size, found.Modified)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

func (n *folderNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	listed, err := n.fsys.tree.FolderEntries(ctx, n.projectID, &n.entry)
	if err != nil {
		return nil, fuseErr("readdir", err)
	}
	entries := make([]gofuse.DirEntry, 0, len(listed))
	for i := range listed {
		mode := uint32(syscall.S_IFREG)
		if listed[i].IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: listed[i].Name, Mode: mode})
	}
	metrics.RecordFuseOp("readdir", true)
	return fs.NewListDirStream(entries), 0
}

func (n *folderNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	target := childDisplay(&n.entry, name)
	if !n.fsys.wl.Allows(target) {
		return nil, nil, 0, syscall.EROFS
	}

	existing, err := n.find(ctx, name)
	if err != nil {
		return nil, nil, 0, fuseErr("create", err)
	}
	if existing != nil {
		return nil, nil, 0, syscall.EEXIST
	}

	spill, err := n.fsys.newSpill()
	if err != nil {
		logging.Error("create spill failed", logging.Err(err))
		return nil, nil, 0, syscall.EIO
	}

	entry := protocol.RemoteEntry{
		Name:         name,
		Kind:         protocol.KindFile,
		Materialized: childMaterialized(&n.entry, name),
		Provider:     n.entry.Provider,
	}
	child := &fileNode{fsys: n.fsys, projectID: n.projectID, parent: n.entry, entry: entry}

	n.fsys.fileAttr(&out.Attr, 0, time.Now())
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode})

	// The upstream entry appears on first commit; dirty forces one even
	// for an empty file.
	fh := &fileHandle{fsys: n.fsys, node: child, writable: true, dirty: true, spill: spill}
	metrics.HandleOpened()
	metrics.RecordFuseOp("create", true)
	logging.Debug("create", logging.String("path", target))
	return inode, fh, 0, 0
}

func (n *folderNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	target := childDisplay(&n.entry, name)
	if !n.fsys.wl.Allows(target) {
		return nil, syscall.EROFS
	}

	prov, err := n.fsys.tree.ProviderFor(ctx, n.entry.Provider)
	if err != nil {
		return nil, fuseErr("mkdir", err)
	}
	created, err := prov.Mkdir(ctx, &n.entry, name)
	if err != nil {
		return nil, fuseErr("mkdir", err)
	}
	n.fsys.tree.InvalidateFolder(n.projectID, &n.entry)

	child := &folderNode{fsys: n.fsys, projectID: n.projectID, entry: *created}
	n.fsys.dirAttr(&out.Attr, created.Modified)
	metrics.RecordFuseOp("mkdir", true)
	logging.Debug("mkdir", logging.String("path", target))
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

func (n *folderNode) Unlink(ctx context.Context, name string) syscall.Errno {
	found, err := n.find(ctx, name)
	if err != nil {
		return fuseErr("unlink", err)
	}
	if found == nil {
		return syscall.ENOENT
	}
	if found.IsDir() {
		return syscall.EISDIR
	}
	if !n.fsys.wl.Allows(displayPath(found)) {
		return syscall.EROFS
	}

	prov, err := n.fsys.tree.ProviderFor(ctx, n.entry.Provider)
	if err != nil {
		return fuseErr("unlink", err)
	}
	if err := prov.Remove(ctx, found); err != nil {
		return fuseErr("unlink", err)
	}
	n.fsys.tree.InvalidateFolder(n.projectID, &n.entry)
	metrics.RecordFuseOp("unlink", true)
	logging.Debug("unlink", logging.String("path", displayPath(found)))
	return 0
}

func (n *folderNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	found, err := n.find(ctx, name)
	if err != nil {
		return fuseErr("rmdir", err)
	}
	if found == nil {
		return syscall.ENOENT
	}
	if !found.IsDir() {
		return syscall.ENOTDIR
	}
	if !n.fsys.wl.Allows(displayPath(found)) {
		return syscall.EROFS
	}

	inside, err := n.fsys.tree.FolderEntries(ctx, n.projectID, found)
	if err != nil {
		return fuseErr("rmdir", err)
	}
	if len(inside) > 0 {
		return syscall.ENOTEMPTY
	}

	prov, err := n.fsys.tree.ProviderFor(ctx, n.entry.Provider)
	if err != nil {
		return fuseErr("rmdir", err)
	}
	if err := prov.Rmdir(ctx, found); err != nil {
		return fuseErr("rmdir", err)
	}
	n.fsys.tree.InvalidateFolder(n.projectID, &n.entry)
	n.fsys.tree.InvalidateFolder(n.projectID, found)
	metrics.RecordFuseOp("rmdir", true)
	logging.Debug("rmdir", logging.String("path", displayPath(found)))
	return 0
}

func (n *folderNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*folderNode)
	if !ok {
		return syscall.EXDEV
	}
	if dst.entry.Provider != n.entry.Provider || dst.projectID != n.projectID {
		return syscall.EXDEV
	}

	found, err := n.find(ctx, name)
	if err != nil {
		return fuseErr("rename", err)
	}
	if found == nil {
		return syscall.ENOENT
	}
	if !n.fsys.wl.Allows(displayPath(found)) || !n.fsys.wl.Allows(childDisplay(&dst.entry, newName)) {
		return syscall.EROFS
	}

	// RENAME_NOREPLACE
	if flags&1 != 0 {
		existing, err := dst.find(ctx, newName)
		if err != nil {
			return fuseErr("rename", err)
		}
		if existing != nil {
			return syscall.EEXIST
		}
	}

	prov, err := n.fsys.tree.ProviderFor(ctx, n.entry.Provider)
	if err != nil {
		return fuseErr("rename", err)
	}
	if err := prov.Rename(ctx, found, &dst.entry, newName); err != nil {
		return fuseErr("rename", err)
	}
	n.fsys.tree.InvalidateFolder(n.projectID, &n.entry)
	n.fsys.tree.InvalidateFolder(dst.projectID, &dst.entry)
	metrics.RecordFuseOp("rename", true)
	logging.Debug("rename",
		logging.String("from", displayPath(found)),
		logging.String("to", childDisplay(&dst.entry, newName)))
	return 0
}

func (n *folderNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	switch attr {
	case xattrID:
		return xattrValue(n.entry.ID, dest)
	case xattrKind:
		if n.entry.Materialized == "/" {
			return xattrValue("provider", dest)
		}
		return xattrValue("folder", dest)
	case xattrProvider:
		return xattrValue(n.entry.Provider, dest)
	case xattrPath:
		return xattrValue(displayPath(&n.entry), dest)
	}
	return 0, syscall.ENODATA
}

func (n *folderNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return xattrNames([]string{xattrID, xattrKind, xattrProvider, xattrPath}, dest)
}

// fileNode is a storage file. Reads stream ranges from the provider;
// writes buffer in a spill file and commit on flush.
type fileNode struct {
	fs.Inode

	fsys      *FS
	projectID string
	parent    protocol.RemoteEntry

	mu    sync.Mutex
	entry protocol.RemoteEntry
}

var _ fs.InodeEmbedder = (*fileNode)(nil)
var _ fs.NodeGetattrer = (*fileNode)(nil)
var _ fs.NodeSetattrer = (*fileNode)(nil)
var _ fs.NodeOpener = (*fileNode)(nil)
var _ fs.NodeReader = (*fileNode)(nil)
var _ fs.NodeGetxattrer = (*fileNode)(nil)
var _ fs.NodeListxattrer = (*fileNode)(nil)

func (n *fileNode) snapshot() protocol.RemoteEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.entry
}

func (n *fileNode) setEntry(e protocol.RemoteEntry) {
	n.mu.Lock()
	n.entry = e
	n.mu.Unlock()
}

func (n *fileNode) commitKey() string {
	entry := n.snapshot()
	return n.projectID + ":" + displayPath(&entry)
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	entry := n.snapshot()
	size := entry.Size
	if handle, ok := fh.(*fileHandle); ok && handle.isWritable() {
		size = handle.currentSize()
	}
	n.fsys.fileAttr(&out.Attr, size, entry.Modified)
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		handle, hok := fh.(*fileHandle)
		if !hok {
			return syscall.ENOTSUP
		}
		if errno := handle.truncate(int64(size)); errno != 0 {
			return errno
		}
	}
	// Mode and time changes are accepted without effect; presentation is
	// fixed by the mount options.
	return n.Getattr(ctx, fh, out)
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	entry := n.snapshot()

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		if !n.fsys.wl.Allows(displayPath(&entry)) {
			return nil, 0, syscall.EROFS
		}
		return n.openForWrite(ctx, entry, flags&syscall.O_TRUNC != 0)
	}

	metrics.HandleOpened()
	metrics.RecordFuseOp("open", true)
	return &fileHandle{fsys: n.fsys, node: n}, 0, 0
}

// openForWrite spills the current content (unless truncating) and hands
// out a buffered writable handle.
func (n *fileNode) openForWrite(ctx context.Context, entry protocol.RemoteEntry, truncate bool) (fs.FileHandle, uint32, syscall.Errno) {
	spill, err := n.fsys.newSpill()
	if err != nil {
		logging.Error("open spill failed", logging.Err(err))
		return nil, 0, syscall.EIO
	}

	fh := &fileHandle{fsys: n.fsys, node: n, writable: true, spill: spill}

	if truncate {
		// Committing the empty buffer is what makes O_TRUNC durable.
		fh.dirty = entry.Size > 0
	} else if entry.Size > 0 {
		prov, err := n.fsys.tree.ProviderFor(ctx, entry.Provider)
		if err != nil {
			fh.discard()
			return nil, 0, fuseErr("open", err)
		}
		rc, _, err := prov.ReadRange(ctx, &entry, 0, entry.Size)
		if err != nil {
			fh.discard()
			return nil, 0, fuseErr("open", err)
		}
		copied, err := io.Copy(spill, rc)
		rc.Close()
		if err != nil {
			fh.discard()
			logging.Error("seed spill failed", logging.Err(err))
			return nil, 0, syscall.EIO
		}
		fh.size = copied
		metrics.RecordBytesDownloaded(copied)
	}

	metrics.HandleOpened()
	metrics.RecordFuseOp("open", true)
	return fh, 0, 0
}

func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if handle.isWritable() {
		return handle.readSpill(dest, off)
	}
	return n.readRange(ctx, dest, off)
}

// readRange streams one byte range from the provider.
func (n *fileNode) readRange(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	entry := n.snapshot()
	if off >= entry.Size {
		return gofuse.ReadResultData(dest[:0]), 0
	}
	end := off + int64(len(dest)) - 1
	if end >= entry.Size {
		end = entry.Size - 1
	}
	length := end - off + 1

	prov, err := n.fsys.tree.ProviderFor(ctx, entry.Provider)
	if err != nil {
		return nil, fuseErr("read", err)
	}
	rc, _, err := prov.ReadRange(ctx, &entry, off, length)
	if err != nil {
		return nil, fuseErr("read", err)
	}
	defer rc.Close()

	nread, err := io.ReadFull(rc, dest[:length])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fuseErr("read", err)
	}
	metrics.RecordBytesDownloaded(int64(nread))
	metrics.RecordFuseOp("read", true)
	return gofuse.ReadResultData(dest[:nread]), 0
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	entry := n.snapshot()
	switch attr {
	case xattrID:
		return xattrValue(entry.ID, dest)
	case xattrKind:
		return xattrValue("file", dest)
	case xattrProvider:
		return xattrValue(entry.Provider, dest)
	case xattrPath:
		return xattrValue(displayPath(&entry), dest)
	}
	return 0, syscall.ENODATA
}

func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return xattrNames([]string{xattrID, xattrKind, xattrProvider, xattrPath}, dest)
}
