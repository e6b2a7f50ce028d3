package node

import (
	"context"
	"strings"
	"time"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/listing"
	"github.com/rdmount/rdmount/internal/protocol"
	"github.com/rdmount/rdmount/internal/storage"
)

// kindNode keys single-node reads in the short-lived cache.
const kindNode = listing.Kind("node")

// Cache policy defaults. Collections and folder listings live longer than
// node metadata; the accessible-project set lives for the session.
const (
	DefaultCollectionTTL = 180 * time.Second
	DefaultNodeTTL       = 60 * time.Second
	DefaultMaxCached     = 256
)

// Config holds tree construction parameters.
type Config struct {
	Client        *api.Client
	Registry      *storage.Registry
	Mode          Mode
	ProjectID     string // required in ModeSingle
	CollectionTTL time.Duration
	NodeTTL       time.Duration
	MaxCached     int
}

// Tree is the shared index every filesystem operation resolves through.
// All fetched listings pass its caches; concurrent resolution of one key
// shares a single upstream flight.
type Tree struct {
	client *api.Client
	reg    *storage.Registry
	mode   Mode
	rootID string

	nodes       *listing.Cache[protocol.Node]        // single-node reads
	collections *listing.Cache[protocol.Node]        // children / linked
	projects    *listing.Cache[protocol.Node]        // accessible set
	entries     *listing.Cache[protocol.RemoteEntry] // providers / folders
}

// New creates a tree.
func New(cfg Config) *Tree {
	if cfg.CollectionTTL == 0 {
		cfg.CollectionTTL = DefaultCollectionTTL
	}
	if cfg.NodeTTL == 0 {
		cfg.NodeTTL = DefaultNodeTTL
	}
	if cfg.MaxCached == 0 {
		cfg.MaxCached = DefaultMaxCached
	}

	return &Tree{
		client:      cfg.Client,
		reg:         cfg.Registry,
		mode:        cfg.Mode,
		rootID:      cfg.ProjectID,
		nodes:       listing.New[protocol.Node](cfg.NodeTTL, cfg.MaxCached),
		collections: listing.New[protocol.Node](cfg.CollectionTTL, cfg.MaxCached),
		projects:    listing.New[protocol.Node](0, 0),
		entries:     listing.New[protocol.RemoteEntry](cfg.CollectionTTL, cfg.MaxCached),
	}
}

// Mode returns the mount mode.
func (t *Tree) Mode() Mode { return t.mode }

// RootProject returns the configured project id in single-project mode.
func (t *Tree) RootProject() string { return t.rootID }

// ProviderFor returns the backend variant serving the named provider.
func (t *Tree) ProviderFor(ctx context.Context, name string) (storage.Provider, error) {
	return t.reg.ForProvider(ctx, name)
}

func notFound(detail string) error {
	return &api.UpstreamError{Kind: api.NotFound, Detail: detail}
}

// Node returns project metadata through the short-lived cache.
func (t *Tree) Node(ctx context.Context, id string) (protocol.Node, error) {
	items, err := t.nodes.Get(ctx, listing.Key{Path: id, Kind: kindNode}, func(ctx context.Context) ([]protocol.Node, error) {
		n, err := t.client.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		return []protocol.Node{n}, nil
	})
	if err != nil {
		return protocol.Node{}, err
	}
	return items[0], nil
}

// LiveNode fetches project metadata bypassing every cache. The attributes
// document renders from this, never from a cached copy.
func (t *Tree) LiveNode(ctx context.Context, id string) (protocol.Node, error) {
	return t.client.GetNode(ctx, id)
}

// AccessibleProjects returns the session-cached set of projects the
// credential can access.
func (t *Tree) AccessibleProjects(ctx context.Context) ([]protocol.Node, error) {
	return t.projects.Get(ctx, listing.Key{Path: "me", Kind: listing.KindProjects}, func(ctx context.Context) ([]protocol.Node, error) {
		return t.client.ListUserNodes(ctx)
	})
}

// Children returns a project's child-node collection.
func (t *Tree) Children(ctx context.Context, id string) ([]protocol.Node, error) {
	return t.collections.Get(ctx, listing.Key{Path: id, Kind: listing.KindChildren}, func(ctx context.Context) ([]protocol.Node, error) {
		return t.client.ListChildren(ctx, id)
	})
}

// Linked returns a project's linked-node collection.
func (t *Tree) Linked(ctx context.Context, id string) ([]protocol.Node, error) {
	return t.collections.Get(ctx, listing.Key{Path: id, Kind: listing.KindLinked}, func(ctx context.Context) ([]protocol.Node, error) {
		return t.client.ListLinked(ctx, id)
	})
}

// Providers returns the storage providers a project advertises.
func (t *Tree) Providers(ctx context.Context, id string) ([]protocol.RemoteEntry, error) {
	return t.entries.Get(ctx, listing.Key{Path: id, Kind: listing.KindProviders}, func(ctx context.Context) ([]protocol.RemoteEntry, error) {
		return t.client.ListProviders(ctx, id)
	})
}

// FolderEntries returns a provider folder's listing.
func (t *Tree) FolderEntries(ctx context.Context, projectID string, folder *protocol.RemoteEntry) ([]protocol.RemoteEntry, error) {
	return t.entries.Get(ctx, folderKey(projectID, folder), func(ctx context.Context) ([]protocol.RemoteEntry, error) {
		prov, err := t.reg.ForProvider(ctx, folder.Provider)
		if err != nil {
			return nil, err
		}
		return prov.List(ctx, folder)
	})
}

// InvalidateFolder drops the cached listing of a provider folder. Write
// operations call it so the next listing reflects the mutation.
func (t *Tree) InvalidateFolder(projectID string, folder *protocol.RemoteEntry) {
	t.entries.Invalidate(folderKey(projectID, folder))
}

func folderKey(projectID string, folder *protocol.RemoteEntry) listing.Key {
	return listing.Key{
		Path: projectID + "/" + folder.Provider + folder.Path,
		Kind: listing.KindFolder,
	}
}

// Resolve maps a slash-separated path to its entity. The empty path is
// the mount root: the project itself in single-project mode, the project
// index in all-projects mode.
func (t *Tree) Resolve(ctx context.Context, path string) (Entity, error) {
	segs := splitPath(path)

	if len(segs) == 0 {
		if t.mode == ModeAll {
			return Root{}, nil
		}
		segs = []string{t.rootID}
	}

	if t.mode == ModeSingle {
		if segs[0] != t.rootID {
			return nil, notFound("project " + segs[0] + " is not mounted")
		}
	} else {
		visible, err := t.projectVisible(ctx, segs[0])
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, notFound("no accessible project " + segs[0])
		}
	}

	return t.resolveProject(ctx, segs[0], segs[1:])
}

func (t *Tree) projectVisible(ctx context.Context, id string) (bool, error) {
	nodes, err := t.AccessibleProjects(ctx)
	if err != nil {
		return false, err
	}
	return findNode(nodes, id) != nil, nil
}

// resolveProject resolves the remaining segments below a project
// directory. Virtual names are matched before provider names, so a
// provider sharing a reserved name is unreachable.
func (t *Tree) resolveProject(ctx context.Context, projectID string, rest []string) (Entity, error) {
	if len(rest) == 0 {
		n, err := t.Node(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return Project{Node: n}, nil
	}

	switch rest[0] {
	case AttributesName:
		if len(rest) > 1 {
			return nil, notFound("attributes document has no entries")
		}
		return AttributesDoc{ProjectID: projectID}, nil

	case ChildrenName:
		if len(rest) == 1 {
			return Collection{ProjectID: projectID}, nil
		}
		children, err := t.Children(ctx, projectID)
		if err != nil {
			return nil, err
		}
		child := findNode(children, rest[1])
		if child == nil {
			return nil, notFound("no child project " + rest[1])
		}
		if len(rest) == 2 {
			return Project{Node: *child}, nil
		}
		return t.resolveProject(ctx, child.ID, rest[2:])

	case LinkedName:
		if len(rest) == 1 {
			return Collection{ProjectID: projectID, Linked: true}, nil
		}
		linked, err := t.Linked(ctx, projectID)
		if err != nil {
			return nil, err
		}
		target := findNode(linked, rest[1])
		if target == nil {
			return nil, notFound("no linked project " + rest[1])
		}
		// All-projects mode redirects to the canonical top-level path;
		// descending through the link resolves against the canonical
		// node, so following it twice converges.
		if t.mode == ModeAll && len(rest) == 2 {
			return Link{TargetID: target.ID}, nil
		}
		if len(rest) == 2 {
			return Project{Node: *target}, nil
		}
		return t.resolveProject(ctx, target.ID, rest[2:])

	default:
		providers, err := t.Providers(ctx, projectID)
		if err != nil {
			return nil, err
		}
		root := findEntry(providers, rest[0])
		if root == nil {
			return nil, notFound("no provider " + rest[0])
		}
		if len(rest) == 1 {
			return ProviderRoot{ProjectID: projectID, Entry: *root}, nil
		}
		return t.resolveRemote(ctx, projectID, *root, rest[1:])
	}
}

// resolveRemote walks provider folder listings segment by segment.
func (t *Tree) resolveRemote(ctx context.Context, projectID string, folder protocol.RemoteEntry, segs []string) (Entity, error) {
	cur := folder
	for _, seg := range segs {
		if !cur.IsDir() {
			return nil, notFound(cur.Name + " is not a folder")
		}
		entries, err := t.FolderEntries(ctx, projectID, &cur)
		if err != nil {
			return nil, err
		}
		next := findEntry(entries, seg)
		if next == nil {
			return nil, notFound("no entry " + seg)
		}
		cur = *next
	}
	return Remote{ProjectID: projectID, Entry: cur}, nil
}

func findNode(nodes []protocol.Node, id string) *protocol.Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}

func findEntry(entries []protocol.RemoteEntry, name string) *protocol.RemoteEntry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
