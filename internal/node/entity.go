// Package node resolves filesystem paths to typed entities: projects,
// their synthetic entries, and the storage entries below each provider.
package node

import (
	"github.com/rdmount/rdmount/internal/protocol"
)

// Reserved names synthesized under every project directory. They take
// precedence over a storage provider that happens to share the name; such
// a provider is shadowed (known limitation).
const (
	AttributesName = "attributes.json"
	ChildrenName   = "children"
	LinkedName     = "linked"
)

// Mode selects what the mount root exposes.
type Mode int

const (
	// ModeSingle roots the mount at one configured project.
	ModeSingle Mode = iota
	// ModeAll exposes every accessible project as a top-level directory.
	ModeAll
)

// Entity is what a path resolves to. The set is closed; the filesystem
// layer switches over it.
type Entity interface {
	isEntity()
}

// Root is the mount root in all-projects mode.
type Root struct{}

// Project is a project directory: the mount root in single-project mode,
// a top-level directory in all-projects mode, or a nested entry under a
// children or linked collection.
type Project struct {
	Node protocol.Node
}

// AttributesDoc is the live metadata document of a project.
type AttributesDoc struct {
	ProjectID string
}

// Collection is a project's children or linked directory.
type Collection struct {
	ProjectID string
	Linked    bool
}

// Link is a non-owning redirect to a project's canonical top-level path.
// Only produced in all-projects mode; single-project mode nests a full
// Project subtree instead.
type Link struct {
	TargetID string
}

// ProviderRoot is the root directory of one advertised storage provider.
type ProviderRoot struct {
	ProjectID string
	Entry     protocol.RemoteEntry
}

// Remote is a file or folder inside a provider subtree.
type Remote struct {
	ProjectID string
	Entry     protocol.RemoteEntry
}

func (Root) isEntity()          {}
func (Project) isEntity()       {}
func (AttributesDoc) isEntity() {}
func (Collection) isEntity()    {}
func (Link) isEntity()          {}
func (ProviderRoot) isEntity()  {}
func (Remote) isEntity()        {}
