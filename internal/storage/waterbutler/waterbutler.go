// Package waterbutler implements the default storage variant: listings
// come from the API's files endpoints and content I/O goes through the
// storage bridge links each entry advertises.
package waterbutler

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/protocol"
)

// Provider serves every bridge-backed storage provider of a node. It is
// stateless; the entries themselves carry the operation URLs.
type Provider struct {
	client *api.Client
}

// New creates the bridge-backed provider variant.
func New(client *api.Client) *Provider {
	return &Provider{client: client}
}

// Kind returns "waterbutler".
func (p *Provider) Kind() string { return "waterbutler" }

// missingLink reports an entry that does not advertise the URL an
// operation needs.
func missingLink(name string) error {
	return &api.UpstreamError{Kind: api.NotSupported, Detail: "entry has no " + name + " link"}
}

// List returns the ordered entries of a folder.
func (p *Provider) List(ctx context.Context, folder *protocol.RemoteEntry) ([]protocol.RemoteEntry, error) {
	if folder.Links.List == "" {
		return nil, missingLink("listing")
	}
	start := time.Now()
	entries, err := p.client.ListFolder(ctx, folder.Links.List)
	metrics.RecordProviderOp(p.Kind(), "list", time.Since(start), err == nil)
	return entries, err
}

// Stat refreshes one entry's metadata through its file resource.
func (p *Provider) Stat(ctx context.Context, entry *protocol.RemoteEntry) (*protocol.RemoteEntry, error) {
	if entry.ID == "" {
		return entry, nil
	}
	start := time.Now()
	fresh, err := p.client.GetFile(ctx, entry.ID)
	metrics.RecordProviderOp(p.Kind(), "stat", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

// ReadRange reads one byte range through the entry's download link.
func (p *Provider) ReadRange(ctx context.Context, entry *protocol.RemoteEntry, offset, length int64) (io.ReadCloser, int64, error) {
	if entry.Links.Download == "" {
		return nil, 0, missingLink("download")
	}
	start := time.Now()
	rc, total, err := p.client.Download(ctx, entry.Links.Download, offset, length)
	metrics.RecordProviderOp(p.Kind(), "read", time.Since(start), err == nil)
	return rc, total, err
}

// Upload creates a file under folder and commits content to it.
func (p *Provider) Upload(ctx context.Context, folder *protocol.RemoteEntry, name string, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error) {
	if folder.Links.Upload == "" {
		return nil, missingLink("upload")
	}
	target := api.AddQuery(api.AddQuery(folder.Links.Upload, "kind", "file"), "name", name)

	start := time.Now()
	entity, err := p.client.Upload(ctx, target, content, size)
	metrics.RecordProviderOp(p.Kind(), "upload", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	logging.Debug("bridge upload",
		logging.String("provider", folder.Provider),
		logging.String("name", name),
		logging.Int64("size", size))
	return bridgeToEntry(entity, folder.Provider, name, childPath(folder.Materialized, name), size), nil
}

// Update replaces an existing file's content through its upload link.
func (p *Provider) Update(ctx context.Context, entry *protocol.RemoteEntry, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error) {
	if entry.Links.Upload == "" {
		return nil, missingLink("upload")
	}
	target := api.AddQuery(entry.Links.Upload, "kind", "file")

	start := time.Now()
	entity, err := p.client.Upload(ctx, target, content, size)
	metrics.RecordProviderOp(p.Kind(), "update", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	updated := bridgeToEntry(entity, entry.Provider, entry.Name, entry.Materialized, size)
	updated.Links = entry.Links
	return updated, nil
}

// Remove deletes a file through its delete link.
func (p *Provider) Remove(ctx context.Context, entry *protocol.RemoteEntry) error {
	if entry.Links.Delete == "" {
		return missingLink("delete")
	}
	start := time.Now()
	err := p.client.Delete(ctx, entry.Links.Delete)
	metrics.RecordProviderOp(p.Kind(), "remove", time.Since(start), err == nil)
	if err == nil {
		logging.Debug("bridge delete", logging.String("path", entry.Path))
	}
	return err
}

// Mkdir creates a folder through the parent's new-folder link.
func (p *Provider) Mkdir(ctx context.Context, folder *protocol.RemoteEntry, name string) (*protocol.RemoteEntry, error) {
	if folder.Links.NewFolder == "" {
		return nil, missingLink("new-folder")
	}
	start := time.Now()
	entity, err := p.client.CreateFolder(ctx, folder.Links.NewFolder, name)
	metrics.RecordProviderOp(p.Kind(), "mkdir", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	logging.Debug("bridge mkdir",
		logging.String("provider", folder.Provider),
		logging.String("name", name))
	created := bridgeToEntry(entity, folder.Provider, name, childPath(folder.Materialized, name)+"/", 0)
	created.Kind = protocol.KindFolder
	return created, nil
}

// Rmdir deletes a folder through its delete link.
func (p *Provider) Rmdir(ctx context.Context, entry *protocol.RemoteEntry) error {
	return p.Remove(ctx, entry)
}

// childPath joins a folder's human-readable path with a child name.
func childPath(folderPath, name string) string {
	if !strings.HasSuffix(folderPath, "/") {
		folderPath += "/"
	}
	return folderPath + name
}

// Rename moves entry into dstFolder under newName via the move link.
func (p *Provider) Rename(ctx context.Context, entry *protocol.RemoteEntry, dstFolder *protocol.RemoteEntry, newName string) error {
	if entry.Links.Move == "" {
		return missingLink("move")
	}
	rename := ""
	if newName != entry.Name {
		rename = newName
	}

	start := time.Now()
	err := p.client.MoveEntry(ctx, entry.Links.Move, dstFolder.Path, rename)
	metrics.RecordProviderOp(p.Kind(), "rename", time.Since(start), err == nil)
	if err == nil {
		logging.Debug("bridge move",
			logging.String("from", entry.Path),
			logging.String("to", dstFolder.Path+newName))
	}
	return err
}

// bridgeToEntry converts a bridge response into a listing-shaped entry.
// The bridge does not return API links; the next listing fetch fills
// them in.
func bridgeToEntry(entity *protocol.BridgeEntity, provider, fallbackName, fallbackMaterialized string, fallbackSize int64) *protocol.RemoteEntry {
	attrs := entity.Data.Attributes

	entry := &protocol.RemoteEntry{
		ID:           entity.Data.ID,
		Name:         attrs.Name,
		Kind:         protocol.EntryKind(attrs.Kind),
		Path:         attrs.Path,
		Materialized: attrs.Materialized,
		Provider:     provider,
		Size:         fallbackSize,
	}
	if entry.Name == "" {
		entry.Name = fallbackName
	}
	if entry.Materialized == "" {
		entry.Materialized = fallbackMaterialized
	}
	if entry.Kind == "" {
		entry.Kind = protocol.KindFile
	}
	if attrs.Size != nil {
		entry.Size = *attrs.Size
	}
	if attrs.Modified != nil {
		if t, err := time.Parse(time.RFC3339, *attrs.Modified); err == nil {
			entry.Modified = t
		}
	}
	return entry
}
