// Package protocol defines the wire types exchanged with the research data
// management API (a JSON:API v2 dialect) and its storage bridge, plus the
// decoded forms the rest of the mount works with.
package protocol

import (
	"encoding/json"
	"time"
)

// Document is the JSON:API envelope for a single resource.
type Document struct {
	Data   Resource   `json:"data"`
	Errors []APIError `json:"errors,omitempty"`
}

// ListDocument is the JSON:API envelope for a paginated collection.
type ListDocument struct {
	Data   []Resource `json:"data"`
	Links  PageLinks  `json:"links"`
	Errors []APIError `json:"errors,omitempty"`
}

// PageLinks carries pagination continuation links. Next is empty on the
// final page (the API sends an explicit null).
type PageLinks struct {
	First string `json:"first,omitempty"`
	Last  string `json:"last,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
}

// Resource is one JSON:API resource object. Attributes stay raw so each
// caller decodes only the shape it needs.
type Resource struct {
	ID            string                  `json:"id"`
	Type          string                  `json:"type"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Links         map[string]string       `json:"links,omitempty"`
}

// Relationship links a resource to a related collection or resource.
type Relationship struct {
	Links RelationshipLinks `json:"links"`
}

// RelationshipLinks holds the hrefs of a relationship.
type RelationshipLinks struct {
	Related Href `json:"related"`
	Self    Href `json:"self"`
}

// Href is a link that the API serializes either as a bare string or as an
// object with an href field.
type Href struct {
	URL string
}

func (h *Href) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &h.URL)
	}
	var obj struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	h.URL = obj.Href
	return nil
}

// APIError is one entry of a JSON:API errors array.
type APIError struct {
	Detail string `json:"detail"`
	Status string `json:"status,omitempty"`
}

// UserAttributes is the attribute shape of a user resource.
type UserAttributes struct {
	FullName string `json:"full_name"`
}

// NodeAttributes is the attribute shape of a node (project) resource.
type NodeAttributes struct {
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	Description  string    `json:"description"`
	Public       bool      `json:"public"`
	Tags         []string  `json:"tags"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
}

// FileAttributes is the attribute shape of a file/folder resource in a
// storage listing. Size is a pointer because folders report null.
type FileAttributes struct {
	Name             string     `json:"name"`
	Kind             string     `json:"kind"`
	Path             string     `json:"path"`
	MaterializedPath string     `json:"materialized_path"`
	Provider         string     `json:"provider"`
	Size             *int64     `json:"size"`
	DateCreated      *time.Time `json:"date_created"`
	DateModified     *time.Time `json:"date_modified"`
}

// BridgeEntity is the storage bridge's response to uploads and folder
// creation. Its attribute vocabulary differs slightly from the API's.
type BridgeEntity struct {
	Data struct {
		ID         string           `json:"id"`
		Attributes BridgeAttributes `json:"attributes"`
	} `json:"data"`
}

// BridgeAttributes is the bridge-native metadata shape.
type BridgeAttributes struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Path         string  `json:"path"`
	Materialized string  `json:"materialized"`
	Size         *int64  `json:"size"`
	Modified     *string `json:"modified_utc"`
	ETag         string  `json:"etag"`
}

// EntryKind distinguishes files from folders in storage listings.
type EntryKind string

const (
	KindFile   EntryKind = "file"
	KindFolder EntryKind = "folder"
)

// Node is the decoded form of a project resource.
type Node struct {
	ID            string
	Title         string
	Category      string
	Public        bool
	DateCreated   time.Time
	DateModified  time.Time
	RawAttributes json.RawMessage
}

// LinkSet carries the per-entry operation URLs advertised by the API. It
// is the opaque content handle of a storage entry: all content I/O goes
// through these, never through paths the client invents.
type LinkSet struct {
	Download  string
	Upload    string
	Delete    string
	NewFolder string
	Move      string
	List      string
}

// RemoteEntry is the decoded form of one storage listing item. Path is
// the provider-native path backends address the entry by; Materialized
// is the human-readable path shown to users and matched against write
// whitelists. Some providers use the same string for both.
type RemoteEntry struct {
	ID           string
	Name         string
	Kind         EntryKind
	Path         string
	Materialized string
	Provider     string
	Size         int64
	Modified     time.Time
	Links        LinkSet
}

// IsDir reports whether the entry is a folder.
func (e *RemoteEntry) IsDir() bool {
	return e.Kind == KindFolder
}

// DecodeNode converts a node resource into its decoded form.
func DecodeNode(r Resource) (Node, error) {
	var attrs NodeAttributes
	if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
		return Node{}, err
	}
	return Node{
		ID:            r.ID,
		Title:         attrs.Title,
		Category:      attrs.Category,
		Public:        attrs.Public,
		DateCreated:   attrs.DateCreated,
		DateModified:  attrs.DateModified,
		RawAttributes: r.Attributes,
	}, nil
}

// DecodeEntry converts a file/folder resource into its decoded form.
func DecodeEntry(r Resource) (RemoteEntry, error) {
	var attrs FileAttributes
	if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
		return RemoteEntry{}, err
	}

	entry := RemoteEntry{
		ID:           r.ID,
		Name:         attrs.Name,
		Kind:         EntryKind(attrs.Kind),
		Path:         attrs.Path,
		Materialized: attrs.MaterializedPath,
		Provider:     attrs.Provider,
		Links: LinkSet{
			Download:  r.Links["download"],
			Upload:    r.Links["upload"],
			Delete:    r.Links["delete"],
			NewFolder: r.Links["new_folder"],
			Move:      r.Links["move"],
		},
	}
	if entry.Materialized == "" {
		entry.Materialized = attrs.Path
	}
	if attrs.Size != nil {
		entry.Size = *attrs.Size
	}
	if attrs.DateModified != nil {
		entry.Modified = *attrs.DateModified
	}
	if rel, ok := r.Relationships["files"]; ok {
		entry.Links.List = rel.Links.Related.URL
	}
	return entry, nil
}
