package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/protocol"
	"github.com/rdmount/rdmount/internal/retry"
	"github.com/rdmount/rdmount/internal/storage"
)

// fakeAPI simulates the node service and the storage bridge listings for
// one project with a child, a linked project, and a small osfstorage
// subtree:
//
//	abc12/
//	  children/sub01
//	  linked/xyz89
//	  osfstorage/
//	    readme.txt
//	    data/run1.csv
type fakeAPI struct {
	ts *httptest.Server

	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeAPI) hit(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[label]++
}

func (f *fakeAPI) count(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[label]
}

func nodeRes(id, title string) map[string]interface{} {
	return map[string]interface{}{
		"id":   id,
		"type": "nodes",
		"attributes": map[string]interface{}{
			"title":    title,
			"category": "project",
		},
	}
}

func entryRes(base, id, name, kind, path, materialized, listPath string, size int64) map[string]interface{} {
	attrs := map[string]interface{}{
		"name":              name,
		"kind":              kind,
		"path":              path,
		"materialized_path": materialized,
		"provider":          "osfstorage",
	}
	if kind == "file" {
		attrs["size"] = size
	} else {
		attrs["size"] = nil
	}
	res := map[string]interface{}{
		"id":         id,
		"type":       "files",
		"attributes": attrs,
		"links": map[string]string{
			"upload":     base + "/bridge/up" + path,
			"move":       base + "/bridge/mv" + path,
			"delete":     base + "/bridge/del" + path,
			"new_folder": base + "/bridge/new" + path,
			"download":   base + "/bridge/dl" + path,
		},
	}
	if listPath != "" {
		res["relationships"] = map[string]interface{}{
			"files": map[string]interface{}{
				"links": map[string]interface{}{
					"related": map[string]string{"href": base + listPath},
				},
			},
		}
	}
	return res
}

func writeListDoc(w http.ResponseWriter, data ...map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  data,
		"links": map[string]interface{}{"next": nil},
	})
}

func writeDoc(w http.ResponseWriter, data map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{counts: make(map[string]int)}
	mux := http.NewServeMux()
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	base := f.ts.URL

	mux.HandleFunc("/users/me/nodes/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("projects")
		writeListDoc(w, nodeRes("abc12", "Climate Data"), nodeRes("xyz89", "Sensor Grid"))
	})
	mux.HandleFunc("/nodes/abc12/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("node:abc12")
		writeDoc(w, nodeRes("abc12", "Climate Data"))
	})
	mux.HandleFunc("/nodes/xyz89/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("node:xyz89")
		writeDoc(w, nodeRes("xyz89", "Sensor Grid"))
	})
	mux.HandleFunc("/nodes/abc12/children/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("children:abc12")
		writeListDoc(w, nodeRes("sub01", "Subsurface Flow"))
	})
	mux.HandleFunc("/nodes/abc12/linked_nodes/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("linked:abc12")
		writeListDoc(w, nodeRes("xyz89", "Sensor Grid"))
	})
	mux.HandleFunc("/nodes/abc12/files/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("providers:abc12")
		writeListDoc(w,
			entryRes(base, "osfstorage", "osfstorage", "folder", "/", "/", "/wb/abc12/osfstorage/root/", 0),
			// A provider sharing a reserved name is shadowed by the
			// synthetic entry of the same name.
			entryRes(base, "children-prov", "children", "folder", "/", "/", "/wb/abc12/children/root/", 0),
		)
	})
	mux.HandleFunc("/wb/abc12/osfstorage/root/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("folder:/")
		writeListDoc(w,
			entryRes(base, "osfstorage/d1", "data", "folder", "/d1/", "/data/", "/wb/abc12/osfstorage/data/", 0),
			entryRes(base, "osfstorage/r1", "readme.txt", "file", "/r1", "/readme.txt", "", 11),
		)
	})
	mux.HandleFunc("/wb/abc12/osfstorage/data/", func(w http.ResponseWriter, r *http.Request) {
		f.hit("folder:/data/")
		writeListDoc(w,
			entryRes(base, "osfstorage/c1", "run1.csv", "file", "/c1", "/data/run1.csv", "", 2048),
		)
	})

	return f
}

func newTestTree(f *fakeAPI, mode Mode, rootID string) *Tree {
	client := api.New(api.Config{
		BaseURL: f.ts.URL,
		Token:   "t",
		RetryConfig: retry.Config{
			MaxAttempts: 2,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
			Multiplier:  1.0,
		},
	})
	return New(Config{
		Client:    client,
		Registry:  storage.NewRegistry(client, nil),
		Mode:      mode,
		ProjectID: rootID,
	})
}

func TestResolve_SingleProjectRoot(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")

	ent, err := tree.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := ent.(Project)
	if !ok {
		t.Fatalf("root = %T, want Project", ent)
	}
	if p.Node.ID != "abc12" || p.Node.Title != "Climate Data" {
		t.Errorf("project = %+v", p.Node)
	}
}

func TestResolve_SingleModeGatesOtherProjects(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")

	_, err := tree.Resolve(context.Background(), "xyz89")
	if !api.IsNotFound(err) {
		t.Fatalf("expected NotFound for unmounted project, got %v", err)
	}
}

func TestResolve_AllProjectsRoot(t *testing.T) {
	f := newFakeAPI(t)
	tree := newTestTree(f, ModeAll, "")

	ent, err := tree.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ent.(Root); !ok {
		t.Fatalf("root = %T, want Root", ent)
	}

	for i := 0; i < 3; i++ {
		if _, err := tree.Resolve(context.Background(), "abc12"); err != nil {
			t.Fatalf("resolve abc12: %v", err)
		}
	}
	if got := f.count("projects"); got != 1 {
		t.Errorf("accessible-projects fetched %d times, want 1 per session", got)
	}
	if got := f.count("node:abc12"); got != 1 {
		t.Errorf("node fetched %d times, want 1 within TTL", got)
	}

	_, err = tree.Resolve(context.Background(), "zzz99")
	if !api.IsNotFound(err) {
		t.Fatalf("expected NotFound for inaccessible project, got %v", err)
	}
}

func TestResolve_VirtualEntries(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")
	ctx := context.Background()

	ent, err := tree.Resolve(ctx, "abc12/attributes.json")
	if err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if doc, ok := ent.(AttributesDoc); !ok || doc.ProjectID != "abc12" {
		t.Errorf("attributes = %#v", ent)
	}

	ent, err = tree.Resolve(ctx, "abc12/children")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if col, ok := ent.(Collection); !ok || col.Linked || col.ProjectID != "abc12" {
		t.Errorf("children = %#v", ent)
	}

	ent, err = tree.Resolve(ctx, "abc12/linked")
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if col, ok := ent.(Collection); !ok || !col.Linked {
		t.Errorf("linked = %#v", ent)
	}

	if _, err := tree.Resolve(ctx, "abc12/attributes.json/x"); !api.IsNotFound(err) {
		t.Errorf("descending into the attributes document should be NotFound, got %v", err)
	}
}

func TestResolve_VirtualNamesShadowProviders(t *testing.T) {
	// The provider listing advertises a provider literally named
	// "children"; the synthetic collection still wins.
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")

	ent, err := tree.Resolve(context.Background(), "abc12/children")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ent.(Collection); !ok {
		t.Errorf("children resolved to %T, want Collection", ent)
	}
}

func TestResolve_ChildProject(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")
	ctx := context.Background()

	ent, err := tree.Resolve(ctx, "abc12/children/sub01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := ent.(Project)
	if !ok || p.Node.ID != "sub01" || p.Node.Title != "Subsurface Flow" {
		t.Errorf("child = %#v", ent)
	}

	ent, err = tree.Resolve(ctx, "abc12/children/sub01/attributes.json")
	if err != nil {
		t.Fatalf("nested attributes: %v", err)
	}
	if doc, ok := ent.(AttributesDoc); !ok || doc.ProjectID != "sub01" {
		t.Errorf("nested attributes = %#v", ent)
	}

	if _, err := tree.Resolve(ctx, "abc12/children/nope1"); !api.IsNotFound(err) {
		t.Errorf("expected NotFound for absent child, got %v", err)
	}
}

func TestResolve_LinkedProject(t *testing.T) {
	ctx := context.Background()

	// All-projects mode: the linked entry is a redirect to the canonical
	// top-level path, and both roads end at the same project.
	f := newFakeAPI(t)
	all := newTestTree(f, ModeAll, "")

	ent, err := all.Resolve(ctx, "abc12/linked/xyz89")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	link, ok := ent.(Link)
	if !ok || link.TargetID != "xyz89" {
		t.Fatalf("linked entry = %#v, want Link to xyz89", ent)
	}

	canonical, err := all.Resolve(ctx, link.TargetID)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if p, ok := canonical.(Project); !ok || p.Node.ID != "xyz89" {
		t.Errorf("canonical = %#v", canonical)
	}

	// Descending through the link resolves against the canonical node.
	ent, err = all.Resolve(ctx, "abc12/linked/xyz89/attributes.json")
	if err != nil {
		t.Fatalf("descend through link: %v", err)
	}
	if doc, ok := ent.(AttributesDoc); !ok || doc.ProjectID != "xyz89" {
		t.Errorf("descend through link = %#v", ent)
	}

	// Single-project mode nests the linked project as a real directory.
	single := newTestTree(newFakeAPI(t), ModeSingle, "abc12")
	ent, err = single.Resolve(ctx, "abc12/linked/xyz89")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p, ok := ent.(Project); !ok || p.Node.ID != "xyz89" {
		t.Errorf("single-mode linked = %#v", ent)
	}
}

func TestResolve_ProviderSubtree(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")
	ctx := context.Background()

	ent, err := tree.Resolve(ctx, "abc12/osfstorage")
	if err != nil {
		t.Fatalf("provider root: %v", err)
	}
	pr, ok := ent.(ProviderRoot)
	if !ok || pr.Entry.Name != "osfstorage" || !pr.Entry.IsDir() {
		t.Fatalf("provider root = %#v", ent)
	}

	ent, err = tree.Resolve(ctx, "abc12/osfstorage/data")
	if err != nil {
		t.Fatalf("folder: %v", err)
	}
	folder, ok := ent.(Remote)
	if !ok || !folder.Entry.IsDir() || folder.Entry.Materialized != "/data/" {
		t.Fatalf("folder = %#v", ent)
	}

	ent, err = tree.Resolve(ctx, "abc12/osfstorage/data/run1.csv")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	file, ok := ent.(Remote)
	if !ok || file.Entry.IsDir() {
		t.Fatalf("file = %#v", ent)
	}
	if file.Entry.Size != 2048 || file.Entry.Materialized != "/data/run1.csv" {
		t.Errorf("file entry = %+v", file.Entry)
	}
	if file.Entry.Links.Download == "" {
		t.Error("file entry lost its download link")
	}

	if _, err := tree.Resolve(ctx, "abc12/osfstorage/readme.txt/x"); !api.IsNotFound(err) {
		t.Errorf("descending into a file should be NotFound, got %v", err)
	}
	if _, err := tree.Resolve(ctx, "abc12/nosuch"); !api.IsNotFound(err) {
		t.Errorf("unknown provider should be NotFound, got %v", err)
	}
	if _, err := tree.Resolve(ctx, "abc12/osfstorage/data/absent.csv"); !api.IsNotFound(err) {
		t.Errorf("absent entry should be NotFound, got %v", err)
	}
}

func TestResolve_FolderListingsCachedAndInvalidated(t *testing.T) {
	f := newFakeAPI(t)
	tree := newTestTree(f, ModeSingle, "abc12")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tree.Resolve(ctx, "abc12/osfstorage/data/run1.csv"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if got := f.count("providers:abc12"); got != 1 {
		t.Errorf("providers fetched %d times, want 1", got)
	}
	if got := f.count("folder:/"); got != 1 {
		t.Errorf("root folder fetched %d times, want 1", got)
	}
	if got := f.count("folder:/data/"); got != 1 {
		t.Errorf("data folder fetched %d times, want 1", got)
	}

	ent, err := tree.Resolve(ctx, "abc12/osfstorage/data")
	if err != nil {
		t.Fatal(err)
	}
	folder := ent.(Remote)
	tree.InvalidateFolder("abc12", &folder.Entry)

	if _, err := tree.Resolve(ctx, "abc12/osfstorage/data/run1.csv"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if got := f.count("folder:/data/"); got != 2 {
		t.Errorf("data folder fetched %d times after invalidate, want 2", got)
	}
	if got := f.count("folder:/"); got != 1 {
		t.Errorf("invalidation must not spill to the parent folder, got %d fetches", got)
	}
}

func TestResolve_ListingOrderPreserved(t *testing.T) {
	tree := newTestTree(newFakeAPI(t), ModeSingle, "abc12")

	entries, err := tree.FolderEntries(context.Background(), "abc12", &protocol.RemoteEntry{
		Name: "osfstorage", Kind: protocol.KindFolder, Path: "/", Provider: "osfstorage",
	})
	if err == nil {
		// The synthetic entry above has no listing link, so the provider
		// must reject it rather than invent an ordering.
		t.Fatalf("expected error for entry without listing link, got %d entries", len(entries))
	}
	if !api.IsNotSupported(err) {
		t.Fatalf("expected NotSupported, got %v", err)
	}

	ent, err := tree.Resolve(context.Background(), "abc12/osfstorage")
	if err != nil {
		t.Fatal(err)
	}
	root := ent.(ProviderRoot)
	entries, err = tree.FolderEntries(context.Background(), "abc12", &root.Entry)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "data" || entries[1].Name != "readme.txt" {
		t.Errorf("listing order lost: %v", entryNames(entries))
	}
}

func entryNames(entries []protocol.RemoteEntry) []string {
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = entries[i].Name
	}
	return names
}
