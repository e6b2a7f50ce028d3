package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rdmount/rdmount/internal/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		Token:   "token123",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
			Multiplier:  1.0,
		},
	})
	return c, ts
}

func nodeResource(id, title string) map[string]interface{} {
	return map[string]interface{}{
		"id":   id,
		"type": "nodes",
		"attributes": map[string]interface{}{
			"title":    title,
			"category": "project",
		},
	}
}

func writePage(w http.ResponseWriter, data []map[string]interface{}, next string) {
	doc := map[string]interface{}{
		"data":  data,
		"links": map[string]interface{}{"next": nil},
	}
	if next != "" {
		doc["links"] = map[string]interface{}{"next": next}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func TestListUserNodes_Pagination(t *testing.T) {
	var ts *httptest.Server
	var firstPageSize string

	pageData := func(from, to int) []map[string]interface{} {
		var data []map[string]interface{}
		for i := from; i < to; i++ {
			data = append(data, nodeResource(fmt.Sprintf("p%d", i), fmt.Sprintf("Project %d", i)))
		}
		return data
	}

	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/nodes/" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("page") {
		case "":
			firstPageSize = r.URL.Query().Get("page[size]")
			writePage(w, pageData(0, 100), ts.URL+"/users/me/nodes/?page=2&page%5Bsize%5D=100")
		case "2":
			writePage(w, pageData(100, 200), ts.URL+"/users/me/nodes/?page=3&page%5Bsize%5D=100")
		case "3":
			writePage(w, pageData(200, 237), "")
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	nodes, err := c.ListUserNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 237 {
		t.Fatalf("expected 237 nodes, got %d", len(nodes))
	}
	if nodes[0].ID != "p0" || nodes[236].ID != "p236" {
		t.Errorf("node order lost: first=%s last=%s", nodes[0].ID, nodes[236].ID)
	}
	if nodes[5].Title != "Project 5" {
		t.Errorf("attributes not decoded: %+v", nodes[5])
	}
	if firstPageSize != "100" {
		t.Errorf("expected page[size]=100 on first page, got %q", firstPageSize)
	}
}

func TestListUserNodes_PageFailureAbortsWhole(t *testing.T) {
	var ts *httptest.Server
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			writePage(w, []map[string]interface{}{nodeResource("p0", "Zero")},
				ts.URL+"/users/me/nodes/?page=2")
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors":[{"detail":"Not found."}]}`)
	}))
	defer ts.Close()

	nodes, err := c.ListUserNodes(context.Background())
	if err == nil {
		t.Fatal("expected error when a later page fails")
	}
	if nodes != nil {
		t.Errorf("partial listing must not be returned, got %d nodes", len(nodes))
	}
}

func TestGetNode(t *testing.T) {
	var gotAuth string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/nodes/abc12/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": nodeResource("abc12", "Climate Data"),
		})
	}))
	defer ts.Close()

	n, err := c.GetNode(context.Background(), "abc12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "abc12" || n.Title != "Climate Data" || n.Category != "project" {
		t.Errorf("decoded node = %+v", n)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGetNode_NotFoundNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors":[{"detail":"Not found."}]}`)
	}))
	defer ts.Close()

	_, err := c.GetNode(context.Background(), "gone1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected NotFound classification, got %v", err)
	}
	ue, ok := AsUpstream(err)
	if !ok || ue.Detail != "Not found." {
		t.Errorf("detail not extracted: %+v", ue)
	}
	if attempts.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", attempts.Load())
	}
}

func TestGetNode_TransientRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": nodeResource("abc12", "Back Up"),
		})
	}))
	defer ts.Close()

	n, err := c.GetNode(context.Background(), "abc12")
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if n.Title != "Back Up" {
		t.Errorf("node = %+v", n)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGetNode_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := c.GetNode(context.Background(), "abc12")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("expected Transient classification, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestUnauthorizedThenNewTokenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errors":[{"detail":"User provided an invalid OAuth2 access token"}]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": nodeResource("abc12", "Private"),
		})
	}))
	defer ts.Close()

	_, err := c.GetNode(context.Background(), "abc12")
	if !IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("401 must not be retried, got %d attempts", attempts.Load())
	}

	c.SetToken("good")
	n, err := c.GetNode(context.Background(), "abc12")
	if err != nil {
		t.Fatalf("new token should succeed: %v", err)
	}
	if n.Title != "Private" {
		t.Errorf("node = %+v", n)
	}
}

func TestListFolder_EntryLinks(t *testing.T) {
	var ts *httptest.Server
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"data": [
				{
					"id": "osfstorage/f1",
					"type": "files",
					"attributes": {
						"name": "data",
						"kind": "folder",
						"path": "/f1/",
						"materialized_path": "/data/",
						"provider": "osfstorage",
						"size": null
					},
					"relationships": {
						"files": {"links": {"related": {"href": "%s/folder/f1/"}}}
					},
					"links": {"new_folder": "%s/new/f1", "move": "%s/move/f1", "delete": "%s/del/f1"}
				},
				{
					"id": "osfstorage/f2",
					"type": "files",
					"attributes": {
						"name": "run1.csv",
						"kind": "file",
						"path": "/f2",
						"provider": "osfstorage",
						"size": 2048,
						"date_modified": "2026-03-14T09:30:00Z"
					},
					"links": {"download": "%s/dl/f2", "upload": "%s/up/f2", "move": "%s/move/f2", "delete": "%s/del/f2"}
				}
			],
			"links": {"next": null}
		}`, ts.URL, ts.URL, ts.URL, ts.URL, ts.URL, ts.URL, ts.URL, ts.URL)
	}))
	defer ts.Close()

	entries, err := c.ListFolder(context.Background(), ts.URL+"/folder/root/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	folder := entries[0]
	if !folder.IsDir() || folder.Name != "data" {
		t.Errorf("folder = %+v", folder)
	}
	if folder.Materialized != "/data/" || folder.Path != "/f1/" {
		t.Errorf("folder paths = %q %q", folder.Path, folder.Materialized)
	}
	if folder.Links.List != ts.URL+"/folder/f1/" {
		t.Errorf("folder listing link = %q", folder.Links.List)
	}
	if folder.Links.NewFolder == "" || folder.Links.Move == "" {
		t.Errorf("folder links = %+v", folder.Links)
	}

	file := entries[1]
	if file.IsDir() || file.Size != 2048 {
		t.Errorf("file = %+v", file)
	}
	if file.Materialized != "/f2" {
		t.Errorf("materialized should fall back to path, got %q", file.Materialized)
	}
	if file.Links.Download == "" || file.Links.Upload == "" {
		t.Errorf("file links = %+v", file.Links)
	}
	if file.Modified.IsZero() {
		t.Error("file modified time not decoded")
	}
}

func TestDownload_RangeHeader(t *testing.T) {
	tests := []struct {
		offset, length int64
		wantRange      string
	}{
		{0, 0, ""},
		{0, 50, "bytes=0-49"},
		{10, 10, "bytes=10-19"},
		{100, 0, "bytes=100-"},
	}

	var gotRange string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Length", "5")
		if gotRange != "" {
			w.WriteHeader(http.StatusPartialContent)
		}
		fmt.Fprint(w, "chunk")
	}))
	defer ts.Close()

	for _, tt := range tests {
		rc, size, err := c.Download(context.Background(), ts.URL+"/dl/f2", tt.offset, tt.length)
		if err != nil {
			t.Fatalf("Download(%d,%d): %v", tt.offset, tt.length, err)
		}
		rc.Close()
		if gotRange != tt.wantRange {
			t.Errorf("Download(%d,%d) Range = %q, want %q", tt.offset, tt.length, gotRange, tt.wantRange)
		}
		if size != 5 {
			t.Errorf("Download(%d,%d) size = %d, want 5", tt.offset, tt.length, size)
		}
	}
}

func TestUpload_RewindsBetweenAttempts(t *testing.T) {
	var bodies []string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))

		if len(bodies) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"osfstorage/new1","attributes":{"name":"f.txt","kind":"file","path":"/new1","materialized":"/data/f.txt","size":7}}}`)
	}))
	defer ts.Close()

	entity, err := c.Upload(context.Background(), ts.URL+"/up/", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entity.Data.ID != "osfstorage/new1" {
		t.Errorf("entity = %+v", entity)
	}
	if entity.Data.Attributes.Materialized != "/data/f.txt" {
		t.Errorf("attributes = %+v", entity.Data.Attributes)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(bodies))
	}
	for i, b := range bodies {
		if b != "payload" {
			t.Errorf("attempt %d body = %q, want full payload", i+1, b)
		}
	}
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Gone already"}`)
	}))
	defer ts.Close()

	if err := c.Delete(context.Background(), ts.URL+"/del/f2"); err != nil {
		t.Errorf("deleting an absent entry should succeed, got %v", err)
	}
}

func TestMoveEntry_Payload(t *testing.T) {
	var gotMethod string
	var got map[string]string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		got = nil
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	if err := c.MoveEntry(context.Background(), ts.URL+"/move/f2", "", "new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if gotMethod != "POST" {
		t.Errorf("method = %s", gotMethod)
	}
	if got["action"] != "rename" || got["rename"] != "new.txt" {
		t.Errorf("rename payload = %v", got)
	}
	if _, ok := got["path"]; ok {
		t.Errorf("rename payload must not carry a path: %v", got)
	}

	if err := c.MoveEntry(context.Background(), ts.URL+"/move/f2", "/dst/", ""); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got["action"] != "move" || got["path"] != "/dst/" {
		t.Errorf("move payload = %v", got)
	}
	if _, ok := got["rename"]; ok {
		t.Errorf("move payload must not carry a rename: %v", got)
	}
}

func TestVerifyToken(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"id":"u1","type":"users","attributes":{"full_name":"Kerberos Taro"}}}`)
	}))
	defer ts.Close()

	name, err := c.VerifyToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Kerberos Taro" {
		t.Errorf("name = %q", name)
	}
}

func TestReadErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"json api errors", `{"errors":[{"detail":"Not found."}]}`, 404, "Not found."},
		{"bridge message", `{"message":"File no longer exists"}`, 410, "File no longer exists"},
		{"html garbage", "<html>boom</html>", 502, "Bad Gateway"},
		{"empty body", "", 500, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readErrorDetail(strings.NewReader(tt.body), tt.status)
			if got != tt.want {
				t.Errorf("readErrorDetail = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddQuery(t *testing.T) {
	got := AddQuery("http://api.test/nodes/abc12/files/?existing=1", "page[size]", "100")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("result does not parse: %v", err)
	}
	if u.Query().Get("existing") != "1" {
		t.Errorf("existing parameter lost: %s", got)
	}
	if u.Query().Get("page[size]") != "100" {
		t.Errorf("parameter not added: %s", got)
	}
}
