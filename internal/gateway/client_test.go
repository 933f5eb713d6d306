package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/pkg/retry"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
		RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond},
		TokenPath:   filepath.Join(t.TempDir(), "changes.token"),
	})
	return c, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestListAllPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, listResponse{
				Files:         []File{{ID: "a", Name: "a.txt", Kind: "file"}},
				NextPageToken: "page2",
			})
		case "page2":
			writeJSON(w, listResponse{
				Files: []File{{ID: "b", Name: "b.txt", Kind: "file"}},
			})
		default:
			http.Error(w, "bad token", http.StatusBadRequest)
		}
	})

	c, _ := newTestClient(t, mux)
	files, err := c.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(files) != 2 || files[0].ID != "a" || files[1].ID != "b" {
		t.Errorf("ListAll = %+v, want files a and b", files)
	}
}

func TestRootAliasNormalization(t *testing.T) {
	const alias = "0AbCdEfRootAlias"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/files/root", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, File{ID: alias, Kind: "folder"})
	})
	mux.HandleFunc("GET /api/v1/files/x", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, File{ID: "x", Name: "x.txt", Kind: "file", Parents: []string{alias}})
	})
	mux.HandleFunc("GET /api/v1/changes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, changesResponse{
			Changes: []Change{{
				FileID: alias,
				File:   &File{ID: alias, Name: "My Drive", Kind: "folder"},
			}},
			NewStartPageToken: "next",
		})
	})

	c, _ := newTestClient(t, mux)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f, err := c.GetFile(ctx, "x")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if len(f.Parents) != 1 || f.Parents[0] != string(meta.RootID) {
		t.Errorf("parents = %v, want [root]", f.Parents)
	}

	if err := c.tokens.Save("t0"); err != nil {
		t.Fatal(err)
	}
	changes, err := c.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if changes[0].FileID != string(meta.RootID) || changes[0].File.ID != string(meta.RootID) {
		t.Errorf("change ids not normalized: %+v", changes[0])
	}
}

func TestChangesPersistsTokenPerPage(t *testing.T) {
	page2Fails := true

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/changes", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageToken") {
		case "t0":
			writeJSON(w, changesResponse{
				Changes:       []Change{{FileID: "a", File: &File{ID: "a", Name: "a", Kind: "file"}}},
				NextPageToken: "t1",
			})
		case "t1":
			if page2Fails {
				http.Error(w, "boom", http.StatusBadGateway)
				return
			}
			writeJSON(w, changesResponse{
				Changes:           []Change{{FileID: "b", File: &File{ID: "b", Name: "b", Kind: "file"}}},
				NewStartPageToken: "t2",
			})
		default:
			http.Error(w, "bad token", http.StatusBadRequest)
		}
	})

	c, _ := newTestClient(t, mux)
	ctx := context.Background()
	if err := c.tokens.Save("t0"); err != nil {
		t.Fatal(err)
	}

	// First attempt dies on page 2, but page 1's cursor is already saved.
	if _, err := c.Changes(ctx); err == nil {
		t.Fatal("Changes should fail while page 2 is broken")
	}
	token, err := c.tokens.Load()
	if err != nil {
		t.Fatal(err)
	}
	if token != "t1" {
		t.Fatalf("persisted token = %q, want t1 (page 2 cursor)", token)
	}

	// The retry resumes from page 2, not from the pre-fetch token.
	page2Fails = false
	changes, err := c.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 1 || changes[0].FileID != "b" {
		t.Errorf("resumed changes = %+v, want only b", changes)
	}
	token, _ = c.tokens.Load()
	if token != "t2" {
		t.Errorf("final token = %q, want t2", token)
	}
}

func TestProviderFailuresAreTyped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	if _, err := c.ListAll(ctx); !errors.Is(err, ErrRemote) {
		t.Errorf("ListAll err = %v, want ErrRemote", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrRemote) {
		t.Errorf("Ping err = %v, want ErrRemote", err)
	}

	// Unreachable provider, not just a failing one.
	dead := New(Config{
		BaseURL:     "http://127.0.0.1:1",
		Timeout:     time.Second,
		RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond},
		TokenPath:   filepath.Join(t.TempDir(), "token"),
	})
	if _, err := dead.GetFile(ctx, "x"); !errors.Is(err, ErrRemote) {
		t.Errorf("GetFile err = %v, want ErrRemote", err)
	}
}

func TestFetchStartToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/changes/startPageToken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, startTokenResponse{StartPageToken: "fresh"})
	})

	c, _ := newTestClient(t, mux)
	if c.HasLocalToken() {
		t.Fatal("HasLocalToken before fetch")
	}
	if err := c.FetchStartToken(context.Background()); err != nil {
		t.Fatalf("FetchStartToken: %v", err)
	}
	if !c.HasLocalToken() {
		t.Fatal("HasLocalToken after fetch")
	}
	token, _ := c.tokens.Load()
	if token != "fresh" {
		t.Errorf("token = %q, want fresh", token)
	}
}

func TestToMeta(t *testing.T) {
	mod := time.Unix(1000, 500)
	viewed := time.Unix(900, 0)
	f := File{
		ID:           "f1",
		Name:         "doc.txt",
		Size:         123,
		Kind:         "file",
		ModifiedTime: &mod,
		ViewedTime:   &viewed,
	}

	m, err := f.ToMeta()
	if err != nil {
		t.Fatalf("ToMeta: %v", err)
	}
	if m.ID != "f1" || m.Name != "doc.txt" || m.Size != 123 {
		t.Errorf("meta = %+v", m)
	}
	if m.Kind != meta.KindFile || m.State != meta.StateMetadataOnly {
		t.Errorf("kind/state = %v/%v", m.Kind, m.State)
	}
	if m.LastModified != (meta.Timestamp{Sec: 1000, Nsec: 500}) {
		t.Errorf("last modified = %+v", m.LastModified)
	}
	if m.LastMetadataChanged != m.LastModified {
		t.Error("last metadata changed should default to last modified")
	}
	if m.LastAccessed != (meta.Timestamp{Sec: 900, Nsec: 0}) {
		t.Errorf("last accessed = %+v", m.LastAccessed)
	}

	if _, err := (&File{ID: "x", Kind: "weird"}).ToMeta(); err == nil {
		t.Error("ToMeta should reject unknown kinds")
	}
}

func TestParentIDsDefaultsToRoot(t *testing.T) {
	f := File{ID: "orphan", Kind: "file"}
	parents := f.ParentIDs()
	if len(parents) != 1 || parents[0] != meta.RootID {
		t.Errorf("ParentIDs = %v, want [root]", parents)
	}
}

func TestTokenStore(t *testing.T) {
	s := NewTokenStore(filepath.Join(t.TempDir(), "token"))

	token, err := s.Load()
	if err != nil || token != "" {
		t.Fatalf("Load(empty) = %q, %v", token, err)
	}
	if s.Has() {
		t.Error("Has() on empty store")
	}

	if err := s.Save("abc123"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	token, err = s.Load()
	if err != nil || token != "abc123" {
		t.Fatalf("Load = %q, %v", token, err)
	}
	if !s.Has() {
		t.Error("Has() after Save")
	}
}
