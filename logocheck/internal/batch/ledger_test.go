package batch

import (
	"testing"

	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

func TestFilesManifest_RoundTripAndRemove(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	m, err := LoadFilesManifest(s, "b1")
	if err != nil {
		t.Fatalf("LoadFilesManifest on absent manifest: %v", err)
	}
	if len(m.Entries) != 0 {
		t.Fatalf("expected empty manifest, got %+v", m.Entries)
	}

	m.Entries = append(m.Entries, FileEntry{LocalName: "1_img.png", OriginalName: "logo.png"})
	if err := SaveFilesManifest(s, "b1", m); err != nil {
		t.Fatalf("SaveFilesManifest: %v", err)
	}

	reloaded, err := LoadFilesManifest(s, "b1")
	if err != nil {
		t.Fatalf("LoadFilesManifest: %v", err)
	}
	if len(reloaded.Entries) != 1 || reloaded.Entries[0].OriginalName != "logo.png" {
		t.Fatalf("reloaded manifest: %+v", reloaded.Entries)
	}

	if !reloaded.RemoveFileEntry("1_img.png") {
		t.Fatal("expected entry to be found and removed")
	}
	if reloaded.RemoveFileEntry("1_img.png") {
		t.Fatal("removing an absent entry should report false")
	}
}

func TestURLManifest_RoundTripAndRemove(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	m, err := LoadURLManifest(s, "b2")
	if err != nil {
		t.Fatalf("LoadURLManifest: %v", err)
	}
	m.Entries = append(m.Entries, URLEntry{Key: "k1", URL: "https://example.com/a.png"})
	if err := SaveURLManifest(s, "b2", m); err != nil {
		t.Fatalf("SaveURLManifest: %v", err)
	}

	reloaded, _ := LoadURLManifest(s, "b2")
	if !reloaded.RemoveURLEntry("k1") {
		t.Fatal("expected k1 to be removed")
	}
}

func TestLen_CombinesBothLedgers(t *testing.T) {
	files := &FilesManifest{Entries: []FileEntry{{LocalName: "a"}, {LocalName: "b"}}}
	urls := &URLManifest{Entries: []URLEntry{{Key: "c"}}}
	if got := Len(files, urls); got != 3 {
		t.Fatalf("Len: got %d, want 3", got)
	}
}
