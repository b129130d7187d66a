package persist

import (
	"os"
	"path/filepath"
	"testing"
)

type testSettings struct {
	Foo string
	Bar int
}

func TestSaveLoadJSON(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "urbackup-persist-test"+RandomSuffix())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	meta := Metadata{Header: "Test Persistence", Version: "1.0"}
	filename := filepath.Join(dir, "settings.json")

	want := testSettings{Foo: "hello", Bar: 42}
	if err := SaveJSON(meta, want, filename); err != nil {
		t.Fatal(err)
	}

	var got testSettings
	if err := LoadJSON(meta, &got, filename); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}

	// A mismatched header is rejected.
	badMeta := Metadata{Header: "Wrong Header", Version: "1.0"}
	if err := LoadJSON(badMeta, &got, filename); err != ErrBadHeader {
		t.Fatalf("expected ErrBadHeader, got %v", err)
	}

	// A mismatched version is rejected.
	badVersion := Metadata{Header: "Test Persistence", Version: "2.0"}
	if err := LoadJSON(badVersion, &got, filename); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestRandomSuffixUID(t *testing.T) {
	if len(RandomSuffix()) != 20 {
		t.Fatal("unexpected RandomSuffix length")
	}
	if UID() == UID() {
		t.Fatal("UID should not repeat")
	}
}
