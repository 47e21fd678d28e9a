package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://bucket/folder/file.pdf", "bucket", "folder/file.pdf", false},
		{"gs://bucket/file.csv", "bucket", "file.csv", false},
		{"gs://bucket", "", "", true},
		{"gs://bucket/", "", "", true},
		{"s3://bucket/file.csv", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidURI) {
					t.Fatalf("err = %v, want ErrInvalidURI", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURI: %v", err)
			}
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("got (%q, %q), want (%q, %q)", bucket, object, tt.wantBucket, tt.wantObject)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	if got := Filename("gs://bucket/folder/file.pdf"); got != "file.pdf" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename("gs://bucket"); got != "bucket" {
		t.Errorf("Filename = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	uri, err := m.Upload(ctx, "b", "statements/jan.csv", []byte("date,amount"), "text/csv")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if uri != "gs://b/statements/jan.csv" {
		t.Errorf("uri = %q", uri)
	}

	data, err := m.Fetch(ctx, uri)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data[0] = 'X'
	again, _ := m.Fetch(ctx, uri)
	if string(again) != "date,amount" {
		t.Errorf("stored bytes were mutated through a fetched copy: %q", again)
	}

	if _, err := m.Fetch(ctx, "gs://b/missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
