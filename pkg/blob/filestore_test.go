package blob

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func TestFileStorePutAndRead(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "http://localhost/blob", []byte("secret"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := fs.Put(ctx, "j.t.0.stdout", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := fs.Read("j.t.0.stdout")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}

func TestFileStoreGenerateLinkRoundTrips(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "http://localhost/blob", []byte("secret"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	link, err := fs.GenerateLink("k", time.Hour)
	if err != nil {
		t.Fatalf("GenerateLink: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	q := u.Query()
	if _, err := fs.Verify(q.Get("key"), q.Get("exp"), q.Get("sig")); err != nil {
		t.Fatalf("Verify should succeed: %v", err)
	}
}

func TestFileStoreVerifyRejectsExpiredLink(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "http://localhost/blob", []byte("secret"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	link, err := fs.GenerateLink("k", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateLink: %v", err)
	}
	u, _ := url.Parse(link)
	q := u.Query()
	if _, err := fs.Verify(q.Get("key"), q.Get("exp"), q.Get("sig")); err == nil {
		t.Fatalf("expected expired link to be rejected")
	}
}

func TestFileStoreVerifyRejectsTamperedSignature(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "http://localhost/blob", []byte("secret"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := fs.Verify("k", "9999999999", "deadbeef"); err == nil {
		t.Fatalf("expected bad signature to be rejected")
	}
}
