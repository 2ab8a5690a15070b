package storage

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestObjectKey(t *testing.T) {
	a := ObjectKey([]byte("one"))
	if !strings.HasPrefix(a, "compressed/") || !strings.HasSuffix(a, ".jpg") {
		t.Errorf("unexpected key shape %q", a)
	}
	if a != ObjectKey([]byte("one")) {
		t.Error("key must be deterministic")
	}
	if a == ObjectKey([]byte("two")) {
		t.Error("different content must give different keys")
	}
}

func TestPublicURL(t *testing.T) {
	a := &MinioArchive{publicBase: "http://cdn.local/compressed"}
	if got := a.PublicURL("compressed/x.jpg"); got != "http://cdn.local/compressed/compressed/x.jpg" {
		t.Errorf("PublicURL = %q", got)
	}
}

func TestPublicReadPolicy(t *testing.T) {
	var policy struct {
		Statement []struct {
			Action   string
			Resource string
		}
	}
	if err := json.Unmarshal([]byte(publicReadPolicy("compressed")), &policy); err != nil {
		t.Fatalf("policy is not JSON: %v", err)
	}
	if len(policy.Statement) != 1 || policy.Statement[0].Resource != "arn:aws:s3:::compressed/*" {
		t.Errorf("unexpected policy: %+v", policy)
	}
}
