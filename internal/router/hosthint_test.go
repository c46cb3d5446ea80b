package router

import (
	"testing"

	"github.com/sshagentmux/sshagentmux/internal/core"
)

func TestHostHintMatchesBareHost(t *testing.T) {
	if !hostHintMatches("github.com", "github.com:myorg/myrepo") {
		t.Fatal("expected bare host pattern to match any hint on that host")
	}
	if hostHintMatches("gitlab.com", "github.com:myorg/myrepo") {
		t.Fatal("expected mismatched host to fail")
	}
}

func TestHostHintMatchesWildcardOwner(t *testing.T) {
	if !hostHintMatches("github.com:*", "github.com:myorg/myrepo") {
		t.Fatal("expected host:* to match any owner/repo")
	}
}

func TestHostHintMatchesOwnerWildcard(t *testing.T) {
	if !hostHintMatches("github.com:myorg/*", "github.com:myorg/myrepo") {
		t.Fatal("expected host:owner/* to match a repo under that owner")
	}
	if hostHintMatches("github.com:myorg/*", "github.com:otherorg/myrepo") {
		t.Fatal("expected host:owner/* to reject a different owner")
	}
}

func TestHostHintMatchesExact(t *testing.T) {
	if !hostHintMatches("github.com:myorg/myrepo", "github.com:myorg/myrepo") {
		t.Fatal("expected an exact pattern to match identically")
	}
	if hostHintMatches("github.com:myorg/myrepo", "github.com:myorg/otherrepo") {
		t.Fatal("expected an exact pattern to reject a different repo")
	}
}

func TestMatchHostHintFirstMatchWins(t *testing.T) {
	hints := []core.HostKeyMappingRecord{
		{Pattern: "github.com:myorg/*", Fingerprint: "FP-ORG"},
		{Pattern: "github.com:*", Fingerprint: "FP-ANY"},
	}
	fp, ok := matchHostHint("github.com:myorg/myrepo", hints)
	if !ok || fp != "FP-ORG" {
		t.Fatalf("got (%q, %v), want (FP-ORG, true)", fp, ok)
	}
}

func TestMatchHostHintNoMatch(t *testing.T) {
	hints := []core.HostKeyMappingRecord{{Pattern: "gitlab.com:*", Fingerprint: "FP"}}
	if _, ok := matchHostHint("github.com:myorg/myrepo", hints); ok {
		t.Fatal("expected no match")
	}
}

func TestMatchHostHintEmptyHint(t *testing.T) {
	hints := []core.HostKeyMappingRecord{{Pattern: "github.com", Fingerprint: "FP"}}
	if _, ok := matchHostHint("", hints); ok {
		t.Fatal("expected an empty connection hint to never match")
	}
}
