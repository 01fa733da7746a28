package model

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"My-Pkg":         "my-pkg",
		"my_pkg":         "my-pkg",
		"Zope.Interface": "zope-interface",
		"a__b--c":        "a-b-c",
	}
	for input, want := range cases {
		if got := NormalizeName(input); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPURL(t *testing.T) {
	if got := PURL("My_Pkg", "1.0"); got != "pkg:pypi/my-pkg@1.0" {
		t.Fatalf("unexpected purl: %s", got)
	}
}

func TestIsOwnerOrMaintainerRespectsLocalScope(t *testing.T) {
	pkg := &Package{
		Owners:      []*User{{Login: "alice", Local: true}},
		Maintainers: []*User{{Login: "bob", Local: true}},
	}
	if !pkg.IsOwnerOrMaintainer(&User{Login: "alice", Local: true}) {
		t.Fatalf("owner should be accepted")
	}
	if !pkg.IsOwnerOrMaintainer(&User{Login: "bob", Local: true}) {
		t.Fatalf("maintainer should be accepted")
	}
	if pkg.IsOwnerOrMaintainer(&User{Login: "alice", Local: false}) {
		t.Fatalf("mirrored account with same login is a different identity")
	}
}

func TestClassifierSetAddIsIdempotent(t *testing.T) {
	var set ClassifierSet
	if !set.Add("Topic") {
		t.Fatalf("first add should report change")
	}
	if set.Add("Topic") {
		t.Fatalf("second add should be a no-op")
	}
	if len(set) != 1 {
		t.Fatalf("unexpected set: %v", set)
	}
}
