package auth

import (
	"reflect"
	"testing"
)

func TestPermissionSetOperations(t *testing.T) {
	set := NewPermissionSet("Users.Read", "roles.manage", " ")

	if !set.Has("users.read") || !set.Has("USERS.READ") {
		t.Fatal("expected case-insensitive membership")
	}
	if set.Has("users.delete") {
		t.Fatal("unexpected membership")
	}
	if !set.HasAny("users.delete", "roles.manage") {
		t.Fatal("HasAny should match one")
	}
	if set.HasAny() {
		t.Fatal("HasAny of nothing must be false")
	}
	if !set.HasAll("users.read", "roles.manage") {
		t.Fatal("HasAll should match both")
	}
	if set.HasAll("users.read", "users.delete") {
		t.Fatal("HasAll must fail when one is missing")
	}
	if !set.HasAll() {
		t.Fatal("HasAll of nothing must be true")
	}
	if got := set.Names(); !reflect.DeepEqual(got, []string{"roles.manage", "users.read"}) {
		t.Fatalf("Names=%v", got)
	}
}
