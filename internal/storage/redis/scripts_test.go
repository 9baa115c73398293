package redis

import (
	"context"
	"testing"
)

// A stale active pointer whose record was deleted must not keep new
// sessions from starting.
func TestCreateActiveScriptStalePointer(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.CreateActive(ctx, testSession("s1")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Drop the record but leave the pointer behind.
	mr.Del(sessionKey("s1"))

	if err := sessions.CreateActive(ctx, testSession("s2")); err != nil {
		t.Fatalf("expected stale pointer to be ignored, got %v", err)
	}

	active, err := sessions.GetActive(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "s2" {
		t.Fatalf("expected s2 active, got %s", active.ID)
	}
}
