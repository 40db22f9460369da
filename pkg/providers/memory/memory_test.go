package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/udohsolomon/converge/pkg/engine"
)

func TestProviderLifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	handle, outputs, err := p.Create(ctx, "vpc", map[string]any{"cidr": "10.0.0.0/16"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(handle, "mem-") {
		t.Errorf("unexpected handle: %s", handle)
	}
	if outputs["id"] != handle || outputs["cidr"] != "10.0.0.0/16" {
		t.Errorf("outputs should echo attributes plus id, got %v", outputs)
	}

	read, err := p.Read(ctx, "vpc", handle)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if read["cidr"] != "10.0.0.0/16" {
		t.Errorf("unexpected read result: %v", read)
	}

	updated, err := p.Update(ctx, "vpc", handle, map[string]any{"cidr": "10.1.0.0/16"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated["cidr"] != "10.1.0.0/16" || updated["id"] != handle {
		t.Errorf("unexpected update result: %v", updated)
	}

	if err := p.Delete(ctx, "vpc", handle); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := p.Read(ctx, "vpc", handle); !engine.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	// Deleting again is not an error.
	if err := p.Delete(ctx, "vpc", handle); err != nil {
		t.Errorf("repeated delete should succeed, got %v", err)
	}
}

func TestProviderKindMismatch(t *testing.T) {
	p := New()
	ctx := context.Background()
	handle, _, err := p.Create(ctx, "vpc", map[string]any{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := p.Read(ctx, "subnet", handle); !engine.IsNotFound(err) {
		t.Errorf("reading with the wrong kind should report not found, got %v", err)
	}
}

func TestProviderPatchAndForget(t *testing.T) {
	p := New()
	ctx := context.Background()
	handle, _, err := p.Create(ctx, "vpc", map[string]any{"cidr": "10.0.0.0/16"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := p.Patch(handle, map[string]any{"cidr": "192.168.0.0/16"}); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	read, err := p.Read(ctx, "vpc", handle)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if read["cidr"] != "192.168.0.0/16" {
		t.Errorf("patch should be visible to reads, got %v", read["cidr"])
	}

	p.Forget(handle)
	if _, err := p.Read(ctx, "vpc", handle); !engine.IsNotFound(err) {
		t.Errorf("expected not found after forget, got %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("provider should be empty, has %d resources", p.Len())
	}
}

func TestProviderReadReturnsCopy(t *testing.T) {
	p := New()
	ctx := context.Background()
	handle, _, err := p.Create(ctx, "vpc", map[string]any{"cidr": "10.0.0.0/16"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	read, _ := p.Read(ctx, "vpc", handle)
	read["cidr"] = "mutated"

	again, _ := p.Read(ctx, "vpc", handle)
	if again["cidr"] != "10.0.0.0/16" {
		t.Error("mutating a read result must not affect stored attributes")
	}
}
