package utils

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/andresmejia3/facestage/internal/types"
)

func TestObjectID(t *testing.T) {
	a := types.ObjectRef{Container: "videos", Key: "clip_3.mp4"}

	id := ObjectID(a)
	if len(id) != 64 {
		t.Fatalf("Expected 64 hex chars, got %d (%s)", len(id), id)
	}

	// Verify Determinism
	if id2 := ObjectID(a); id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change key -> Change ID)
	b := types.ObjectRef{Container: "videos", Key: "clip_4.mp4"}
	if ObjectID(b) == id {
		t.Error("Hash did not change after key modification")
	}

	// Container and key must not be concatenated ambiguously
	c := types.ObjectRef{Container: "video", Key: "sclip_3.mp4"}
	if ObjectID(c) == id {
		t.Error("Hash collides when the container/key boundary moves")
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	err := cmd.Run()
	if err == nil {
		t.Fatal("Expected non-zero exit error")
	}
	if got := cmd.StderrTail(100); got != "boom" {
		t.Errorf("Expected stderr 'boom', got %q", got)
	}
}

func TestStderrTail(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.WriteString(strings.Repeat("x", 50) + "END")

	if got := cmd.StderrTail(3); got != "END" {
		t.Errorf("Expected tail 'END', got %q", got)
	}

	var nilCmd *SafeCommand
	if got := nilCmd.StderrTail(10); got != "" {
		t.Errorf("Expected empty tail for nil command, got %q", got)
	}
}
