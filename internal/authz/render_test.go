package authz

import "testing"

func TestRenderFormatsEntries(t *testing.T) {
	out := Render([]RenderEntry{
		{Name: "Videos", IsDir: true, UID: "abc123", Owner: 1, Permission: "rw,r-,r-"},
		{Name: "notes.txt", IsDir: false, UID: "def456", Owner: 2, Permission: "rw,--,--"},
	})
	want := []string{
		"drw-r--r-- 1 abc123 Videos",
		"-rw------- 2 def456 notes.txt",
	}
	if out[0] != want[0] {
		t.Errorf("line 0: expected %q, got %q", want[0], out[0])
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(out))
	}
}

func TestRenderModeNeverSetsExecuteBit(t *testing.T) {
	mode := renderMode(false, "rw,rw,rw")
	for _, c := range mode[1:] {
		if c == 'x' {
			t.Fatalf("execute bit must never be set, got %q", mode)
		}
	}
}
