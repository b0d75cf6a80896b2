package dialog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const dockingYAML = `
name: docking
version: "1.0"
handlers:
  comms:
    channel: "7"
nodes:
  - key: request
    speaker: player
    text: "request docking;$(docking|landing) request"
    children:
      - key: granted
        speaker: assistant
        text: "Docking $(granted|approved). Pad <14-->one four>."
        handler: comms
        payload:
          action: dock
        condition: '{{ .Flag "station.open" }}'
      - key: denied
        speaker: assistant
        priority: low
        text: "Docking denied"
  - key: alarm
    speaker: assistant
    priority: critical
    flags: [ignore_ready_gating, always-update]
    text: "Hull breach"
`

func TestLoaderLoadAll(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "docking.yaml"), []byte(dockingYAML), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("write txt: %v", err)
	}

	loader := NewLoader(dir, func(id string) bool { return id == "comms" })
	dialogs, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(dialogs) != 1 {
		t.Fatalf("loaded %d dialogs, want 1", len(dialogs))
	}

	d, ok := loader.Get("docking")
	if !ok {
		t.Fatal("dialog 'docking' not found")
	}
	if d.Handlers["comms"]["channel"] != "7" {
		t.Errorf("handler params = %v", d.Handlers)
	}

	tree, err := d.Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Len(); got != 5 {
		t.Errorf("tree has %d nodes, want 5", got)
	}
	if got := len(tree.Grammars()); got != 2 {
		t.Errorf("grammars = %d, want 2", got)
	}

	id, _ := tree.Lookup("alarm")
	alarm := tree.Node(id)
	if alarm.Priority != PriorityCritical || !alarm.Flags.Has(FlagAlwaysUpdate|FlagIgnoreReadyGating) {
		t.Errorf("alarm = %+v", alarm)
	}

	id, _ = tree.Lookup("granted")
	granted := tree.Node(id)
	if granted.HandlerID != "comms" || granted.Payload["action"] != "dock" {
		t.Errorf("granted = %+v", granted)
	}
	if tree.CheckCondition(id) {
		t.Error("condition over an empty snapshot should be false")
	}
	if tree.Key(granted.Parent()) != "request" {
		t.Errorf("granted parent = %q, want %q", tree.Key(granted.Parent()), "request")
	}
}

func TestLoaderNameFromFile(t *testing.T) {
	dir := t.TempDir()
	body := "nodes:\n  - speaker: assistant\n    text: hi\n"
	if err := os.WriteFile(filepath.Join(dir, "greeting.yml"), []byte(body), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	dialogs, err := NewLoader(dir, nil).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := dialogs["greeting"]; !ok {
		t.Errorf("dialogs = %v, want key %q", dialogs, "greeting")
	}
}

func TestLoaderInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	if _, err := NewLoader(dir, nil).LoadAll(); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoaderUnknownHandler(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "docking.yaml"), []byte(dockingYAML), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	if _, err := NewLoader(dir, func(string) bool { return false }).LoadAll(); err == nil {
		t.Error("expected error for unregistered handler")
	}
}

func TestLoaderEmptyDir(t *testing.T) {
	dialogs, err := NewLoader(t.TempDir(), nil).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(dialogs) != 0 {
		t.Errorf("loaded %d dialogs, want 0", len(dialogs))
	}
}

func TestWatchAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docking.yaml")
	if err := os.WriteFile(path, []byte(dockingYAML), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	loader := NewLoader(dir, nil)
	if _, err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	reloaded := make(chan map[string]*Definition, 4)
	done := make(chan struct{})
	errc := make(chan error, 1)
	onReload := func(d map[string]*Definition) {
		select {
		case reloaded <- d:
		default:
		}
	}
	go func() { errc <- loader.WatchAndReload(done, onReload) }()
	defer func() {
		close(done)
		if err := <-errc; err != nil {
			t.Errorf("WatchAndReload: %v", err)
		}
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	extra := "name: extra\nnodes:\n  - speaker: command\n"
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extra), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-reloaded:
			if _, ok := d["extra"]; ok {
				if _, ok := loader.Get("extra"); !ok {
					t.Error("loader does not serve the reloaded dialog")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
