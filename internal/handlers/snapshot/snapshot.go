// Package snapshot is the built-in handler that keeps the external state
// snapshot in step with a JSON file written by the host application.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/plugin"
)

// ID is the handler id dialog nodes bind to.
const ID = "snapshot"

func init() {
	plugin.Default.MustRegister(Registration())
}

// Registration describes the handler for a plugin registry.
func Registration() plugin.Registration {
	return plugin.Registration{
		ID:   ID,
		Name: "State snapshot",
		Parameters: []plugin.Parameter{
			{Name: "path", Description: "JSON file polled on every handler tick"},
		},
		New: New,
	}
}

// Handler reloads the snapshot file when its modification time changes.
// Nodes bound to it may also write single values through "key" and "value"
// payload entries, or force a reload with an empty payload.
type Handler struct {
	host plugin.Host
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// New creates the handler.
func New(host plugin.Host, params plugin.Params) (plugin.Handler, error) {
	return &Handler{host: host, path: params.String("path")}, nil
}

func (h *Handler) ID() string   { return ID }
func (h *Handler) Name() string { return "State snapshot" }

// OnDialogAction writes the payload value, or reloads the file.
func (h *Handler) OnDialogAction(ctx context.Context, node *dialog.Node) error {
	if key := node.Payload["key"]; key != "" {
		v, err := h.host.Snapshot().Set(key, node.Payload["value"])
		if err != nil {
			return err
		}
		h.updated(ctx, v, "dialog:"+node.Key)
		return h.host.Engine().Update(ctx)
	}
	_, err := h.reload(ctx, true)
	return err
}

// OnGameDataUpdate reloads the file if it changed since the last tick.
func (h *Handler) OnGameDataUpdate(ctx context.Context) error {
	_, err := h.reload(ctx, false)
	return err
}

func (h *Handler) OnProgramShutdown(context.Context) error { return nil }

func (h *Handler) reload(ctx context.Context, force bool) (bool, error) {
	if h.path == "" {
		return false, nil
	}
	fi, err := os.Stat(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat snapshot: %w", err)
	}

	h.mu.Lock()
	changed := force || !fi.ModTime().Equal(h.modTime) || fi.Size() != h.size
	if changed {
		h.modTime, h.size = fi.ModTime(), fi.Size()
	}
	h.mu.Unlock()
	if !changed {
		return false, nil
	}

	v, err := h.host.Snapshot().Load(h.path)
	if err != nil {
		return false, err
	}
	h.updated(ctx, v, h.path)
	return true, h.host.Engine().Update(ctx)
}

func (h *Handler) updated(ctx context.Context, version uint64, source string) {
	if pub := h.host.Events(); pub != nil {
		_ = pub.Emit(ctx, events.SnapshotUpdated, h.host.Engine().SessionID(), &events.SnapshotUpdatedData{
			Version: version,
			Source:  source,
		})
	}
}
