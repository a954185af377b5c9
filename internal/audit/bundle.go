package audit

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// BundleManifest identifies a diagnostics bundle.
type BundleManifest struct {
	BundleID    string    `json:"bundle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Window      string    `json:"window"`
	Sections    []string  `json:"sections"`
}

// WriteBundle produces the on-demand diagnostics archive: audit events from
// the trailing window plus one JSON document per caller-supplied section
// (health snapshot, degradation state, backup and integrity summaries).
// It is synchronous; the caller streams the archive to its destination.
func (l *Log) WriteBundle(ctx context.Context, w io.Writer, window time.Duration, sections map[string]any) error {
	zw := zip.NewWriter(w)

	events, err := l.Recent(ctx, l.now().Add(-window), 10000)
	if err != nil {
		return fmt.Errorf("failed to collect audit events: %w", err)
	}
	if err := writeJSONEntry(zw, "audit_events.json", events); err != nil {
		return err
	}

	manifest := BundleManifest{
		BundleID:    uuid.New().String(),
		GeneratedAt: l.now().UTC(),
		Window:      window.String(),
		Sections:    []string{"audit_events"},
	}

	for name, section := range sections {
		if err := writeJSONEntry(zw, name+".json", section); err != nil {
			return err
		}
		manifest.Sections = append(manifest.Sections, name)
	}

	if err := writeJSONEntry(zw, "manifest.json", manifest); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create bundle entry %s: %w", name, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode bundle entry %s: %w", name, err)
	}
	return nil
}
