package receipt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes one canonical JSON file per receipt, named
// <tsMs>-<receiptId>.json.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Path(r *Receipt) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d-%s.json", r.TsMs, r.ReceiptID))
}

func (s *FileSink) Write(_ context.Context, r *Receipt) error {
	if r.ReceiptID == "" || strings.ContainsAny(r.ReceiptID, `/\`) || strings.Contains(r.ReceiptID, "..") {
		return fmt.Errorf("file sink: invalid receipt id %q", r.ReceiptID)
	}
	body, err := Canonicalize(r)
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	body = append(body, '\n')
	if err := os.WriteFile(s.Path(r), body, 0o644); err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	return nil
}
