// Package outputs manages the per-chat ephemeral directory the agent
// writes deliverable files into, and classifies what comes back out.
package outputs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// imageExts are the extensions treated as platform-displayable images.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".tiff": true,
}

// textExts are extensions whose content can be inlined as a text message
// when a file upload fails.
var textExts = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".log": true, ".html": true, ".xml": true, ".go": true,
	".py": true, ".js": true, ".ts": true, ".sh": true, ".sql": true,
}

// OutputFile describes a scanned output file.
type OutputFile struct {
	Path    string
	Name    string
	Ext     string // lowercase, with leading dot
	IsImage bool
	Size    int64
}

// Manager owns the per-chat outputs directories under a base dir.
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// PrepareDir removes any previous outputs directory for the chat,
// recreates it empty, and returns the path. Idempotent.
func (m *Manager) PrepareDir(chatID string) (string, error) {
	dir := filepath.Join(m.baseDir, sanitizeSegment(chatID))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear outputs dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outputs dir: %w", err)
	}
	return dir, nil
}

// ScanOutputs enumerates non-empty regular files directly inside dir.
// No recursion. IO errors produce warnings and an empty result, never a
// failure: missing outputs must not fail the task.
func (m *Manager) ScanOutputs(dir string) []OutputFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("outputs scan failed", "dir", dir, "error", err)
		}
		return nil
	}

	var files []OutputFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("outputs stat failed", "file", entry.Name(), "error", err)
			continue
		}
		if info.Size() == 0 {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		files = append(files, OutputFile{
			Path:    filepath.Join(dir, entry.Name()),
			Name:    entry.Name(),
			Ext:     ext,
			IsImage: imageExts[ext],
			Size:    info.Size(),
		})
	}
	return files
}

// Cleanup removes the directory tree. Best effort.
func (m *Manager) Cleanup(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("outputs cleanup failed", "dir", dir, "error", err)
	}
}

// IsImageExt reports whether ext (with leading dot, any case) is an image
// extension.
func IsImageExt(ext string) bool {
	return imageExts[strings.ToLower(ext)]
}

// IsTextFile reports whether ext names a file type safe to inline as text.
func IsTextFile(ext string) bool {
	return textExts[strings.ToLower(ext)]
}

// PlatformFileType maps an extension to the coarse file type platforms
// distinguish when uploading.
func PlatformFileType(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4", ".mov", ".avi", ".webm":
		return "video"
	case ".mp3", ".wav", ".ogg", ".opus", ".m4a":
		return "audio"
	case ".pdf":
		return "pdf"
	case ".doc", ".docx":
		return "doc"
	case ".xls", ".xlsx", ".csv":
		return "sheet"
	case ".ppt", ".pptx":
		return "slide"
	default:
		return "stream"
	}
}

// sanitizeSegment makes a chat ID safe for use as a directory name.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
