package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/outputs"
)

const (
	maxImageBytes  = 10 << 20 // platform image upload ceiling
	maxFileBytes   = 30 << 20 // platform file upload ceiling
	maxInlineBytes = 30 << 10 // text fallback when an upload fails
)

// sendOutputs delivers the agent's output files after a task. Images go
// as native images, everything else as file uploads, with a text inline
// fallback for small text files whose upload failed. Delivery is best
// effort; a failed file never fails the task.
func (b *Bridge) sendOutputs(chatID, outputsDir string, processor *agent.StreamProcessor) {
	ctx := context.Background()

	sent := make(map[string]bool)
	for _, f := range b.outputs.ScanOutputs(outputsDir) {
		sent[f.Path] = true
		b.sendOneOutput(ctx, chatID, f)
	}

	// Images the agent wrote or referenced outside the outputs dir.
	for _, path := range processor.ImagePaths() {
		if sent[path] || strings.HasPrefix(path, outputsDir+string(filepath.Separator)) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		b.sendOneOutput(ctx, chatID, outputs.OutputFile{
			Path:    path,
			Name:    filepath.Base(path),
			Ext:     strings.ToLower(filepath.Ext(path)),
			IsImage: true,
			Size:    info.Size(),
		})
	}
}

func (b *Bridge) sendOneOutput(ctx context.Context, chatID string, f outputs.OutputFile) {
	if f.IsImage {
		path := f.Path
		if f.Size > maxImageBytes {
			shrunk, err := outputs.ShrinkImage(f.Path, maxImageBytes)
			if err != nil {
				slog.Warn("image shrink failed", "bot", b.cfg.Name, "file", f.Name, "error", err)
				b.sendAsFile(ctx, chatID, f)
				return
			}
			path = shrunk
			if shrunk != f.Path {
				defer os.Remove(shrunk)
			}
		}
		if err := b.sender.SendImageFile(ctx, chatID, path); err != nil {
			slog.Warn("image send failed", "bot", b.cfg.Name, "file", f.Name, "error", err)
			b.sendAsFile(ctx, chatID, f)
		}
		return
	}

	b.sendAsFile(ctx, chatID, f)
}

func (b *Bridge) sendAsFile(ctx context.Context, chatID string, f outputs.OutputFile) {
	if f.Size > maxFileBytes {
		slog.Warn("output file too large", "bot", b.cfg.Name, "file", f.Name, "size", f.Size)
		b.notice(ctx, chatID, "File Skipped",
			"Output file "+f.Name+" exceeds the 30MB upload limit.", channels.ColorOrange)
		return
	}

	err := b.sender.SendLocalFile(ctx, chatID, f.Path, f.Name)
	if err == nil {
		return
	}
	slog.Warn("file send failed", "bot", b.cfg.Name, "file", f.Name, "error", err)

	// Inline small text files rather than losing them.
	if outputs.IsTextFile(f.Ext) && f.Size <= maxInlineBytes {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return
		}
		text := "📄 " + f.Name + "\n\n" + string(data)
		if err := b.sender.SendText(ctx, chatID, text); err != nil {
			slog.Warn("inline text send failed", "bot", b.cfg.Name, "file", f.Name, "error", err)
		}
	}
}
