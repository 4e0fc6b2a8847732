package outputs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// maxShrinkDimension is the longest edge after a downscale pass.
const maxShrinkDimension = 2048

// ShrinkImage re-encodes an oversized image into a smaller JPEG in the same
// directory and returns the new path. SVG and animated formats are not
// resizable and return an error. The caller decides whether the result is
// small enough to upload.
func ShrinkImage(path string, maxBytes int64) (string, error) {
	ext := filepath.Ext(path)
	switch PlatformImageKind(ext) {
	case "raster":
	default:
		return "", fmt.Errorf("cannot shrink %s image", ext)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxShrinkDimension || bounds.Dy() > maxShrinkDimension {
		img = imaging.Fit(img, maxShrinkDimension, maxShrinkDimension, imaging.Lanczos)
	}

	out := path[:len(path)-len(ext)] + ".shrunk.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(80)); err != nil {
		return "", fmt.Errorf("save shrunk image: %w", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return "", fmt.Errorf("stat shrunk image: %w", err)
	}
	if info.Size() > maxBytes {
		os.Remove(out)
		return "", fmt.Errorf("image still %d bytes after shrink (limit %d)", info.Size(), maxBytes)
	}
	return out, nil
}

// PlatformImageKind classifies an image extension as "raster" (resizable),
// "vector", or "animated".
func PlatformImageKind(ext string) string {
	switch {
	case ext == ".svg":
		return "vector"
	case ext == ".gif":
		return "animated"
	case IsImageExt(ext):
		return "raster"
	default:
		return ""
	}
}
