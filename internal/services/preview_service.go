package services

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"
	"github.com/rwcarlsen/goexif/exif"
)

const (
	previewDirName = ".previews"
	previewMaxDim  = 500
	previewQuality = 85
)

// PreviewService generates review preview images and validates
// downloaded photo data before it is saved to the library.
type PreviewService struct {
	basePath string
}

// NewPreviewService creates a new PreviewService rooted at the library path
func NewPreviewService(basePath string) *PreviewService {
	return &PreviewService{basePath: basePath}
}

// DecodeImage decodes image bytes, with HEIC/HEIF handled separately
func DecodeImage(data []byte, filename string) (image.Image, error) {
	if IsHEIC(filename) {
		img, err := goheif.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode HEIC image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Some backends serve HEIC without a meaningful filename
		if heicImg, heicErr := goheif.Decode(bytes.NewReader(data)); heicErr == nil {
			return heicImg, nil
		}
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// VerifyImage checks that downloaded bytes decode to a non-empty image
func (s *PreviewService) VerifyImage(data []byte, filename string) error {
	if len(data) == 0 {
		return fmt.Errorf("empty image data")
	}

	img, err := DecodeImage(data, filename)
	if err != nil {
		return err
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return fmt.Errorf("image has zero dimensions")
	}
	return nil
}

// GeneratePreview writes a review-sized JPEG for the asset and returns
// its filesystem path.
func (s *PreviewService) GeneratePreview(data []byte, assetID, filename string) (string, error) {
	img, err := DecodeImage(data, filename)
	if err != nil {
		return "", err
	}

	img = applyOrientation(img, orientationFromEXIF(data))

	previewDir := filepath.Join(s.basePath, previewDirName)
	if err := os.MkdirAll(previewDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create preview directory: %w", err)
	}

	resized := resizeToFit(img, previewMaxDim)

	previewPath := filepath.Join(previewDir, fmt.Sprintf("%s_preview.jpg", assetID))
	out, err := os.Create(previewPath)
	if err != nil {
		return "", fmt.Errorf("failed to create preview file: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, resized, &jpeg.Options{Quality: previewQuality}); err != nil {
		os.Remove(previewPath)
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}

	return previewPath, nil
}

// PreviewPathFor returns the preview path for an asset if one exists
func (s *PreviewService) PreviewPathFor(assetID string) (string, bool) {
	previewPath := filepath.Join(s.basePath, previewDirName, fmt.Sprintf("%s_preview.jpg", assetID))
	if _, err := os.Stat(previewPath); err != nil {
		return "", false
	}
	return previewPath, true
}

// DeletePreview removes a generated preview, ignoring missing files
func (s *PreviewService) DeletePreview(assetID string) {
	os.Remove(filepath.Join(s.basePath, previewDirName, fmt.Sprintf("%s_preview.jpg", assetID)))
}

// resizeToFit scales the image down so its longest side is maxDim,
// never scaling up.
func resizeToFit(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		if width <= maxDim {
			return img
		}
		newWidth = maxDim
		newHeight = height * maxDim / width
	} else {
		if height <= maxDim {
			return img
		}
		newHeight = maxDim
		newWidth = width * maxDim / height
	}

	return imaging.Resize(img, newWidth, newHeight, imaging.Lanczos)
}

// orientationFromEXIF reads the EXIF orientation tag, defaulting to 1
func orientationFromEXIF(data []byte) int {
	meta, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := meta.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	orientation, err := tag.Int(0)
	if err != nil || orientation < 1 || orientation > 8 {
		return 1
	}
	return orientation
}

// applyOrientation corrects image orientation based on EXIF data
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Rotate270(imaging.FlipH(img))
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Rotate90(imaging.FlipH(img))
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// IsHEIC checks if the file is HEIC/HEIF format (requires special handling)
func IsHEIC(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".heic" || ext == ".heif"
}
