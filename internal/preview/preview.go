// Package preview exports stretched JPEG previews of stacked results
// so a linear FITS image can be eyeballed without a FITS viewer.
package preview

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Options control preview export.
type Options struct {
	Width   uint    // longest edge of the preview, 0 keeps full size
	Quality uint    // JPEG quality, default 90
	Gamma   float64 // midtone stretch applied after normalization, default 2.2
}

func (o *Options) defaults() {
	if o.Quality == 0 {
		o.Quality = 90
	}
	if o.Gamma == 0 {
		o.Gamma = 2.2
	}
}

// Export reads a stacked FITS result and writes a stretched JPEG next
// to outputPath's location. It returns the written path.
func Export(inputPath, outputPath string, opts Options) (string, error) {
	opts.defaults()

	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("result image does not exist: %s", inputPath)
	}
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "_preview.jpg"
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(inputPath); err != nil {
		return "", fmt.Errorf("failed to read %s: %v", inputPath, err)
	}

	// Linear stacked data is nearly black without a stretch.
	if err := mw.AutoLevelImage(); err != nil {
		return "", fmt.Errorf("failed to normalize: %v", err)
	}
	if err := mw.GammaImage(opts.Gamma); err != nil {
		return "", fmt.Errorf("failed to stretch: %v", err)
	}

	if opts.Width > 0 {
		w := mw.GetImageWidth()
		h := mw.GetImageHeight()
		if w > opts.Width {
			scale := float64(opts.Width) / float64(w)
			if err := mw.ResizeImage(opts.Width, uint(float64(h)*scale), imagick.FILTER_LANCZOS); err != nil {
				return "", fmt.Errorf("failed to resize: %v", err)
			}
		}
	}

	if err := mw.SetImageFormat("JPEG"); err != nil {
		return "", err
	}
	if err := mw.SetImageCompressionQuality(opts.Quality); err != nil {
		return "", err
	}
	if err := mw.WriteImage(outputPath); err != nil {
		return "", fmt.Errorf("failed to write %s: %v", outputPath, err)
	}
	return outputPath, nil
}
