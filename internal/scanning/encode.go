package scanning

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/disintegration/imaging"

	"github.com/zombor/bill-extractor/internal/pipeline"
)

// maxUploadSide bounds the longer side of images sent to the model
const maxUploadSide = 1024

// encodePages downsizes each page to fit the upload bound and encodes it as PNG
func encodePages(pages []pipeline.ProcessedPage) ([][]byte, error) {
	out := make([][]byte, 0, len(pages))
	for _, p := range pages {
		if p.Page.Image == nil {
			return nil, fmt.Errorf("page %d has no image", p.Page.Number)
		}
		img := imaging.Fit(p.Page.Image, maxUploadSide, maxUploadSide, imaging.Lanczos)

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding page %d as PNG: %w", p.Page.Number, err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
