package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// DPI is the resolution PDF pages are rendered at
const DPI = 200

// Page is one decoded page of a document. Pages are never modified after
// they are produced; stages that change pixels return a new Page.
type Page struct {
	Number int // 1-based position in the source document
	Image  *image.NRGBA
}

// Bounds returns the pixel bounds of the page
func (p Page) Bounds() image.Rectangle {
	if p.Image == nil {
		return image.Rectangle{}
	}
	return p.Image.Bounds()
}

// UnsupportedFormatError is returned when a buffer is neither a PDF nor a
// decodable raster image
type UnsupportedFormatError struct {
	Filename string
	Err      error
}

func (e *UnsupportedFormatError) Error() string {
	msg := "unsupported document format. Supported formats: PDF, JPEG, PNG, GIF, BMP, TIFF, HEIC, HEIF"
	if e.Filename != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Filename)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UnsupportedFormatError) Unwrap() error {
	return e.Err
}

// Rasterize decodes a document into its ordered pages. PDFs yield one page per
// document page; anything else is decoded as a single still image.
func Rasterize(data []byte, filename string) ([]Page, error) {
	if len(data) == 0 {
		return nil, &UnsupportedFormatError{Filename: filename, Err: errors.New("empty document")}
	}

	if IsPDF(data, filename) {
		pages, err := rasterizePDF(data)
		if err != nil {
			return nil, &UnsupportedFormatError{Filename: filename, Err: err}
		}
		return pages, nil
	}

	img, err := decodeImage(data, filename)
	if err != nil {
		return nil, &UnsupportedFormatError{Filename: filename, Err: err}
	}
	return []Page{{Number: 1, Image: img}}, nil
}

// IsPDF reports whether the buffer should be treated as a PDF, by magic bytes
// or by the filename hint
func IsPDF(data []byte, filename string) bool {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return true
	}
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

func rasterizePDF(data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, errors.New("PDF has no pages")
	}

	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, DPI)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Number: i + 1, Image: imaging.Clone(img)})
	}
	return pages, nil
}

func decodeImage(data []byte, filename string) (*image.NRGBA, error) {
	// Go's image package can't read HEIC, which is what most phones produce
	if isHEICFormat(data) || isHEICFilename(filename) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return imaging.Clone(img), nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return imaging.Clone(img), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICFilename(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".heic" || ext == ".heif"
}

// Luminance converts an image to 8-bit luma using BT.601 weights
func Luminance(img image.Image) *image.Gray {
	g := imaging.Grayscale(img)
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := g.Pix[y*g.Stride : y*g.Stride+b.Dx()*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x := range dst {
			dst[x] = src[x*4]
		}
	}
	return out
}

// FromGray expands a single-channel image back to opaque RGB
func FromGray(g *image.Gray) *image.NRGBA {
	b := g.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := g.Pix[y*g.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			v := src[x]
			dst[x*4] = v
			dst[x*4+1] = v
			dst[x*4+2] = v
			dst[x*4+3] = 0xff
		}
	}
	return out
}
