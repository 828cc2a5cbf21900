package resize

import (
	"bytes"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/variant"

	// register webp decoding for webp originals
	_ "golang.org/x/image/webp"
)

// Encoding qualities for the lossy formats.
const (
	jpegQuality = 82
	webpQuality = 80
)

// Renderer turns original image bytes into rendered variant bytes.
type Renderer interface {
	Render(src []byte, width, height int, format variant.Format) ([]byte, error)
}

// ImagingRenderer renders with cover-fit scaling: the source is scaled to
// fill the requested box completely and overflow is cropped around the
// center.
type ImagingRenderer struct{}

func (ImagingRenderer) Render(src []byte, width, height int, format variant.Format) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "error decoding source image")
	}

	out := imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)

	buf := new(bytes.Buffer)
	switch format {
	case variant.FormatPNG:
		err = imaging.Encode(buf, out, imaging.PNG)
	case variant.FormatJPEG:
		err = imaging.Encode(buf, out, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	case variant.FormatWebP:
		err = webp.Encode(buf, out, webp.Options{Quality: webpQuality})
	default:
		return nil, errors.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding %s variant", format)
	}
	return buf.Bytes(), nil
}
