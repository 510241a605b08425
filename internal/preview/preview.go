// Package preview builds the thumbnail shown next to a staged image.
package preview

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
)

// MaxEdge is the longest side of a generated thumbnail, in pixels.
const MaxEdge = 256

// ErrEmpty is returned for an empty payload.
var ErrEmpty = errors.New("preview: empty image")

// Thumbnail decodes data and returns a PNG data URL no larger than
// MaxEdge on either side. Aspect ratio is preserved and small images are
// not upscaled.
func Thumbnail(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("preview: decode: %w", err)
	}

	thumb := resize.Thumbnail(MaxEdge, MaxEdge, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("preview: encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
