package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ErrSizeMismatch is returned when the inpainting backend hands back an image
// whose size differs from the requested canvas.
var ErrSizeMismatch = errors.New("outpainted image size does not match target")

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// prepareUpload shrinks images whose longest side exceeds maxSide and
// re-encodes them as PNG. Smaller images are passed through untouched.
// It reports the dimensions of the returned image.
func prepareUpload(data []byte, maxSide int) ([]byte, image.Point, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, image.Point{}, err
	}
	size := img.Bounds().Size()
	if maxSide <= 0 || (size.X <= maxSide && size.Y <= maxSide) {
		return data, size, nil
	}

	small := resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
	out, err := encodePNG(small)
	if err != nil {
		return nil, image.Point{}, err
	}
	return out, small.Bounds().Size(), nil
}
