// Package qr turns camera frames into decoded QR strings.
package qr

import (
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder extracts QR text from a single frame; ok is false when the frame holds no readable code.
type Decoder interface {
	Decode(img image.Image) (text string, ok bool)
}

// ZXing decodes frames with the gozxing QR reader.
type ZXing struct {
	hints map[gozxing.DecodeHintType]interface{}
}

func NewZXing() *ZXing {
	return &ZXing{hints: map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}}
}

func (z *ZXing) Decode(img image.Image) (string, bool) {
	if img == nil || img.Bounds().Empty() {
		return "", false
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, z.hints)
	if err != nil || res == nil {
		return "", false
	}
	return res.GetText(), true
}

// DecodeBuffer decodes a raw RGBA pixel buffer of the given dimensions.
func DecodeBuffer(d Decoder, pix []byte, width, height int) (string, bool, error) {
	if width <= 0 || height <= 0 {
		return "", false, fmt.Errorf("qr: invalid frame size %dx%d", width, height)
	}
	if len(pix) != width*height*4 {
		return "", false, fmt.Errorf("qr: pixel buffer has %d bytes, want %d", len(pix), width*height*4)
	}
	img := &image.RGBA{Pix: pix, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
	text, ok := d.Decode(img)
	return text, ok, nil
}
