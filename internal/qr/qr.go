// Package qr renders QR challenge payloads to displayable images.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const imageSize = 256

// DataURL encodes a QR challenge payload as a base64 PNG data URL suitable
// for embedding directly in an <img> tag.
func DataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
