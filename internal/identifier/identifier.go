// Package identifier renders the code printed on a patient's record.
package identifier

import (
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// Encoder turns a national health identifier into image bytes. The output
// depends only on the identifier.
type Encoder interface {
	Encode(nss string) ([]byte, error)
}

type QREncoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewQREncoder() *QREncoder {
	return &QREncoder{Size: 256, Level: qrcode.Medium}
}

// Encode returns a PNG QR code of nss.
func (e *QREncoder) Encode(nss string) ([]byte, error) {
	if nss == "" {
		return nil, errors.New("identifier: empty nss")
	}
	png, err := qrcode.Encode(nss, e.Level, e.Size)
	if err != nil {
		return nil, fmt.Errorf("identifier: %w", err)
	}
	return png, nil
}
