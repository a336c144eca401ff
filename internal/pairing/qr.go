// Package pairing renders the startup QR code for tetherterm-agent's
// --pair flag (spec_full §4.2 expansion), grounded in the original
// source's agent/gui.py "scan this on your phone" flow and the teacher's
// go.mod choice of github.com/skip2/go-qrcode.
package pairing

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// PrintQR renders url as a QR code on stdout using half-block characters,
// along with the URL itself for anyone who'd rather type it.
func PrintQR(url string) error {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating qr code: %w", err)
	}
	fmt.Println(qr.ToSmallString(false))
	fmt.Println(url)
	return nil
}
