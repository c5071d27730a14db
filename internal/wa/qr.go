package wa

import "github.com/skip2/go-qrcode"

// QRPNG renders a pairing payload as a 256px PNG for the dashboard.
func QRPNG(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, 256)
}
