// Package imgdecode turns encoded image files into 8-bit grayscale frames.
package imgdecode

import (
	iface "AtagDetServer/interface"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ErrEmptyImage  = errors.New("decoded image is empty or unsupported format")
	ErrBadGeometry = errors.New("destination buffer too small for image")
)

// Decode decodes PNG/JPEG/... bytes into a tightly packed grayscale image.
func Decode(data []byte) (iface.ImageU8, error) {
	if len(data) == 0 {
		return iface.ImageU8{}, ErrEmptyImage
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return iface.ImageU8{}, err
	}
	defer mat.Close()
	return fromMat(mat)
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(b64 string) (iface.ImageU8, error) {
	data, err := base64.StdEncoding.DecodeString(StripDataURL(b64))
	if err != nil {
		return iface.ImageU8{}, err
	}
	return Decode(data)
}

func ReadFile(path string) (iface.ImageU8, error) {
	mat := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer mat.Close()
	img, err := fromMat(mat)
	if err != nil {
		return iface.ImageU8{}, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// StripDataURL 去掉可能的 data URL 前缀
func StripDataURL(b64 string) string {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		return b64[i+1:]
	}
	return b64
}

func fromMat(mat gocv.Mat) (iface.ImageU8, error) {
	if mat.Empty() || mat.Type() != gocv.MatTypeCV8UC1 {
		return iface.ImageU8{}, ErrEmptyImage
	}
	w, h := mat.Cols(), mat.Rows()
	src := iface.ImageU8{Width: w, Height: h, Stride: mat.Step()}
	if mat.IsContinuous() {
		src.Stride = w
	}
	src.Buf = mat.ToBytes()

	out := iface.ImageU8{Width: w, Height: h, Stride: w, Buf: make([]byte, w*h)}
	if err := CopyInto(out.Buf, out.Stride, src); err != nil {
		return iface.ImageU8{}, err
	}
	return out, nil
}

// CopyInto copies img row by row into dst laid out with dstStride bytes per
// row. Only the first min(width, dstStride) pixels of each row are copied.
func CopyInto(dst []byte, dstStride int, img iface.ImageU8) error {
	if dstStride <= 0 || img.Height <= 0 || img.Width <= 0 {
		return ErrBadGeometry
	}
	n := min(img.Width, dstStride)
	if len(dst) < (img.Height-1)*dstStride+n {
		return ErrBadGeometry
	}
	for y := 0; y < img.Height; y++ {
		row := img.Buf[y*img.Stride:]
		copy(dst[y*dstStride:y*dstStride+n], row[:min(n, len(row))])
	}
	return nil
}
