package util

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDataURL is returned when an attachment is not an image data URL.
var ErrInvalidDataURL = errors.New("invalid image data URL")

// DataURLImage is an image decoded from a data URL.
type DataURLImage struct {
	Data     []byte
	MIMEType string
	// Subtype is the part after "image/", used to name the uploaded file.
	Subtype string
}

// Filename returns the upload name, "image.<subtype>".
func (d DataURLImage) Filename() string { return "image." + d.Subtype }

// DecodeImageDataURL decodes "data:image/<subtype>;base64,<data>".
func DecodeImageDataURL(s string) (DataURLImage, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return DataURLImage{}, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return DataURLImage{}, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return DataURLImage{}, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}
	subtype, ok := strings.CutPrefix(mimeType, "image/")
	if !ok || subtype == "" {
		return DataURLImage{}, fmt.Errorf("%w: unsupported media type %q", ErrInvalidDataURL, mimeType)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return DataURLImage{}, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	if len(data) == 0 {
		return DataURLImage{}, fmt.Errorf("%w: empty image", ErrInvalidDataURL)
	}

	return DataURLImage{Data: data, MIMEType: mimeType, Subtype: subtype}, nil
}
