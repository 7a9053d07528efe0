// Package watermark stamps a provenance mark onto purchased plan files at
// download time. Sources are never modified; every call renders afresh.
package watermark

import (
	"io"
	"net/http"
	"path"
	"strings"
)

const (
	KindDocument    = "document"
	KindImage       = "image"
	KindPassthrough = "passthrough"
)

// Result describes the bytes a Watermarker wrote.
type Result struct {
	ContentType string
	Ext         string
}

// Watermarker writes a stamped copy of src to dst. Implementations must not
// retain src.
type Watermarker interface {
	Kind() string
	Watermark(src []byte, dst io.Writer) (Result, error)
}

// Select picks a Watermarker from the leading bytes of src. The asset key is
// only used to name passthrough downloads.
func Select(src []byte, key, text string) Watermarker {
	contentType := http.DetectContentType(src)
	switch {
	case contentType == "application/pdf":
		return NewDocumentWatermarker(text)
	case contentType == "image/jpeg", contentType == "image/png", contentType == "image/webp":
		return NewImageWatermarker(text, contentType)
	default:
		return PassthroughWatermarker{ContentType: contentType, Ext: strings.ToLower(path.Ext(key))}
	}
}

// PassthroughWatermarker returns formats it cannot stamp unchanged.
type PassthroughWatermarker struct {
	ContentType string
	Ext         string
}

func (PassthroughWatermarker) Kind() string { return KindPassthrough }

func (p PassthroughWatermarker) Watermark(src []byte, dst io.Writer) (Result, error) {
	if _, err := dst.Write(src); err != nil {
		return Result{}, err
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Result{ContentType: contentType, Ext: p.Ext}, nil
}
