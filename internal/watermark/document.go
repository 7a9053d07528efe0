package watermark

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Large, pale, diagonal and centred; the same on every page.
const documentStampDesc = "fontname:Helvetica, points:48, scalefactor:0.8 rel, rotation:45, opacity:0.2, position:c, fillcolor:#808080"

func init() {
	// pdfcpu otherwise creates a config directory under the user's home.
	api.DisableConfigDir()
}

// DocumentWatermarker stamps every page of a PDF.
type DocumentWatermarker struct {
	text string
}

func NewDocumentWatermarker(text string) *DocumentWatermarker {
	return &DocumentWatermarker{text: text}
}

func (d *DocumentWatermarker) Kind() string { return KindDocument }

func (d *DocumentWatermarker) Watermark(src []byte, dst io.Writer) (Result, error) {
	wm, err := api.TextWatermark(d.text, documentStampDesc, true, false, types.POINTS)
	if err != nil {
		return Result{}, fmt.Errorf("build pdf watermark: %w", err)
	}

	if err := api.AddWatermarks(bytes.NewReader(src), dst, nil, wm, pdfConfig()); err != nil {
		return Result{}, fmt.Errorf("stamp pdf: %w", err)
	}
	return Result{ContentType: "application/pdf", Ext: ".pdf"}, nil
}

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
