package engine

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rwcarlsen/goexif/exif"
)

// enrichLimit caps the input size handed to the document parsers.
const enrichLimit = 32 << 20

var disablePDFConfig sync.Once

// enrich appends format details to the description, the way file(1) does
// ("PDF document, version 1.4, 3 pages"). Parser failures are ignored.
func enrich(r Result, window []byte, src io.ReadSeeker, size int64, name string) Result {
	switch r.MIME {
	case "application/pdf":
		r.Description = describePDF(r.Description, window, src, size, name)
	case "image/jpeg":
		r.Description = describeJPEG(r.Description, src, size)
		r.Description = appendDimensions(r.Description, window)
	case "image/png", "image/gif":
		r.Description = appendDimensions(r.Description, window)
	}
	return r
}

func describePDF(desc string, window []byte, src io.ReadSeeker, size int64, name string) (out string) {
	if v := pdfHeaderVersion(window); v != "" {
		desc += ", version " + v
	}
	if size > enrichLimit || src == nil {
		return desc
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return desc
	}
	disablePDFConfig.Do(api.DisableConfigDir)
	defer func() {
		if r := recover(); r != nil {
			out = desc
		}
	}()
	info, err := api.PDFInfo(src, name, nil, false, nil)
	if err != nil || info == nil {
		return desc
	}
	switch {
	case info.PageCount == 1:
		desc += ", 1 page"
	case info.PageCount > 1:
		desc += fmt.Sprintf(", %d pages", info.PageCount)
	}
	return desc
}

func pdfHeaderVersion(window []byte) string {
	rest, ok := bytes.CutPrefix(window, []byte("%PDF-"))
	if !ok {
		return ""
	}
	end := 0
	for end < len(rest) && end < 4 && (rest[end] == '.' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	return string(rest[:end])
}

func describeJPEG(desc string, src io.ReadSeeker, size int64) string {
	if size > enrichLimit || src == nil {
		return desc
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return desc
	}
	x, err := exif.Decode(io.LimitReader(src, enrichLimit))
	if err != nil {
		return desc
	}
	var camera []string
	for _, field := range []exif.FieldName{exif.Make, exif.Model} {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		if v, err := tag.StringVal(); err == nil && strings.TrimSpace(v) != "" {
			camera = append(camera, strings.TrimSpace(v))
		}
	}
	if len(camera) == 0 {
		return desc + ", Exif standard"
	}
	return fmt.Sprintf("%s, Exif standard: [%s]", desc, strings.Join(camera, " "))
}

func appendDimensions(desc string, window []byte) string {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(window))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return desc
	}
	return fmt.Sprintf("%s, %d x %d", desc, cfg.Width, cfg.Height)
}
