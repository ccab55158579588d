// Package imaging turns raw camera buffers into independently owned images
// and writes them out, using OpenCV through gocv.
package imaging

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
	"gocv.io/x/gocv"
)

// Algorithm is the demosaic interpolation.
type Algorithm string

const (
	Bilinear  Algorithm = "bilinear"
	EdgeAware Algorithm = "edge-aware"
	VNG       Algorithm = "vng"
)

// ParseAlgorithm maps a config name to an Algorithm. Empty selects EdgeAware.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(name)); a {
	case "", "hq-linear", EdgeAware:
		return EdgeAware, nil
	case Bilinear, VNG:
		return a, nil
	}
	return "", fmt.Errorf("unknown demosaic algorithm %q", name)
}

// OpenCV names Bayer patterns after the second row, so an RGGB sensor
// (BayerRG8) converts with the BG codes.
var demosaic = map[string]map[Algorithm]gocv.ColorConversionCode{
	camera.FormatBayerRG8: {
		Bilinear:  gocv.ColorBayerBGToBGR,
		EdgeAware: gocv.ColorBayerBGToBGREA,
		VNG:       gocv.ColorBayerBGToBGRVNG,
	},
	camera.FormatBayerBG8: {
		Bilinear:  gocv.ColorBayerRGToBGR,
		EdgeAware: gocv.ColorBayerRGToBGREA,
		VNG:       gocv.ColorBayerRGToBGRVNG,
	},
	camera.FormatBayerGR8: {
		Bilinear:  gocv.ColorBayerGBToBGR,
		EdgeAware: gocv.ColorBayerGBToBGREA,
		VNG:       gocv.ColorBayerGBToBGRVNG,
	},
	camera.FormatBayerGB8: {
		Bilinear:  gocv.ColorBayerGRToBGR,
		EdgeAware: gocv.ColorBayerGRToBGREA,
		VNG:       gocv.ColorBayerGRToBGRVNG,
	},
}

// Processor converts frames to one output format with one algorithm. Both
// are fixed at construction so every frame of a run is processed the same way.
type Processor struct {
	algo   Algorithm
	output string
}

// NewProcessor returns a processor producing output (Mono8 or BGR8).
func NewProcessor(algo Algorithm, output string) (*Processor, error) {
	if output != camera.FormatMono8 && output != camera.FormatBGR8 {
		return nil, fmt.Errorf("unsupported output format %q", output)
	}
	debug.Verbose("Imaging: %s demosaic to %s", algo, output)
	return &Processor{algo: algo, output: output}, nil
}

// Output returns the produced pixel format.
func (p *Processor) Output() string { return p.output }

// Convert copies img into a new image in the output format. img itself is
// left untouched and still has to be released by the caller.
func (p *Processor) Convert(img camera.Image) (*Image, error) {
	src, err := matFrom(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()

	switch f := img.Format(); {
	case f == camera.FormatMono8:
		if p.output == camera.FormatMono8 {
			return &Image{mat: src.Clone(), format: p.output}, nil
		}
		if err := gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR); err != nil {
			return nil, fmt.Errorf("gray to BGR: %w", err)
		}
	case f == camera.FormatBGR8:
		src.CopyTo(&bgr)
	default:
		codes, ok := demosaic[f]
		if !ok {
			return nil, fmt.Errorf("cannot convert pixel format %q", f)
		}
		if err := gocv.CvtColor(src, &bgr, codes[p.algo]); err != nil {
			return nil, fmt.Errorf("demosaic %s: %w", f, err)
		}
	}

	if p.output == camera.FormatBGR8 {
		return &Image{mat: bgr.Clone(), format: p.output}, nil
	}
	gray := gocv.NewMat()
	if err := gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray); err != nil {
		gray.Close()
		return nil, fmt.Errorf("BGR to gray: %w", err)
	}
	return &Image{mat: gray, format: p.output}, nil
}

// EncodeJPEG converts img and encodes it for the preview stream.
func (p *Processor) EncodeJPEG(img camera.Image) ([]byte, error) {
	out, err := p.Convert(img)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	return out.Encode(".jpg")
}

func matFrom(img camera.Image) (gocv.Mat, error) {
	typ := gocv.MatTypeCV8UC1
	if img.Format() == camera.FormatBGR8 {
		typ = gocv.MatTypeCV8UC3
	}
	m, err := gocv.NewMatFromBytes(img.Height(), img.Width(), typ, img.Data())
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("wrap %dx%d %s frame: %w", img.Width(), img.Height(), img.Format(), err)
	}
	return m, nil
}

// Image is a converted frame that owns its pixels.
type Image struct {
	mat    gocv.Mat
	format string
}

// Format returns the pixel format of the image.
func (i *Image) Format() string { return i.format }

// Save writes the image; the extension of path selects the codec.
func (i *Image) Save(path string) error {
	if ok := gocv.IMWrite(path, i.mat); !ok {
		return fmt.Errorf("write image %s", path)
	}
	return nil
}

// Encode returns the image encoded with the codec for ext (".jpg", ".png").
func (i *Image) Encode(ext string) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.FileExt(ext), i.mat)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Close frees the pixels.
func (i *Image) Close() error { return i.mat.Close() }
