// Package render draws annotation polygons onto copies of uploaded images.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/disintegration/imaging"
	"golang.org/x/image/colornames"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"visionwatch/internal/bounds"
)

// DefaultThickness is the outline width in pixels.
const DefaultThickness = 2

// ErrDecode is returned when the image bytes cannot be decoded.
var ErrDecode = errors.New("unable to decode image")

// Layer pairs a granularity with the color its polygons are drawn in.
type Layer struct {
	Granularity bounds.Granularity
	Color       color.Color
}

// DefaultLayers outlines pages in blue, paragraphs in red and words in yellow.
func DefaultLayers() []Layer {
	return []Layer{
		{Granularity: bounds.Page, Color: colornames.Blue},
		{Granularity: bounds.Paragraph, Color: colornames.Red},
		{Granularity: bounds.Word, Color: colornames.Yellow},
	}
}

// DefaultFaceColor is used for face outlines and their index labels.
var DefaultFaceColor color.Color = colornames.Lime

// Decode decodes JPEG, PNG, GIF, BMP, TIFF or WebP data, applying EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// RenderDocument copies img and outlines every layer of the text annotation on it.
// It returns the canvas and the number of polygons drawn per granularity.
func RenderDocument(img image.Image, ann *visionpb.TextAnnotation, layers []Layer, thickness int) (*image.NRGBA, map[bounds.Granularity]int) {
	canvas := imaging.Clone(img)
	drawn := make(map[bounds.Granularity]int, len(layers))
	for _, l := range layers {
		polys := bounds.Extract(ann, l.Granularity)
		DrawPolygons(canvas, polys, l.Color, thickness)
		drawn[l.Granularity] += len(polys)
	}
	return canvas, drawn
}

// RenderFaces outlines each face on dst and writes its 1-based index at the
// top-left corner.
func RenderFaces(dst draw.Image, faces []*visionpb.FaceAnnotation, col color.Color, thickness int) {
	for i, face := range faces {
		poly := bounds.FromBoundingPoly(face.GetBoundingPoly(), 0, 0)
		if len(poly) == 0 {
			continue
		}
		DrawPolygon(dst, poly, col, thickness)
		r := poly.Bounds()
		drawLabel(dst, r.Min.X+thickness+1, r.Min.Y+thickness+1, strconv.Itoa(i+1), col)
	}
}

// DrawPolygons outlines each polygon on dst.
func DrawPolygons(dst draw.Image, polys []bounds.Polygon, col color.Color, thickness int) {
	for _, p := range polys {
		DrawPolygon(dst, p, col, thickness)
	}
}

// DrawPolygon draws connected line segments and closes the polygon.
func DrawPolygon(dst draw.Image, poly bounds.Polygon, col color.Color, thickness int) {
	if len(poly) < 2 {
		return
	}
	for i := range poly {
		drawLine(dst, poly[i], poly[(i+1)%len(poly)], col, thickness)
	}
}

// drawLine draws a line between two points using a simple Bresenham variant.
func drawLine(dst draw.Image, a, b image.Point, col color.Color, thickness int) {
	x0, y0 := a.X, a.Y
	x1, y1 := b.X, b.Y
	dx := int(math.Abs(float64(x1 - x0)))
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	dy := -int(math.Abs(float64(y1 - y0)))
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx + dy
	for {
		drawThickPoint(dst, x0, y0, col, thickness)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawThickPoint(dst draw.Image, x, y int, col color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	b := dst.Bounds()
	r := thickness / 2
	for yy := y - r; yy < y-r+thickness; yy++ {
		for xx := x - r; xx < x-r+thickness; xx++ {
			if image.Pt(xx, yy).In(b) {
				dst.Set(xx, yy, col)
			}
		}
	}
}

func drawLabel(dst draw.Image, x, y int, text string, col color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(text)
}

// ParseColor accepts an SVG color name ("red", "gold") or a #rgb / #rrggbb hex value.
func ParseColor(s string) (color.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := colornames.Map[s]; ok {
		return c, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return nil, fmt.Errorf("unknown color %q", s)
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return nil, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Format is an output image encoding.
type Format struct {
	format imaging.Format
}

var (
	JPEG = Format{imaging.JPEG}
	PNG  = Format{imaging.PNG}
)

// ParseFormat maps "jpeg", "jpg" or "png" to a Format.
func ParseFormat(name string) (Format, error) {
	f, err := imaging.FormatFromExtension(strings.ToLower(name))
	if err != nil {
		return Format{}, err
	}
	switch f {
	case imaging.JPEG, imaging.PNG:
		return Format{f}, nil
	}
	return Format{}, fmt.Errorf("unsupported output format %q (want jpeg or png)", name)
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f.format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

// ContentType returns the MIME type.
func (f Format) ContentType() string {
	if f.format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Encode writes img in the given format. JPEG uses quality 90.
func Encode(w io.Writer, img image.Image, f Format) error {
	return imaging.Encode(w, img, f.format, imaging.JPEGQuality(90))
}
