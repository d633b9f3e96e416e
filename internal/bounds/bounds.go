// Package bounds collects bounding polygons from a Cloud Vision document text
// annotation at a chosen level of the page/block/paragraph/word/symbol hierarchy.
package bounds

import (
	"fmt"
	"image"
	"math"
	"strings"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// Granularity selects the level of the annotation tree to collect.
type Granularity int

const (
	Page Granularity = iota + 1
	Block
	Paragraph
	Word
	Symbol
)

// Granularities lists every level from outermost to innermost.
var Granularities = []Granularity{Page, Block, Paragraph, Word, Symbol}

func (g Granularity) String() string {
	switch g {
	case Page:
		return "page"
	case Block:
		return "block"
	case Paragraph:
		return "paragraph"
	case Word:
		return "word"
	case Symbol:
		return "symbol"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity maps a case-insensitive name to a Granularity.
func ParseGranularity(name string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "page":
		return Page, nil
	case "block":
		return Block, nil
	case "paragraph", "para":
		return Paragraph, nil
	case "word":
		return Word, nil
	case "symbol", "char":
		return Symbol, nil
	}
	return 0, fmt.Errorf("unknown granularity %q (want page, block, paragraph, word or symbol)", name)
}

// Polygon is an ordered list of integer vertices, usually four corners
// clockwise from the top-left.
type Polygon []image.Point

// Bounds returns the axis-aligned rectangle enclosing the polygon.
func (p Polygon) Bounds() image.Rectangle {
	if len(p) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: p[0], Max: p[0]}
	for _, pt := range p[1:] {
		r.Min.X = min(r.Min.X, pt.X)
		r.Min.Y = min(r.Min.Y, pt.Y)
		r.Max.X = max(r.Max.X, pt.X)
		r.Max.Y = max(r.Max.Y, pt.Y)
	}
	return r
}

// Extract returns one polygon per node at level g, in document order.
// A nil annotation yields an empty result.
func Extract(ann *visionpb.TextAnnotation, g Granularity) []Polygon {
	bounds := make([]Polygon, 0, Count(ann, g))

	for _, page := range ann.GetPages() {
		w, h := page.GetWidth(), page.GetHeight()
		if g == Page {
			bounds = append(bounds, pageRect(w, h))
			continue
		}
		for _, block := range page.GetBlocks() {
			if g == Block {
				bounds = append(bounds, FromBoundingPoly(block.GetBoundingBox(), w, h))
				continue
			}
			for _, paragraph := range block.GetParagraphs() {
				if g == Paragraph {
					bounds = append(bounds, FromBoundingPoly(paragraph.GetBoundingBox(), w, h))
					continue
				}
				for _, word := range paragraph.GetWords() {
					if g == Word {
						bounds = append(bounds, FromBoundingPoly(word.GetBoundingBox(), w, h))
						continue
					}
					if g == Symbol {
						for _, symbol := range word.GetSymbols() {
							bounds = append(bounds, FromBoundingPoly(symbol.GetBoundingBox(), w, h))
						}
					}
				}
			}
		}
	}

	return bounds
}

// Count returns the number of nodes at level g.
func Count(ann *visionpb.TextAnnotation, g Granularity) int {
	n := 0
	for _, page := range ann.GetPages() {
		if g == Page {
			n++
			continue
		}
		for _, block := range page.GetBlocks() {
			if g == Block {
				n++
				continue
			}
			for _, paragraph := range block.GetParagraphs() {
				if g == Paragraph {
					n++
					continue
				}
				for _, word := range paragraph.GetWords() {
					switch g {
					case Word:
						n++
					case Symbol:
						n += len(word.GetSymbols())
					}
				}
			}
		}
	}
	return n
}

// FromBoundingPoly converts a Vision bounding polygon to pixel coordinates.
// Normalized vertices are scaled by the page size when no pixel vertices are set.
func FromBoundingPoly(bp *visionpb.BoundingPoly, width, height int32) Polygon {
	if vs := bp.GetVertices(); len(vs) > 0 {
		poly := make(Polygon, len(vs))
		for i, v := range vs {
			poly[i] = image.Pt(int(v.GetX()), int(v.GetY()))
		}
		return poly
	}
	nvs := bp.GetNormalizedVertices()
	if len(nvs) == 0 {
		return Polygon{}
	}
	poly := make(Polygon, len(nvs))
	for i, v := range nvs {
		poly[i] = image.Pt(
			int(math.Round(float64(v.GetX())*float64(width))),
			int(math.Round(float64(v.GetY())*float64(height))),
		)
	}
	return poly
}

// Vision pages carry no bounding box, only their dimensions.
func pageRect(width, height int32) Polygon {
	w, h := int(width), int(height)
	return Polygon{{0, 0}, {w, 0}, {w, h}, {0, h}}
}
