// Package report turns Vision annotations into plain-text and HTML summaries.
package report

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"visionwatch/internal/bounds"
	"visionwatch/internal/vision"
)

//go:embed report.html.tmpl
var htmlTemplate string

var (
	funcs = template.FuncMap{
		"title":     title,
		"percent":   percent,
		"relevance": relevance,
	}

	htmlReport = template.Must(template.New("report").Funcs(funcs).Parse(htmlTemplate))
)

// Scored is a described result with a score. Label and logo scores are
// confidences in [0,1]; web entity scores are unnormalized relevance values.
type Scored struct {
	Description string
	Score       float32
}

// Face summarizes one detected face.
type Face struct {
	Index               int
	Expression          string
	Joy                 string
	Sorrow              string
	Anger               string
	Surprise            string
	Headwear            string
	Blurred             string
	DetectionConfidence float32
}

// WebPage is a page that contains a matching image.
type WebPage struct {
	URL   string
	Title string
}

// Report is the presentation model for one annotated image.
type Report struct {
	Source      string
	GeneratedAt time.Time

	Labels         []Scored
	Logos          []Scored
	Faces          []Face
	WebEntities    []Scored
	BestGuesses    []string
	MatchingImages []string
	MatchingPages  []WebPage

	DocumentText string
	Blocks       int
	Paragraphs   int
	Words        int
}

// Build assembles a Report from annotations.
func Build(ann *vision.Annotations, generatedAt time.Time) *Report {
	r := &Report{
		Source:       ann.URI,
		GeneratedAt:  generatedAt,
		DocumentText: strings.TrimSpace(ann.FullText.GetText()),
		Blocks:       bounds.Count(ann.FullText, bounds.Block),
		Paragraphs:   bounds.Count(ann.FullText, bounds.Paragraph),
		Words:        bounds.Count(ann.FullText, bounds.Word),
	}

	for _, l := range ann.Labels {
		r.Labels = append(r.Labels, Scored{Description: l.GetDescription(), Score: l.GetScore()})
	}
	for _, l := range ann.Logos {
		r.Logos = append(r.Logos, Scored{Description: l.GetDescription(), Score: l.GetScore()})
	}

	for i, f := range ann.Faces {
		r.Faces = append(r.Faces, Face{
			Index:               i + 1,
			Expression:          ClassifyExpression(f),
			Joy:                 DescribeLikelihood(f.GetJoyLikelihood()),
			Sorrow:              DescribeLikelihood(f.GetSorrowLikelihood()),
			Anger:               DescribeLikelihood(f.GetAngerLikelihood()),
			Surprise:            DescribeLikelihood(f.GetSurpriseLikelihood()),
			Headwear:            DescribeLikelihood(f.GetHeadwearLikelihood()),
			Blurred:             DescribeLikelihood(f.GetBlurredLikelihood()),
			DetectionConfidence: f.GetDetectionConfidence(),
		})
	}

	if web := ann.Web; web != nil {
		for _, e := range web.GetWebEntities() {
			if e.GetDescription() == "" {
				continue
			}
			r.WebEntities = append(r.WebEntities, Scored{Description: e.GetDescription(), Score: e.GetScore()})
		}
		for _, g := range web.GetBestGuessLabels() {
			r.BestGuesses = append(r.BestGuesses, g.GetLabel())
		}
		for _, img := range web.GetFullMatchingImages() {
			r.MatchingImages = append(r.MatchingImages, img.GetUrl())
		}
		for _, p := range web.GetPagesWithMatchingImages() {
			r.MatchingPages = append(r.MatchingPages, WebPage{URL: p.GetUrl(), Title: p.GetPageTitle()})
		}
	}

	return r
}

// Expressions lists each face's expression in order.
func (r *Report) Expressions() []string {
	out := make([]string, len(r.Faces))
	for i, f := range r.Faces {
		out[i] = f.Expression
	}
	return out
}

// Text renders the plain-text report.
func (r *Report) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Annotations for %s\n", r.Source)
	fmt.Fprintf(&b, "Generated at %s\n", r.GeneratedAt.Format(time.RFC3339))

	section(&b, "labels")
	writeScored(&b, r.Labels, percent)

	section(&b, "logos")
	writeScored(&b, r.Logos, percent)

	section(&b, "faces")
	if len(r.Faces) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, f := range r.Faces {
		fmt.Fprintf(&b, "  Face %d: %s (joy: %s, sorrow: %s, anger: %s, surprise: %s, headwear: %s, blurred: %s, confidence %s)\n",
			f.Index, f.Expression, f.Joy, f.Sorrow, f.Anger, f.Surprise, f.Headwear, f.Blurred, percent(f.DetectionConfidence))
	}

	section(&b, "web entities")
	writeScored(&b, r.WebEntities, relevance)
	if len(r.BestGuesses) > 0 {
		fmt.Fprintf(&b, "  Best guess: %s\n", strings.Join(r.BestGuesses, ", "))
	}
	for _, u := range r.MatchingImages {
		fmt.Fprintf(&b, "  Full match: %s\n", u)
	}
	for _, p := range r.MatchingPages {
		fmt.Fprintf(&b, "  Page: %s %s\n", p.URL, p.Title)
	}

	section(&b, "document text")
	fmt.Fprintf(&b, "  %d blocks, %d paragraphs, %d words\n", r.Blocks, r.Paragraphs, r.Words)
	if r.DocumentText != "" {
		b.WriteString("\n")
		b.WriteString(r.DocumentText)
		b.WriteString("\n")
	}

	return b.String()
}

// HTML renders the HTML report. Annotation text is escaped.
func (r *Report) HTML() (string, error) {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render html report: %w", err)
	}
	return buf.String(), nil
}

func section(b *strings.Builder, name string) {
	fmt.Fprintf(b, "\n== %s ==\n", title(name))
}

func writeScored(b *strings.Builder, items []Scored, format func(float32) string) {
	if len(items) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "  %s (%s)\n", it.Description, format(it.Score))
	}
}

// Casers are stateful, so each call gets its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// relevance formats an unnormalized web entity score.
func relevance(score float32) string {
	return fmt.Sprintf("score %.2f", score)
}

func percent(score float32) string {
	return fmt.Sprintf("%.1f%%", score*100)
}
