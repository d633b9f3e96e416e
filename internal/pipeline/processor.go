// Package pipeline turns a finalized image upload into an annotated copy plus
// text and HTML reports.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visionwatch/internal/bounds"
	"visionwatch/internal/logger"
	"visionwatch/internal/notification"
	"visionwatch/internal/render"
	"visionwatch/internal/report"
	"visionwatch/internal/sheets"
	"visionwatch/internal/storage"
	"visionwatch/internal/vision"
)

// ErrPermanent marks failures that redelivery cannot fix, such as an object
// that is gone or is not a decodable image.
var ErrPermanent = errors.New("permanent failure")

// annotatedSuffix ends the stem of every rendered image this package writes.
const annotatedSuffix = ".annotated"

// ledgerTimeout bounds a ledger write that outlives the processing context.
const ledgerTimeout = 10 * time.Second

// ObjectReader downloads an object; *storage.Store implements it.
type ObjectReader interface {
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// Ledger records one row per processed object; *sheets.Service implements it.
type Ledger interface {
	Append(ctx context.Context, row sheets.Row) error
}

// Options controls rendering and output.
type Options struct {
	Layers    []render.Layer
	FaceColor color.Color
	Thickness int
	Format    render.Format
	SaveJSON  bool

	// Timeout bounds the whole Process call; zero means no extra deadline.
	Timeout time.Duration
}

// DefaultOptions matches the classic blue/red/yellow rendering as JPEG.
func DefaultOptions() Options {
	return Options{
		Layers:    render.DefaultLayers(),
		FaceColor: render.DefaultFaceColor,
		Thickness: render.DefaultThickness,
		Format:    render.JPEG,
		Timeout:   120 * time.Second,
	}
}

// Result describes one processed object.
type Result struct {
	URI      string
	Outputs  []string
	Report   *report.Report
	Polygons map[bounds.Granularity]int
	Duration time.Duration
}

// Processor annotates, renders and stores results for uploaded images.
type Processor struct {
	annotator vision.Annotator
	reader    ObjectReader
	sink      Sink
	ledger    Ledger
	opts      Options
	log       zerolog.Logger
}

// NewProcessor wires a processor. ledger may be nil.
func NewProcessor(annotator vision.Annotator, reader ObjectReader, sink Sink, ledger Ledger, opts Options) *Processor {
	if opts.Layers == nil {
		opts.Layers = render.DefaultLayers()
	}
	if opts.FaceColor == nil {
		opts.FaceColor = render.DefaultFaceColor
	}
	if opts.Thickness <= 0 {
		opts.Thickness = render.DefaultThickness
	}
	return &Processor{
		annotator: annotator,
		reader:    reader,
		sink:      sink,
		ledger:    ledger,
		opts:      opts,
		log:       logger.WithComponent("pipeline"),
	}
}

// Handle processes finalized image uploads and ignores every other event.
func (p *Processor) Handle(ctx context.Context, ev *notification.Event) error {
	notificationsTotal.WithLabelValues(ev.EventType).Inc()

	if !ev.IsFinalize() {
		p.log.Debug().Str("event_type", ev.EventType).Str("uri", ev.URI()).Msg("Ignoring non-finalize event")
		objectsProcessedTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if !ev.IsImage() {
		p.log.Info().Str("uri", ev.URI()).Msg("Skipping object that is not an image")
		objectsProcessedTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if p.isOwnOutput(ev.BucketID, ev.ObjectID) {
		p.log.Debug().Str("uri", ev.URI()).Msg("Skipping rendered output")
		objectsProcessedTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	_, err := p.Process(ctx, ev.BucketID, ev.ObjectID)
	if errors.Is(err, ErrPermanent) {
		p.log.Warn().Err(err).Str("uri", ev.URI()).Msg("Dropping object that cannot be processed")
		return nil
	}
	return err
}

// isOwnOutput reports whether object was written by this processor's sink.
func (p *Processor) isOwnOutput(bucket, object string) bool {
	if strings.HasSuffix(outputStem(object), annotatedSuffix) {
		return true
	}
	if o, ok := p.sink.(interface{ Owns(bucket, object string) bool }); ok {
		return o.Owns(bucket, object)
	}
	return false
}

// Process annotates gs://bucket/object and writes the annotated image and reports.
func (p *Processor) Process(ctx context.Context, bucket, object string) (*Result, error) {
	const op = "Process"
	start := time.Now()
	log := logger.WithObject("pipeline", bucket, object)

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	result, err := p.process(ctx, bucket, object, log)
	duration := time.Since(start)
	processingDuration.Observe(duration.Seconds())

	if err != nil {
		objectsProcessedTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Dur("duration", duration).Msg("Processing failed")
		p.record(ctx, sheets.Row{
			Object:      storage.URI(bucket, object),
			ProcessedAt: time.Now(),
			Status:      "error: " + err.Error(),
		}, log)
		if isPermanent(err) {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrPermanent, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result.Duration = duration
	objectsProcessedTotal.WithLabelValues("success").Inc()
	log.Info().
		Strs("outputs", result.Outputs).
		Int("faces", len(result.Report.Faces)).
		Int("words", result.Report.Words).
		Dur("duration", duration).
		Msg("Processing completed")

	p.record(ctx, ledgerRow(result), log)
	return result, nil
}

func (p *Processor) process(ctx context.Context, bucket, object string, log zerolog.Logger) (*Result, error) {
	uri := storage.URI(bucket, object)

	// Download and decode first so unusable objects never reach Vision.
	data, err := p.reader.Read(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}

	img, err := render.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}

	ann, err := p.annotator.Annotate(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("annotate %s: %w", uri, err)
	}

	canvas, drawn := render.RenderDocument(img, ann.FullText, p.opts.Layers, p.opts.Thickness)
	render.RenderFaces(canvas, ann.Faces, p.opts.FaceColor, p.opts.Thickness)
	for g, n := range drawn {
		polygonsDrawnTotal.WithLabelValues(g.String()).Add(float64(n))
	}

	log.Debug().
		Int("pages", drawn[bounds.Page]).
		Int("paragraphs", drawn[bounds.Paragraph]).
		Int("words", drawn[bounds.Word]).
		Int("faces", len(ann.Faces)).
		Msg("Rendered annotations")

	var encoded bytes.Buffer
	if err := render.Encode(&encoded, canvas, p.opts.Format); err != nil {
		return nil, fmt.Errorf("encode %s: %w", uri, err)
	}

	rep := report.Build(ann, time.Now())
	html, err := rep.HTML()
	if err != nil {
		return nil, err
	}

	stem := outputStem(object)
	outputs := []output{
		{stem + annotatedSuffix + "." + p.opts.Format.Extension(), p.opts.Format.ContentType(), encoded.Bytes()},
		{stem + ".txt", "text/plain; charset=utf-8", []byte(rep.Text())},
		{stem + ".html", "text/html; charset=utf-8", []byte(html)},
	}
	if p.opts.SaveJSON {
		raw, err := ann.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode annotation json: %w", err)
		}
		outputs = append(outputs, output{stem + ".json", "application/json", raw})
	}

	result := &Result{URI: uri, Report: rep, Polygons: drawn}
	for _, out := range outputs {
		if err := p.sink.Put(ctx, out.name, out.contentType, out.data); err != nil {
			return nil, fmt.Errorf("store %s: %w", out.name, err)
		}
		result.Outputs = append(result.Outputs, p.sink.Location(out.name))
	}

	return result, nil
}

type output struct {
	name        string
	contentType string
	data        []byte
}

// isPermanent reports whether retrying the same object would fail the same way.
func isPermanent(err error) bool {
	return errors.Is(err, render.ErrDecode) ||
		errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, storage.ErrObjectTooLarge) ||
		errors.Is(err, storage.ErrInvalidURI) ||
		errors.Is(err, vision.ErrInvalidURI)
}

// record appends to the ledger; failures are logged and never fail processing.
// The row is written even when ctx has already expired.
func (p *Processor) record(ctx context.Context, row sheets.Row, log zerolog.Logger) {
	if p.ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()

	if err := p.ledger.Append(ctx, row); err != nil {
		log.Warn().Err(err).Msg("Failed to record result in ledger")
	}
}

func ledgerRow(r *Result) sheets.Row {
	row := sheets.Row{
		Object:      r.URI,
		ProcessedAt: r.Report.GeneratedAt,
		Faces:       len(r.Report.Faces),
		Expressions: r.Report.Expressions(),
		Words:       r.Report.Words,
		Status:      "success",
	}
	for _, l := range r.Report.Labels {
		row.Labels = append(row.Labels, l.Description)
	}
	for _, l := range r.Report.Logos {
		row.Logos = append(row.Logos, l.Description)
	}
	if len(r.Report.BestGuesses) > 0 {
		row.BestGuess = r.Report.BestGuesses[0]
	}
	return row
}
