package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionwatch/internal/bounds"
	"visionwatch/internal/notification"
	"visionwatch/internal/render"
	"visionwatch/internal/sheets"
	"visionwatch/internal/storage"
	"visionwatch/internal/vision"
)

type fakeAnnotator struct {
	ann   *vision.Annotations
	err   error
	block bool
	calls []string
}

func (f *fakeAnnotator) Annotate(ctx context.Context, uri string) (*vision.Annotations, error) {
	f.calls = append(f.calls, uri)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	ann := *f.ann
	ann.URI = uri
	return &ann, nil
}

type fakeReader struct {
	data []byte
	err  error
}

func (f *fakeReader) Read(context.Context, string, string) ([]byte, error) {
	return f.data, f.err
}

type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemSink() *memSink {
	return &memSink{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memSink) Put(_ context.Context, name, contentType string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	m.types[name] = contentType
	return nil
}

func (m *memSink) Location(name string) string { return "mem://" + name }

type fakeLedger struct {
	rows    []sheets.Row
	ctxErrs []error
	err     error
}

func (f *fakeLedger) Append(ctx context.Context, row sheets.Row) error {
	f.rows = append(f.rows, row)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func box(x0, y0, x1, y1 int32) *visionpb.BoundingPoly {
	return &visionpb.BoundingPoly{Vertices: []*visionpb.Vertex{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
	}}
}

func testAnnotations() *vision.Annotations {
	word := func(x0, x1 int32, text string) *visionpb.Word {
		w := &visionpb.Word{BoundingBox: box(x0, 10, x1, 20)}
		for _, r := range text {
			w.Symbols = append(w.Symbols, &visionpb.Symbol{Text: string(r), BoundingBox: box(x0, 10, x0+4, 20)})
		}
		return w
	}
	return &vision.Annotations{
		FullText: &visionpb.TextAnnotation{
			Text: "Hi there",
			Pages: []*visionpb.Page{{
				Width:  64,
				Height: 48,
				Blocks: []*visionpb.Block{{
					BoundingBox: box(5, 5, 60, 25),
					Paragraphs: []*visionpb.Paragraph{{
						BoundingBox: box(8, 8, 58, 22),
						Words:       []*visionpb.Word{word(10, 20, "Hi"), word(25, 55, "there")},
					}},
				}},
			}},
		},
		Faces: []*visionpb.FaceAnnotation{{
			BoundingPoly:        box(30, 26, 50, 46),
			JoyLikelihood:       visionpb.Likelihood_VERY_LIKELY,
			DetectionConfidence: 0.9,
		}},
		Labels: []*visionpb.EntityAnnotation{{Description: "Sign", Score: 0.8}},
		Web: &visionpb.WebDetection{
			BestGuessLabels: []*visionpb.WebDetection_WebLabel{{Label: "greeting card"}},
		},
	}
}

func newTestProcessor(t *testing.T, opts Options) (*Processor, *fakeAnnotator, *memSink, *fakeLedger) {
	t.Helper()
	annotator := &fakeAnnotator{ann: testAnnotations()}
	sink := newMemSink()
	ledger := &fakeLedger{}
	p := NewProcessor(annotator, &fakeReader{data: testPNG(t, 64, 48)}, sink, ledger, opts)
	return p, annotator, sink, ledger
}

func TestProcessWritesImageAndReports(t *testing.T) {
	p, annotator, sink, ledger := newTestProcessor(t, DefaultOptions())

	result, err := p.Process(context.Background(), "uploads", "photos/card.png")
	require.NoError(t, err)

	assert.Equal(t, []string{"gs://uploads/photos/card.png"}, annotator.calls)
	assert.Equal(t, "gs://uploads/photos/card.png", result.URI)
	assert.Equal(t, []string{
		"mem://photos/card.annotated.jpg",
		"mem://photos/card.txt",
		"mem://photos/card.html",
	}, result.Outputs)

	assert.Equal(t, 1, result.Polygons[bounds.Page])
	assert.Equal(t, 1, result.Polygons[bounds.Paragraph])
	assert.Equal(t, 2, result.Polygons[bounds.Word])
	assert.Equal(t, 2, result.Report.Words)

	img, err := render.Decode(sink.objects["photos/card.annotated.jpg"])
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	assert.Equal(t, "image/jpeg", sink.types["photos/card.annotated.jpg"])

	text := string(sink.objects["photos/card.txt"])
	assert.Contains(t, text, "Sign")
	assert.Contains(t, text, "greeting card")
	assert.Contains(t, string(sink.objects["photos/card.html"]), "<html")

	require.Len(t, ledger.rows, 1)
	row := ledger.rows[0]
	assert.Equal(t, "success", row.Status)
	assert.Equal(t, 1, row.Faces)
	assert.Equal(t, []string{"joy"}, row.Expressions)
	assert.Equal(t, []string{"Sign"}, row.Labels)
	assert.Equal(t, "greeting card", row.BestGuess)
	assert.Equal(t, 2, row.Words)
}

func TestProcessSaveJSONAndPNG(t *testing.T) {
	opts := DefaultOptions()
	opts.SaveJSON = true
	opts.Format = render.PNG
	p, _, sink, _ := newTestProcessor(t, opts)

	result, err := p.Process(context.Background(), "uploads", "card.jpeg")
	require.NoError(t, err)

	assert.Contains(t, result.Outputs, "mem://card.annotated.png")
	assert.Contains(t, result.Outputs, "mem://card.json")
	assert.Equal(t, "application/json", sink.types["card.json"])
	assert.Equal(t, "image/png", sink.types["card.annotated.png"])
}

func TestProcessWithoutText(t *testing.T) {
	p, annotator, _, _ := newTestProcessor(t, DefaultOptions())
	annotator.ann = &vision.Annotations{}

	result, err := p.Process(context.Background(), "uploads", "blank.png")
	require.NoError(t, err)

	assert.Zero(t, result.Polygons[bounds.Word])
	assert.Zero(t, result.Report.Words)
	assert.Len(t, result.Outputs, 3)
}

func TestProcessErrors(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(a *fakeAnnotator, r *fakeReader, s *memSink)
		wantErr       error
		wantPermanent bool
	}{
		{
			name:    "annotation failure",
			setup:   func(a *fakeAnnotator, _ *fakeReader, _ *memSink) { a.err = vision.ErrAnnotationFailed },
			wantErr: vision.ErrAnnotationFailed,
		},
		{
			name:    "download failure",
			setup:   func(_ *fakeAnnotator, r *fakeReader, _ *memSink) { r.err = os.ErrNotExist },
			wantErr: os.ErrNotExist,
		},
		{
			name:          "object deleted",
			setup:         func(_ *fakeAnnotator, r *fakeReader, _ *memSink) { r.err = storage.ErrObjectNotFound },
			wantErr:       storage.ErrObjectNotFound,
			wantPermanent: true,
		},
		{
			name:          "object too large",
			setup:         func(_ *fakeAnnotator, r *fakeReader, _ *memSink) { r.err = storage.ErrObjectTooLarge },
			wantErr:       storage.ErrObjectTooLarge,
			wantPermanent: true,
		},
		{
			name:          "undecodable image",
			setup:         func(_ *fakeAnnotator, r *fakeReader, _ *memSink) { r.data = []byte("not an image") },
			wantErr:       render.ErrDecode,
			wantPermanent: true,
		},
		{
			name:    "sink failure",
			setup:   func(_ *fakeAnnotator, _ *fakeReader, s *memSink) { s.err = os.ErrPermission },
			wantErr: os.ErrPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			annotator := &fakeAnnotator{ann: testAnnotations()}
			reader := &fakeReader{data: testPNG(t, 16, 16)}
			sink := newMemSink()
			ledger := &fakeLedger{}
			tt.setup(annotator, reader, sink)

			p := NewProcessor(annotator, reader, sink, ledger, DefaultOptions())
			result, err := p.Process(context.Background(), "uploads", "x.png")

			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, tt.wantPermanent, errors.Is(err, ErrPermanent), "got %v", err)

			require.Len(t, ledger.rows, 1)
			assert.True(t, strings.HasPrefix(ledger.rows[0].Status, "error: "))
			assert.Equal(t, "gs://uploads/x.png", ledger.rows[0].Object)
		})
	}
}

func TestProcessLedgerFailureIsNotFatal(t *testing.T) {
	p, _, _, ledger := newTestProcessor(t, DefaultOptions())
	ledger.err = errors.New("quota exceeded")

	_, err := p.Process(context.Background(), "uploads", "card.png")
	assert.NoError(t, err)
}

func TestProcessWithoutLedger(t *testing.T) {
	annotator := &fakeAnnotator{ann: testAnnotations()}
	p := NewProcessor(annotator, &fakeReader{data: testPNG(t, 8, 8)}, newMemSink(), nil, Options{})

	_, err := p.Process(context.Background(), "uploads", "card.png")
	assert.NoError(t, err)
}

func TestHandleSkipsIrrelevantEvents(t *testing.T) {
	tests := []struct {
		name  string
		event *notification.Event
	}{
		{
			name:  "delete event",
			event: &notification.Event{EventType: notification.EventObjectDelete, BucketID: "uploads", ObjectID: "a.jpg"},
		},
		{
			name:  "metadata update",
			event: &notification.Event{EventType: notification.EventObjectMetadataUpdate, BucketID: "uploads", ObjectID: "a.jpg"},
		},
		{
			name:  "not an image",
			event: &notification.Event{EventType: notification.EventObjectFinalize, BucketID: "uploads", ObjectID: "notes.txt"},
		},
		{
			name: "content type wins over extension",
			event: &notification.Event{
				EventType: notification.EventObjectFinalize,
				BucketID:  "uploads",
				ObjectID:  "a.jpg",
				Metadata:  &notification.ObjectMetadata{ContentType: "application/pdf"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, annotator, sink, ledger := newTestProcessor(t, DefaultOptions())

			require.NoError(t, p.Handle(context.Background(), tt.event))
			assert.Empty(t, annotator.calls)
			assert.Empty(t, sink.objects)
			assert.Empty(t, ledger.rows)
		})
	}
}

func TestHandleProcessesFinalizedImage(t *testing.T) {
	p, annotator, sink, _ := newTestProcessor(t, DefaultOptions())

	err := p.Handle(context.Background(), &notification.Event{
		EventType: notification.EventObjectFinalize,
		BucketID:  "uploads",
		ObjectID:  "team.png",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"gs://uploads/team.png"}, annotator.calls)
	assert.Contains(t, sink.objects, "team.annotated.jpg")
}

func TestHandlePropagatesFailure(t *testing.T) {
	p, annotator, _, _ := newTestProcessor(t, DefaultOptions())
	annotator.err = vision.ErrEmptyResponse

	err := p.Handle(context.Background(), &notification.Event{
		EventType: notification.EventObjectFinalize,
		BucketID:  "uploads",
		ObjectID:  "team.png",
	})
	assert.ErrorIs(t, err, vision.ErrEmptyResponse)
}

func TestProcessSkipsVisionForUnusableObjects(t *testing.T) {
	p, annotator, _, _ := newTestProcessor(t, DefaultOptions())
	p.reader = &fakeReader{data: []byte("GIF89a garbage")}

	_, err := p.Process(context.Background(), "uploads", "corrupt.gif")
	require.ErrorIs(t, err, render.ErrDecode)
	assert.Empty(t, annotator.calls)
}

func TestHandleDropsPermanentFailures(t *testing.T) {
	p, annotator, _, ledger := newTestProcessor(t, DefaultOptions())
	p.reader = &fakeReader{data: []byte("GIF89a garbage")}
	ev := &notification.Event{
		EventType: notification.EventObjectFinalize,
		BucketID:  "uploads",
		ObjectID:  "corrupt.gif",
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Handle(context.Background(), ev))
	}

	assert.Empty(t, annotator.calls)
	require.Len(t, ledger.rows, 3)
	assert.Contains(t, ledger.rows[0].Status, "unable to decode image")
}

func TestHandleSkipsOwnOutputs(t *testing.T) {
	annotator := &fakeAnnotator{ann: testAnnotations()}
	w := &fakeWriter{}
	reader := &fakeReader{data: testPNG(t, 16, 16)}

	tests := []struct {
		name   string
		sink   Sink
		bucket string
		object string
	}{
		{"annotated image in watched bucket", NewBucketSink(w, "uploads", ""), "uploads", "team.annotated.jpg"},
		{"annotated png in a folder", NewBucketSink(w, "uploads", ""), "uploads", "photos/team.annotated.png"},
		{"annotated image written locally", NewDirSink(t.TempDir()), "uploads", "team.annotated.jpg"},
		{"anything under the output prefix", NewBucketSink(w, "uploads", "results"), "uploads", "results/team.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			annotator.calls = nil
			p := NewProcessor(annotator, reader, tt.sink, nil, DefaultOptions())

			err := p.Handle(context.Background(), &notification.Event{
				EventType: notification.EventObjectFinalize,
				BucketID:  tt.bucket,
				ObjectID:  tt.object,
				Metadata:  &notification.ObjectMetadata{ContentType: "image/jpeg"},
			})
			require.NoError(t, err)
			assert.Empty(t, annotator.calls)
		})
	}

	t.Run("same prefix in another bucket is processed", func(t *testing.T) {
		annotator.calls = nil
		p := NewProcessor(annotator, reader, NewBucketSink(w, "results-bucket", "results"), nil, DefaultOptions())

		err := p.Handle(context.Background(), &notification.Event{
			EventType: notification.EventObjectFinalize,
			BucketID:  "uploads",
			ObjectID:  "results/team.jpg",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"gs://uploads/results/team.jpg"}, annotator.calls)
	})
}

func TestProcessRecordsTimeoutInLedger(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	p, annotator, _, ledger := newTestProcessor(t, opts)
	annotator.block = true

	_, err := p.Process(context.Background(), "uploads", "slow.png")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrPermanent))

	require.Len(t, ledger.rows, 1)
	assert.Contains(t, ledger.rows[0].Status, "deadline exceeded")
	assert.NoError(t, ledger.ctxErrs[0], "ledger write must not inherit the expired deadline")
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir)

	require.NoError(t, sink.Put(context.Background(), "photos/a.txt", "text/plain", []byte("hello")))

	got, err := os.ReadFile(filepath.Join(dir, "photos", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, filepath.Join(dir, "etc", "passwd"), sink.Location("../../etc/passwd"))
}

type fakeWriter struct {
	bucket, object, contentType string
	data                        []byte
}

func (f *fakeWriter) Write(_ context.Context, bucket, object, contentType string, data []byte) error {
	f.bucket, f.object, f.contentType, f.data = bucket, object, contentType, data
	return nil
}

func TestBucketSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewBucketSink(w, "results", "/annotated/")

	require.NoError(t, sink.Put(context.Background(), "photos/a.html", "text/html", []byte("<p>")))

	assert.Equal(t, "results", w.bucket)
	assert.Equal(t, "annotated/photos/a.html", w.object)
	assert.Equal(t, "text/html", w.contentType)
	assert.Equal(t, "gs://results/annotated/photos/a.html", sink.Location("photos/a.html"))

	assert.Equal(t, "gs://results/x.png", NewBucketSink(w, "results", "").Location("x.png"))

	assert.True(t, sink.Owns("results", "annotated/photos/a.jpg"))
	assert.False(t, sink.Owns("results", "photos/a.jpg"))
	assert.False(t, sink.Owns("uploads", "annotated/photos/a.jpg"))
	assert.False(t, NewBucketSink(w, "results", "").Owns("results", "a.jpg"))
}

func TestOutputStem(t *testing.T) {
	assert.Equal(t, "photos/a", outputStem("photos/a.jpg"))
	assert.Equal(t, "archive.tar", outputStem("archive.tar.gz"))
	assert.Equal(t, "noext", outputStem("noext"))
}
