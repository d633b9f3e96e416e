package vision

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"visionwatch/internal/logger"
)

// DefaultMaxResults caps per-feature results when no explicit limit is configured.
const DefaultMaxResults = 10

// Features is the feature set requested for every image.
var Features = []visionpb.Feature_Type{
	visionpb.Feature_FACE_DETECTION,
	visionpb.Feature_LABEL_DETECTION,
	visionpb.Feature_LOGO_DETECTION,
	visionpb.Feature_DOCUMENT_TEXT_DETECTION,
	visionpb.Feature_WEB_DETECTION,
}

// ImageAnnotatorClient is the subset of *vision.ImageAnnotatorClient used here.
// Tests substitute a fake.
type ImageAnnotatorClient interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
	Close() error
}

// GoogleVisionAnnotator implements Annotator using Google Cloud Vision API.
type GoogleVisionAnnotator struct {
	client     ImageAnnotatorClient
	maxResults int32
	log        zerolog.Logger
}

// NewGoogleVisionAnnotator creates a new annotator with credentials from environment.
// It expects either GOOGLE_APPLICATION_CREDENTIALS path or GOOGLE_CREDENTIALS JSON in env.
func NewGoogleVisionAnnotator(ctx context.Context, maxResults int) (*GoogleVisionAnnotator, error) {
	const op = "NewGoogleVisionAnnotator"

	var client *vision.ImageAnnotatorClient
	var err error

	// Check for inline credentials first
	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, WrapAnnotationError(op, err, "failed to create client with GOOGLE_CREDENTIALS")
		}
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(credFile))
		if err != nil {
			return nil, WrapAnnotationError(op, err, "failed to create client with GOOGLE_APPLICATION_CREDENTIALS")
		}
	} else {
		// Try default credentials as fallback
		client, err = vision.NewImageAnnotatorClient(ctx)
		if err != nil {
			return nil, WrapAnnotationError(op, ErrMissingCredentials, "no credentials found in environment")
		}
	}

	return NewGoogleVisionAnnotatorWithClient(client, maxResults), nil
}

// NewGoogleVisionAnnotatorWithClient creates an annotator with an explicit client (for testing).
func NewGoogleVisionAnnotatorWithClient(client ImageAnnotatorClient, maxResults int) *GoogleVisionAnnotator {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &GoogleVisionAnnotator{
		client:     client,
		maxResults: int32(maxResults),
		log:        logger.WithComponent("vision"),
	}
}

// Annotate requests every feature in Features for the image at uri.
func (g *GoogleVisionAnnotator) Annotate(ctx context.Context, uri string) (*Annotations, error) {
	const op = "Annotate"
	startTime := time.Now()

	if !validURI(uri) {
		return nil, WrapAnnotationError(op, ErrInvalidURI, uri)
	}

	g.log.Info().Str("uri", uri).Msg("Annotating image")

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{g.buildRequest(uri)},
	}

	resp, err := g.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, WrapAnnotationError(op, fmt.Errorf("%w: %w", ErrAnnotationFailed, err), "Vision API call failed")
	}

	if len(resp.GetResponses()) == 0 {
		return nil, WrapAnnotationError(op, ErrEmptyResponse, uri)
	}

	imageResp := resp.GetResponses()[0]
	if imageResp.GetError() != nil && imageResp.GetError().GetCode() != 0 {
		return nil, WrapAnnotationError(op, ErrAnnotationFailed, fmt.Sprintf("Vision API error: %s", imageResp.GetError().GetMessage()))
	}

	result := FromResponse(uri, imageResp)
	result.ProcessedAt = time.Now()
	result.ProcessingDuration = result.ProcessedAt.Sub(startTime)

	g.log.Debug().
		Str("uri", uri).
		Int("faces", len(result.Faces)).
		Int("labels", len(result.Labels)).
		Int("logos", len(result.Logos)).
		Bool("has_text", result.FullText != nil).
		Dur("duration", result.ProcessingDuration).
		Msg("Annotation completed")

	return result, nil
}

func (g *GoogleVisionAnnotator) buildRequest(uri string) *visionpb.AnnotateImageRequest {
	features := make([]*visionpb.Feature, 0, len(Features))
	for _, f := range Features {
		features = append(features, &visionpb.Feature{Type: f, MaxResults: g.maxResults})
	}
	return &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{
			Source: &visionpb.ImageSource{ImageUri: uri},
		},
		Features: features,
	}
}

// Close closes the underlying Vision client.
func (g *GoogleVisionAnnotator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func validURI(uri string) bool {
	for _, prefix := range []string{"gs://", "https://", "http://"} {
		if strings.HasPrefix(uri, prefix) && len(uri) > len(prefix) {
			return true
		}
	}
	return false
}
