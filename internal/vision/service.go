// Package vision annotates images stored in Cloud Storage using Google Cloud Vision API.
//
// A single request asks for face, label, logo, document text and web detection,
// and the results are returned together as Annotations.
//
// Required Environment Variables:
//   - GOOGLE_APPLICATION_CREDENTIALS: Path to service account JSON file, OR
//   - GOOGLE_CREDENTIALS: Inline JSON credentials string
//
// Without either, Application Default Credentials are tried.
//
// Cloud Vision API Limitations:
//   - Images referenced by gs:// URI must be readable by the calling service account
//   - Maximum image size: 20MB
//   - Results per feature are capped by MaxResults (document text ignores it)
package vision

import (
	"context"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// Annotator defines the interface for image annotation services.
type Annotator interface {
	// Annotate runs every configured feature against the image at uri.
	Annotate(ctx context.Context, uri string) (*Annotations, error)
}

// Annotations holds everything the annotation service returned for one image.
type Annotations struct {
	// URI is the image reference that was annotated.
	URI string

	// FullText is the page/block/paragraph/word/symbol document text tree.
	// It is nil when no text was found.
	FullText *visionpb.TextAnnotation

	Faces  []*visionpb.FaceAnnotation
	Labels []*visionpb.EntityAnnotation
	Logos  []*visionpb.EntityAnnotation
	Web    *visionpb.WebDetection

	// Response is the raw API response, kept for SaveJSON.
	Response *visionpb.AnnotateImageResponse

	// ProcessedAt is the timestamp when the annotation call completed.
	ProcessedAt time.Time

	// ProcessingDuration is how long the annotation call took.
	ProcessingDuration time.Duration
}

// FromResponse wraps a raw API response.
func FromResponse(uri string, resp *visionpb.AnnotateImageResponse) *Annotations {
	return &Annotations{
		URI:      uri,
		FullText: resp.GetFullTextAnnotation(),
		Faces:    resp.GetFaceAnnotations(),
		Labels:   resp.GetLabelAnnotations(),
		Logos:    resp.GetLogoAnnotations(),
		Web:      resp.GetWebDetection(),
		Response: resp,
	}
}
