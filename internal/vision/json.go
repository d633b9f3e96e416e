package vision

import (
	"fmt"
	"os"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/protobuf/encoding/protojson"
)

// MarshalJSON encodes the raw response in the proto JSON mapping.
func (a *Annotations) MarshalJSON() ([]byte, error) {
	resp := a.Response
	if resp == nil {
		resp = &visionpb.AnnotateImageResponse{
			FullTextAnnotation: a.FullText,
			FaceAnnotations:    a.Faces,
			LabelAnnotations:   a.Labels,
			LogoAnnotations:    a.Logos,
			WebDetection:       a.Web,
		}
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
}

// SaveJSON writes the annotations to path.
func SaveJSON(path string, a *Annotations) error {
	const op = "SaveJSON"

	data, err := a.MarshalJSON()
	if err != nil {
		return WrapAnnotationError(op, err, "failed to encode response")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return WrapAnnotationError(op, err, fmt.Sprintf("failed to write %s", path))
	}
	return nil
}

// LoadJSON reads annotations previously written by SaveJSON.
func LoadJSON(path string) (*Annotations, error) {
	const op = "LoadJSON"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapAnnotationError(op, err, fmt.Sprintf("failed to read %s", path))
	}
	return UnmarshalJSON("", data)
}

// UnmarshalJSON decodes a proto JSON AnnotateImageResponse.
func UnmarshalJSON(uri string, data []byte) (*Annotations, error) {
	resp := &visionpb.AnnotateImageResponse{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, resp); err != nil {
		return nil, WrapAnnotationError("UnmarshalJSON", err, "invalid annotation JSON")
	}
	return FromResponse(uri, resp), nil
}
