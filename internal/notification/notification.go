// Package notification decodes Cloud Storage Pub/Sub notifications.
//
// Attribute and payload names follow the Cloud Storage notification format:
// https://cloud.google.com/storage/docs/pubsub-notifications
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Event types published by Cloud Storage.
const (
	EventObjectFinalize       = "OBJECT_FINALIZE"
	EventObjectMetadataUpdate = "OBJECT_METADATA_UPDATE"
	EventObjectDelete         = "OBJECT_DELETE"
	EventObjectArchive        = "OBJECT_ARCHIVE"
)

// Payload formats.
const (
	PayloadJSONAPIV1 = "JSON_API_V1"
	PayloadNone      = "NONE"
)

// Attribute keys.
const (
	AttrEventType               = "eventType"
	AttrBucketID                = "bucketId"
	AttrObjectID                = "objectId"
	AttrObjectGeneration        = "objectGeneration"
	AttrPayloadFormat           = "payloadFormat"
	AttrOverwroteGeneration     = "overwroteGeneration"
	AttrOverwrittenByGeneration = "overwrittenByGeneration"
)

var (
	// ErrMissingAttribute is returned when a required message attribute is absent.
	ErrMissingAttribute = errors.New("missing notification attribute")

	// ErrMalformedPayload is returned when a JSON_API_V1 payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed notification payload")
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".tif": true, ".tiff": true, ".ico": true,
}

// Event is a decoded storage notification.
type Event struct {
	EventType               string
	BucketID                string
	ObjectID                string
	Generation              string
	PayloadFormat           string
	OverwroteGeneration     string
	OverwrittenByGeneration string

	// Metadata is set only for JSON_API_V1 payloads.
	Metadata *ObjectMetadata
}

// ObjectMetadata is the subset of the JSON API object resource we report on.
type ObjectMetadata struct {
	Name           string
	Bucket         string
	ContentType    string
	Size           int64
	Metageneration int64
	MD5Hash        string
	TimeCreated    time.Time
}

// objectResource mirrors the JSON API encoding, where int64 fields are strings.
type objectResource struct {
	Name           string    `json:"name"`
	Bucket         string    `json:"bucket"`
	ContentType    string    `json:"contentType"`
	Size           string    `json:"size"`
	Metageneration string    `json:"metageneration"`
	MD5Hash        string    `json:"md5Hash"`
	TimeCreated    time.Time `json:"timeCreated"`
}

// Parse builds an Event from Pub/Sub message attributes and data.
func Parse(attributes map[string]string, data []byte) (*Event, error) {
	const op = "Parse"

	for _, key := range []string{AttrEventType, AttrBucketID, AttrObjectID, AttrObjectGeneration, AttrPayloadFormat} {
		if attributes[key] == "" {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrMissingAttribute, key)
		}
	}

	ev := &Event{
		EventType:               attributes[AttrEventType],
		BucketID:                attributes[AttrBucketID],
		ObjectID:                attributes[AttrObjectID],
		Generation:              attributes[AttrObjectGeneration],
		PayloadFormat:           attributes[AttrPayloadFormat],
		OverwroteGeneration:     attributes[AttrOverwroteGeneration],
		OverwrittenByGeneration: attributes[AttrOverwrittenByGeneration],
	}

	if ev.PayloadFormat == PayloadJSONAPIV1 && len(data) > 0 {
		md, err := parseObjectResource(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", op, ErrMalformedPayload, err)
		}
		ev.Metadata = md
	}

	return ev, nil
}

func parseObjectResource(data []byte) (*ObjectMetadata, error) {
	var res objectResource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	md := &ObjectMetadata{
		Name:        res.Name,
		Bucket:      res.Bucket,
		ContentType: res.ContentType,
		MD5Hash:     res.MD5Hash,
		TimeCreated: res.TimeCreated,
	}

	var err error
	if res.Size != "" {
		if md.Size, err = strconv.ParseInt(res.Size, 10, 64); err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
	}
	if res.Metageneration != "" {
		if md.Metageneration, err = strconv.ParseInt(res.Metageneration, 10, 64); err != nil {
			return nil, fmt.Errorf("metageneration: %w", err)
		}
	}

	return md, nil
}

// IsFinalize reports whether the event announces a newly written object.
func (e *Event) IsFinalize() bool {
	return e.EventType == EventObjectFinalize
}

// IsImage reports whether the object looks like an image, by content type when
// the payload carried one and by file extension otherwise.
func (e *Event) IsImage() bool {
	if e.Metadata != nil && e.Metadata.ContentType != "" {
		return strings.HasPrefix(strings.ToLower(e.Metadata.ContentType), "image/")
	}
	return imageExtensions[strings.ToLower(path.Ext(e.ObjectID))]
}

// URI returns the gs:// location of the object.
func (e *Event) URI() string {
	return fmt.Sprintf("gs://%s/%s", e.BucketID, e.ObjectID)
}

// Summary renders a human readable description of the event.
func (e *Event) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "\tEvent type: %s\n", e.EventType)
	fmt.Fprintf(&b, "\tBucket ID: %s\n", e.BucketID)
	fmt.Fprintf(&b, "\tObject ID: %s\n", e.ObjectID)
	fmt.Fprintf(&b, "\tGeneration: %s\n", e.Generation)

	if e.OverwroteGeneration != "" {
		fmt.Fprintf(&b, "\tOverwrote generation: %s\n", e.OverwroteGeneration)
	}
	if e.OverwrittenByGeneration != "" {
		fmt.Fprintf(&b, "\tOverwritten by generation: %s\n", e.OverwrittenByGeneration)
	}

	if e.Metadata != nil {
		fmt.Fprintf(&b, "\tContent type: %s\n", e.Metadata.ContentType)
		fmt.Fprintf(&b, "\tSize: %d\n", e.Metadata.Size)
		fmt.Fprintf(&b, "\tMetageneration: %d\n", e.Metadata.Metageneration)
	}

	return b.String()
}
