package types

import (
	"fmt"
	"net/url"
	"strings"
)

// ObjectRef names one artifact in the object store.
type ObjectRef struct {
	Container string `json:"container"`
	Key       string `json:"key"`
}

func (r ObjectRef) String() string {
	return r.Container + "/" + r.Key
}

// StorageEvent is the S3-style notification body (also emitted by MinIO webhooks).
type StorageEvent struct {
	Records []EventRecord `json:"Records"`
}

type EventRecord struct {
	EventName string   `json:"eventName"`
	S3        S3Entity `json:"s3"`
}

type S3Entity struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key string `json:"key"`
	} `json:"object"`
}

// Objects validates every record and returns the referenced objects.
// Keys arrive URL-encoded ('+' for spaces) and are decoded here.
func (e StorageEvent) Objects() ([]ObjectRef, error) {
	if len(e.Records) == 0 {
		return nil, Fail(InvalidRequest, "decode event", fmt.Errorf("event has no records"))
	}

	refs := make([]ObjectRef, 0, len(e.Records))
	for i, rec := range e.Records {
		bucket := rec.S3.Bucket.Name
		if bucket == "" {
			return nil, Fail(InvalidRequest, "decode event", fmt.Errorf("record %d: missing s3.bucket.name", i))
		}
		if rec.S3.Object.Key == "" {
			return nil, Fail(InvalidRequest, "decode event", fmt.Errorf("record %d: missing s3.object.key", i))
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, Fail(InvalidRequest, "decode event", fmt.Errorf("record %d: bad object key %q: %w", i, rec.S3.Object.Key, err))
		}
		refs = append(refs, ObjectRef{Container: bucket, Key: key})
	}
	return refs, nil
}

// NewStorageEvent builds a single-record notification for ref.
func NewStorageEvent(ref ObjectRef) StorageEvent {
	var rec EventRecord
	rec.EventName = "s3:ObjectCreated:Put"
	rec.S3.Bucket.Name = ref.Container
	rec.S3.Object.Key = url.QueryEscape(ref.Key)
	return StorageEvent{Records: []EventRecord{rec}}
}

// InvokePayload is the body of a direct resolver invocation.
type InvokePayload struct {
	BucketName    string `json:"bucket_name"`
	ImageFileName string `json:"image_file_name"`
}

// Ref validates the payload and returns the frame it names.
func (p InvokePayload) Ref() (ObjectRef, error) {
	var missing []string
	if strings.TrimSpace(p.BucketName) == "" {
		missing = append(missing, "bucket_name")
	}
	if strings.TrimSpace(p.ImageFileName) == "" {
		missing = append(missing, "image_file_name")
	}
	if len(missing) > 0 {
		return ObjectRef{}, Fail(InvalidRequest, "decode payload", fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	return ObjectRef{Container: p.BucketName, Key: p.ImageFileName}, nil
}

// Response is what every invocation returns to its caller.
type Response struct {
	StatusCode int      `json:"statusCode"`
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Kind       Kind     `json:"kind,omitempty"`
	Result     string   `json:"result,omitempty"`
	OutputFile string   `json:"output_file,omitempty"`
	Frames     []string `json:"frames,omitempty"`
}

// FaceResult is one decoded answer from the embedding worker.
type FaceResult struct {
	Prob float32   `json:"prob"`
	Vec  []float32 `json:"vec"` // 512-d face embedding
}
