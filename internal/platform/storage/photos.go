package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
)

var (
	ErrContentTypeNotAllowed = errors.New("storage: photo content type not allowed")
	ErrInvalidOrderID        = errors.New("storage: invalid order id")
)

var photoExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/heic": "heic",
}

// PhotoUpload is a signed PUT the client performs before referencing the
// photo in a status update.
type PhotoUpload struct {
	PhotoRef  string
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// PhotoOption customises PhotoUploads.
type PhotoOption func(*PhotoUploads)

func WithPhotoClock(now func() time.Time) PhotoOption {
	return func(p *PhotoUploads) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPhotoIDs(newID func() string) PhotoOption {
	return func(p *PhotoUploads) {
		if newID != nil {
			p.newID = newID
		}
	}
}

// PhotoUploads signs uploads into orders/{orderID}/photos/ of one bucket.
type PhotoUploads struct {
	bucket   string
	signer   Signer
	maxBytes int64
	expiry   time.Duration
	now      func() time.Time
	newID    func() string
}

func NewPhotoUploads(bucket string, signer Signer, maxBytes int64, expiry time.Duration, opts ...PhotoOption) (*PhotoUploads, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: photo bucket is required")
	}
	if signer == nil || signer.Email() == "" {
		return nil, errors.New("storage: signer is required")
	}
	if maxBytes <= 0 || expiry <= 0 {
		return nil, errors.New("storage: photo size limit and url expiry must be positive")
	}
	p := &PhotoUploads{
		bucket:   bucket,
		signer:   signer,
		maxBytes: maxBytes,
		expiry:   expiry,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SignUpload reserves a new object name for orderID and signs a PUT for it.
func (p *PhotoUploads) SignUpload(ctx context.Context, orderID, contentType string) (PhotoUpload, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || strings.ContainsAny(orderID, "/\\") || orderID == "." || orderID == ".." {
		return PhotoUpload{}, ErrInvalidOrderID
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := photoExtensions[contentType]
	if !ok {
		return PhotoUpload{}, fmt.Errorf("%w: %q", ErrContentTypeNotAllowed, contentType)
	}

	object := fmt.Sprintf("%s%s.%s", p.prefix(orderID), p.newID(), ext)
	lengthRange := fmt.Sprintf("0,%d", p.maxBytes)
	expires := p.now().UTC().Add(p.expiry)
	url, err := gcs.SignedURL(p.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: p.signer.Email(),
		SignBytes: func(payload []byte) ([]byte, error) {
			return p.signer.SignBytes(ctx, payload)
		},
		Method:      "PUT",
		Expires:     expires,
		ContentType: contentType,
		Headers:     []string{"x-goog-content-length-range:" + lengthRange},
		Scheme:      gcs.SigningSchemeV4,
	})
	if err != nil {
		return PhotoUpload{}, fmt.Errorf("storage: sign photo upload: %w", err)
	}
	return PhotoUpload{
		PhotoRef: "gs://" + p.bucket + "/" + object,
		URL:      url,
		Method:   "PUT",
		Headers: map[string]string{
			"Content-Type":                contentType,
			"x-goog-content-length-range": lengthRange,
		},
		ExpiresAt: expires,
	}, nil
}

// Owns reports whether ref names an object in the photo bucket.
func (p *PhotoUploads) Owns(ref string) bool {
	return strings.HasPrefix(ref, "gs://"+p.bucket+"/")
}

// BelongsTo reports whether ref was issued for orderID.
func (p *PhotoUploads) BelongsTo(orderID, ref string) bool {
	return strings.HasPrefix(ref, "gs://"+p.bucket+"/"+p.prefix(orderID))
}

func (p *PhotoUploads) prefix(orderID string) string {
	return "orders/" + orderID + "/photos/"
}
