package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

var photoNow = time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)

func testSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyJSON, err := json.Marshal(map[string]string{
		"client_email": "photos@wf-test.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	signer, err := NewKeySigner(keyJSON)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	return signer
}

func newTestUploads(t *testing.T) *PhotoUploads {
	t.Helper()
	uploads, err := NewPhotoUploads("wf-photos", testSigner(t), 1<<20, 10*time.Minute,
		WithPhotoClock(func() time.Time { return photoNow }),
		WithPhotoIDs(func() string { return "01PHOTO" }),
	)
	if err != nil {
		t.Fatalf("NewPhotoUploads: %v", err)
	}
	return uploads
}

func TestSignUploadBuildsV4URL(t *testing.T) {
	uploads := newTestUploads(t)

	upload, err := uploads.SignUpload(context.Background(), "F-7", "Image/JPEG")
	if err != nil {
		t.Fatalf("SignUpload: %v", err)
	}
	if upload.PhotoRef != "gs://wf-photos/orders/F-7/photos/01PHOTO.jpg" {
		t.Fatalf("unexpected photo ref %s", upload.PhotoRef)
	}
	if !upload.ExpiresAt.Equal(photoNow.Add(10*time.Minute)) || upload.Method != "PUT" {
		t.Fatalf("unexpected upload %+v", upload)
	}
	if upload.Headers["Content-Type"] != "image/jpeg" || upload.Headers["x-goog-content-length-range"] != "0,1048576" {
		t.Fatalf("unexpected headers %v", upload.Headers)
	}

	parsed, err := url.Parse(upload.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.HasSuffix(parsed.Path, "/wf-photos/orders/F-7/photos/01PHOTO.jpg") {
		t.Fatalf("unexpected object path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Algorithm") != "GOOG4-RSA-SHA256" {
		t.Fatalf("expected V4 signing, got %q", query.Get("X-Goog-Algorithm"))
	}
	if !strings.HasPrefix(query.Get("X-Goog-Credential"), "photos@wf-test.iam.gserviceaccount.com/") {
		t.Fatalf("unexpected credential %q", query.Get("X-Goog-Credential"))
	}
	if query.Get("X-Goog-Expires") != "600" {
		t.Fatalf("unexpected expiry %q", query.Get("X-Goog-Expires"))
	}
	if !strings.Contains(query.Get("X-Goog-SignedHeaders"), "x-goog-content-length-range") {
		t.Fatalf("size limit not signed: %q", query.Get("X-Goog-SignedHeaders"))
	}
	if query.Get("X-Goog-Signature") == "" {
		t.Fatal("missing signature")
	}
}

func TestSignUploadRejectsBadInput(t *testing.T) {
	uploads := newTestUploads(t)

	if _, err := uploads.SignUpload(context.Background(), "F-7", "application/pdf"); !errors.Is(err, ErrContentTypeNotAllowed) {
		t.Fatalf("expected content type error, got %v", err)
	}
	for _, id := range []string{"", "F/7", ".."} {
		if _, err := uploads.SignUpload(context.Background(), id, "image/png"); !errors.Is(err, ErrInvalidOrderID) {
			t.Fatalf("expected invalid order id for %q, got %v", id, err)
		}
	}
}

func TestPhotoRefOwnership(t *testing.T) {
	uploads := newTestUploads(t)

	ref := "gs://wf-photos/orders/F-7/photos/01PHOTO.jpg"
	if !uploads.Owns(ref) || !uploads.BelongsTo("F-7", ref) {
		t.Fatalf("expected %s to belong to F-7", ref)
	}
	if uploads.BelongsTo("F-8", ref) {
		t.Fatal("ref must not belong to another order")
	}
	if uploads.Owns("https://example.com/photo.jpg") || uploads.Owns("gs://other/orders/F-7/photos/x.jpg") {
		t.Fatal("foreign refs must not be owned")
	}
}

func TestNewKeySignerRejectsBrokenKeys(t *testing.T) {
	cases := []string{
		`not json`,
		`{"private_key":"x"}`,
		`{"client_email":"a@b","private_key":"no pem"}`,
	}
	for _, raw := range cases {
		if _, err := NewKeySigner([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
	if _, err := NewPhotoUploads("", testSigner(t), 1, time.Minute); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
