package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/werkstatt-flow/api/internal/platform/idempotency"
	"github.com/werkstatt-flow/api/internal/platform/storage"
)

func testPhotoUploads(t *testing.T) *storage.PhotoUploads {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyJSON, _ := json.Marshal(map[string]string{
		"client_email": "photos@wf-test.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	signer, err := storage.NewKeySigner(keyJSON)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	uploads, err := storage.NewPhotoUploads("wf-photos", signer, 1<<20, 10*time.Minute,
		storage.WithPhotoClock(func() time.Time { return handlerNow }),
		storage.WithPhotoIDs(func() string { return "01PHOTO" }),
	)
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}
	return uploads
}

func (f *apiFixture) doKeyed(t *testing.T, path, token, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(idempotency.HeaderName, key)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestOrderHandlersReplayRetriedStatusUpdate(t *testing.T) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithClock(func() time.Time { return handlerNow }))
	f := newAPIFixture(t, WithIdempotency(guard))
	f.seed("angenommen", "angenommen", "")

	payload := map[string]any{"service": "lackier", "status": "vorbereitung"}
	first := f.doKeyed(t, "/api/v1/orders/F-7/status", "staff", "tablet-42", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	retry := f.doKeyed(t, "/api/v1/orders/F-7/status", "staff", "tablet-42", payload)
	if retry.Code != http.StatusOK || retry.Header().Get(idempotency.ReplayHeader) != "true" {
		t.Fatalf("expected replayed 200, got %d (%q)", retry.Code, retry.Header().Get(idempotency.ReplayHeader))
	}
	if retry.Body.String() != first.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), retry.Body.String())
	}

	order, err := f.updater.GetOrder(context.Background(), "F-7")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got := len(order.Order.ServiceStatuses["lackier"].History); got != 1 {
		t.Fatalf("expected one history record, got %d", got)
	}
}

func TestOrderHandlersSignPhotoUpload(t *testing.T) {
	f := newAPIFixture(t, WithPhotoUploads(testPhotoUploads(t)))
	f.seed("angenommen", "angenommen", "")

	rr := f.do(t, http.MethodPost, "/api/v1/orders/F-7/photos:sign", "staff", map[string]any{"content_type": "image/jpeg"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var body photoUploadPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PhotoRef != "gs://wf-photos/orders/F-7/photos/01PHOTO.jpg" || body.Method != "PUT" {
		t.Fatalf("unexpected upload %+v", body)
	}
	if !strings.Contains(body.UploadURL, "X-Goog-Signature=") || body.Headers["Content-Type"] != "image/jpeg" {
		t.Fatalf("expected signed url with headers, got %+v", body)
	}
	if body.ExpiresAt != formatTime(handlerNow.Add(10*time.Minute)) {
		t.Fatalf("unexpected expiry %s", body.ExpiresAt)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/orders/F-7/photos:sign", "staff", map[string]any{"content_type": "application/pdf"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for pdf, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/api/v1/orders/F-404/photos:sign", "staff", map[string]any{"content_type": "image/png"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rr.Code)
	}
}

func TestOrderHandlersSignPhotoUploadDisabled(t *testing.T) {
	f := newAPIFixture(t)
	f.seed("angenommen", "angenommen", "")

	rr := f.do(t, http.MethodPost, "/api/v1/orders/F-7/photos:sign", "staff", map[string]any{"content_type": "image/png"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without photo bucket, got %d", rr.Code)
	}
}

func TestOrderHandlersRejectPhotoOfOtherOrder(t *testing.T) {
	f := newAPIFixture(t, WithPhotoUploads(testPhotoUploads(t)))
	f.seed("angenommen", "angenommen", "")

	rr := f.do(t, http.MethodPost, "/api/v1/orders/F-7/status", "staff", map[string]any{
		"service":   "lackier",
		"status":    "vorbereitung",
		"photo_ref": "gs://wf-photos/orders/F-8/photos/01OTHER.jpg",
	})
	if rr.Code != http.StatusUnprocessableEntity || decodeBody(t, rr)["error"] != "photo_ref_mismatch" {
		t.Fatalf("expected photo_ref_mismatch, got %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/api/v1/orders/F-7/status", "staff", map[string]any{
		"service":   "lackier",
		"status":    "vorbereitung",
		"photo_ref": "gs://wf-photos/orders/F-7/photos/01PHOTO.jpg",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected own photo to be accepted, got %d: %s", rr.Code, rr.Body.String())
	}
}
