package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
)

// SubmissionsCollection holds one document per claimed key. A Firestore TTL
// policy on expiresAt removes stale documents.
const SubmissionsCollection = "orderSubmissions"

type submissionDoc struct {
	Fingerprint string    `firestore:"fingerprint"`
	Done        bool      `firestore:"done"`
	Status      int       `firestore:"status,omitempty"`
	ContentType string    `firestore:"contentType,omitempty"`
	Body        []byte    `firestore:"body,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

// FirestoreStore shares submissions between API instances.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider}
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(SubmissionsCollection).Doc(digest([]byte(key))), nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Claim{}, err
	}
	var claim Claim
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claim = Claim{}
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			claim.State = ClaimAcquired
			return tx.Set(ref, submissionDoc{Fingerprint: fingerprint, UpdatedAt: now, ExpiresAt: now.Add(ttl)})
		}
		if err != nil {
			return err
		}
		var doc submissionDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if !now.Before(doc.ExpiresAt) {
			claim.State = ClaimAcquired
			return tx.Set(ref, submissionDoc{Fingerprint: fingerprint, UpdatedAt: now, ExpiresAt: now.Add(ttl)})
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if doc.Done {
			claim = Claim{State: ClaimReplay, Response: StoredResponse{Status: doc.Status, ContentType: doc.ContentType, Body: doc.Body}}
			return nil
		}
		claim.State = ClaimInFlight
		return nil
	}, pfirestore.WithTxAttempts(3))
	if err != nil {
		return Claim{}, pfirestore.WrapError("submissions.claim", err)
	}
	return claim, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "done", Value: true},
		{Path: "status", Value: resp.Status},
		{Path: "contentType", Value: resp.ContentType},
		{Path: "body", Value: resp.Body},
		{Path: "updatedAt", Value: now},
		{Path: "expiresAt", Value: now.Add(ttl)},
	})
	return pfirestore.WrapError("submissions.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return pfirestore.WrapError("submissions.release", err)
}
