package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"clinic-calendar-sync/internal/domain"
)

// CredentialsCollection is the Firestore collection holding credential documents,
// one per user id.
const CredentialsCollection = "calendar_credentials"

// credentialDocument is the Firestore shape of a CalendarCredential.
type credentialDocument struct {
	AccessToken    string     `firestore:"access_token,omitempty"`
	RefreshToken   string     `firestore:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `firestore:"token_expires_at,omitempty"`
	CalendarID     string     `firestore:"calendar_id,omitempty"`
	ConnectedEmail string     `firestore:"connected_email,omitempty"`
	SyncEnabled    bool       `firestore:"sync_enabled"`
	LastSyncAt     *time.Time `firestore:"last_sync_at,omitempty"`
	UpdatedAt      time.Time  `firestore:"updated_at"`
}

// FirestoreCredentials keeps the CalendarCredential in a Firestore document.
type FirestoreCredentials struct {
	client *firestore.Client
}

// NewFirestoreCredentials wraps an existing Firestore client.
func NewFirestoreCredentials(client *firestore.Client) *FirestoreCredentials {
	return &FirestoreCredentials{client: client}
}

func (f *FirestoreCredentials) doc() *firestore.DocumentRef {
	return f.client.Collection(CredentialsCollection).Doc(domain.DefaultUserID)
}

func (f *FirestoreCredentials) GetCredential(ctx context.Context) (*domain.CalendarCredential, error) {
	snap, err := f.doc().Get(ctx)
	if snap != nil && !snap.Exists() {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential document: %w", err)
	}

	var d credentialDocument
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to parse credential document: %w", err)
	}
	return &domain.CalendarCredential{
		UserID:         domain.DefaultUserID,
		AccessToken:    d.AccessToken,
		RefreshToken:   d.RefreshToken,
		TokenExpiresAt: d.TokenExpiresAt,
		CalendarID:     d.CalendarID,
		ConnectedEmail: d.ConnectedEmail,
		SyncEnabled:    d.SyncEnabled,
		LastSyncAt:     d.LastSyncAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

func (f *FirestoreCredentials) SaveCredential(ctx context.Context, c *domain.CalendarCredential) error {
	_, err := f.doc().Set(ctx, credentialDocument{
		AccessToken:    c.AccessToken,
		RefreshToken:   c.RefreshToken,
		TokenExpiresAt: c.TokenExpiresAt,
		CalendarID:     c.CalendarID,
		ConnectedEmail: c.ConnectedEmail,
		SyncEnabled:    c.SyncEnabled,
		LastSyncAt:     c.LastSyncAt,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save credential document: %w", err)
	}
	return nil
}
