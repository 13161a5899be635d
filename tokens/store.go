package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotConnected means the user has not completed the CRM OAuth flow.
var ErrNotConnected = errors.New("tokens: GoHighLevel account not connected")

// Store reads and writes provider tokens.
type Store struct {
	db       *gorm.DB
	cipher   *Cipher
	provider string
}

// NewStore returns a store for GHL tokens. cipher may be nil.
func NewStore(db *gorm.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher, provider: ProviderGHL}
}

// Get returns the stored token for userID. Expiry is not checked; callers
// refresh reactively when the provider rejects the token.
func (s *Store) Get(ctx context.Context, userID string) (*Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrNotConnected
	}

	var record ProviderToken
	err := s.db.WithContext(ctx).
		Where("auth_provider_id = ? AND type = ?", userID, s.provider).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("tokens: load token: %w", err)
	}

	access, err := s.cipher.Open(record.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Open(record.RefreshToken)
	if err != nil {
		return nil, err
	}

	return &Token{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
		UserType:     record.UserType,
		LocationID:   record.LocationID,
		CompanyID:    record.CompanyID,
		Scope:        record.Scope,
	}, nil
}

// Save upserts the token on (auth_provider_id, type).
func (s *Store) Save(ctx context.Context, userID string, token *Token) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("tokens: user id is required")
	}
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return errors.New("tokens: access token is required")
	}

	access, err := s.cipher.Seal(token.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Seal(token.RefreshToken)
	if err != nil {
		return err
	}

	record := ProviderToken{
		AuthProviderID: userID,
		Type:           s.provider,
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresAt:      token.ExpiresAt.UTC(),
		UserType:       token.UserType,
		LocationID:     token.LocationID,
		CompanyID:      token.CompanyID,
		Scope:          token.Scope,
	}

	updates := []string{"access_token", "refresh_token", "expires_at", "updated_at"}
	if token.UserType != "" {
		updates = append(updates, "user_type")
	}
	if token.LocationID != "" {
		updates = append(updates, "location_id")
	}
	if token.CompanyID != "" {
		updates = append(updates, "company_id")
	}
	if token.Scope != "" {
		updates = append(updates, "scope")
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auth_provider_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("tokens: save token: %w", err)
	}
	return nil
}

// Delete removes the user's grant.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Where("auth_provider_id = ? AND type = ?", userID, s.provider).
		Delete(&ProviderToken{}).Error
}
