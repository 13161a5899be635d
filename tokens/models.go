package tokens

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderGHL is the provider type stored for LeadConnector tokens.
const ProviderGHL = "ghl"

// ProviderToken stores one OAuth grant per user and provider.
type ProviderToken struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	AuthProviderID string    `gorm:"column:auth_provider_id;type:varchar(64);not null;uniqueIndex:idx_provider_data_owner_type,priority:1" json:"auth_provider_id"`
	Type           string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_provider_data_owner_type,priority:2" json:"type"`
	AccessToken    string    `gorm:"type:text;not null" json:"-"`
	RefreshToken   string    `gorm:"type:text" json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
	UserType       string    `gorm:"type:varchar(32)" json:"user_type"`
	LocationID     string    `gorm:"type:varchar(64)" json:"location_id"`
	CompanyID      string    `gorm:"type:varchar(64)" json:"company_id"`
	Scope          string    `gorm:"type:text" json:"scope"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName keeps the historical table name.
func (ProviderToken) TableName() string {
	return "provider_data"
}

// BeforeCreate assigns a uuid primary key.
func (t *ProviderToken) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Token is the decrypted view of a ProviderToken.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserType     string    `json:"userType,omitempty"`
	LocationID   string    `json:"locationId,omitempty"`
	CompanyID    string    `json:"companyId,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// AutoMigrate creates the provider token table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProviderToken{})
}
