package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/learnauth/internal/gormdb"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens through GORM so
// sessions outlive a backend restart and are shared across replicas.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
	tokens      opaqueTokens
}

// Driver reports the dialect behind the store, "sqlite" or "postgres".
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRow struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	Digest          string `gorm:"column:token_digest;uniqueIndex;not null"`
	FamilyID        string `gorm:"column:family_id;index;not null"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;index;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens databaseURL (postgres:// or sqlite://) and migrates the schema.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, openErr := gormdb.Open(ctx, databaseURL, &refreshTokenRow{})
	if openErr != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", openErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
		tokens:      secureTokens,
	}, nil
}

// Issue inserts a token row. A known previousTokenID places the row in that token's family.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, digest, mintErr := store.tokens.mintRefresh()
	if mintErr != nil {
		return "", "", store.wrap("issue", mintErr)
	}
	row := refreshTokenRow{
		TokenID:         newTokenID(),
		UserID:          applicationUserID,
		Digest:          digest,
		PreviousTokenID: previousTokenID,
		ExpiresUnix:     expiresUnix,
		IssuedAtUnix:    store.now().Unix(),
	}
	row.FamilyID = row.TokenID

	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if previousTokenID != "" {
			var previous refreshTokenRow
			findErr := transaction.Select("family_id").Where("token_id = ?", previousTokenID).Take(&previous).Error
			switch {
			case findErr == nil:
				row.FamilyID = previous.FamilyID
			case !errors.Is(findErr, gorm.ErrRecordNotFound):
				return findErr
			}
		}
		return transaction.Create(&row).Error
	})
	if transactionErr != nil {
		return "", "", store.wrap("issue", transactionErr)
	}
	return row.TokenID, opaque, nil
}

// Validate resolves an opaque token. Presenting a revoked token revokes every
// live token in its family.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, store.wrap("validate", ErrRefreshTokenEmptyOpaque)
	}
	var row refreshTokenRow
	findErr := store.db.WithContext(ctx).Where("token_digest = ?", digestOpaque(tokenOpaque)).Take(&row).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return "", "", 0, store.wrap("validate", ErrRefreshTokenNotFound)
	}
	if findErr != nil {
		return "", "", 0, store.wrap("validate", findErr)
	}
	if row.RevokedAtUnix != 0 {
		familyRevoke := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
			Where("family_id = ? AND revoked_at_unix = 0", row.FamilyID).
			Update("revoked_at_unix", store.now().Unix())
		if familyRevoke.Error != nil {
			return "", "", 0, store.wrap("validate", familyRevoke.Error)
		}
		if familyRevoke.RowsAffected > 0 {
			return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w: %w", store.driverLabel, ErrRefreshTokenReused, ErrRefreshTokenRevoked)
		}
		return "", "", 0, store.wrap("validate", ErrRefreshTokenRevoked)
	}
	if row.ExpiresUnix < store.now().Unix() {
		return "", "", 0, store.wrap("validate", ErrRefreshTokenExpired)
	}
	return row.UserID, row.TokenID, row.ExpiresUnix, nil
}

// Revoke marks tokenID revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", store.now().Unix())
	if result.Error != nil {
		return store.wrap("revoke", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var existing int64
	if countErr := store.db.WithContext(ctx).Model(&refreshTokenRow{}).Where("token_id = ?", tokenID).Count(&existing).Error; countErr != nil {
		return store.wrap("revoke", countErr)
	}
	if existing == 0 {
		return store.wrap("revoke", ErrRefreshTokenNotFound)
	}
	return store.wrap("revoke", ErrRefreshTokenAlreadyRevoked)
}

// PurgeExpired deletes tokens that expired before cutoff and reports how many were removed.
func (store *DatabaseRefreshTokenStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", cutoff.Unix()).Delete(&refreshTokenRow{})
	if result.Error != nil {
		return 0, store.wrap("purge", result.Error)
	}
	return result.RowsAffected, nil
}

func (store *DatabaseRefreshTokenStore) wrap(operation string, err error) error {
	return fmt.Errorf("refresh_store.%s.%s: %w", operation, store.driverLabel, err)
}
