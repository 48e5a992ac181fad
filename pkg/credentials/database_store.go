package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/learnauth/internal/gormdb"
	"github.com/tyemirov/learnauth/pkg/identity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore persists the record in a single row per profile using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	profile     string
}

type credentialRecord struct {
	Profile       string `gorm:"column:profile;primaryKey"`
	AccessToken   string `gorm:"column:access_token;not null"`
	IdentityJSON  string `gorm:"column:identity_json;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "session_credentials"
}

// NewDatabaseStore opens databaseURL (postgres:// or sqlite://) and migrates the credentials table.
func NewDatabaseStore(ctx context.Context, databaseURL string, profile string) (*DatabaseStore, error) {
	gormDB, driverLabel, openErr := gormdb.Open(ctx, databaseURL, &credentialRecord{})
	if openErr != nil {
		return nil, fmt.Errorf("credentials.database.open: %w", openErr)
	}
	return NewDatabaseStoreWithDB(gormDB, driverLabel, profile), nil
}

// NewDatabaseStoreWithDB wraps an already opened and migrated handle.
func NewDatabaseStoreWithDB(gormDB *gorm.DB, driverLabel string, profile string) *DatabaseStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel, profile: profile}
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get loads the profile row; a missing row is an empty store.
func (store *DatabaseStore) Get(ctx context.Context) (Record, error) {
	var row credentialRecord
	err := store.db.WithContext(ctx).Where("profile = ?", store.profile).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("credentials.database.get.%s: %w", store.driverLabel, err)
	}
	return decodeRow(row)
}

// Set upserts the token and identity in one statement.
func (store *DatabaseStore) Set(ctx context.Context, accessToken string, subject identity.Identity) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.database.set: %w", err)
	}
	encoded, encodeErr := json.Marshal(subject)
	if encodeErr != nil {
		return fmt.Errorf("credentials.database.set: %w", encodeErr)
	}
	row := credentialRecord{
		Profile:       store.profile,
		AccessToken:   accessToken,
		IdentityJSON:  string(encoded),
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "identity_json", "updated_at_unix"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("credentials.database.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// SetToken swaps the token inside a transaction that first confirms an identity is stored.
func (store *DatabaseStore) SetToken(ctx context.Context, accessToken string) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.database.set_token: %w", err)
	}
	return store.updateRow(ctx, "set_token", func(row credentialRecord) (map[string]any, error) {
		if row.IdentityJSON == "" {
			return nil, ErrNoIdentity
		}
		return map[string]any{"access_token": accessToken}, nil
	})
}

// SetIdentity swaps the identity inside a transaction that first confirms a token is stored.
func (store *DatabaseStore) SetIdentity(ctx context.Context, subject identity.Identity) error {
	encoded, encodeErr := json.Marshal(subject)
	if encodeErr != nil {
		return fmt.Errorf("credentials.database.set_identity: %w", encodeErr)
	}
	return store.updateRow(ctx, "set_identity", func(row credentialRecord) (map[string]any, error) {
		current, decodeErr := decodeRow(row)
		if decodeErr != nil {
			return nil, decodeErr
		}
		if err := checkIdentityReplacement(current, subject); err != nil {
			return nil, err
		}
		return map[string]any{"identity_json": string(encoded)}, nil
	})
}

// updateRow reads the profile row and writes the columns change returns, in one transaction.
// A missing row reaches change as a zero row.
func (store *DatabaseStore) updateRow(ctx context.Context, operation string, change func(row credentialRecord) (map[string]any, error)) error {
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row credentialRecord
		takeErr := tx.Where("profile = ?", store.profile).Take(&row).Error
		if takeErr != nil && !errors.Is(takeErr, gorm.ErrRecordNotFound) {
			return takeErr
		}
		updates, changeErr := change(row)
		if changeErr != nil {
			return changeErr
		}
		updates["updated_at_unix"] = time.Now().UTC().Unix()
		return tx.Model(&credentialRecord{}).Where("profile = ?", store.profile).Updates(updates).Error
	})
	if txErr != nil {
		return fmt.Errorf("credentials.database.%s.%s: %w", operation, store.driverLabel, txErr)
	}
	return nil
}

// Clear deletes the profile row.
func (store *DatabaseStore) Clear(ctx context.Context) error {
	if err := store.db.WithContext(ctx).Where("profile = ?", store.profile).Delete(&credentialRecord{}).Error; err != nil {
		return fmt.Errorf("credentials.database.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}

func decodeRow(row credentialRecord) (Record, error) {
	record := Record{AccessToken: row.AccessToken}
	if row.IdentityJSON == "" {
		return record, nil
	}
	var subject identity.Identity
	if decodeErr := json.Unmarshal([]byte(row.IdentityJSON), &subject); decodeErr != nil {
		return Record{}, fmt.Errorf("credentials.database.get: %w: %v", ErrCorruptRecord, decodeErr)
	}
	record.Identity = &subject
	return record, nil
}
