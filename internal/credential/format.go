// Package credential materializes external password hashes as Keycloak
// password credentials.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	TypePassword = "password"
	Algorithm    = "pbkdf2-sha256"
	Priority     = 10
)

// SecretData is the secret_data column layout Keycloak verifies against.
type SecretData struct {
	Value                string                 `json:"value"`
	Salt                 string                 `json:"salt"`
	AdditionalParameters map[string]interface{} `json:"additionalParameters"`
}

// CredentialData is the credential_data column layout.
type CredentialData struct {
	HashIterations       int                    `json:"hashIterations"`
	Algorithm            string                 `json:"algorithm"`
	AdditionalParameters map[string]interface{} `json:"additionalParameters"`
}

// Row is one public.credential record.
type Row struct {
	ID             string `db:"id"`
	Salt           []byte `db:"salt"`
	Type           string `db:"type"`
	UserID         string `db:"user_id"`
	CreatedDate    int64  `db:"created_date"`
	UserLabel      string `db:"user_label"`
	SecretData     string `db:"secret_data"`
	CredentialData string `db:"credential_data"`
	Priority       int    `db:"priority"`
}

// NewRow builds the credential row for a user's hash. The salt column stays
// empty; the salt travels base64-encoded inside secret_data.
func NewRow(internalID string, hash connector.PasswordHash, now time.Time) (Row, error) {
	secret, err := json.Marshal(SecretData{
		Value:                hash.Value,
		Salt:                 base64.StdEncoding.EncodeToString([]byte(hash.Salt)),
		AdditionalParameters: map[string]interface{}{},
	})
	if err != nil {
		return Row{}, err
	}
	data, err := json.Marshal(CredentialData{
		HashIterations:       hash.Iterations,
		Algorithm:            Algorithm,
		AdditionalParameters: map[string]interface{}{},
	})
	if err != nil {
		return Row{}, err
	}
	return Row{
		ID:             uuid.NewString(),
		Salt:           []byte{},
		Type:           TypePassword,
		UserID:         internalID,
		CreatedDate:    now.Unix(),
		UserLabel:      "",
		SecretData:     string(secret),
		CredentialData: string(data),
		Priority:       Priority,
	}, nil
}

// Verify checks password against a materialized row the way the identity
// provider does: PBKDF2-SHA256 over the decoded salt, compared with the stored
// value at its own length.
func Verify(row Row, password string) (bool, error) {
	var secret SecretData
	if err := json.Unmarshal([]byte(row.SecretData), &secret); err != nil {
		return false, fmt.Errorf("decode secret_data: %w", err)
	}
	var data CredentialData
	if err := json.Unmarshal([]byte(row.CredentialData), &data); err != nil {
		return false, fmt.Errorf("decode credential_data: %w", err)
	}
	if data.Algorithm != Algorithm {
		return false, fmt.Errorf("unsupported algorithm %q", data.Algorithm)
	}
	salt, err := base64.StdEncoding.DecodeString(secret.Salt)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(secret.Value)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	got := pbkdf2.Key([]byte(password), salt, data.HashIterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
