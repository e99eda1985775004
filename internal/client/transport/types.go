package transport

import (
	"encoding/json"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// Remote cipher types.
const (
	CipherTypeLogin      = 1
	CipherTypeSecureNote = 2
	CipherTypeCard       = 3
	CipherTypeIdentity   = 4
)

type preLoginRequest struct {
	Email string `json:"email"`
}

type preLoginResponse struct {
	Kdf            int `json:"kdf"`
	KdfIterations  int `json:"kdfIterations"`
	KdfMemory      int `json:"kdfMemory"`
	KdfParallelism int `json:"kdfParallelism"`
}

func (r preLoginResponse) params() cryptox.KdfParams {
	return cryptox.KdfParams{
		Type:        cryptox.KdfType(r.Kdf),
		Iterations:  r.KdfIterations,
		Memory:      r.KdfMemory,
		Parallelism: r.KdfParallelism,
	}
}

// TokenResponse is the identity service answer to a token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`

	// Key is the protected symmetric key (enc||mac under the stretched
	// master key). Absent on refresh grants.
	Key            string `json:"Key"`
	PrivateKey     string `json:"PrivateKey"`
	Kdf            *int   `json:"Kdf"`
	KdfIterations  *int   `json:"KdfIterations"`
	KdfMemory      *int   `json:"KdfMemory"`
	KdfParallelism *int   `json:"KdfParallelism"`

	// TwoFactorToken is returned when the caller asked to remember the
	// device; it replaces the second factor on later logins.
	TwoFactorToken string `json:"TwoFactorToken"`
}

// ExpiresAt resolves the absolute access token expiry: expires_in when the
// server sent it, otherwise the exp claim of the token itself.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return TokenExpiry(t.AccessToken)
}

type tokenErrorResponse struct {
	Error               string                     `json:"error"`
	ErrorDescription    string                     `json:"error_description"`
	ErrorModel          *errorModel                `json:"ErrorModel"`
	TwoFactorProviders  []any                      `json:"TwoFactorProviders"`
	TwoFactorProviders2 map[string]json.RawMessage `json:"TwoFactorProviders2"`
}

type errorModel struct {
	Message string `json:"Message"`
}

// Profile is the account section of a sync response.
type Profile struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Key        string `json:"key"`
	PrivateKey string `json:"privateKey"`
}

// SyncResponse is the full account snapshot returned by GET /sync.
type SyncResponse struct {
	Profile Profile  `json:"profile"`
	Folders []Folder `json:"folders"`
	Ciphers []Cipher `json:"ciphers"`
}

// Folder is a remote folder; Name is a cipher string.
type Folder struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RevisionDate time.Time `json:"revisionDate"`
}

// Cipher is one remote item. Every string except ids and dates is a cipher
// string under the vault keys, or under Key when the item carries its own.
type Cipher struct {
	ID             string        `json:"id,omitempty"`
	OrganizationID string        `json:"organizationId,omitempty"`
	FolderID       string        `json:"folderId,omitempty"`
	Type           int           `json:"type"`
	Key            string        `json:"key,omitempty"`
	Name           string        `json:"name"`
	Notes          string        `json:"notes,omitempty"`
	Login          *CipherLogin  `json:"login,omitempty"`
	Card           *CipherCard   `json:"card,omitempty"`
	Identity       *CipherIdent  `json:"identity,omitempty"`
	SecureNote     *SecureNote   `json:"secureNote,omitempty"`
	Fields         []CipherField `json:"fields,omitempty"`
	Favorite       bool          `json:"favorite"`
	Reprompt       int           `json:"reprompt"`
	RevisionDate   time.Time     `json:"revisionDate,omitempty"`
	CreationDate   time.Time     `json:"creationDate,omitempty"`
	DeletedDate    *time.Time    `json:"deletedDate,omitempty"`

	// LastKnownRevisionDate lets the server reject an update based on a
	// stale copy. Only set on requests.
	LastKnownRevisionDate *time.Time `json:"lastKnownRevisionDate,omitempty"`
}

type CipherLogin struct {
	Username             string            `json:"username,omitempty"`
	Password             string            `json:"password,omitempty"`
	Totp                 string            `json:"totp,omitempty"`
	URIs                 []CipherURI       `json:"uris,omitempty"`
	Fido2Credentials     []Fido2Credential `json:"fido2Credentials,omitempty"`
	PasswordRevisionDate *time.Time        `json:"passwordRevisionDate,omitempty"`
}

type CipherURI struct {
	URI   string `json:"uri"`
	Match *int   `json:"match"`
}

// Fido2Credential values are all cipher strings except CreationDate.
type Fido2Credential struct {
	CredentialID    string    `json:"credentialId"`
	KeyType         string    `json:"keyType"`
	KeyAlgorithm    string    `json:"keyAlgorithm"`
	KeyCurve        string    `json:"keyCurve"`
	KeyValue        string    `json:"keyValue"`
	RPID            string    `json:"rpId"`
	RPName          string    `json:"rpName,omitempty"`
	UserHandle      string    `json:"userHandle,omitempty"`
	UserName        string    `json:"userName,omitempty"`
	UserDisplayName string    `json:"userDisplayName,omitempty"`
	Counter         string    `json:"counter"`
	Discoverable    string    `json:"discoverable"`
	CreationDate    time.Time `json:"creationDate"`
}

type CipherCard struct {
	CardholderName string `json:"cardholderName,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Number         string `json:"number,omitempty"`
	ExpMonth       string `json:"expMonth,omitempty"`
	ExpYear        string `json:"expYear,omitempty"`
	Code           string `json:"code,omitempty"`
}

type CipherIdent struct {
	Title          string `json:"title,omitempty"`
	FirstName      string `json:"firstName,omitempty"`
	MiddleName     string `json:"middleName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	Address1       string `json:"address1,omitempty"`
	Address2       string `json:"address2,omitempty"`
	Address3       string `json:"address3,omitempty"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`
	PostalCode     string `json:"postalCode,omitempty"`
	Country        string `json:"country,omitempty"`
	Company        string `json:"company,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	SSN            string `json:"ssn,omitempty"`
	Username       string `json:"username,omitempty"`
	PassportNumber string `json:"passportNumber,omitempty"`
	LicenseNumber  string `json:"licenseNumber,omitempty"`
}

type SecureNote struct {
	Type int `json:"type"`
}

type CipherField struct {
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	Type     int    `json:"type"`
	LinkedID *int   `json:"linkedId,omitempty"`
}

type folderRequest struct {
	Name string `json:"name"`
}
