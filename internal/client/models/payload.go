package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind is the discriminator of the Payload union.
type RecordKind string

const (
	KindLogin    RecordKind = "login"
	KindNote     RecordKind = "note"
	KindCard     RecordKind = "card"
	KindIdentity RecordKind = "identity"
	KindTOTP     RecordKind = "totp"
	KindPasskey  RecordKind = "passkey"
)

// Valid reports whether k names a known kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindLogin, KindNote, KindCard, KindIdentity, KindTOTP, KindPasskey:
		return true
	}
	return false
}

// Payload is the kind specific part of a Record. The set of implementations
// is closed: Login, Note, Card, Identity, OneTimeCode and Passkey.
type Payload interface {
	Kind() RecordKind
	// IdentifyingField is the value paired with the title when matching
	// unlinked records during first-time adoption.
	IdentifyingField() string
	sealed()
}

// URI is a login website with an optional match strategy.
type URI struct {
	URI   Field `json:"uri"`
	Match *int  `json:"match,omitempty"`
}

type Login struct {
	Username             Field     `json:"username"`
	Password             Field     `json:"password"`
	TOTP                 Field     `json:"totp,omitempty"`
	URIs                 []URI     `json:"uris,omitempty"`
	PasswordRevisionDate time.Time `json:"password_revision_date,omitempty"`
}

func (Login) Kind() RecordKind           { return KindLogin }
func (l Login) IdentifyingField() string { return l.Username.Value }
func (Login) sealed()                    {}

// Note has no fields of its own; the text lives in Record.Notes.
type Note struct{}

func (Note) Kind() RecordKind         { return KindNote }
func (Note) IdentifyingField() string { return "" }
func (Note) sealed()                  {}

type Card struct {
	CardholderName Field `json:"cardholder_name"`
	Brand          Field `json:"brand"`
	Number         Field `json:"number"`
	ExpMonth       Field `json:"exp_month"`
	ExpYear        Field `json:"exp_year"`
	Code           Field `json:"code"`
}

func (Card) Kind() RecordKind           { return KindCard }
func (c Card) IdentifyingField() string { return c.Number.Value }
func (Card) sealed()                    {}

type Identity struct {
	Title          Field `json:"title"`
	FirstName      Field `json:"first_name"`
	MiddleName     Field `json:"middle_name"`
	LastName       Field `json:"last_name"`
	Address1       Field `json:"address1"`
	Address2       Field `json:"address2"`
	Address3       Field `json:"address3"`
	City           Field `json:"city"`
	State          Field `json:"state"`
	PostalCode     Field `json:"postal_code"`
	Country        Field `json:"country"`
	Company        Field `json:"company"`
	Email          Field `json:"email"`
	Phone          Field `json:"phone"`
	SSN            Field `json:"ssn"`
	Username       Field `json:"username"`
	PassportNumber Field `json:"passport_number"`
	LicenseNumber  Field `json:"license_number"`
}

func (Identity) Kind() RecordKind           { return KindIdentity }
func (i Identity) IdentifyingField() string { return i.Email.Value }
func (Identity) sealed()                    {}

// OneTimeCode is an authenticator entry: a TOTP secret for an account.
type OneTimeCode struct {
	Account Field `json:"account"`
	Secret  Field `json:"secret"`
	URIs    []URI `json:"uris,omitempty"`
}

func (OneTimeCode) Kind() RecordKind           { return KindTOTP }
func (o OneTimeCode) IdentifyingField() string { return o.Account.Value }
func (OneTimeCode) sealed()                    {}

// Fido2Credential is one stored passkey. Every value stays a Field so it can
// be pushed back byte for byte.
type Fido2Credential struct {
	CredentialID    Field     `json:"credential_id"`
	KeyType         Field     `json:"key_type"`
	KeyAlgorithm    Field     `json:"key_algorithm"`
	KeyCurve        Field     `json:"key_curve"`
	KeyValue        Field     `json:"key_value"`
	RPID            Field     `json:"rp_id"`
	RPName          Field     `json:"rp_name"`
	UserHandle      Field     `json:"user_handle"`
	UserName        Field     `json:"user_name"`
	UserDisplayName Field     `json:"user_display_name"`
	Counter         Field     `json:"counter"`
	Discoverable    Field     `json:"discoverable"`
	CreationDate    time.Time `json:"creation_date"`
}

type Passkey struct {
	Username    Field             `json:"username"`
	URIs        []URI             `json:"uris,omitempty"`
	Credentials []Fido2Credential `json:"credentials"`
}

func (Passkey) Kind() RecordKind           { return KindPasskey }
func (p Passkey) IdentifyingField() string { return p.Username.Value }
func (Passkey) sealed()                    {}

// Envelope is the persisted form of a Payload.
type Envelope struct {
	Kind    RecordKind      `json:"kind"`
	Details json.RawMessage `json:"details"`
}

// Wrap serializes p into an Envelope.
func Wrap(p Payload) (Envelope, error) {
	if p == nil {
		return Envelope{}, fmt.Errorf("%w: nil payload", ErrInvalidRecord)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: p.Kind(), Details: b}, nil
}

// Unwrap restores the Payload held by e.
func (e Envelope) Unwrap() (Payload, error) {
	switch e.Kind {
	case KindLogin:
		return decodeDetails[Login](e.Details)
	case KindNote:
		return Note{}, nil
	case KindCard:
		return decodeDetails[Card](e.Details)
	case KindIdentity:
		return decodeDetails[Identity](e.Details)
	case KindTOTP:
		return decodeDetails[OneTimeCode](e.Details)
	case KindPasskey:
		return decodeDetails[Passkey](e.Details)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, e.Kind)
}

func decodeDetails[T Payload](b json.RawMessage) (Payload, error) {
	var v T
	if len(b) > 0 {
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	return v, nil
}
