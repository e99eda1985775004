package decoder

import (
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// Encode builds the request body for a create or update of rec. Values are
// encrypted under the vault keys; unavailable fields are sent back with their
// original ciphertext. lastKnown is the revision the local copy was based on
// and is omitted when zero.
func Encode(rec *models.Record, keys *cryptox.SessionKeys, lastKnown time.Time) (transport.Cipher, error) {
	e := &fieldEncoder{keys: keys}
	out := transport.Cipher{
		FolderID: rec.FolderID,
		Name:     e.field(rec.Title),
		Notes:    e.field(rec.Notes),
		Favorite: rec.Favorite,
		Fields:   e.customFields(rec.CustomFields),
	}
	if !lastKnown.IsZero() {
		lk := lastKnown.UTC()
		out.LastKnownRevisionDate = &lk
	}

	switch p := rec.Payload.(type) {
	case models.Login:
		out.Type = transport.CipherTypeLogin
		out.Login = &transport.CipherLogin{
			Username: e.field(p.Username),
			Password: e.field(p.Password),
			Totp:     e.field(p.TOTP),
			URIs:     e.uris(p.URIs),
		}
		if !p.PasswordRevisionDate.IsZero() {
			d := p.PasswordRevisionDate.UTC()
			out.Login.PasswordRevisionDate = &d
		}
	case models.OneTimeCode:
		out.Type = transport.CipherTypeLogin
		out.Login = &transport.CipherLogin{
			Username: e.field(p.Account),
			Totp:     e.field(p.Secret),
			URIs:     e.uris(p.URIs),
		}
	case models.Passkey:
		out.Type = transport.CipherTypeLogin
		out.Login = &transport.CipherLogin{
			Username:         e.field(p.Username),
			URIs:             e.uris(p.URIs),
			Fido2Credentials: e.credentials(p.Credentials),
		}
	case models.Note:
		out.Type = transport.CipherTypeSecureNote
		out.SecureNote = &transport.SecureNote{}
	case models.Card:
		out.Type = transport.CipherTypeCard
		out.Card = &transport.CipherCard{
			CardholderName: e.field(p.CardholderName),
			Brand:          e.field(p.Brand),
			Number:         e.field(p.Number),
			ExpMonth:       e.field(p.ExpMonth),
			ExpYear:        e.field(p.ExpYear),
			Code:           e.field(p.Code),
		}
	case models.Identity:
		out.Type = transport.CipherTypeIdentity
		out.Identity = &transport.CipherIdent{
			Title:          e.field(p.Title),
			FirstName:      e.field(p.FirstName),
			MiddleName:     e.field(p.MiddleName),
			LastName:       e.field(p.LastName),
			Address1:       e.field(p.Address1),
			Address2:       e.field(p.Address2),
			Address3:       e.field(p.Address3),
			City:           e.field(p.City),
			State:          e.field(p.State),
			PostalCode:     e.field(p.PostalCode),
			Country:        e.field(p.Country),
			Company:        e.field(p.Company),
			Email:          e.field(p.Email),
			Phone:          e.field(p.Phone),
			SSN:            e.field(p.SSN),
			Username:       e.field(p.Username),
			PassportNumber: e.field(p.PassportNumber),
			LicenseNumber:  e.field(p.LicenseNumber),
		}
	default:
		return transport.Cipher{}, fmt.Errorf("%w: cannot encode kind %q", models.ErrInvalidRecord, rec.Kind())
	}

	if e.err != nil {
		return transport.Cipher{}, fmt.Errorf("failed to encrypt record %s: %w", rec.ID, e.err)
	}
	return out, nil
}

// EncodeFolderName encrypts a folder name for a folder request.
func EncodeFolderName(name string, keys *cryptox.SessionKeys) (string, error) {
	return keys.EncryptString(name)
}

type fieldEncoder struct {
	keys *cryptox.SessionKeys
	err  error
}

func (e *fieldEncoder) field(f models.Field) string {
	if f.Unavailable {
		return f.Cipher
	}
	if f.Value == "" || e.err != nil {
		return ""
	}
	s, err := e.keys.EncryptString(f.Value)
	if err != nil {
		e.err = err
		return ""
	}
	return s
}

func (e *fieldEncoder) uris(in []models.URI) []transport.CipherURI {
	if len(in) == 0 {
		return nil
	}
	out := make([]transport.CipherURI, 0, len(in))
	for _, u := range in {
		out = append(out, transport.CipherURI{URI: e.field(u.URI), Match: u.Match})
	}
	return out
}

func (e *fieldEncoder) customFields(in []models.CustomField) []transport.CipherField {
	if len(in) == 0 {
		return nil
	}
	out := make([]transport.CipherField, 0, len(in))
	for _, f := range in {
		out = append(out, transport.CipherField{
			Name:     e.field(f.Name),
			Value:    e.field(f.Value),
			Type:     int(f.Type),
			LinkedID: f.LinkedID,
		})
	}
	return out
}

func (e *fieldEncoder) credentials(in []models.Fido2Credential) []transport.Fido2Credential {
	out := make([]transport.Fido2Credential, 0, len(in))
	for _, c := range in {
		out = append(out, transport.Fido2Credential{
			CredentialID:    e.field(c.CredentialID),
			KeyType:         e.field(c.KeyType),
			KeyAlgorithm:    e.field(c.KeyAlgorithm),
			KeyCurve:        e.field(c.KeyCurve),
			KeyValue:        e.field(c.KeyValue),
			RPID:            e.field(c.RPID),
			RPName:          e.field(c.RPName),
			UserHandle:      e.field(c.UserHandle),
			UserName:        e.field(c.UserName),
			UserDisplayName: e.field(c.UserDisplayName),
			Counter:         e.field(c.Counter),
			Discoverable:    e.field(c.Discoverable),
			CreationDate:    c.CreationDate,
		})
	}
	return out
}
