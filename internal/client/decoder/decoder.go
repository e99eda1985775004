// Package decoder turns remote cipher items into records and back. Every
// encrypted value is decrypted on its own: a value that fails is kept as an
// unavailable field holding its ciphertext, and siblings are unaffected.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

var ErrUnknownType = errors.New("unknown cipher type")

// Failure describes one value that could not be decrypted.
type Failure struct {
	RemoteID string
	Field    string
	Err      error
}

func (f Failure) Error() string {
	if f.Field == "" {
		return fmt.Sprintf("item %s: %v", f.RemoteID, f.Err)
	}
	return fmt.Sprintf("item %s field %s: %v", f.RemoteID, f.Field, f.Err)
}

// DecodedRecord is a remote item in local form. Record carries content only;
// linkage is decided by the merge engine.
type DecodedRecord struct {
	RemoteID     string
	RevisionDate time.Time
	Record       *models.Record
	Failures     []Failure
}

// Decode decrypts one remote item with the vault keys, or with the item's own
// key when it carries one.
func Decode(item transport.Cipher, keys *cryptox.SessionKeys) (*DecodedRecord, error) {
	d := &fieldDecoder{remoteID: item.ID, keys: keys}
	if item.Key != "" {
		itemKeys, err := keys.UnwrapItemKey(item.Key)
		if err != nil {
			d.keyErr = err
			d.fail("key", err)
		} else {
			defer itemKeys.Clear()
			d.keys = itemKeys
		}
	}

	rec := &models.Record{
		Title:        d.field("name", item.Name),
		Notes:        d.field("notes", item.Notes),
		Favorite:     item.Favorite,
		FolderID:     item.FolderID,
		CustomFields: d.customFields(item.Fields),
		CreatedAt:    item.CreationDate,
		UpdatedAt:    item.RevisionDate,
	}

	switch item.Type {
	case transport.CipherTypeLogin:
		rec.Payload = d.login(item.Login)
	case transport.CipherTypeSecureNote:
		rec.Payload = models.Note{}
	case transport.CipherTypeCard:
		rec.Payload = d.card(item.Card)
	case transport.CipherTypeIdentity:
		rec.Payload = d.identity(item.Identity)
	default:
		return nil, fmt.Errorf("%w: %d (item %s)", ErrUnknownType, item.Type, item.ID)
	}

	return &DecodedRecord{
		RemoteID:     item.ID,
		RevisionDate: item.RevisionDate,
		Record:       rec,
		Failures:     d.failures,
	}, nil
}

// DecodeAll decodes a batch. Items of unknown type and trashed items are
// skipped; a failing item never affects the others.
func DecodeAll(ctx context.Context, items []transport.Cipher, keys *cryptox.SessionKeys, logger logging.Logger) ([]DecodedRecord, []Failure) {
	var (
		out      []DecodedRecord
		failures []Failure
	)
	for _, item := range items {
		if item.DeletedDate != nil {
			continue
		}
		dr, err := Decode(item, keys)
		if err != nil {
			logger.Warn(ctx, "skipping remote item", "remote_id", item.ID, "type", item.Type, "error", err)
			failures = append(failures, Failure{RemoteID: item.ID, Err: err})
			continue
		}
		if len(dr.Failures) > 0 {
			logger.Warn(ctx, "remote item partially decoded", "remote_id", item.ID, "unavailable_fields", len(dr.Failures))
			failures = append(failures, dr.Failures...)
		}
		out = append(out, *dr)
	}
	return out, failures
}

// DecodedFolder is a remote folder with its name decrypted, or unavailable.
type DecodedFolder struct {
	RemoteID     string
	Name         models.Field
	RevisionDate time.Time
	Failure      *Failure
}

func DecodeFolder(f transport.Folder, keys *cryptox.SessionKeys) DecodedFolder {
	d := &fieldDecoder{remoteID: f.ID, keys: keys}
	out := DecodedFolder{RemoteID: f.ID, Name: d.field("name", f.Name), RevisionDate: f.RevisionDate}
	if len(d.failures) > 0 {
		out.Failure = &d.failures[0]
	}
	return out
}

type fieldDecoder struct {
	remoteID string
	keys     *cryptox.SessionKeys
	keyErr   error
	failures []Failure
}

func (d *fieldDecoder) fail(name string, err error) {
	d.failures = append(d.failures, Failure{RemoteID: d.remoteID, Field: name, Err: err})
}

func (d *fieldDecoder) field(name, raw string) models.Field {
	if raw == "" {
		return models.Field{}
	}
	if d.keyErr != nil {
		d.fail(name, d.keyErr)
		return models.UnavailableField(raw)
	}
	v, err := d.keys.DecryptString(raw)
	if err != nil {
		d.fail(name, err)
		return models.UnavailableField(raw)
	}
	return models.Text(v)
}

func (d *fieldDecoder) uris(in []transport.CipherURI) []models.URI {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.URI, 0, len(in))
	for i, u := range in {
		out = append(out, models.URI{URI: d.field(fmt.Sprintf("uris[%d]", i), u.URI), Match: u.Match})
	}
	return out
}

func (d *fieldDecoder) customFields(in []transport.CipherField) []models.CustomField {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.CustomField, 0, len(in))
	for i, f := range in {
		out = append(out, models.CustomField{
			Name:     d.field(fmt.Sprintf("fields[%d].name", i), f.Name),
			Value:    d.field(fmt.Sprintf("fields[%d].value", i), f.Value),
			Type:     models.CustomFieldType(f.Type),
			LinkedID: f.LinkedID,
		})
	}
	return out
}

func (d *fieldDecoder) login(l *transport.CipherLogin) models.Payload {
	if l == nil {
		l = &transport.CipherLogin{}
	}
	switch {
	case len(l.Fido2Credentials) > 0 && l.Password == "":
		creds := make([]models.Fido2Credential, 0, len(l.Fido2Credentials))
		for i, c := range l.Fido2Credentials {
			p := fmt.Sprintf("fido2Credentials[%d].", i)
			creds = append(creds, models.Fido2Credential{
				CredentialID:    d.field(p+"credentialId", c.CredentialID),
				KeyType:         d.field(p+"keyType", c.KeyType),
				KeyAlgorithm:    d.field(p+"keyAlgorithm", c.KeyAlgorithm),
				KeyCurve:        d.field(p+"keyCurve", c.KeyCurve),
				KeyValue:        d.field(p+"keyValue", c.KeyValue),
				RPID:            d.field(p+"rpId", c.RPID),
				RPName:          d.field(p+"rpName", c.RPName),
				UserHandle:      d.field(p+"userHandle", c.UserHandle),
				UserName:        d.field(p+"userName", c.UserName),
				UserDisplayName: d.field(p+"userDisplayName", c.UserDisplayName),
				Counter:         d.field(p+"counter", c.Counter),
				Discoverable:    d.field(p+"discoverable", c.Discoverable),
				CreationDate:    c.CreationDate,
			})
		}
		return models.Passkey{
			Username:    d.field("login.username", l.Username),
			URIs:        d.uris(l.URIs),
			Credentials: creds,
		}
	case l.Totp != "" && l.Password == "":
		return models.OneTimeCode{
			Account: d.field("login.username", l.Username),
			Secret:  d.field("login.totp", l.Totp),
			URIs:    d.uris(l.URIs),
		}
	}

	out := models.Login{
		Username: d.field("login.username", l.Username),
		Password: d.field("login.password", l.Password),
		TOTP:     d.field("login.totp", l.Totp),
		URIs:     d.uris(l.URIs),
	}
	if l.PasswordRevisionDate != nil {
		out.PasswordRevisionDate = *l.PasswordRevisionDate
	}
	return out
}

func (d *fieldDecoder) card(c *transport.CipherCard) models.Payload {
	if c == nil {
		return models.Card{}
	}
	return models.Card{
		CardholderName: d.field("card.cardholderName", c.CardholderName),
		Brand:          d.field("card.brand", c.Brand),
		Number:         d.field("card.number", c.Number),
		ExpMonth:       d.field("card.expMonth", c.ExpMonth),
		ExpYear:        d.field("card.expYear", c.ExpYear),
		Code:           d.field("card.code", c.Code),
	}
}

func (d *fieldDecoder) identity(i *transport.CipherIdent) models.Payload {
	if i == nil {
		return models.Identity{}
	}
	return models.Identity{
		Title:          d.field("identity.title", i.Title),
		FirstName:      d.field("identity.firstName", i.FirstName),
		MiddleName:     d.field("identity.middleName", i.MiddleName),
		LastName:       d.field("identity.lastName", i.LastName),
		Address1:       d.field("identity.address1", i.Address1),
		Address2:       d.field("identity.address2", i.Address2),
		Address3:       d.field("identity.address3", i.Address3),
		City:           d.field("identity.city", i.City),
		State:          d.field("identity.state", i.State),
		PostalCode:     d.field("identity.postalCode", i.PostalCode),
		Country:        d.field("identity.country", i.Country),
		Company:        d.field("identity.company", i.Company),
		Email:          d.field("identity.email", i.Email),
		Phone:          d.field("identity.phone", i.Phone),
		SSN:            d.field("identity.ssn", i.SSN),
		Username:       d.field("identity.username", i.Username),
		PassportNumber: d.field("identity.passportNumber", i.PassportNumber),
		LicenseNumber:  d.field("identity.licenseNumber", i.LicenseNumber),
	}
}
