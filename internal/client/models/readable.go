package models

// KeepReadable returns next, unless next could not be decrypted and prev
// still holds a readable value.
func KeepReadable(prev, next Field) Field {
	if next.Unavailable && !prev.Unavailable && prev.Value != "" {
		return prev
	}
	return next
}

// FillUnavailable puts the readable values of prev back into the fields of r
// that could not be decrypted. Payloads of another kind and lists whose
// length changed are left as they are.
func (r *Record) FillUnavailable(prev *Record) {
	if prev == nil {
		return
	}
	r.Title = KeepReadable(prev.Title, r.Title)
	r.Notes = KeepReadable(prev.Notes, r.Notes)
	if len(r.CustomFields) == len(prev.CustomFields) {
		for i := range r.CustomFields {
			r.CustomFields[i].Name = KeepReadable(prev.CustomFields[i].Name, r.CustomFields[i].Name)
			r.CustomFields[i].Value = KeepReadable(prev.CustomFields[i].Value, r.CustomFields[i].Value)
		}
	}
	if r.Payload != nil && prev.Payload != nil {
		r.Payload = fillPayload(r.Payload, prev.Payload)
	}
}

func fillURIs(next, prev []URI) {
	if len(next) != len(prev) {
		return
	}
	for i := range next {
		next[i].URI = KeepReadable(prev[i].URI, next[i].URI)
	}
}

func fillPayload(next, prev Payload) Payload {
	switch n := next.(type) {
	case Login:
		p, ok := prev.(Login)
		if !ok {
			return next
		}
		n.Username = KeepReadable(p.Username, n.Username)
		n.Password = KeepReadable(p.Password, n.Password)
		n.TOTP = KeepReadable(p.TOTP, n.TOTP)
		fillURIs(n.URIs, p.URIs)
		return n

	case Card:
		p, ok := prev.(Card)
		if !ok {
			return next
		}
		n.CardholderName = KeepReadable(p.CardholderName, n.CardholderName)
		n.Brand = KeepReadable(p.Brand, n.Brand)
		n.Number = KeepReadable(p.Number, n.Number)
		n.ExpMonth = KeepReadable(p.ExpMonth, n.ExpMonth)
		n.ExpYear = KeepReadable(p.ExpYear, n.ExpYear)
		n.Code = KeepReadable(p.Code, n.Code)
		return n

	case Identity:
		p, ok := prev.(Identity)
		if !ok {
			return next
		}
		n.Title = KeepReadable(p.Title, n.Title)
		n.FirstName = KeepReadable(p.FirstName, n.FirstName)
		n.MiddleName = KeepReadable(p.MiddleName, n.MiddleName)
		n.LastName = KeepReadable(p.LastName, n.LastName)
		n.Address1 = KeepReadable(p.Address1, n.Address1)
		n.Address2 = KeepReadable(p.Address2, n.Address2)
		n.Address3 = KeepReadable(p.Address3, n.Address3)
		n.City = KeepReadable(p.City, n.City)
		n.State = KeepReadable(p.State, n.State)
		n.PostalCode = KeepReadable(p.PostalCode, n.PostalCode)
		n.Country = KeepReadable(p.Country, n.Country)
		n.Company = KeepReadable(p.Company, n.Company)
		n.Email = KeepReadable(p.Email, n.Email)
		n.Phone = KeepReadable(p.Phone, n.Phone)
		n.SSN = KeepReadable(p.SSN, n.SSN)
		n.Username = KeepReadable(p.Username, n.Username)
		n.PassportNumber = KeepReadable(p.PassportNumber, n.PassportNumber)
		n.LicenseNumber = KeepReadable(p.LicenseNumber, n.LicenseNumber)
		return n

	case OneTimeCode:
		p, ok := prev.(OneTimeCode)
		if !ok {
			return next
		}
		n.Account = KeepReadable(p.Account, n.Account)
		n.Secret = KeepReadable(p.Secret, n.Secret)
		fillURIs(n.URIs, p.URIs)
		return n

	case Passkey:
		p, ok := prev.(Passkey)
		if !ok {
			return next
		}
		n.Username = KeepReadable(p.Username, n.Username)
		fillURIs(n.URIs, p.URIs)
		if len(n.Credentials) == len(p.Credentials) {
			for i := range n.Credentials {
				n.Credentials[i] = fillCredential(n.Credentials[i], p.Credentials[i])
			}
		}
		return n
	}
	return next
}

func fillCredential(n, p Fido2Credential) Fido2Credential {
	n.CredentialID = KeepReadable(p.CredentialID, n.CredentialID)
	n.KeyType = KeepReadable(p.KeyType, n.KeyType)
	n.KeyAlgorithm = KeepReadable(p.KeyAlgorithm, n.KeyAlgorithm)
	n.KeyCurve = KeepReadable(p.KeyCurve, n.KeyCurve)
	n.KeyValue = KeepReadable(p.KeyValue, n.KeyValue)
	n.RPID = KeepReadable(p.RPID, n.RPID)
	n.RPName = KeepReadable(p.RPName, n.RPName)
	n.UserHandle = KeepReadable(p.UserHandle, n.UserHandle)
	n.UserName = KeepReadable(p.UserName, n.UserName)
	n.UserDisplayName = KeepReadable(p.UserDisplayName, n.UserDisplayName)
	n.Counter = KeepReadable(p.Counter, n.Counter)
	n.Discoverable = KeepReadable(p.Discoverable, n.Discoverable)
	return n
}
