package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Daskott/vigil/docstore"
)

// DEFAULT_MIN_CHECK_IN_INTERVAL is the floor(in seconds) applied to every
// user supplied check-in interval, unless the server config raises it
const DEFAULT_MIN_CHECK_IN_INTERVAL = 3600

// User is the authenticated principal's document, as stored in the
// 'users' collection. The inline 'contacts' array is the preferred
// storage shape for the user's contact set.
type User struct {
	ID                   string          `json:"uid"`
	Name                 string          `json:"name" validate:"required"`
	PhoneNumber          string          `json:"phoneNumber" validate:"required,e164"`
	Note                 string          `json:"note,omitempty"`
	QRCodeID             string          `json:"qrCodeId"`
	CheckInInterval      int64           `json:"checkInInterval"`
	LastCheckedIn        *time.Time      `json:"lastCheckedIn,omitempty"`
	Notify30MinBefore    bool            `json:"notify30MinBefore"`
	Notify2HoursBefore   bool            `json:"notify2HoursBefore"`
	ManualAlertActive    bool            `json:"manualAlertActive"`
	ManualAlertTimestamp *time.Time      `json:"manualAlertTimestamp,omitempty"`
	ProfileComplete      bool            `json:"profileComplete"`
	// nil means the document doesn't use the inline array storage shape;
	// an empty array is still the inline shape
	Contacts []contactRecord `json:"contacts"`
}

// Interval returns the user's check-in interval as a duration
func (user *User) Interval() time.Duration {
	return time.Duration(user.CheckInInterval) * time.Second
}

// LastCheckInTime returns the user's last check-in, or the zero
// time if they have never checked in
func (user *User) LastCheckInTime() time.Time {
	if user.LastCheckedIn == nil {
		return time.Time{}
	}

	return *user.LastCheckedIn
}

// HasInlineContacts reports whether the user document carries the inline
// array storage shape for contacts. When it does, the array is authoritative
// & the per-contact subcollection is not consulted.
func (user *User) HasInlineContacts() bool {
	return user.Contacts != nil
}

// ContactRefs decodes the inline contact array, dropping the placeholder
// housekeeping record & upgrading legacy ping fields on the way
func (user *User) ContactRefs() ([]ContactRef, error) {
	contacts := []ContactRef{}
	for _, record := range user.Contacts {
		if record.isPlaceholder() {
			continue
		}

		contact, err := record.toContactRef()
		if err != nil {
			return nil, err
		}

		contacts = append(contacts, *contact)
	}

	return contacts, nil
}

// EnsureInlineContacts puts a fresh document on the preferred inline-array
// storage shape
func (user *User) EnsureInlineContacts() {
	if user.Contacts == nil {
		user.Contacts = []contactRecord{}
	}
}

func (user *User) Encode() ([]byte, error) {
	return json.Marshal(user)
}

func DecodeUser(doc docstore.Document) (*User, error) {
	user := User{}
	if err := json.Unmarshal(doc.Data, &user); err != nil {
		return nil, docstore.WrapError(docstore.ErrInvalidArgument, err, fmt.Sprintf("malformed user document %q", doc.ID))
	}

	if user.ID == "" {
		user.ID = doc.ID
	}

	return &user, nil
}

// QRIndexRecord is the reverse lookup document in 'qr_codes', keyed by
// user id, used to resolve a scanned QR string back to a user
type QRIndexRecord struct {
	QRCodeID  string    `json:"qrCodeId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (record *QRIndexRecord) Encode() ([]byte, error) {
	return json.Marshal(record)
}
