package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/liveness"
)

// PLACEHOLDER_DOC_ID marks the housekeeping record written only to force
// creation of a contacts subcollection. It is never a real contact.
const PLACEHOLDER_DOC_ID = "placeholder"

// ContactRef is one directed relationship edge from the current user to
// another user. Its identity is the target user's id, derived from the
// stored reference path. A ref with both role flags off is a garbage state
// that normal operations never produce.
type ContactRef struct {
	ID            string
	ReferencePath string

	IsResponder  bool
	IsDependent  bool
	SendPings    bool
	ReceivePings bool

	// Cached display fields for the target user, to avoid read fan-out
	Name     string
	Phone    string
	Note     string
	QRCodeID string

	// Cached liveness fields, meaningful for dependents
	LastCheckIn time.Time // zero = never checked in
	Interval    time.Duration

	ManualAlertActive    bool
	ManualAlertTimestamp time.Time

	HasIncomingPing       bool
	IncomingPingTimestamp time.Time
	HasOutgoingPing       bool
	OutgoingPingTimestamp time.Time

	AddedAt     time.Time
	LastUpdated time.Time
}

// IsNonResponsive reports whether this contact's cached check-in has lapsed
func (contact *ContactRef) IsNonResponsive(now time.Time) bool {
	return liveness.IsNonResponsive(contact.LastCheckIn, contact.Interval, now)
}

// RequiresAttention reports whether a dependent should be surfaced to the
// user - either their check-in lapsed, or they raised a manual alert
func (contact *ContactRef) RequiresAttention(now time.Time) bool {
	return contact.ManualAlertActive || contact.IsNonResponsive(now)
}

func (contact *ContactRef) Encode() ([]byte, error) {
	return json.Marshal(contact.toRecord())
}

// DecodeContactRecord decodes one contact document, upgrading the legacy
// single-flag ping schema when present. The placeholder housekeeping doc
// decodes to (nil, nil).
func DecodeContactRecord(docID string, data []byte) (*ContactRef, error) {
	record := contactRecord{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, docstore.WrapError(docstore.ErrInvalidArgument, err, fmt.Sprintf("malformed contact document %q", docID))
	}

	if docID == PLACEHOLDER_DOC_ID || record.isPlaceholder() {
		return nil, nil
	}

	return record.toContactRef()
}

// ---------------------------------------------------------------------------------//
// Reference paths & collection names
// --------------------------------------------------------------------------------//

// ReferencePathFor returns the stored form of a user reference e.g. "users/42"
func ReferencePathFor(userID string) string {
	return fmt.Sprintf("%v/%v", docstore.UsersCollection, userID)
}

// UserIDFromReferencePath resolves "users/{id}" back to the user id
func UserIDFromReferencePath(path string) (string, error) {
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] != docstore.UsersCollection || segments[1] == "" {
		return "", docstore.NewError(docstore.ErrInvalidArgument, "unable to resolve user id from reference path %q", path)
	}

	return segments[1], nil
}

// ContactsCollectionFor returns the name of a user's per-contact
// subcollection, the legacy storage shape for contact sets
func ContactsCollectionFor(userID string) string {
	return fmt.Sprintf("%v/%v/contacts", docstore.UsersCollection, userID)
}

// ---------------------------------------------------------------------------------//
// Wire form
// --------------------------------------------------------------------------------//

// contactRecord is the persisted shape of a ContactRef. The dual ping flags
// are pointers so a legacy document(single 'hasPendingPing' flag) can be
// told apart from one already on the current schema.
type contactRecord struct {
	ReferencePath string `json:"referencePath"`
	IsResponder   bool   `json:"isResponder"`
	IsDependent   bool   `json:"isDependent"`
	SendPings     bool   `json:"sendPings"`
	ReceivePings  bool   `json:"receivePings"`

	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Note     string `json:"note,omitempty"`
	QRCodeID string `json:"qrCodeId,omitempty"`

	LastCheckIn *time.Time `json:"lastCheckIn,omitempty"`
	Interval    *int64     `json:"interval,omitempty"`

	ManualAlertActive    bool       `json:"manualAlertActive"`
	ManualAlertTimestamp *time.Time `json:"manualAlertTimestamp,omitempty"`

	HasIncomingPing       *bool      `json:"hasIncomingPing,omitempty"`
	HasOutgoingPing       *bool      `json:"hasOutgoingPing,omitempty"`
	IncomingPingTimestamp *time.Time `json:"incomingPingTimestamp,omitempty"`
	OutgoingPingTimestamp *time.Time `json:"outgoingPingTimestamp,omitempty"`

	// Pre dual-flag schema - a single shared pending flag per edge
	HasPendingPing *bool      `json:"hasPendingPing,omitempty"`
	PingTimestamp  *time.Time `json:"pingTimestamp,omitempty"`

	AddedAt     *time.Time `json:"addedAt,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`

	Placeholder bool `json:"placeholder,omitempty"`
}

func (record *contactRecord) isPlaceholder() bool {
	return record.Placeholder
}

func (record *contactRecord) toContactRef() (*ContactRef, error) {
	targetID, err := UserIDFromReferencePath(record.ReferencePath)
	if err != nil {
		return nil, err
	}

	contact := ContactRef{
		ID:            targetID,
		ReferencePath: record.ReferencePath,
		IsResponder:   record.IsResponder,
		IsDependent:   record.IsDependent,
		SendPings:     record.SendPings,
		ReceivePings:  record.ReceivePings,
		Name:          record.Name,
		Phone:         record.Phone,
		Note:          record.Note,
		QRCodeID:      record.QRCodeID,

		ManualAlertActive: record.ManualAlertActive,

		LastCheckIn:          timeOrZero(record.LastCheckIn),
		ManualAlertTimestamp: timeOrZero(record.ManualAlertTimestamp),
		AddedAt:              timeOrZero(record.AddedAt),
		LastUpdated:          timeOrZero(record.LastUpdated),
	}

	if record.Interval != nil {
		contact.Interval = time.Duration(*record.Interval) * time.Second
	}

	if record.HasIncomingPing == nil && record.HasOutgoingPing == nil && record.HasPendingPing != nil {
		// Legacy schema upgrade: the shared pending flag was always a
		// request made *of* the current user, so it maps to incoming
		contact.HasIncomingPing = *record.HasPendingPing
		contact.IncomingPingTimestamp = timeOrZero(record.PingTimestamp)
		return &contact, nil
	}

	if record.HasIncomingPing != nil {
		contact.HasIncomingPing = *record.HasIncomingPing
		contact.IncomingPingTimestamp = timeOrZero(record.IncomingPingTimestamp)
	}

	if record.HasOutgoingPing != nil {
		contact.HasOutgoingPing = *record.HasOutgoingPing
		contact.OutgoingPingTimestamp = timeOrZero(record.OutgoingPingTimestamp)
	}

	return &contact, nil
}

func (contact *ContactRef) toRecord() *contactRecord {
	record := contactRecord{
		ReferencePath: contact.ReferencePath,
		IsResponder:   contact.IsResponder,
		IsDependent:   contact.IsDependent,
		SendPings:     contact.SendPings,
		ReceivePings:  contact.ReceivePings,
		Name:          contact.Name,
		Phone:         contact.Phone,
		Note:          contact.Note,
		QRCodeID:      contact.QRCodeID,

		ManualAlertActive: contact.ManualAlertActive,

		HasIncomingPing: boolPtr(contact.HasIncomingPing),
		HasOutgoingPing: boolPtr(contact.HasOutgoingPing),

		LastCheckIn:           timePtr(contact.LastCheckIn),
		ManualAlertTimestamp:  timePtr(contact.ManualAlertTimestamp),
		IncomingPingTimestamp: timePtr(contact.IncomingPingTimestamp),
		OutgoingPingTimestamp: timePtr(contact.OutgoingPingTimestamp),
		AddedAt:               timePtr(contact.AddedAt),
		LastUpdated:           timePtr(contact.LastUpdated),
	}

	if record.ReferencePath == "" {
		record.ReferencePath = ReferencePathFor(contact.ID)
	}

	if contact.Interval > 0 {
		interval := int64(contact.Interval / time.Second)
		record.Interval = &interval
	}

	return &record
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolPtr(b bool) *bool {
	return &b
}
