package models

import (
	"testing"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeContactRecord(t *testing.T) {
	data := []byte(`{
		"referencePath": "users/42",
		"isResponder": true,
		"isDependent": true,
		"sendPings": true,
		"receivePings": true,
		"name": "harvey specter",
		"phone": "+12345678900",
		"interval": 86400,
		"lastCheckIn": "2022-03-14T10:00:00Z",
		"hasIncomingPing": true,
		"incomingPingTimestamp": "2022-03-14T11:00:00Z",
		"hasOutgoingPing": false
	}`)

	contact, err := DecodeContactRecord("42", data)
	require.Nil(t, err)

	assert.Equal(t, "42", contact.ID, "Contact id should be derived from the reference path")
	assert.True(t, contact.IsResponder)
	assert.True(t, contact.IsDependent)
	assert.Equal(t, 24*time.Hour, contact.Interval)
	assert.True(t, contact.HasIncomingPing)
	assert.False(t, contact.HasOutgoingPing)
	assert.Equal(t, time.Date(2022, 3, 14, 11, 0, 0, 0, time.UTC), contact.IncomingPingTimestamp)
}

func TestDecodeContactRecordLegacyPingSchema(t *testing.T) {
	// A pre dual-flag document only carries the shared pending flag
	data := []byte(`{
		"referencePath": "users/42",
		"isResponder": true,
		"hasPendingPing": true,
		"pingTimestamp": "2022-03-14T11:00:00Z"
	}`)

	contact, err := DecodeContactRecord("42", data)
	require.Nil(t, err)

	assert.True(t, contact.HasIncomingPing, "Legacy pending flag should upgrade to an incoming ping")
	assert.False(t, contact.HasOutgoingPing)
	assert.Equal(t, time.Date(2022, 3, 14, 11, 0, 0, 0, time.UTC), contact.IncomingPingTimestamp)

	// Once upgraded & re-encoded, the record is on the dual-flag schema,
	// so decoding it again must not re-apply the upgrade
	encoded, err := contact.Encode()
	require.Nil(t, err)

	decoded, err := DecodeContactRecord("42", encoded)
	require.Nil(t, err)
	assert.True(t, decoded.HasIncomingPing)
	assert.False(t, decoded.HasOutgoingPing)
}

func TestDecodeContactRecordPlaceholder(t *testing.T) {
	contact, err := DecodeContactRecord(PLACEHOLDER_DOC_ID, []byte(`{"placeholder": true}`))
	assert.Nil(t, err)
	assert.Nil(t, contact, "The placeholder housekeeping doc must never surface as a contact")

	contact, err = DecodeContactRecord("some-id", []byte(`{"placeholder": true}`))
	assert.Nil(t, err)
	assert.Nil(t, contact)
}

func TestDecodeContactRecordBadReferencePath(t *testing.T) {
	cases := []string{
		`{"referencePath": ""}`,
		`{"referencePath": "users/"}`,
		`{"referencePath": "groups/42"}`,
		`{"referencePath": "users/42/extra"}`,
	}

	for _, data := range cases {
		_, err := DecodeContactRecord("42", []byte(data))
		assert.Equal(t, docstore.ErrInvalidArgument, docstore.KindOf(err), "payload: %v", data)
	}
}

func TestReferencePathRoundTrip(t *testing.T) {
	path := ReferencePathFor("42")
	assert.Equal(t, "users/42", path)

	id, err := UserIDFromReferencePath(path)
	require.Nil(t, err)
	assert.Equal(t, "42", id)
}
