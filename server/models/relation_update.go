package models

import "time"

// PingState is the dual-flag ping state carried on one edge. Incoming &
// outgoing are independent, so a responder-role ping & a dependent-role
// ping on the same edge never collide.
type PingState struct {
	HasIncomingPing       bool
	IncomingPingTimestamp time.Time
	HasOutgoingPing       bool
	OutgoingPingTimestamp time.Time
}

// RelationUpdate selects which field groups an atomic relation update
// pushes, so several concerns can share one remote round trip
type RelationUpdate struct {
	UpdateRoles bool
	IsResponder bool
	IsDependent bool

	// UpdatePings pushes both ping directions. The single-direction
	// selectors push only the flag the operation touched, so a stale
	// local copy of the other direction is never written out.
	UpdatePings        bool
	UpdateOutgoingPing bool
	UpdateIncomingPing bool
	Pings              PingState

	UpdateNotifications bool
	SendPings           bool
	ReceivePings        bool
}

// ContactListField renders a contact set as the value of the inline
// 'contacts' array field on a user document
func ContactListField(contacts []ContactRef) interface{} {
	records := make([]*contactRecord, 0, len(contacts))
	for i := range contacts {
		records = append(records, contacts[i].toRecord())
	}

	return records
}
