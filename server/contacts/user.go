package contacts

import (
	"context"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/models"
	"github.com/google/uuid"
)

var minCheckInInterval int64 = models.DEFAULT_MIN_CHECK_IN_INTERVAL

// SetMinCheckInInterval overrides the floor(in seconds) applied to every
// user supplied check-in interval, from the server config. Zero or
// negative values keep the default. Called once at startup, before any
// engine exists.
func SetMinCheckInInterval(seconds int) {
	if seconds > 0 {
		minCheckInInterval = int64(seconds)
	}
}

var updatableProfileFields = map[string]bool{
	"name":               true,
	"phoneNumber":        true,
	"note":               true,
	"checkInInterval":    true,
	"notify30MinBefore":  true,
	"notify2HoursBefore": true,
	"profileComplete":    true,
}

// RegisterUser creates the user document(on the inline-array contact shape)
// & the reverse QR-code index record used for contact discovery
func RegisterUser(ctx context.Context, store docstore.Store, user *models.User) error {
	if user.ID == "" {
		return docstore.NewError(docstore.ErrInvalidArgument, "a user id is required")
	}

	if user.QRCodeID == "" {
		user.QRCodeID = uuid.NewString()
	}

	if user.CheckInInterval < minCheckInInterval {
		user.CheckInInterval = minCheckInInterval
	}

	user.EnsureInlineContacts()

	data, err := user.Encode()
	if err != nil {
		return docstore.WrapError(docstore.ErrInvalidArgument, err, "unable to encode user")
	}

	if err := store.Set(ctx, docstore.UsersCollection, user.ID, data); err != nil {
		return err
	}

	qrIndex := models.QRIndexRecord{QRCodeID: user.QRCodeID, UpdatedAt: time.Now()}
	qrData, err := qrIndex.Encode()
	if err != nil {
		return docstore.WrapError(docstore.ErrInvalidArgument, err, "unable to encode qr index record")
	}

	return store.Set(ctx, docstore.QRCodesCollection, user.ID, qrData)
}

// CheckIn stamps a fresh check-in on the user document & mirrors the new
// timestamp into every counterpart edge, so responders see it without a
// read fan-out
func (engine *Engine) CheckIn(ctx context.Context) (time.Time, error) {
	now := engine.now()

	err := engine.store.Update(ctx, docstore.UsersCollection, engine.userID,
		map[string]interface{}{"lastCheckedIn": now.Format(time.RFC3339Nano)})
	if err != nil {
		return time.Time{}, err
	}

	return now, engine.relations.SyncUserCacheFields(ctx, engine.userID)
}

// UpdateProfile applies profile edits to the user document. Unknown fields
// are dropped, the check-in interval is clamped to the configured floor &
// cached display fields are re-published to linked edges.
func (engine *Engine) UpdateProfile(ctx context.Context, updates map[string]interface{}) error {
	for field := range updates {
		if !updatableProfileFields[field] {
			delete(updates, field)
		}
	}

	if len(updates) == 0 {
		return docstore.NewError(docstore.ErrInvalidArgument, "valid fields required")
	}

	if interval, ok := updates["checkInInterval"]; ok {
		updates["checkInInterval"] = engine.clampInterval(interval)
	}

	err := engine.store.Update(ctx, docstore.UsersCollection, engine.userID, updates)
	if err != nil {
		return err
	}

	return engine.relations.SyncUserCacheFields(ctx, engine.userID)
}

// SetNotificationLeadTime picks which expiry reminder the user gets -
// only 30 & 120 minutes are supported
func (engine *Engine) SetNotificationLeadTime(ctx context.Context, leadMinutes int) error {
	if leadMinutes != 30 && leadMinutes != 120 {
		return docstore.NewError(docstore.ErrInvalidArgument, "notification lead time must be 30 or 120 minutes, got %v", leadMinutes)
	}

	return engine.store.Update(ctx, docstore.UsersCollection, engine.userID, map[string]interface{}{
		"notify30MinBefore":  leadMinutes == 30,
		"notify2HoursBefore": leadMinutes == 120,
	})
}

func (engine *Engine) clampInterval(value interface{}) int64 {
	var interval int64
	switch v := value.(type) {
	case float64:
		interval = int64(v)
	case int:
		interval = int64(v)
	case int64:
		interval = v
	}

	floor := int64(engine.minCheckInInterval / time.Second)
	if interval < floor {
		return floor
	}

	return interval
}
