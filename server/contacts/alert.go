package contacts

import (
	"context"
	"sync"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/models"
)

// Notifier fans a manual alert out to a user's responders. Implemented by
// the SMS notifier; faked in tests.
type Notifier interface {
	SendManualAlert(ctx context.Context, userID string) error
	CancelManualAlert(ctx context.Context, userID string) error
}

// AlertTrigger manages the manual-alert flag on the user. Unlike the rest
// of the engine, a failed remote persist DOES roll the local flag back - an
// un-persisted alert the user believes is active would be dangerously
// misleading.
type AlertTrigger struct {
	userID    string
	store     docstore.Store
	relations RelationFunctions
	notifier  Notifier
	now       func() time.Time

	mu       sync.Mutex
	active   bool
	raisedAt time.Time
}

func NewAlertTrigger(userID string, store docstore.Store, relations RelationFunctions, notifier Notifier, now func() time.Time) *AlertTrigger {
	if now == nil {
		now = time.Now
	}

	return &AlertTrigger{
		userID:    userID,
		store:     store,
		relations: relations,
		notifier:  notifier,
		now:       now,
	}
}

// Hydrate seeds the local flag from the persisted user document. A trigger
// rebuilt after a restart would otherwise report an already-raised alert
// as inactive & stamp a fresh timestamp on the next raise.
func (trigger *AlertTrigger) Hydrate(ctx context.Context) error {
	doc, err := trigger.store.Get(ctx, docstore.UsersCollection, trigger.userID)
	if err != nil {
		return err
	}

	user, err := models.DecodeUser(*doc)
	if err != nil {
		return err
	}

	trigger.mu.Lock()
	defer trigger.mu.Unlock()

	trigger.active = user.ManualAlertActive
	if user.ManualAlertTimestamp != nil {
		trigger.raisedAt = *user.ManualAlertTimestamp
	} else {
		trigger.raisedAt = time.Time{}
	}

	return nil
}

// Active reports the local view of the manual-alert flag
func (trigger *AlertTrigger) Active() bool {
	trigger.mu.Lock()
	defer trigger.mu.Unlock()

	return trigger.active
}

// RaisedAt returns when the active alert was raised, zero when inactive
func (trigger *AlertTrigger) RaisedAt() time.Time {
	trigger.mu.Lock()
	defer trigger.mu.Unlock()

	return trigger.raisedAt
}

// SetAlert flips the manual-alert flag. A fresh timestamp is written only
// on the transition to active; deactivating clears it. After a successful
// persist the change is mirrored onto responder edges & the notification
// collaborator fans out to responders.
func (trigger *AlertTrigger) SetAlert(ctx context.Context, active bool) error {
	trigger.mu.Lock()
	prevActive, prevRaisedAt := trigger.active, trigger.raisedAt

	fields := map[string]interface{}{"manualAlertActive": active}
	if active && !prevActive {
		trigger.raisedAt = trigger.now()
		fields["manualAlertTimestamp"] = trigger.raisedAt.Format(time.RFC3339Nano)
	}
	if !active {
		trigger.raisedAt = time.Time{}
		fields["manualAlertTimestamp"] = nil
	}
	trigger.active = active
	trigger.mu.Unlock()

	if err := trigger.store.Update(ctx, docstore.UsersCollection, trigger.userID, fields); err != nil {
		// Revert - the one place optimistic local state rolls back
		trigger.mu.Lock()
		trigger.active, trigger.raisedAt = prevActive, prevRaisedAt
		trigger.mu.Unlock()
		return err
	}

	if err := trigger.relations.SyncUserCacheFields(ctx, trigger.userID); err != nil {
		logg.Warnf("manual alert persisted, but mirroring to responder edges failed: %v", err)
	}

	if active {
		return trigger.notifier.SendManualAlert(ctx, trigger.userID)
	}

	return trigger.notifier.CancelManualAlert(ctx, trigger.userID)
}
