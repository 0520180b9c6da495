// Package notifier sends the SMS fan-outs: manual alerts & missed
// check-ins go to a user's responders, expiry reminders go to the user
// themselves.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/liveness"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/server/models"
)

var logg = logger.NewLogger()

// MessageSender is satisfied by the twilio client wrapper
type MessageSender interface {
	SendMessage(to, msg string) error
}

type SMSNotifier struct {
	store  docstore.Store
	sender MessageSender
}

func NewSMSNotifier(store docstore.Store, sender MessageSender) *SMSNotifier {
	return &SMSNotifier{store: store, sender: sender}
}

// SendManualAlert asks every responder of userID to reach out. Every
// responder is attempted; the first failure is returned after the sweep.
func (notifier *SMSNotifier) SendManualAlert(ctx context.Context, userID string) error {
	return notifier.fanOutToResponders(ctx, userID, func(user models.User, responder models.ContactRef) string {
		return fmt.Sprintf(
			"Hi %v,\n"+
				"you're getting this message because you're %v's safety contact. "+
				"%v has raised an alert, can you please reach out to make sure they're okay?\n"+
				"Thanks",
			responder.Name, user.Name, user.Name)
	})
}

// CancelManualAlert tells responders the alert is withdrawn
func (notifier *SMSNotifier) CancelManualAlert(ctx context.Context, userID string) error {
	return notifier.fanOutToResponders(ctx, userID, func(user models.User, responder models.ContactRef) string {
		return fmt.Sprintf(
			"Hi %v,\n"+
				"%v has cancelled their alert - no further action is needed.\n"+
				"Thanks",
			responder.Name, user.Name)
	})
}

// SendMissedCheckInAlert asks responders to reach out after userID's
// check-in window lapsed without a check-in.
func (notifier *SMSNotifier) SendMissedCheckInAlert(ctx context.Context, userID string) error {
	return notifier.fanOutToResponders(ctx, userID, func(user models.User, responder models.ContactRef) string {
		return fmt.Sprintf(
			"Hi %v,\n"+
				"you're getting this message because you're %v's safety contact. "+
				"%v missed their check-in, can you please reach out to make sure they're okay?\n"+
				"Thanks",
			responder.Name, user.Name, user.Name)
	})
}

// SendCheckInReminder nudges the user shortly before their window expires
func (notifier *SMSNotifier) SendCheckInReminder(ctx context.Context, user models.User, remaining time.Duration) error {
	if user.PhoneNumber == "" {
		return docstore.NewError(docstore.ErrInvalidArgument, "user %v has no phone number on file", user.ID)
	}

	msg := fmt.Sprintf(
		"Hi %v,\n"+
			"your check-in expires in %v. Open the app, or reply YES to this message, to check in.",
		user.Name, liveness.FormatRemaining(remaining))

	return notifier.sender.SendMessage(user.PhoneNumber, msg)
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (notifier *SMSNotifier) fanOutToResponders(ctx context.Context, userID string, composeMsg func(models.User, models.ContactRef) string) error {
	user, responders, err := notifier.userAndResponders(ctx, userID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, responder := range responders {
		if responder.Phone == "" {
			logg.Warnf("skipping responder %v of %v: no phone number cached", responder.ID, userID)
			continue
		}

		if err := notifier.sender.SendMessage(responder.Phone, composeMsg(*user, responder)); err != nil {
			logg.Errorf("unable to message responder %v of %v: %v", responder.ID, userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (notifier *SMSNotifier) userAndResponders(ctx context.Context, userID string) (*models.User, []models.ContactRef, error) {
	doc, err := notifier.store.Get(ctx, docstore.UsersCollection, userID)
	if err != nil {
		return nil, nil, err
	}

	user, err := models.DecodeUser(*doc)
	if err != nil {
		return nil, nil, err
	}

	var contacts []models.ContactRef
	if user.HasInlineContacts() {
		contacts, err = user.ContactRefs()
		if err != nil {
			return nil, nil, err
		}
	} else {
		docs, err := notifier.store.Query(ctx, models.ContactsCollectionFor(userID))
		if err != nil {
			return nil, nil, err
		}

		for _, doc := range docs {
			contact, err := models.DecodeContactRecord(doc.ID, doc.Data)
			if err != nil {
				return nil, nil, err
			}
			if contact == nil {
				continue
			}
			contacts = append(contacts, *contact)
		}
	}

	responders := []models.ContactRef{}
	for _, contact := range contacts {
		if contact.IsResponder {
			responders = append(responders, contact)
		}
	}

	return user, responders, nil
}
