// Package watchdog runs the background sweeps: it watches every user's
// check-in window, queues reminders & missed-check-in alerts, retries
// failed contact-removal reconciliations and triggers store backups.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/liveness"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/server/models"
	"github.com/Daskott/vigil/server/work"
)

const (
	LIVENESS_SWEEP_JOB        = "livenessSweep"
	MISSED_CHECK_IN_ALERT_JOB = "missedCheckInAlert"
	CHECK_IN_REMINDER_JOB     = "checkInReminder"
	STORE_BACKUP_JOB          = "storeBackup"

	// DEFAULT_SWEEP_SCHEDULE runs the liveness sweep every 10 minutes
	DEFAULT_SWEEP_SCHEDULE = "*/10 * * * *"
)

var logg = logger.NewLogger()

// AlertSender delivers the watchdog's messages. Implemented by the SMS
// notifier; faked in tests.
type AlertSender interface {
	SendMissedCheckInAlert(ctx context.Context, userID string) error
	SendCheckInReminder(ctx context.Context, user models.User, remaining time.Duration) error
}

// GapRetrier re-attempts remote deletions that failed after their local
// removal. Implemented by the contacts engine.
type GapRetrier interface {
	RetryReconciliationGaps(ctx context.Context)
}

type Watchdog struct {
	store   docstore.Store
	adapter *work.WorkerPoolAdapter
	alerts  AlertSender
	now     func() time.Time

	retriersMu sync.Mutex
	retriers   []GapRetrier

	backupSchedule string
	backup         func() error
}

func New(store docstore.Store, adapter *work.WorkerPoolAdapter, alerts AlertSender, now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}

	return &Watchdog{
		store:   store,
		adapter: adapter,
		alerts:  alerts,
		now:     now,
	}
}

// RegisterGapRetrier adds an engine whose reconciliation gaps should be
// retried on every sweep
func (wd *Watchdog) RegisterGapRetrier(retrier GapRetrier) {
	wd.retriersMu.Lock()
	defer wd.retriersMu.Unlock()

	wd.retriers = append(wd.retriers, retrier)
}

// EnableStoreBackup schedules the given backup function, e.g. the sqlite
// file upload to cloud storage
func (wd *Watchdog) EnableStoreBackup(schedule string, backup func() error) {
	wd.backupSchedule = schedule
	wd.backup = backup
}

// Start registers the job handlers & kicks off the periodic sweeps
func (wd *Watchdog) Start(sweepSchedule string) error {
	if sweepSchedule == "" {
		sweepSchedule = DEFAULT_SWEEP_SCHEDULE
	}

	handlers := map[string]work.Handler{
		LIVENESS_SWEEP_JOB:        wd.runSweep,
		MISSED_CHECK_IN_ALERT_JOB: wd.runMissedCheckInAlert,
		CHECK_IN_REMINDER_JOB:     wd.runCheckInReminder,
	}
	if wd.backup != nil {
		handlers[STORE_BACKUP_JOB] = func(map[string]interface{}) error { return wd.backup() }
	}

	for name, handler := range handlers {
		if err := wd.adapter.Register(name, handler); err != nil {
			return err
		}
	}

	err := wd.adapter.PeriodicallyPerform(sweepSchedule, work.JobParams{
		Name:    LIVENESS_SWEEP_JOB,
		Handler: LIVENESS_SWEEP_JOB,
		Unique:  true,
	})
	if err != nil {
		return err
	}

	if wd.backup != nil {
		err = wd.adapter.PeriodicallyPerform(wd.backupSchedule, work.JobParams{
			Name:    STORE_BACKUP_JOB,
			Handler: STORE_BACKUP_JOB,
			Unique:  true,
		})
		if err != nil {
			return err
		}
	}

	wd.adapter.Start()
	return nil
}

func (wd *Watchdog) Stop() {
	wd.adapter.Stop()
}

// ---------------------------------------------------------------------------------//
// Job handlers
// --------------------------------------------------------------------------------//

// runSweep walks every user & queues whatever their check-in window calls
// for. The queued jobs are unique per expiry window, so a user is nagged
// once per window, not once per sweep.
func (wd *Watchdog) runSweep(map[string]interface{}) error {
	ctx := context.Background()

	wd.retriersMu.Lock()
	retriers := append([]GapRetrier{}, wd.retriers...)
	wd.retriersMu.Unlock()

	for _, retrier := range retriers {
		retrier.RetryReconciliationGaps(ctx)
	}

	docs, err := wd.store.Query(ctx, docstore.UsersCollection)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		user, err := models.DecodeUser(doc)
		if err != nil {
			logg.Warnf("skipping malformed user document %q: %v", doc.ID, err)
			continue
		}

		if user.CheckInInterval <= 0 {
			continue
		}

		wd.sweepUser(user)
	}

	return nil
}

func (wd *Watchdog) sweepUser(user *models.User) {
	now := wd.now()
	lastCheckIn := user.LastCheckInTime()
	interval := user.Interval()
	expiresAt := liveness.ExpiresAt(lastCheckIn, interval)

	if liveness.IsNonResponsive(lastCheckIn, interval, now) {
		err := wd.adapter.PerformOnce(work.JobParams{
			Name:    windowJobName(MISSED_CHECK_IN_ALERT_JOB, user.ID, expiresAt),
			Handler: MISSED_CHECK_IN_ALERT_JOB,
			Args:    map[string]interface{}{"uid": user.ID},
		})
		if err != nil {
			logg.Error(err)
		}
		return
	}

	lead := reminderLead(user)
	if lead == 0 {
		return
	}

	if liveness.TimeRemaining(lastCheckIn, interval, now) > lead {
		return
	}

	err := wd.adapter.PerformOnce(work.JobParams{
		Name:    windowJobName(CHECK_IN_REMINDER_JOB, user.ID, expiresAt),
		Handler: CHECK_IN_REMINDER_JOB,
		Args:    map[string]interface{}{"uid": user.ID, "leadMinutes": int(lead / time.Minute)},
	})
	if err != nil {
		logg.Error(err)
	}
}

// runMissedCheckInAlert re-checks the user before messaging their
// responders - they may have checked in between enqueue & run
func (wd *Watchdog) runMissedCheckInAlert(args map[string]interface{}) error {
	ctx := context.Background()

	user, err := wd.loadUser(ctx, args)
	if err != nil {
		return err
	}

	if !liveness.IsNonResponsive(user.LastCheckInTime(), user.Interval(), wd.now()) {
		logg.Infof("%v checked in before the alert went out, dropping it", user.ID)
		return nil
	}

	return wd.alerts.SendMissedCheckInAlert(ctx, user.ID)
}

func (wd *Watchdog) runCheckInReminder(args map[string]interface{}) error {
	ctx := context.Background()

	user, err := wd.loadUser(ctx, args)
	if err != nil {
		return err
	}

	remaining := liveness.TimeRemaining(user.LastCheckInTime(), user.Interval(), wd.now())
	if remaining <= 0 {
		// Lapsed already; the next sweep raises the missed-check-in alert
		return nil
	}

	lead, _ := args["leadMinutes"].(float64)
	if lead > 0 && remaining > time.Duration(lead)*time.Minute {
		logg.Infof("%v checked in before the reminder went out, dropping it", user.ID)
		return nil
	}

	return wd.alerts.SendCheckInReminder(ctx, *user, remaining)
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (wd *Watchdog) loadUser(ctx context.Context, args map[string]interface{}) (*models.User, error) {
	uid, _ := args["uid"].(string)
	if uid == "" {
		return nil, fmt.Errorf("job args missing uid: %v", args)
	}

	doc, err := wd.store.Get(ctx, docstore.UsersCollection, uid)
	if err != nil {
		return nil, err
	}

	return models.DecodeUser(*doc)
}

func reminderLead(user *models.User) time.Duration {
	switch {
	case user.Notify30MinBefore:
		return 30 * time.Minute
	case user.Notify2HoursBefore:
		return 2 * time.Hour
	default:
		return 0
	}
}

func windowJobName(jobType, userID string, expiresAt time.Time) string {
	return fmt.Sprintf("%v/%v/%v", jobType, userID, expiresAt.Unix())
}
