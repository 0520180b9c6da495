package cron

import (
	"time"

	"github.com/Daskott/vigil/server/logger"
	"github.com/go-co-op/gocron"
)

var logg = logger.NewLogger()

// NewCronScheduler returns a scheduler pinned to the configured time zone,
// falling back to UTC when the zone can't be loaded
func NewCronScheduler(timeZone string) *gocron.Scheduler {
	location, err := time.LoadLocation(timeZone)
	if err != nil {
		logg.Warnf("unable to load time zone %q, falling back to UTC: %v", timeZone, err)
		location = time.UTC
	}

	scheduler := gocron.NewScheduler(location)
	scheduler.TagsUnique()

	return scheduler
}
