package simulate

import (
	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
)

// logAnnouncer writes the driver announcements to the log.
type logAnnouncer struct{}

func (a *logAnnouncer) AnnounceApproach(z model.MonitoredZone, distanceFeet float64) {
	log.Info("camera ahead",
		log.String("zone", z.Label()),
		log.Int("limitMph", z.SpeedLimitMph),
		log.Float64("distanceFeet", distanceFeet))
}

func (a *logAnnouncer) AnnounceSpeeding(z model.MonitoredZone, speedMph float64) {
	log.Warn("slow down",
		log.String("zone", z.Label()),
		log.Int("limitMph", z.SpeedLimitMph),
		log.Float64("speedMph", speedMph))
}

func (a *logAnnouncer) AnnounceExit(z model.MonitoredZone) {
	log.Info("zone passed", log.String("zone", z.Label()))
}
