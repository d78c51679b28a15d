package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"

	"lucky-packet-engine/models"
)

// Sweeper runs the periodic jobs that derive state from the wall clock:
// expiring overdue packets and flagging delayed VRF fulfillments.
type Sweeper struct {
	DB          *gorm.DB
	Stats       *StatsCache
	Broadcaster *Broadcaster
	VRFTimeout  time.Duration

	scheduler gocron.Scheduler
}

func NewSweeper(db *gorm.DB, stats *StatsCache, broadcaster *Broadcaster, vrfTimeout time.Duration) *Sweeper {
	return &Sweeper{
		DB:          db,
		Stats:       stats,
		Broadcaster: broadcaster,
		VRFTimeout:  vrfTimeout,
	}
}

// Start schedules both sweep jobs. Call Stop on shutdown.
func (s *Sweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.scheduler = sched

	if _, err := sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(s.SweepExpired),
	); err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(s.FlagDelayedVRF),
	); err != nil {
		return err
	}

	sched.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		_ = s.scheduler.Shutdown()
	}
}

// SweepExpired moves overdue Active packets with an unclaimed remainder to
// Expired. Complements the lazy check the reconciler does on access.
func (s *Sweeper) SweepExpired() {
	now := time.Now().UTC()

	var packets []models.Packet
	if err := s.DB.
		Where("state = ? AND expires_at <= ?", models.PacketStateActive, now).
		Find(&packets).Error; err != nil {
		log.Printf("[sweeper] DB error: %v", err)
		return
	}

	for _, p := range packets {
		if !CheckExpiry(&p, now) {
			continue
		}
		res := s.DB.Model(&models.Packet{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Updates(map[string]any{
				"state":   models.PacketStateExpired,
				"version": p.Version + 1,
			})
		if res.Error != nil {
			log.Printf("[sweeper] failed to expire packet %s: %v", p.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue // lost the version race; the winner handled it
		}

		log.Printf("⌛ packet expired: %s", p.ID)
		p.State = models.PacketStateExpired
		s.Stats.Invalidate(GlobalStatsKey, UserStatsKey(p.Creator))
		s.Broadcaster.PublishPacketUpdate(&p)
	}
}

// FlagDelayedVRF marks pending randomness requests older than the configured
// timeout as delayed. The packet stays PendingRandomness; only an explicit
// Refunded event or operator action closes it out of that state.
func (s *Sweeper) FlagDelayedVRF() {
	cutoff := time.Now().UTC().Add(-s.VRFTimeout)
	now := time.Now().UTC()

	res := s.DB.Model(&models.VRFRequest{}).
		Where("status = ? AND requested_at <= ? AND delayed_since IS NULL", models.VRFStatusPending, cutoff).
		Update("delayed_since", now)
	if res.Error != nil {
		log.Printf("[sweeper] failed to flag delayed VRF requests: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		log.Printf("⏳ flagged %d VRF request(s) as awaiting-randomness-delayed", res.RowsAffected)
	}
}
