package server

import (
	"fmt"
	"time"

	"github.com/kestrelmq/broker/internal/router"
)

// publishSysTopics periodically routes broker bookkeeping as non-retained
// publishes under $SYS/broker/..., the same small set of counters a
// client-facing $SYS consumer (a dashboard, a monitoring sidecar)
// expects from any broker that implements it at all.
func (s *Server) publishSysTopics() {
	interval := s.cfg.SysTopics.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			s.publishSysSnapshot(start)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) publishSysSnapshot(start time.Time) {
	uptime := int64(time.Since(start).Seconds())
	count, _ := s.retained.Count()

	s.publishSys("$SYS/broker/uptime", fmt.Sprintf("%d", uptime))
	s.publishSys("$SYS/broker/clients/total", fmt.Sprintf("%d", s.registry.Count()))
	s.publishSys("$SYS/broker/retained messages/count", fmt.Sprintf("%d", count))
	s.publishSys("$SYS/broker/version", "kestrelmq")
}

// publishSys fans a $SYS update out to live subscribers only — these
// counters churn every tick, so they are not retained (and therefore
// never reach the persistence layer through persistingRetainedStore).
func (s *Server) publishSys(topicName, payload string) {
	s.router.Route(router.PublishInput{
		Topic:   topicName,
		Payload: []byte(payload),
		QoS:     0,
	})
}
