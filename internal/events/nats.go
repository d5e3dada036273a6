package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// NATSMirror republishes progress events on <prefix>.job.<id> so external
// consumers can follow jobs without holding an HTTP stream open.
type NATSMirror struct {
	log    *slog.Logger
	conn   *nats.Conn
	prefix string
}

func NewNATSMirror(log *slog.Logger, conn *nats.Conn, prefix string) *NATSMirror {
	if prefix == "" {
		prefix = "voxflow"
	}
	return &NATSMirror{log: log, conn: conn, prefix: prefix}
}

// Publish is best effort. A broker outage must never block or fail the
// pipeline, so a mirror without a connection stays silent and marshal and
// publish errors are only logged.
func (m *NATSMirror) Publish(event domain.ProgressEvent) {
	if m.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.log.Error("marshal progress event", slog.String("job_id", event.JobID), slog.String("error", err.Error()))
		return
	}

	subject := fmt.Sprintf("%s.job.%s", m.prefix, event.JobID)
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Warn("mirror progress event",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (m *NATSMirror) Connected() bool {
	return m.conn != nil && m.conn.IsConnected()
}
