package publisher

import (
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/rs/zerolog"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-visible message about a tracking session.
type Notice struct {
	ShipmentID models.ShipmentID `json:"shipmentId"`
	Level      NoticeLevel       `json:"level"`
	Kind       ErrorKind         `json:"kind,omitempty"` // empty for non-error notices
	Message    string            `json:"message"`
	At         time.Time         `json:"at"`
}

type Notifier interface {
	Notify(n Notice)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

// LogNotifier writes notices to the agent's log, one entry per notice.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(l zerolog.Logger) LogNotifier {
	return LogNotifier{log: l}
}

func (n LogNotifier) Notify(nt Notice) {
	ev := n.log.Info()
	switch nt.Level {
	case NoticeWarning:
		ev = n.log.Warn()
	case NoticeError:
		ev = n.log.Error()
	}
	if nt.Kind != "" {
		ev = ev.Str("error_kind", string(nt.Kind))
	}
	ev.Str("shipment_id", string(nt.ShipmentID)).Msg(nt.Message)
}

// RecentNotices keeps the last notices for the agent's HTTP surface.
type RecentNotices struct {
	mu    sync.Mutex
	size  int
	items []Notice
	now   func() time.Time
}

func NewRecentNotices(size int) *RecentNotices {
	if size <= 0 {
		size = 50
	}
	return &RecentNotices{size: size, now: time.Now}
}

func (r *RecentNotices) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if len(r.items) > r.size {
		r.items = append([]Notice(nil), r.items[len(r.items)-r.size:]...)
	}
}

// List returns the notices, oldest first.
func (r *RecentNotices) List() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.items...)
}

// Fanout delivers each notice to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(n Notice) {
	for _, x := range f {
		x.Notify(n)
	}
}
