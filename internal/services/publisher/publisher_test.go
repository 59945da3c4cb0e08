package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	"github.com/BearBump/LiveTrack/internal/integrations/geolocation/simulated"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/BearBump/LiveTrack/internal/realtime/memrelay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

const shipment = models.ShipmentID("HE20240001")

type PublisherSuite struct {
	suite.Suite

	relay    *memrelay.Relay
	source   *fakeSource
	clock    *fakeClock
	notifier *recordingNotifier
	pub      *Publisher

	mu      sync.Mutex
	samples []models.LocationSample
}

func (s *PublisherSuite) SetupTest() {
	s.relay = memrelay.New()
	s.source = newFakeSource()
	s.clock = newFakeClock()
	s.notifier = &recordingNotifier{}
	s.samples = nil

	s.pub = New(s.relay.Connect(), s.source, NewRegistry(), s.notifier).
		WithClock(s.clock).
		WithLogger(zerolog.Nop())

	viewer := s.relay.Connect()
	s.Require().NoError(viewer.Join(string(shipment)))
	realtime.OnSample(viewer, func(smp models.LocationSample) {
		s.mu.Lock()
		s.samples = append(s.samples, smp)
		s.mu.Unlock()
	}, nil)
}

func (s *PublisherSuite) received() []models.LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LocationSample(nil), s.samples...)
}

func (s *PublisherSuite) TestStart_EmitsSampleForFix() {
	s.Require().NoError(s.pub.StartTracking(shipment, "Agent Karim"))
	s.source.fix(23.8103, 90.4125)

	got := s.received()
	s.Require().Len(got, 1)
	s.Require().Equal(shipment, got[0].ShipmentID)
	s.Require().Equal(23.8103, got[0].Latitude)
	s.Require().Equal(90.4125, got[0].Longitude)
	s.Require().Equal("Agent Karim", got[0].PublisherLabel)
	// Fix had no timestamp: capture time is used.
	s.Require().True(s.clock.Now().Equal(got[0].Timestamp))

	s.Require().Equal(DefaultWatchOptions, s.source.watch(0).opts)
	s.Require().Equal(2, s.relay.Members(string(shipment)), "publisher joins the room too")

	notices := s.notifier.all()
	s.Require().Len(notices, 1)
	s.Require().Equal(NoticeInfo, notices[0].Level)
}

func (s *PublisherSuite) TestStart_Idempotent() {
	s.Require().NoError(s.pub.StartTracking(shipment, "Agent Karim"))
	s.Require().NoError(s.pub.StartTracking(shipment, "Agent Karim"))

	s.Require().Equal(1, s.source.liveCount())
	s.Require().Equal(1, s.pub.Registry().Len())

	s.source.fix(1, 1)
	s.Require().Len(s.received(), 1)
}

func (s *PublisherSuite) TestStart_SupersededWatchIsSilent() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	first := s.source.watch(0)
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))

	first.onFix(geolocation.Fix{Latitude: 5, Longitude: 5})
	first.onError(&geolocation.Error{Code: geolocation.CodeTimeout})

	s.Require().Empty(s.received())
	s.Require().Zero(s.clock.pending())
}

func (s *PublisherSuite) TestStart_EmptyShipmentID() {
	s.Require().ErrorIs(s.pub.StartTracking("", "A"), ErrEmptyShipmentID)
	s.Require().Zero(s.source.started())
}

func (s *PublisherSuite) TestStop_IsTerminal() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	w := s.source.watch(0)

	s.source.fail(geolocation.CodeTimeout)
	s.Require().Equal(1, s.clock.pending())

	s.pub.StopTracking(shipment)
	s.Require().Zero(s.clock.pending(), "stop cancels the pending retry")

	// Callbacks that were already scheduled fire late.
	w.onFix(geolocation.Fix{Latitude: 1, Longitude: 1})
	w.onError(&geolocation.Error{Code: geolocation.CodeTimeout})
	s.clock.Advance(time.Minute)

	s.Require().Empty(s.received())
	s.Require().Equal(1, s.source.started(), "no restart after stop")
	s.Require().Zero(s.clock.pending())
	s.Require().Zero(s.pub.Registry().Len())
}

func (s *PublisherSuite) TestStop_ReleasesWatch() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	s.pub.StopTracking(shipment)
	s.Require().Zero(s.source.liveCount())

	s.source.fix(1, 1)
	s.Require().Empty(s.received())
}

func (s *PublisherSuite) TestStop_NoSessionIsNoop() {
	s.pub.StopTracking("unknown")
	s.pub.StopAll()
	s.Require().Zero(s.pub.Registry().Len())
}

func (s *PublisherSuite) TestError_RetriesAfterFixedDelay() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	s.source.fail(geolocation.CodePositionUnavailable)

	s.Require().Zero(s.source.liveCount(), "failed watch is released")
	s.Require().Len(s.notifier.byKind(KindUnavailable), 1)

	s.clock.Advance(DefaultRetryDelay - time.Millisecond)
	s.Require().Equal(1, s.source.started())

	s.clock.Advance(time.Millisecond)
	s.Require().Equal(2, s.source.started())
	s.Require().Equal(1, s.source.liveCount())

	s.source.fix(2, 3)
	s.Require().Len(s.received(), 1)
	// Retries do not repeat the "started" notice.
	s.Require().Len(s.notifier.all(), 2)
}

func (s *PublisherSuite) TestError_RetriesForever() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	for i := 0; i < 5; i++ {
		s.source.fail(geolocation.CodeTimeout)
		s.clock.Advance(DefaultRetryDelay)
	}
	s.Require().Equal(6, s.source.started())
	s.Require().Equal(1, s.source.liveCount())
	s.Require().Len(s.notifier.byKind(KindTimeout), 5)
	s.Require().Equal(int64(5), s.pub.Stats().RetriesScheduled)
}

func (s *PublisherSuite) TestError_RetryCoalescing() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	w := s.source.watch(0)

	w.onError(&geolocation.Error{Code: geolocation.CodeTimeout})
	s.clock.Advance(2 * time.Second)
	w.onError(&geolocation.Error{Code: geolocation.CodePositionUnavailable})

	s.Require().Equal(1, s.clock.pending())
	// The released watch reporting again is the same failure.
	s.Require().Empty(s.notifier.byKind(KindUnavailable))
	s.Require().Equal(int64(1), s.pub.Stats().RetriesScheduled)

	// The retry is not pushed back by the late report.
	s.clock.Advance(3 * time.Second)
	s.Require().Equal(2, s.source.started())
	s.Require().Equal(1, s.source.liveCount())
	s.Require().Zero(s.clock.pending())

	s.source.fix(1, 1)
	s.Require().Len(s.received(), 1, "no sample burst on recovery")
}

func (s *PublisherSuite) TestError_EachRestartFailsOnce() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	first := s.source.watch(0)
	first.onError(&geolocation.Error{Code: geolocation.CodeTimeout})
	s.clock.Advance(DefaultRetryDelay)

	// The restarted watch fails; a late report of the first one is ignored.
	s.source.watch(1).onError(&geolocation.Error{Code: geolocation.CodeTimeout})
	first.onError(&geolocation.Error{Code: geolocation.CodeTimeout})

	s.Require().Len(s.notifier.byKind(KindTimeout), 2)
	s.Require().Equal(1, s.clock.pending())
	s.clock.Advance(DefaultRetryDelay)
	s.Require().Equal(3, s.source.started())
}

func (s *PublisherSuite) TestError_ClassificationAndMessages() {
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))

	s.source.fail(geolocation.CodePermissionDenied)
	s.clock.Advance(DefaultRetryDelay)
	s.source.fail(geolocation.CodeTimeout)
	s.clock.Advance(DefaultRetryDelay)
	for _, w := range s.source.snapshot() {
		w.onError(errors.New("sensor exploded"))
	}

	denied := s.notifier.byKind(KindPermissionDenied)
	s.Require().Len(denied, 1)
	s.Require().Equal(NoticeError, denied[0].Level)

	timeout := s.notifier.byKind(KindTimeout)
	s.Require().Len(timeout, 1)
	s.Require().Contains(timeout[0].Message, "retrying")

	unknown := s.notifier.byKind(KindUnknown)
	s.Require().Len(unknown, 1)
	s.Require().Contains(unknown[0].Message, "sensor exploded")
	s.Require().Equal(1, s.clock.pending(), "unknown errors retry too")

	st := s.pub.Stats()
	s.Require().Equal(int64(1), st.ErrorsByKind["permission_denied"])
	s.Require().Equal(int64(1), st.ErrorsByKind["unknown"])
}

func (s *PublisherSuite) TestError_SynchronousFromWatch() {
	s.source.failNow = &geolocation.Error{Code: geolocation.CodePositionUnavailable}
	s.Require().NoError(s.pub.StartTracking(shipment, "A"))

	s.Require().Zero(s.source.liveCount(), "watch that failed during setup is released")
	s.Require().Equal(1, s.clock.pending())

	s.source.failNow = nil
	s.clock.Advance(DefaultRetryDelay)
	s.Require().Equal(1, s.source.liveCount())
	s.Require().Equal(1, s.pub.Stats().ActiveSessions)
}

func (s *PublisherSuite) TestPermissionGrant_ResumesIdleSessions() {
	perms := &countingPerms{PermissionObserver: simulated.NewPermissions(geolocation.PermissionDenied)}
	s.pub.WithPermissions(perms)

	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	s.Require().NoError(s.pub.StartTracking("HE20240002", "A"))
	s.Require().Equal(1, perms.subscribeCalls(), "listener installed once")

	s.source.fail(geolocation.CodePermissionDenied)
	s.Require().Zero(s.source.liveCount())
	s.Require().Equal(2, s.clock.pending())

	perms.PermissionObserver.(*simulated.Permissions).Set(geolocation.PermissionGranted)

	s.Require().Equal(2, s.source.liveCount(), "resumed without waiting for the timer")
	s.Require().Zero(s.clock.pending())

	s.clock.Advance(DefaultRetryDelay)
	s.Require().Equal(4, s.source.started(), "cancelled retries do not fire")
}

func (s *PublisherSuite) TestPermissionGrant_IgnoresStoppedAndLive() {
	perms := simulated.NewPermissions(geolocation.PermissionPrompt)
	s.pub.WithPermissions(perms)

	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	s.Require().NoError(s.pub.StartTracking("HE20240002", "A"))
	s.pub.StopTracking("HE20240002")

	perms.Set(geolocation.PermissionGranted)
	s.Require().Equal(2, s.source.started())
	s.Require().Equal(1, s.source.liveCount())
}

func (s *PublisherSuite) TestClose_StopsAllAndUnsubscribes() {
	perms := simulated.NewPermissions(geolocation.PermissionDenied)
	s.pub.WithPermissions(perms)

	s.Require().NoError(s.pub.StartTracking(shipment, "A"))
	s.source.fail(geolocation.CodePermissionDenied)
	s.pub.Close()

	perms.Set(geolocation.PermissionGranted)
	s.Require().Equal(1, s.source.started())
	s.Require().Zero(s.pub.Registry().Len())
	s.Require().Zero(s.clock.pending())
}

func (s *PublisherSuite) TestPublishWhileDisconnected_IsDropped() {
	conn := s.relay.Connect()
	pub := New(conn, s.source, nil, nil).WithClock(s.clock).WithLogger(zerolog.Nop())
	s.Require().NoError(pub.StartTracking(shipment, "A"))

	conn.Disconnect()
	s.source.fix(1, 1)
	s.Require().Empty(s.received())
	s.Require().Zero(pub.Stats().SamplesEmitted)

	conn.Reconnect()
	s.source.fix(2, 2)
	s.Require().Len(s.received(), 1)
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}
