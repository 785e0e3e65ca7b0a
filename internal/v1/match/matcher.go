// Package match implements the roulette engine: randomized pairing of
// waiting sockets with anti-self, anti-rematch and liveness filters, and
// the start/next/stop/disconnect transitions around it.
package match

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"

	"github.com/maxkolt/livi-app-sub003/internal/v1/livekit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/transport"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

const (
	// nextDebounce collapses repeated next events from one socket.
	nextDebounce = 500 * time.Millisecond
	// reenqueueDelay lets both sides of a next converge before the
	// initiator re-enters the queue.
	reenqueueDelay = 400 * time.Millisecond
	// banWindow prevents an immediate rematch after a next.
	banWindow = 5 * time.Second
	// smallCohort is the queue size at or below which the rematch ban is
	// ignored so two lonely users can keep talking.
	smallCohort = 2
)

// Found is the match_found payload. A nil token means minting failed and
// the clients fall back to peer-to-peer.
type Found struct {
	RoomID          types.RoomID `json:"roomId"`
	ID              types.SID    `json:"id"`
	UserID          types.UserID `json:"userId"`
	LivekitToken    *string      `json:"livekitToken"`
	LivekitRoomName string       `json:"livekitRoomName"`
}

// Router is the registration surface the matcher wires into.
type Router interface {
	Handle(event string, h transport.HandlerFunc)
	OnDisconnect(transport.DisconnectHook)
}

// Matcher runs the random-pairing loop over the shared queue.
type Matcher struct {
	gw       types.Gateway
	store    store.Store
	minter   *livekit.Minter
	presence *presence.Broadcaster
	clock    clock.Clock

	mu         sync.Mutex
	inProgress set.Set[types.SID] // tryMatch reentrancy guard
	lastNext   map[types.SID]time.Time

	wg sync.WaitGroup
}

func New(gw types.Gateway, st store.Store, minter *livekit.Minter, pres *presence.Broadcaster) *Matcher {
	return NewWithClock(gw, st, minter, pres, clock.RealClock{})
}

func NewWithClock(gw types.Gateway, st store.Store, minter *livekit.Minter, pres *presence.Broadcaster, c clock.Clock) *Matcher {
	return &Matcher{
		gw:         gw,
		store:      st,
		minter:     minter,
		presence:   pres,
		clock:      c,
		inProgress: set.New[types.SID](),
		lastNext:   make(map[types.SID]time.Time),
	}
}

// Register wires the matcher into the gateway.
func (m *Matcher) Register(r Router) {
	r.Handle(types.EventStart, m.HandleStart)
	r.Handle(types.EventNext, m.HandleNext)
	r.Handle(types.EventStop, m.HandleStop)
	r.OnDisconnect(m.HandleDisconnect)
}

// Wait blocks until delayed re-enqueue goroutines finish. Shutdown helper.
func (m *Matcher) Wait() {
	m.wg.Wait()
}

// HandleStart puts the socket into the waiting queue and attempts a match.
func (m *Matcher) HandleStart(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	state, ok := m.gw.State(sid)
	if !ok {
		return
	}
	// A socket already talking to a live partner, or in a direct call,
	// must not re-enter the queue.
	if state.InCall || (state.PartnerSID != "" && m.gw.IsConnected(state.PartnerSID)) {
		return
	}

	m.clearScratch(sid)
	m.setBusy(ctx, state.UserID, true)

	if err := m.store.AddToQueue(ctx, sid); err != nil {
		logging.Error(ctx, "enqueue failed", zap.Error(err))
		return
	}
	_ = m.store.SetTimestamp(ctx, sid, store.TSStart, m.clock.Now())
	m.updateQueueGauge(ctx)

	m.tryMatch(ctx, sid)
}

// HandleNext separates the current pair, bans an immediate rematch, and
// re-enters both sides into the queue (the partner immediately, the
// initiator after a short convergence delay).
func (m *Matcher) HandleNext(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	now := m.clock.Now()
	m.mu.Lock()
	if last, ok := m.lastNext[sid]; ok && now.Sub(last) < nextDebounce {
		m.mu.Unlock()
		return
	}
	m.lastNext[sid] = now
	m.mu.Unlock()

	m.gw.UpdateState(sid, func(s *types.ConnState) { s.IsNexting = true })

	partner, err := m.store.RemovePair(ctx, sid)
	if err != nil {
		logging.Error(ctx, "pair removal failed", zap.Error(err))
	}
	if partner == "" {
		if state, ok := m.gw.State(sid); ok {
			partner = state.PartnerSID
		}
	}

	if partner != "" && m.gw.IsConnected(partner) {
		if err := m.store.BanPair(ctx, sid, partner, banWindow); err != nil {
			logging.Warn(ctx, "pair ban failed", zap.Error(err))
		}

		partnerState, _ := m.gw.State(partner)
		m.clearScratch(partner)
		_ = m.store.UnlockSocket(ctx, partner)
		_ = m.store.RemoveFromQueue(ctx, partner)

		m.gw.Emit(partner, types.EventPeerLeft, map[string]any{})
		m.setBusy(ctx, partnerState.UserID, true)
		if err := m.store.AddToQueue(ctx, partner); err != nil {
			logging.Error(ctx, "partner re-enqueue failed", zap.Error(err))
		} else {
			m.tryMatch(ctx, partner)
		}
		metrics.ActivePairs.Dec()
	}

	selfState, _ := m.gw.State(sid)
	m.clearScratch(sid)
	_ = m.store.UnlockSocket(ctx, sid)
	m.setBusy(ctx, selfState.UserID, true)

	// Delayed re-entry; the partner gets first pick of the queue.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-m.clock.After(reenqueueDelay)

		ctx := logging.WithSID(context.Background(), string(sid))
		defer m.gw.UpdateState(sid, func(s *types.ConnState) { s.IsNexting = false })

		if !m.gw.IsConnected(sid) {
			return
		}
		if err := m.store.AddToQueue(ctx, sid); err != nil {
			logging.Error(ctx, "re-enqueue failed", zap.Error(err))
			return
		}
		m.updateQueueGauge(ctx)
		m.tryMatch(ctx, sid)
	}()
}

// HandleStop withdraws the socket from matchmaking entirely.
func (m *Matcher) HandleStop(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	_ = m.store.RemoveFromQueue(ctx, sid)
	_ = m.store.UnlockSocket(ctx, sid)

	partner, err := m.store.RemovePair(ctx, sid)
	if err != nil {
		logging.Error(ctx, "pair removal failed", zap.Error(err))
	}
	if partner != "" {
		metrics.ActivePairs.Dec()
		if m.gw.IsConnected(partner) {
			m.gw.Emit(partner, types.EventPeerStopped, map[string]any{})
			m.gw.UpdateState(partner, func(s *types.ConnState) {
				s.PartnerSID = ""
				s.RoomID = ""
			})
		}
	}

	state, _ := m.gw.State(sid)
	m.clearScratch(sid)
	m.setBusy(ctx, state.UserID, false)
	m.updateQueueGauge(ctx)
}

// HandleDisconnect is the matcher's share of socket teardown.
func (m *Matcher) HandleDisconnect(sid types.SID, last types.ConnState) {
	if last.IsNexting {
		// The next handler owns this transition; its delayed re-enqueue
		// will find the socket gone and stop.
		return
	}
	ctx := logging.WithSID(context.Background(), string(sid))

	_ = m.store.RemoveFromQueue(ctx, sid)

	partner, err := m.store.RemovePair(ctx, sid)
	if err != nil {
		logging.Error(ctx, "pair removal failed", zap.Error(err))
	}
	if partner == "" {
		partner = last.PartnerSID
	}
	if partner != "" && m.gw.IsConnected(partner) {
		metrics.ActivePairs.Dec()
		m.gw.Emit(partner, types.EventDisconnected, map[string]any{})
		m.gw.UpdateState(partner, func(s *types.ConnState) {
			s.PartnerSID = ""
			s.RoomID = ""
		})
	}

	_ = m.store.ClearTimestamps(ctx, sid)
	_ = m.store.UnlockSocket(ctx, sid)
	m.setBusy(ctx, last.UserID, false)
	m.updateQueueGauge(ctx)

	m.mu.Lock()
	delete(m.lastNext, sid)
	m.mu.Unlock()
}

// tryMatch scans the queue for the first viable candidate and pairs with
// it. Guarded against reentry per sid.
func (m *Matcher) tryMatch(ctx context.Context, sid types.SID) {
	m.mu.Lock()
	if m.inProgress.Has(sid) {
		m.mu.Unlock()
		return
	}
	m.inProgress.Insert(sid)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inProgress.Delete(sid)
		m.mu.Unlock()
	}()

	state, ok := m.gw.State(sid)
	if !ok || state.InCall || state.PartnerSID != "" {
		return
	}
	if locked, err := m.store.IsLocked(ctx, sid); err != nil || locked {
		return
	}

	_ = m.store.SetTimestamp(ctx, sid, store.TSMatchAttempt, m.clock.Now())

	queue, err := m.store.WaitingQueue(ctx)
	if err != nil {
		logging.Error(ctx, "queue scan failed", zap.Error(err))
		return
	}

	candidate, ok := m.pickCandidate(ctx, sid, state, queue)
	if !ok {
		return // stay in the queue
	}

	if err := m.pair(ctx, sid, candidate); err != nil {
		logging.Error(ctx, "pairing failed, restoring queue state",
			zap.String("candidate", string(candidate)), zap.Error(err))
		// Leave self no worse than re-enqueued and unlocked.
		_, _ = m.store.RemovePair(ctx, sid)
		_ = m.store.UnlockSocket(ctx, sid)
		_ = m.store.UnlockSocket(ctx, candidate)
		_ = m.store.AddToQueue(ctx, sid)
		_ = m.store.AddToQueue(ctx, candidate)
	}
}

// pickCandidate applies the viability filters in queue order.
func (m *Matcher) pickCandidate(ctx context.Context, sid types.SID, state types.ConnState, queue []types.SID) (types.SID, bool) {
	for _, c := range queue {
		if c == sid || !m.gw.IsConnected(c) {
			continue
		}
		if locked, err := m.store.IsLocked(ctx, c); err != nil || locked {
			continue
		}
		if partner, err := m.store.Partner(ctx, c); err != nil || partner != "" {
			continue
		}
		cState, ok := m.gw.State(c)
		if !ok {
			continue
		}
		// No self-match across devices.
		if state.UserID != "" && cState.UserID != "" && state.UserID == cState.UserID {
			continue
		}
		// The rematch ban yields to liveness in a tiny cohort.
		if len(queue) > smallCohort {
			if banned, err := m.store.IsBannedTogether(ctx, sid, c); err == nil && banned {
				continue
			}
		}
		return c, true
	}
	return "", false
}

// pair performs the match transaction and emits match_found to both sides.
func (m *Matcher) pair(ctx context.Context, sid, other types.SID) error {
	if err := m.store.RemoveFromQueue(ctx, sid); err != nil {
		return err
	}
	if err := m.store.RemoveFromQueue(ctx, other); err != nil {
		return err
	}
	if err := m.store.LockSocket(ctx, sid); err != nil {
		return err
	}
	if err := m.store.LockSocket(ctx, other); err != nil {
		return err
	}
	if err := m.store.SetPair(ctx, sid, other); err != nil {
		return err
	}

	roomID := types.PairRoom(sid, other)
	selfState, _ := m.gw.State(sid)
	otherState, _ := m.gw.State(other)

	m.gw.UpdateState(sid, func(s *types.ConnState) {
		s.PartnerSID = other
		s.RoomID = roomID
	})
	m.gw.UpdateState(other, func(s *types.ConnState) {
		s.PartnerSID = sid
		s.RoomID = roomID
	})

	m.setBusy(ctx, selfState.UserID, true)
	m.setBusy(ctx, otherState.UserID, true)

	// The media room is keyed by userId so a reconnect with a new sid
	// lands in the same room; unbound guests fall back to their sid.
	idA := selfState.UserID
	if idA == "" {
		idA = types.UserID(sid)
	}
	idB := otherState.UserID
	if idB == "" {
		idB = types.UserID(other)
	}
	tokenA, tokenB, mediaRoom := m.minter.MintPair(idA, idB)

	m.gw.Emit(sid, types.EventMatchFound, Found{
		RoomID:          roomID,
		ID:              other,
		UserID:          otherState.UserID,
		LivekitToken:    optional(tokenA),
		LivekitRoomName: mediaRoom,
	})
	m.gw.Emit(other, types.EventMatchFound, Found{
		RoomID:          roomID,
		ID:              sid,
		UserID:          selfState.UserID,
		LivekitToken:    optional(tokenB),
		LivekitRoomName: mediaRoom,
	})

	metrics.MatchesTotal.Inc()
	metrics.ActivePairs.Inc()
	m.updateQueueGauge(ctx)

	logging.Info(ctx, "match made",
		zap.String("sid", string(sid)), zap.String("partner", string(other)),
		zap.String("room_id", string(roomID)))
	return nil
}

// clearScratch resets matchmaking scratch and leaves stale pair rooms.
func (m *Matcher) clearScratch(sid types.SID) {
	for _, room := range m.gw.RoomsOf(sid, types.PairRoomPrefix) {
		m.gw.LeaveRoom(sid, room)
	}
	m.gw.UpdateState(sid, func(s *types.ConnState) {
		s.PartnerSID = ""
		s.RoomID = ""
	})
}

func (m *Matcher) setBusy(ctx context.Context, uid types.UserID, busy bool) {
	if uid == "" {
		return
	}
	if err := m.store.SetBusy(ctx, uid, busy); err != nil {
		logging.Warn(ctx, "busy flag update failed", zap.Error(err))
	}
	for _, s := range types.SIDsOf(m.gw, uid) {
		m.gw.UpdateState(s, func(cs *types.ConnState) { cs.Busy = busy })
	}
	m.presence.Broadcast(ctx, uid, busy)
}

func (m *Matcher) updateQueueGauge(ctx context.Context) {
	if n, err := m.store.QueueSize(ctx); err == nil {
		metrics.WaitingQueueSize.Set(float64(n))
	}
}

func optional(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}
