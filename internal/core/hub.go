package core

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/store"
)

const loadTimeout = 3 * time.Second

// Persister receives write-behind persistence marks from the hub loop. It
// must never block; implementations batch and flush on their own schedule.
type Persister interface {
	SaveIdentity(rec store.Identity)
	AddFriend(a, b string)
	RemoveFriend(a, b string)
}

// Stats is a read-only counters snapshot.
type Stats struct {
	Sessions     int
	Online       int
	Broadcasters int
}

// envelope pairs a command with its originating session on the hub inbox.
// A nil cmd marks disconnect.
type envelope struct {
	session *Session
	cmd     *Command
}

type viewerQuery struct {
	viewer string
	reply  chan []UserEntry
}

// Hub coordinates sessions, identities, the broadcaster registry, follow
// routing and the friend graph. One goroutine (Run) owns all of that state;
// every mutation flows through it, so a playback fan-out always observes a
// consistent registry and following map.
type Hub struct {
	st        store.Store
	persister Persister
	clock     clockwork.Clock
	log       zerolog.Logger

	register chan *Session
	inbox    chan envelope
	statsCh  chan chan Stats
	usersCh  chan viewerQuery

	sessions   map[*Session]struct{}
	identities map[string]*Identity
	friends    map[string]map[string]struct{}
	registry   map[string]struct{}
	hydrated   map[string]struct{}
}

// NewHub creates a hub. st and persister may be nil for an ephemeral hub;
// a nil clock means the real clock; logger may be nil.
func NewHub(st store.Store, persister Persister, clock clockwork.Clock, logger *zerolog.Logger) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "hub").Logger()
	}
	return &Hub{
		st:         st,
		persister:  persister,
		clock:      clock,
		log:        lg,
		register:   make(chan *Session, 16),
		inbox:      make(chan envelope, 256),
		statsCh:    make(chan chan Stats),
		usersCh:    make(chan viewerQuery),
		sessions:   make(map[*Session]struct{}),
		identities: make(map[string]*Identity),
		friends:    make(map[string]map[string]struct{}),
		registry:   make(map[string]struct{}),
		hydrated:   make(map[string]struct{}),
	}
}

// Register hands a session to the hub. The hub pumps its Commands channel
// until the transport closes it, which triggers the disconnect transition.
func (h *Hub) Register(s *Session) {
	h.register <- s
}

// Stats answers the counters snapshot through the hub loop.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.statsCh <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// ViewerList answers the visible-user list as viewerID sees it.
func (h *Hub) ViewerList(ctx context.Context, viewerID string) ([]UserEntry, error) {
	q := viewerQuery{viewer: viewerID, reply: make(chan []UserEntry, 1)}
	select {
	case h.usersCh <- q:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case users := <-q.reply:
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run owns all hub state until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info().Msg("hub running")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case s := <-h.register:
			h.addSession(ctx, s)
		case env := <-h.inbox:
			if env.cmd == nil {
				h.dropSession(env.session)
				continue
			}
			h.dispatch(env.session, env.cmd)
		case reply := <-h.statsCh:
			reply <- h.currentStats()
		case q := <-h.usersCh:
			q.reply <- h.visibleUsers(q.viewer)
		}
	}
}

func (h *Hub) addSession(ctx context.Context, s *Session) {
	if _, ok := h.sessions[s]; ok {
		return
	}
	h.sessions[s] = struct{}{}
	go h.pump(ctx, s)
	h.log.Debug().Str("sid", s.SID).Msg("session registered")
}

// pump moves one session's commands onto the shared inbox, preserving
// per-session order. The trailing nil envelope is the disconnect mark.
func (h *Hub) pump(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.Commands:
			if !ok {
				select {
				case h.inbox <- envelope{session: s}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case h.inbox <- envelope{session: s, cmd: cmd}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) dropSession(s *Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.Events)

	ident := h.boundIdentity(s)
	if ident == nil {
		h.log.Debug().Str("sid", s.SID).Msg("session dropped")
		return
	}
	ident.RemoveSession(s)
	h.log.Debug().Str("sid", s.SID).Str("identity", ident.ID).Msg("session dropped")
	if !ident.Online() {
		h.refreshFriendsOf(ident.ID)
	}
}

func (h *Hub) dispatch(s *Session, cmd *Command) {
	switch cmd.Kind {
	case CommandIdentify:
		h.handleIdentify(s, cmd)
	case CommandSetName:
		h.handleSetName(s, cmd)
	case CommandSetDJ:
		h.handleSetDJ(s, cmd)
	case CommandFollow:
		h.handleFollow(s, cmd)
	case CommandUnfollow:
		h.handleUnfollow(s)
	case CommandAddFriend:
		h.handleAddFriend(s, cmd)
	case CommandRemoveFriend:
		h.handleRemoveFriend(s, cmd)
	case CommandListFriends:
		h.handleListFriends(s)
	case CommandListUsers:
		h.handleListUsers(s)
	case CommandPlayback:
		h.handlePlayback(s, cmd)
	}
}

func (h *Hub) handleIdentify(s *Session, cmd *Command) {
	if cmd.Identity == "" {
		h.log.Debug().Str("sid", s.SID).Msg("identify without id dropped")
		return
	}
	if s.Identified() {
		h.log.Debug().Str("sid", s.SID).Msg("duplicate identify dropped")
		return
	}

	ident := h.ensureIdentity(cmd.Identity)
	h.hydrate(ident)

	// An invalid supplied name counts as no name at all.
	supplied := ""
	if cmd.Name != "" {
		if clean, reason := ValidateDisplayName(cmd.Name); reason == "" {
			supplied = clean
		}
	}

	wasOnline := ident.Online()
	s.IdentityID = ident.ID
	ident.AddSession(s)

	if !ident.Named() && supplied == "" {
		s.send(&Event{Kind: EventRequireName, Reason: ReasonNameMissing})
		return
	}

	if supplied != "" && supplied != ident.DisplayName {
		ident.DisplayName = supplied
		h.persist(ident)
	}

	s.send(&Event{Kind: EventHello, Identity: ident.ID, Name: ident.DisplayName})
	s.send(&Event{Kind: EventUsers, Users: h.visibleUsers(ident.ID)})
	s.send(&Event{Kind: EventFriends, Friends: h.friendEntries(ident.ID)})
	if !wasOnline {
		h.refreshFriendsOf(ident.ID)
	}
	h.log.Info().Str("sid", s.SID).Str("identity", ident.ID).Msg("session identified")
}

func (h *Hub) handleSetName(s *Session, cmd *Command) {
	ident := h.boundIdentity(s)
	if ident == nil {
		h.log.Debug().Str("sid", s.SID).Msg("setName before identify dropped")
		return
	}

	clean, reason := ValidateDisplayName(cmd.Name)
	if reason != "" {
		s.send(&Event{Kind: EventRequireName, Reason: reason})
		return
	}

	if clean != ident.DisplayName {
		ident.DisplayName = clean
		h.persist(ident)
	}
	ident.Broadcast(&Event{Kind: EventHello, Identity: ident.ID, Name: ident.DisplayName})
	h.refreshLists(ident)
	h.refreshFriendsOf(ident.ID)
}

func (h *Hub) handleSetDJ(s *Session, cmd *Command) {
	ident := h.activeIdentity(s)
	if ident == nil {
		return
	}

	if cmd.On {
		if _, ok := h.registry[ident.ID]; ok {
			return
		}
		h.registry[ident.ID] = struct{}{}
		h.log.Info().Str("identity", ident.ID).Msg("broadcast on")
	} else {
		if _, ok := h.registry[ident.ID]; !ok {
			return
		}
		delete(h.registry, ident.ID)
		h.detachFollowers(ident.ID)
		h.log.Info().Str("identity", ident.ID).Msg("broadcast off")
	}
	h.refreshLists(ident)
	h.refreshFriendsOf(ident.ID)
}

// detachFollowers clears Following on every session pointing at djID and
// refreshes those viewers' lists.
func (h *Hub) detachFollowers(djID string) {
	touched := make(map[string]struct{})
	for s := range h.sessions {
		if s.Following == djID {
			s.Following = ""
			if s.IdentityID != "" {
				touched[s.IdentityID] = struct{}{}
			}
		}
	}
	for id := range touched {
		if ident, ok := h.identities[id]; ok {
			h.refreshLists(ident)
		}
	}
}

func (h *Hub) handleFollow(s *Session, cmd *Command) {
	ident := h.activeIdentity(s)
	if ident == nil {
		return
	}
	if _, ok := h.registry[cmd.Target]; !ok {
		h.log.Debug().Str("sid", s.SID).Str("target", cmd.Target).Msg("follow target not broadcasting")
		return
	}
	s.Following = cmd.Target
	h.refreshLists(ident)
}

func (h *Hub) handleUnfollow(s *Session) {
	s.Following = ""
	if ident := h.boundIdentity(s); ident != nil {
		h.refreshLists(ident)
	}
}

func (h *Hub) handleAddFriend(s *Session, cmd *Command) {
	ident := h.activeIdentity(s)
	if ident == nil || cmd.Target == "" || cmd.Target == ident.ID {
		return
	}
	if h.areFriends(ident.ID, cmd.Target) {
		return
	}

	peer := h.ensureIdentity(cmd.Target)
	h.linkFriends(ident.ID, peer.ID)
	if h.persister != nil {
		h.persister.AddFriend(ident.ID, peer.ID)
	}

	h.refreshLists(ident)
	if peer.Online() {
		h.refreshLists(peer)
	}
	h.log.Info().Str("identity", ident.ID).Str("friend", peer.ID).Msg("friend added")
}

func (h *Hub) handleRemoveFriend(s *Session, cmd *Command) {
	ident := h.activeIdentity(s)
	if ident == nil || cmd.Target == "" {
		return
	}
	if !h.areFriends(ident.ID, cmd.Target) {
		return
	}

	h.unlinkFriends(ident.ID, cmd.Target)
	if h.persister != nil {
		h.persister.RemoveFriend(ident.ID, cmd.Target)
	}

	h.refreshLists(ident)
	if peer, ok := h.identities[cmd.Target]; ok && peer.Online() {
		h.refreshLists(peer)
	}
	h.log.Info().Str("identity", ident.ID).Str("friend", cmd.Target).Msg("friend removed")
}

func (h *Hub) handleListFriends(s *Session) {
	ident := h.boundIdentity(s)
	if ident == nil {
		return
	}
	s.send(&Event{Kind: EventFriends, Friends: h.friendEntries(ident.ID)})
}

func (h *Hub) handleListUsers(s *Session) {
	ident := h.boundIdentity(s)
	if ident == nil {
		return
	}
	s.send(&Event{Kind: EventUsers, Users: h.visibleUsers(ident.ID)})
}

func (h *Hub) handlePlayback(s *Session, cmd *Command) {
	ident := h.boundIdentity(s)
	if ident == nil {
		return
	}
	if _, ok := h.registry[ident.ID]; !ok {
		h.log.Debug().Str("identity", ident.ID).Msg("playback from non-broadcaster dropped")
		return
	}

	snap := cmd.Snapshot
	if snap.ServerTime == 0 {
		snap.ServerTime = unixSeconds(h.clock.Now())
	}
	ev := &Event{Kind: EventPlayback, DJID: ident.ID, Snapshot: snap}
	for follower := range h.sessions {
		if follower.Following == ident.ID {
			follower.send(ev)
		}
	}
}

// refreshLists re-pushes users and friends to ident's sessions.
func (h *Hub) refreshLists(ident *Identity) {
	ident.Broadcast(&Event{Kind: EventUsers, Users: h.visibleUsers(ident.ID)})
	ident.Broadcast(&Event{Kind: EventFriends, Friends: h.friendEntries(ident.ID)})
}

// refreshFriendsOf re-pushes lists to id's online friends.
func (h *Hub) refreshFriendsOf(id string) {
	for fid := range h.friends[id] {
		if f, ok := h.identities[fid]; ok && f.Online() {
			h.refreshLists(f)
		}
	}
}

func (h *Hub) boundIdentity(s *Session) *Identity {
	if s.IdentityID == "" {
		return nil
	}
	return h.identities[s.IdentityID]
}

// activeIdentity returns the bound identity only if it has passed the
// naming gate.
func (h *Hub) activeIdentity(s *Session) *Identity {
	ident := h.boundIdentity(s)
	if ident == nil || !ident.Named() {
		return nil
	}
	return ident
}

func (h *Hub) ensureIdentity(id string) *Identity {
	if ident, ok := h.identities[id]; ok {
		return ident
	}
	ident := NewIdentity(id, "")
	h.identities[id] = ident
	return ident
}

// hydrate loads the durable record and friend edges once per identity. The
// in-memory name wins over the stored one; stored edges union into whatever
// edges were added in memory meanwhile, so an unflushed addFriend survives.
func (h *Hub) hydrate(ident *Identity) {
	if _, done := h.hydrated[ident.ID]; done {
		return
	}
	h.hydrated[ident.ID] = struct{}{}

	if h.st == nil {
		h.persist(ident)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	rec, err := h.st.LoadIdentity(ctx, ident.ID)
	switch {
	case err == nil:
		if ident.DisplayName == "" {
			ident.DisplayName = rec.DisplayName
		}
	case errors.Is(err, store.ErrNotFound):
		h.persist(ident)
	default:
		h.log.Error().Err(err).Str("identity", ident.ID).Msg("identity load failed")
	}

	friends, err := h.st.LoadFriends(ctx, ident.ID)
	if err != nil {
		h.log.Error().Err(err).Str("identity", ident.ID).Msg("friends load failed")
		return
	}
	for _, f := range friends {
		h.linkFriends(ident.ID, f.ID)
		if _, ok := h.identities[f.ID]; !ok {
			h.identities[f.ID] = NewIdentity(f.ID, f.DisplayName)
		}
	}
}

func (h *Hub) persist(ident *Identity) {
	if h.persister == nil {
		return
	}
	h.persister.SaveIdentity(store.Identity{ID: ident.ID, DisplayName: ident.DisplayName})
}

func (h *Hub) areFriends(a, b string) bool {
	_, ok := h.friends[a][b]
	return ok
}

// linkFriends records the symmetric edge in memory.
func (h *Hub) linkFriends(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		set := h.friends[pair[0]]
		if set == nil {
			set = make(map[string]struct{})
			h.friends[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (h *Hub) unlinkFriends(a, b string) {
	delete(h.friends[a], b)
	delete(h.friends[b], a)
}

func (h *Hub) currentStats() Stats {
	online := 0
	for _, ident := range h.identities {
		if ident.Online() {
			online++
		}
	}
	return Stats{
		Sessions:     len(h.sessions),
		Online:       online,
		Broadcasters: len(h.registry),
	}
}

func (h *Hub) shutdown() {
	for s := range h.sessions {
		close(s.Events)
	}
	h.sessions = make(map[*Session]struct{})
	h.log.Info().Msg("hub stopped")
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
