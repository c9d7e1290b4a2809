package http

import (
	"encoding/json"
	"fmt"

	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/playback"
	"github.com/nevotalya/dj-server/internal/proto"
)

// frameToCommand maps one inbound frame onto a hub command. Payload
// validation beyond JSON shape is the hub's job; the mapper only decodes.
func frameToCommand(frame proto.Frame) (*core.Command, error) {
	switch frame.Type {
	case proto.TypeIdentify:
		var p proto.IdentifyPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("identify payload: %w", err)
		}
		return &core.Command{Kind: core.CommandIdentify, Identity: p.ID, Name: p.DisplayName}, nil
	case proto.TypeSetName:
		var p proto.SetNamePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("setName payload: %w", err)
		}
		return &core.Command{Kind: core.CommandSetName, Name: p.DisplayName}, nil
	case proto.TypeSetDJ:
		var p proto.SetDJPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("setDJ payload: %w", err)
		}
		return &core.Command{Kind: core.CommandSetDJ, On: p.On}, nil
	case proto.TypeFollow:
		var p proto.FollowPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("follow payload: %w", err)
		}
		return &core.Command{Kind: core.CommandFollow, Target: p.DJID}, nil
	case proto.TypeUnfollow:
		return &core.Command{Kind: core.CommandUnfollow}, nil
	case proto.TypeAddFriend:
		var p proto.FriendPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("addFriend payload: %w", err)
		}
		return &core.Command{Kind: core.CommandAddFriend, Target: p.FriendID}, nil
	case proto.TypeRemoveFriend:
		var p proto.FriendPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("removeFriend payload: %w", err)
		}
		return &core.Command{Kind: core.CommandRemoveFriend, Target: p.FriendID}, nil
	case proto.TypeListFriends:
		return &core.Command{Kind: core.CommandListFriends}, nil
	case proto.TypeListUsers:
		return &core.Command{Kind: core.CommandListUsers}, nil
	case proto.TypePlayback:
		var p proto.PlaybackPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("playback payload: %w", err)
		}
		return &core.Command{Kind: core.CommandPlayback, Snapshot: snapshotFromWire(p)}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// eventToFrame maps a hub event onto its outbound wire frame.
func eventToFrame(ev *core.Event) (proto.Frame, error) {
	switch ev.Kind {
	case core.EventHello:
		return proto.NewFrame(proto.TypeHello, proto.HelloPayload{
			ID:          ev.Identity,
			DisplayName: ev.Name,
		})
	case core.EventRequireName:
		return proto.NewFrame(proto.TypeRequireName, proto.RequireNamePayload{Reason: ev.Reason})
	case core.EventUsers:
		entries := make([]proto.UserEntry, 0, len(ev.Users))
		for _, u := range ev.Users {
			entries = append(entries, userEntryToWire(u))
		}
		return proto.NewFrame(proto.TypeUsers, proto.UsersPayload{Users: entries})
	case core.EventFriends:
		entries := make([]proto.FriendEntry, 0, len(ev.Friends))
		for _, f := range ev.Friends {
			entries = append(entries, proto.FriendEntry{ID: f.ID, DisplayName: f.DisplayName})
		}
		return proto.NewFrame(proto.TypeFriends, proto.FriendsPayload{Friends: entries})
	case core.EventPlayback:
		return proto.NewFrame(proto.TypePlayback, wireFromSnapshot(ev.DJID, ev.Snapshot))
	default:
		return proto.Frame{}, fmt.Errorf("unmappable event kind %d", ev.Kind)
	}
}

func userEntryToWire(u core.UserEntry) proto.UserEntry {
	return proto.UserEntry{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		IsDJ:        u.IsDJ,
		Following:   u.Following,
		Online:      u.Online,
	}
}

func snapshotFromWire(p proto.PlaybackPayload) playback.Snapshot {
	return playback.Snapshot{
		Position:   p.Position,
		Playing:    p.IsPlaying,
		ServerTime: p.ServerTimestamp,
		Track:      playback.TrackRef{CatalogID: p.CatalogID, LocalID: p.LocalID},
		Title:      p.Title,
		Artist:     p.Artist,
	}
}

func wireFromSnapshot(djID string, snap playback.Snapshot) proto.PlaybackPayload {
	return proto.PlaybackPayload{
		DJID:            djID,
		Position:        snap.Position,
		IsPlaying:       snap.Playing,
		ServerTimestamp: snap.ServerTime,
		CatalogID:       snap.Track.CatalogID,
		LocalID:         snap.Track.LocalID,
		Title:           snap.Title,
		Artist:          snap.Artist,
	}
}
