package core

import "sort"

// visibleUsers builds the user list as viewerID sees it: the viewer first,
// then friends sorted by id. isDJ, following and online are computed at
// call time; there is no global broadcast list.
func (h *Hub) visibleUsers(viewerID string) []UserEntry {
	if viewerID == "" {
		return nil
	}
	ids := make([]string, 0, 1+len(h.friends[viewerID]))
	ids = append(ids, viewerID)
	ids = append(ids, h.sortedFriendIDs(viewerID)...)

	entries := make([]UserEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, h.userEntry(id))
	}
	return entries
}

func (h *Hub) userEntry(id string) UserEntry {
	entry := UserEntry{ID: id}
	if ident, ok := h.identities[id]; ok {
		entry.DisplayName = ident.DisplayName
		entry.Online = ident.Online()
		entry.Following = ident.Following()
	}
	_, entry.IsDJ = h.registry[id]
	return entry
}

// friendEntries builds the friend list for a viewer, sorted by id.
func (h *Hub) friendEntries(viewerID string) []FriendEntry {
	ids := h.sortedFriendIDs(viewerID)
	entries := make([]FriendEntry, 0, len(ids))
	for _, id := range ids {
		entry := FriendEntry{ID: id}
		if ident, ok := h.identities[id]; ok {
			entry.DisplayName = ident.DisplayName
		}
		entries = append(entries, entry)
	}
	return entries
}

func (h *Hub) sortedFriendIDs(viewerID string) []string {
	ids := make([]string, 0, len(h.friends[viewerID]))
	for id := range h.friends[viewerID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
