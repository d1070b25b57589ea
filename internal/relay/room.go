package relay

// Rooms tracks room membership by handle. Rooms are created on first join and
// dropped when their last member leaves.
// Like Registry it belongs to the hub goroutine.
type Rooms struct {
	members map[string]map[string]struct{}
}

// NewRooms creates an empty room table.
func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[string]struct{})}
}

// Join adds handle to roomID and returns the members that were already there,
// excluding handle itself. joined is false when handle was already a member, in
// which case nothing changes and no arrival should be announced.
func (r *Rooms) Join(roomID, handle string) (others []string, joined bool) {
	room, ok := r.members[roomID]
	if !ok {
		room = make(map[string]struct{})
		r.members[roomID] = room
	}

	_, already := room[handle]
	for h := range room {
		if h != handle {
			others = append(others, h)
		}
	}
	if already {
		return others, false
	}

	room[handle] = struct{}{}
	return others, true
}

// Leave removes handle from every room and returns the rooms it was in.
func (r *Rooms) Leave(handle string) []string {
	var left []string
	for roomID, room := range r.members {
		if _, ok := room[handle]; !ok {
			continue
		}
		delete(room, handle)
		left = append(left, roomID)
		if len(room) == 0 {
			delete(r.members, roomID)
		}
	}
	return left
}

// Members returns the handles in roomID.
func (r *Rooms) Members(roomID string) []string {
	room := r.members[roomID]
	handles := make([]string, 0, len(room))
	for h := range room {
		handles = append(handles, h)
	}
	return handles
}

// Len reports the number of non-empty rooms.
func (r *Rooms) Len() int {
	return len(r.members)
}
