package store

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type directoryEntry struct {
	user User
	rev  uint64
}

// Directory is the presence and user directory. Entries are only written by
// server frames; presence is never synthesized locally.
type Directory struct {
	users   map[int64]*directoryEntry
	pending []PendingContact
	version uint64
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[int64]*directoryEntry)}
}

// IngestUser stores a full profile. An existing entry is overwritten only
// when u.UpdatedAt is strictly newer, which discards stale replays. A profile
// without a status keeps whatever presence the server reported last.
func (d *Directory) IngestUser(u User) bool {
	e, ok := d.users[u.ID]
	if ok {
		if !u.UpdatedAt.After(e.user.UpdatedAt) {
			return false
		}
		if u.Status == "" {
			u.Status = e.user.Status
		}
		e.user = u
	} else {
		e = &directoryEntry{user: u}
		d.users[u.ID] = e
	}
	d.touch(e)
	return true
}

// IngestPresence applies a status-only update. Unknown users are recorded
// with just their id and status.
func (d *Directory) IngestPresence(userID int64, status Presence, updatedAt time.Time) bool {
	e, ok := d.users[userID]
	if ok {
		if !updatedAt.After(e.user.UpdatedAt) {
			return false
		}
		e.user.Status = status
		e.user.UpdatedAt = updatedAt
	} else {
		e = &directoryEntry{user: User{ID: userID, Status: status, UpdatedAt: updatedAt}}
		d.users[userID] = e
	}
	d.touch(e)
	return true
}

// User returns the current snapshot for id.
func (d *Directory) User(id int64) (User, bool) {
	e, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	return e.user, true
}

// Users returns every known user sorted by display name, then id.
func (d *Directory) Users() []User {
	out := make([]User, 0, len(d.users))
	for _, e := range d.users {
		out = append(out, e.user)
	}
	slices.SortFunc(out, func(a, b User) int {
		if c := strings.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName())); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// AddPending records an optimistic contact request.
func (d *Directory) AddPending(token string, draft ContactDraft) {
	d.pending = append(d.pending, PendingContact{Token: token, Draft: draft})
	d.version++
}

// ConfirmPending drops the pending request for token and, when the server
// sent the resulting user, ingests it.
func (d *Directory) ConfirmPending(token string, u *User) bool {
	i := d.pendingIndex(token)
	if i < 0 {
		return false
	}
	d.pending = slices.Delete(d.pending, i, i+1)
	d.version++
	if u != nil {
		d.IngestUser(*u)
	}
	return true
}

// FailPending marks the pending request for token as rejected.
func (d *Directory) FailPending(token, reason string) bool {
	i := d.pendingIndex(token)
	if i < 0 || d.pending[i].Failed {
		return false
	}
	d.pending[i].Failed = true
	d.pending[i].Reason = reason
	d.version++
	return true
}

// Pending returns the outstanding and failed contact requests in submission order.
func (d *Directory) Pending() []PendingContact {
	return slices.Clone(d.pending)
}

// List returns the snapshot handed to user-list subscribers.
func (d *Directory) List() UserList {
	return UserList{Users: d.Users(), Pending: d.Pending()}
}

// Profile returns the snapshot handed to single-user subscribers.
func (d *Directory) Profile(id int64) Profile {
	u, ok := d.User(id)
	if !ok {
		u.ID = id
	}
	return Profile{User: u, Known: ok}
}

// Version changes whenever anything in the directory changes.
func (d *Directory) Version() uint64 {
	return d.version
}

// Revision changes whenever the user with id changes. Zero means never seen.
func (d *Directory) Revision(id int64) uint64 {
	if e, ok := d.users[id]; ok {
		return e.rev
	}
	return 0
}

func (d *Directory) touch(e *directoryEntry) {
	d.version++
	e.rev = d.version
}

func (d *Directory) pendingIndex(token string) int {
	return slices.IndexFunc(d.pending, func(p PendingContact) bool { return p.Token == token })
}
