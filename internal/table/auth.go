package table

import (
	"encoding/json"
	"strconv"
)

// AuthRow is the session record bound to a connection in the auth table.
type AuthRow struct {
	FD         uint64 `json:"fd"`
	AccountID  int64  `json:"account_id"`
	ProfileID  int64  `json:"profile_id"`
	EntityID   int64  `json:"entity_id"`
	Token      string `json:"token"`
	DeviceHash string `json:"device_hash"`
}

// AuthTable maps fd to at most one authenticated session row. Writes are
// last-writer-wins; the row is stored as a single value so readers never see
// a partial update.
type AuthTable struct {
	t *Table
}

// NewAuthTable creates an auth table with the given capacity.
func NewAuthTable(capacity int) *AuthTable {
	return &AuthTable{t: New("auth", capacity)}
}

func authKey(fd uint64) string { return strconv.FormatUint(fd, 10) }

// Put binds a session row to its fd, replacing any existing row. Returns
// ErrCapacityExhausted when the fd is new and the table is full.
func (a *AuthTable) Put(row AuthRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return a.t.Put(authKey(row.FD), data)
}

// Get returns the session row for fd.
func (a *AuthTable) Get(fd uint64) (AuthRow, bool) {
	data, ok := a.t.Get(authKey(fd))
	if !ok {
		return AuthRow{}, false
	}
	var row AuthRow
	if err := json.Unmarshal(data, &row); err != nil {
		return AuthRow{}, false
	}
	return row, true
}

// Delete removes the session row for fd and reports whether it existed.
func (a *AuthTable) Delete(fd uint64) bool {
	return a.t.Delete(authKey(fd))
}

// Len returns the number of live sessions.
func (a *AuthTable) Len() int { return a.t.Len() }
