package table

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	tbl := New("test", 10)

	created, err := tbl.Insert("a", []byte("1"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !created {
		t.Error("Insert() created = false, want true")
	}

	v, ok := tbl.Get("a")
	if !ok || string(v) != "1" {
		t.Errorf("Get() = %q, %v; want %q, true", v, ok, "1")
	}
}

func TestInsertExistingIsNoOp(t *testing.T) {
	t.Parallel()
	tbl := New("test", 10)

	if _, err := tbl.Insert("a", []byte("1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	created, err := tbl.Insert("a", []byte("2"))
	if err != nil {
		t.Fatalf("Insert() duplicate error = %v", err)
	}
	if created {
		t.Error("Insert() duplicate created = true, want false")
	}

	// The original value must be untouched.
	v, _ := tbl.Get("a")
	if string(v) != "1" {
		t.Errorf("Get() after duplicate insert = %q, want %q", v, "1")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestInsertCapacityExhausted(t *testing.T) {
	t.Parallel()
	tbl := New("test", 3)

	for i := 0; i < 3; i++ {
		if _, err := tbl.Insert(fmt.Sprintf("k%d", i), nil); err != nil {
			t.Fatalf("Insert(k%d) error = %v", i, err)
		}
	}

	_, err := tbl.Insert("overflow", nil)
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("Insert() error = %v, want ErrCapacityExhausted", err)
	}
	if tbl.Len() != 3 {
		t.Errorf("Len() after rejected insert = %d, want 3", tbl.Len())
	}

	// A duplicate of an existing key is still a no-op success at capacity.
	if _, err := tbl.Insert("k0", nil); err != nil {
		t.Errorf("Insert(existing) at capacity error = %v, want nil", err)
	}
}

func TestPutOverwritesAtCapacity(t *testing.T) {
	t.Parallel()
	tbl := New("test", 1)

	if err := tbl.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tbl.Put("a", []byte("2")); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	v, _ := tbl.Get("a")
	if string(v) != "2" {
		t.Errorf("Get() = %q, want %q", v, "2")
	}

	if err := tbl.Put("b", nil); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("Put(new) at capacity error = %v, want ErrCapacityExhausted", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	tbl := New("test", 10)

	if _, err := tbl.Insert("a", nil); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !tbl.Delete("a") {
		t.Error("Delete() = false, want true")
	}
	if tbl.Delete("a") {
		t.Error("Delete() repeated = true, want false")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}

	// Deleted slot is reusable.
	if _, err := tbl.Insert("b", nil); err != nil {
		t.Errorf("Insert() after delete error = %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	t.Parallel()
	tbl := New("test", 10)
	for _, k := range []string{"room.1\x001", "room.1\x002", "room.2\x003", "alerts\x001"} {
		if _, err := tbl.Insert(k, nil); err != nil {
			t.Fatalf("Insert(%q) error = %v", k, err)
		}
	}

	var keys []string
	tbl.ScanPrefix("room.1\x00", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)

	want := []string{"room.1\x001", "room.1\x002"}
	if len(keys) != len(want) {
		t.Fatalf("ScanPrefix() returned %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestConcurrentInsertRespectsCapacity(t *testing.T) {
	t.Parallel()
	const capacity = 64
	tbl := New("test", capacity)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = tbl.Insert(fmt.Sprintf("w%d-k%d", w, i), nil)
			}
		}(w)
	}
	wg.Wait()

	if tbl.Len() > capacity {
		t.Errorf("Len() = %d, want <= %d", tbl.Len(), capacity)
	}
}

func TestChannelsTableMembership(t *testing.T) {
	t.Parallel()
	ct := NewChannelsTable(100)

	if err := ct.Add("room.1", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := ct.Add("room.1", 2); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := ct.Add("room.1", 1); err != nil {
		t.Fatalf("Add() duplicate error = %v", err)
	}
	if err := ct.Add("alerts", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Duplicate subscription leaves exactly one membership record.
	if ct.Len() != 3 {
		t.Errorf("Len() = %d, want 3", ct.Len())
	}

	members := ct.Members("room.1")
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	if len(members) != 2 || members[0] != 1 || members[1] != 2 {
		t.Errorf("Members(room.1) = %v, want [1 2]", members)
	}

	if !ct.Contains("alerts", 1) {
		t.Error("Contains(alerts, 1) = false, want true")
	}
}

func TestChannelsTableDropFD(t *testing.T) {
	t.Parallel()
	ct := NewChannelsTable(100)
	_ = ct.Add("room.1", 1)
	_ = ct.Add("room.2", 1)
	_ = ct.Add("room.1", 2)

	left := ct.DropFD(1)
	sort.Strings(left)
	if len(left) != 2 || left[0] != "room.1" || left[1] != "room.2" {
		t.Errorf("DropFD(1) = %v, want [room.1 room.2]", left)
	}

	// No key referencing fd 1 may remain.
	if chs := ct.ChannelsOf(1); len(chs) != 0 {
		t.Errorf("ChannelsOf(1) after drop = %v, want empty", chs)
	}
	if ms := ct.Members("room.1"); len(ms) != 1 || ms[0] != 2 {
		t.Errorf("Members(room.1) = %v, want [2]", ms)
	}
}

func TestChannelsTableChannelNameWithSeparatorLookalike(t *testing.T) {
	t.Parallel()
	ct := NewChannelsTable(100)
	_ = ct.Add("room", 11)
	_ = ct.Add("room.extra", 1)

	// Prefix scan on "room" must not pick up "room.extra" members.
	if ms := ct.Members("room"); len(ms) != 1 || ms[0] != 11 {
		t.Errorf("Members(room) = %v, want [11]", ms)
	}
}

func TestAuthTablePutGetDelete(t *testing.T) {
	t.Parallel()
	at := NewAuthTable(10)

	row := AuthRow{FD: 7, AccountID: 42, ProfileID: 99, Token: "tok", DeviceHash: "dh"}
	if err := at.Put(row); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := at.Get(7)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got != row {
		t.Errorf("Get() = %+v, want %+v", got, row)
	}

	// Last writer wins on re-bind.
	row.Token = "tok2"
	if err := at.Put(row); err != nil {
		t.Fatalf("Put() rebind error = %v", err)
	}
	got, _ = at.Get(7)
	if got.Token != "tok2" {
		t.Errorf("Token after rebind = %q, want %q", got.Token, "tok2")
	}
	if at.Len() != 1 {
		t.Errorf("Len() = %d, want 1", at.Len())
	}

	if !at.Delete(7) {
		t.Error("Delete() = false, want true")
	}
	if _, ok := at.Get(7); ok {
		t.Error("Get() after delete ok = true, want false")
	}
}

func TestAuthTableCapacity(t *testing.T) {
	t.Parallel()
	at := NewAuthTable(1)

	if err := at.Put(AuthRow{FD: 1, AccountID: 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := at.Put(AuthRow{FD: 2, AccountID: 2}); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("Put() error = %v, want ErrCapacityExhausted", err)
	}
}
