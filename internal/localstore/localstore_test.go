package localstore

import (
	"errors"
	"testing"

	"github.com/zulandar/marketchat/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return New(gdb)
}

func TestGet_Missing(t *testing.T) {
	s := testStore(t)
	v, ok, err := s.Get(KeyLastRoomID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || v != "" {
		t.Errorf("Get(missing) = %q, %v; want \"\", false", v, ok)
	}
}

func TestSet_ThenGet(t *testing.T) {
	s := testStore(t)
	if err := s.Set(KeyLastRoomID, "room-7"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(KeyLastRoomID)
	if err != nil || !ok || v != "room-7" {
		t.Errorf("Get = %q, %v, %v; want room-7, true, nil", v, ok, err)
	}
}

func TestSet_Overwrites(t *testing.T) {
	s := testStore(t)
	s.Set(KeyLastRoomID, "a")
	s.Set(KeyLastRoomID, "b")
	v, _, _ := s.Get(KeyLastRoomID)
	if v != "b" {
		t.Errorf("Get = %q, want b", v)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	s.Set(KeyLastUserID, "9")
	if err := s.Delete(KeyLastUserID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(KeyLastUserID); ok {
		t.Error("value still present after Delete")
	}
	if err := s.Delete("never-set"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestInt_RoundTrip(t *testing.T) {
	s := testStore(t)
	if err := s.SetInt(KeyUnreadTotal, 8); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	n, ok, err := s.GetInt(KeyUnreadTotal)
	if err != nil || !ok || n != 8 {
		t.Errorf("GetInt = %d, %v, %v; want 8, true, nil", n, ok, err)
	}
}

func TestGetInt_NotInteger(t *testing.T) {
	s := testStore(t)
	s.Set(KeyUnreadTotal, "lots")
	_, _, err := s.GetInt(KeyUnreadTotal)
	if !errors.Is(err, ErrNotInt) {
		t.Errorf("GetInt error = %v, want ErrNotInt", err)
	}
}
