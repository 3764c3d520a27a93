package session

import (
	"errors"
	"testing"

	"github.com/zulandar/marketchat/internal/db"
	"github.com/zulandar/marketchat/internal/localstore"
)

func TestResolveRoomID_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		nav, state string
		last       string
		want       string
	}{
		{"navigation wins", "10", "20", "30", "10"},
		{"state next", "", "20", "30", "20"},
		{"last known", " ", "", "30", "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := memKV{localstore.KeyLastRoomID: tt.last}
			got, err := ResolveRoomID(tt.nav, tt.state, kv)
			if err != nil {
				t.Fatalf("ResolveRoomID: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("room = %q, want %q", got, tt.want)
			}
			if kv[localstore.KeyLastRoomID] != tt.want {
				t.Errorf("remembered %q, want %q", kv[localstore.KeyLastRoomID], tt.want)
			}
		})
	}
}

func TestResolveRoomID_Unresolved(t *testing.T) {
	if _, err := ResolveRoomID("", "", memKV{}); !errors.Is(err, ErrRoomUnresolved) {
		t.Errorf("err = %v, want ErrRoomUnresolved", err)
	}
	if _, err := ResolveRoomID("", "", nil); !errors.Is(err, ErrRoomUnresolved) {
		t.Errorf("nil store: err = %v, want ErrRoomUnresolved", err)
	}
}

func TestResolveRoomID_PersistsInLocalStore(t *testing.T) {
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	kv := localstore.New(gdb)
	if _, err := ResolveRoomID("77", "", kv); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	got, err := ResolveRoomID("", "", kv)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got != "77" {
		t.Errorf("room = %q, want 77", got)
	}
}
