package main

import (
	"context"
	"strings"
	"testing"

	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/db"
	"github.com/zulandar/marketchat/internal/localstore"
)

func TestUnreadCmd_Help(t *testing.T) {
	out, err := run(t, "", "unread", "--help")
	if err != nil {
		t.Fatalf("unread --help: %v", err)
	}
	if !strings.Contains(out, "--watch") {
		t.Errorf("expected help to mention --watch, got: %s", out)
	}
}

func TestUnreadCmd_CountsPeerMessages(t *testing.T) {
	srv, cfgPath := startDevBroker(t)
	room, err := clientAs(t, srv, "alice-token").CreateRoom(context.Background(), "2", "l1")
	if err != nil {
		t.Fatal(err)
	}

	// Alice writes; bob sees one unread message.
	if _, err := run(t, "hi\n/quit\n", "chat", string(room.ID), "--config", cfgPath); err != nil {
		t.Fatal(err)
	}
	bob := clientAs(t, srv, "bob-token")
	waitFor(t, "bob's unread count", func() bool {
		rooms, err := bob.Rooms(context.Background())
		return err == nil && len(rooms) == 1 && rooms[0].UnreadCount == 1
	})

	// Alice herself has nothing unread.
	out, err := run(t, "", "unread", "--config", cfgPath)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("alice unread = %q, want 0", out)
	}
}

func TestUnreadCmd_ShowsPersistedTotalOnFailure(t *testing.T) {
	cfgPath, _ := writeSqliteConfig(t, "http://127.0.0.1:1/api")
	t.Setenv("MCHAT_TEST_TOKEN", "alice-token")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	gormDB, err := db.Open(cfg.Storage)
	if err != nil {
		t.Fatal(err)
	}
	if err := localstore.New(gormDB).SetInt(localstore.KeyUnreadTotal, 4); err != nil {
		t.Fatal(err)
	}
	closeDB(gormDB)

	out, err := run(t, "", "unread", "--config", cfgPath)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if !strings.Contains(out, "warning:") {
		t.Errorf("expected a warning for the unreachable backend, got: %s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "4") {
		t.Errorf("expected persisted total 4, got: %s", out)
	}
}
