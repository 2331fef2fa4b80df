package collab

import (
	"testing"

	"github.com/glassbox/realtime-go/wire"
)

func TestPresenceMap_SnapshotReplaces(t *testing.T) {
	p := newPresenceMap()

	p.replace("n1", []wire.PresenceUser{{UserID: "u1", Action: wire.ActionViewing}})
	p.replace("n1", []wire.PresenceUser{{UserID: "u2", Action: wire.ActionEditing}})

	users := p.get("n1")
	if len(users) != 1 || users[0].UserID != "u2" {
		t.Fatalf("presence = %+v, want only u2", users)
	}
}

func TestPresenceMap_EmptySnapshotClearsNode(t *testing.T) {
	p := newPresenceMap()
	p.replace("n1", []wire.PresenceUser{{UserID: "u1"}})
	p.replace("n1", nil)
	if got := p.get("n1"); got != nil {
		t.Fatalf("presence = %+v, want nil", got)
	}
}

func TestPresenceMap_StampsLastSeen(t *testing.T) {
	p := newPresenceMap()
	p.replace("n1", []wire.PresenceUser{{UserID: "u1"}})
	users := p.get("n1")
	if users[0].LastSeen.IsZero() {
		t.Error("unstamped users must get a LastSeen on ingest")
	}
}

func TestPresenceMap_GetReturnsCopy(t *testing.T) {
	p := newPresenceMap()
	p.replace("n1", []wire.PresenceUser{{UserID: "u1"}})

	got := p.get("n1")
	got[0].UserID = "mutated"

	if p.get("n1")[0].UserID != "u1" {
		t.Error("callers must not be able to mutate the stored list")
	}
}

func TestPresenceMap_ClearWipesEverything(t *testing.T) {
	p := newPresenceMap()
	p.replace("n1", []wire.PresenceUser{{UserID: "u1"}})
	p.replace("n2", []wire.PresenceUser{{UserID: "u2"}})
	p.clear()
	if p.get("n1") != nil || p.get("n2") != nil {
		t.Error("clear must drop all nodes")
	}
}
