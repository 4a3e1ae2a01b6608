package gateway

import (
	"testing"

	"github.com/google/uuid"
)

func TestRoomIndexInsertAndLookup(t *testing.T) {
	t.Parallel()
	idx := NewRoomIndex()
	userID := uuid.New()
	g1, g2 := uuid.New(), uuid.New()
	c := &Client{}

	idx.Insert(c, userID, []uuid.UUID{g1, g2})

	if got := idx.UserRoom(userID); len(got) != 1 || got[0] != c {
		t.Errorf("UserRoom() = %v, want the inserted client", got)
	}
	if got := idx.GuildRoom(g1); len(got) != 1 || got[0] != c {
		t.Errorf("GuildRoom(g1) = %v, want the inserted client", got)
	}
	if got := idx.GuildRoom(g2); len(got) != 1 {
		t.Errorf("len(GuildRoom(g2)) = %d, want 1", len(got))
	}
	if got := idx.GuildRoom(uuid.New()); got != nil {
		t.Errorf("GuildRoom(unknown) = %v, want nil", got)
	}
}

func TestRoomIndexMultipleSessionsPerUser(t *testing.T) {
	t.Parallel()
	idx := NewRoomIndex()
	userID := uuid.New()
	g := uuid.New()
	c1, c2 := &Client{}, &Client{}

	idx.Insert(c1, userID, []uuid.UUID{g})
	idx.Insert(c2, userID, []uuid.UUID{g})

	if got := idx.UserRoom(userID); len(got) != 2 {
		t.Errorf("len(UserRoom()) = %d, want 2", len(got))
	}
	if got := idx.GuildRoom(g); len(got) != 2 {
		t.Errorf("len(GuildRoom()) = %d, want 2", len(got))
	}

	// Removing one connection leaves the other subscribed.
	idx.Remove(c1, userID, []uuid.UUID{g})
	if got := idx.UserRoom(userID); len(got) != 1 || got[0] != c2 {
		t.Errorf("UserRoom() after remove = %v, want only the second client", got)
	}
	if got := idx.GuildRoom(g); len(got) != 1 {
		t.Errorf("len(GuildRoom()) after remove = %d, want 1", len(got))
	}
}

func TestRoomIndexRemoveDropsEmptyRooms(t *testing.T) {
	t.Parallel()
	idx := NewRoomIndex()
	userID := uuid.New()
	g := uuid.New()
	c := &Client{}

	idx.Insert(c, userID, []uuid.UUID{g})
	idx.Remove(c, userID, []uuid.UUID{g})

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.users) != 0 {
		t.Errorf("len(users) = %d, want 0", len(idx.users))
	}
	if len(idx.guilds) != 0 {
		t.Errorf("len(guilds) = %d, want 0", len(idx.guilds))
	}
}

func TestRoomIndexGuildOnlyChanges(t *testing.T) {
	t.Parallel()
	idx := NewRoomIndex()
	userID := uuid.New()
	g1, g2 := uuid.New(), uuid.New()
	c := &Client{}

	idx.Insert(c, userID, []uuid.UUID{g1})

	idx.AddGuilds(c, []uuid.UUID{g2})
	if got := idx.GuildRoom(g2); len(got) != 1 {
		t.Errorf("len(GuildRoom(g2)) after AddGuilds = %d, want 1", len(got))
	}

	idx.RemoveGuilds(c, []uuid.UUID{g1})
	if got := idx.GuildRoom(g1); len(got) != 0 {
		t.Errorf("len(GuildRoom(g1)) after RemoveGuilds = %d, want 0", len(got))
	}

	// The user room is untouched by guild-only changes.
	if got := idx.UserRoom(userID); len(got) != 1 {
		t.Errorf("len(UserRoom()) = %d, want 1", len(got))
	}
}
