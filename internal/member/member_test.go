package member

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func strPtr(s string) *string { return &s }

func TestToModel(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	r1, r2 := uuid.New(), uuid.New()
	joined := time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))

	m := Member{
		GuildID:     uuid.New(),
		UserID:      userID,
		Username:    "alice",
		DisplayName: strPtr("Alice"),
		Nickname:    strPtr("al"),
		JoinedAt:    joined,
		RoleIDs:     []uuid.UUID{r1, r2},
	}

	model := m.ToModel()

	if model.User.ID != userID.String() {
		t.Errorf("User.ID = %q, want %q", model.User.ID, userID)
	}
	if model.User.Username != "alice" {
		t.Errorf("User.Username = %q, want %q", model.User.Username, "alice")
	}
	if model.User.DisplayName == nil || *model.User.DisplayName != "Alice" {
		t.Errorf("User.DisplayName = %v, want Alice", model.User.DisplayName)
	}
	if model.Member.Nickname == nil || *model.Member.Nickname != "al" {
		t.Errorf("Member.Nickname = %v, want al", model.Member.Nickname)
	}
	// Timestamps normalise to UTC RFC3339 on the wire.
	if model.Member.JoinedAt != "2025-03-14T08:26:53Z" {
		t.Errorf("Member.JoinedAt = %q, want UTC RFC3339", model.Member.JoinedAt)
	}
	if len(model.Roles) != 2 || model.Roles[0] != r1.String() || model.Roles[1] != r2.String() {
		t.Errorf("Roles = %v, want role ids in order", model.Roles)
	}
}

func TestToModelOptionalFieldsAbsent(t *testing.T) {
	t.Parallel()
	m := Member{
		GuildID:  uuid.New(),
		UserID:   uuid.New(),
		Username: "bob",
		JoinedAt: time.Now(),
	}

	model := m.ToModel()
	if model.User.DisplayName != nil {
		t.Errorf("User.DisplayName = %v, want nil", model.User.DisplayName)
	}
	if model.User.AvatarID != nil {
		t.Errorf("User.AvatarID = %v, want nil", model.User.AvatarID)
	}
	if model.Member.Nickname != nil {
		t.Errorf("Member.Nickname = %v, want nil", model.Member.Nickname)
	}
	if len(model.Roles) != 0 {
		t.Errorf("Roles = %v, want empty", model.Roles)
	}
}
