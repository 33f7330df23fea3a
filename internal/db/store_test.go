package db

import (
	"context"
	"testing"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/patch"
	"github.com/rsclarke/sebcoord/internal/types"
)

func TestInsertConnectionDuplicateToken(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)

	if _, err := InsertConnection(ctx, db, 1, examID, "dup", "10.0.0.1", 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := InsertConnection(ctx, db, 1, examID, "dup", "10.0.0.2", 2)
	if err == nil {
		t.Fatal("expected duplicate token error")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false", err)
	}
}

func TestTouchConnectionPatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)

	if _, err := InsertConnection(ctx, db, 1, examID, "tok", "10.0.0.1", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := TouchConnection(ctx, db, "tok", ConnectionPatch{}, 5)
	if err != nil || !ok {
		t.Fatalf("empty touch: ok=%v err=%v", ok, err)
	}
	c, _ := GetConnectionByToken(ctx, db, "tok")
	if c.Version != 1 || c.UpdatedAt != 5 {
		t.Errorf("empty touch: version=%d updated_at=%d, want 1 5", c.Version, c.UpdatedAt)
	}

	ok, err = TouchConnection(ctx, db, "tok", ConnectionPatch{
		ClientOS:             patch.Some("Windows 11"),
		SecurityCheckGranted: patch.Some(true),
	}, 6)
	if err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	c, _ = GetConnectionByToken(ctx, db, "tok")
	if c.ClientOS == nil || *c.ClientOS != "Windows 11" {
		t.Errorf("client_os = %v", c.ClientOS)
	}
	if !c.SecurityCheckGranted {
		t.Error("security_check_granted not set")
	}
	if c.ClientVersion != nil {
		t.Errorf("client_version changed to %q", *c.ClientVersion)
	}
	if c.Version != 2 {
		t.Errorf("version = %d, want 2", c.Version)
	}
}

func TestOccupyFreeRoomRespectsSize(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)

	nr := NewRoom{InstitutionID: 1, ExamID: examID, Kind: types.RoomRemoteProctoring, NamePrefix: "Room", Size: 2, MaxRooms: 1, JoinKey: "k"}
	roomID, gen, ok, err := CreateOccupiedRoom(ctx, db, nr, 1)
	if err != nil || !ok {
		t.Fatalf("create room: ok=%v err=%v", ok, err)
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}

	got, gen, ok, err := OccupyFreeRoom(ctx, db, examID, types.RoomRemoteProctoring, 2)
	if err != nil || !ok || got != roomID {
		t.Fatalf("occupy: id=%d ok=%v err=%v", got, ok, err)
	}
	if gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}

	if _, _, ok, err := OccupyFreeRoom(ctx, db, examID, types.RoomRemoteProctoring, 3); err != nil || ok {
		t.Fatalf("occupy full room: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := CreateOccupiedRoom(ctx, db, nr, 3); err != nil || ok {
		t.Fatalf("create beyond max rooms: ok=%v err=%v", ok, err)
	}

	room, err := GetRoom(ctx, db, roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.Occupancy != 2 || room.Name != "Room 1" {
		t.Errorf("room = %+v", room)
	}
}

func TestCompareAndUpdateRoom(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)

	nr := NewRoom{InstitutionID: 1, ExamID: examID, Kind: types.RoomScreenProctoring, NamePrefix: "Group", Size: 3, MaxRooms: 5, JoinKey: "k"}
	roomID, gen, _, err := CreateOccupiedRoom(ctx, db, nr, 1)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	newGen, ok, err := CompareAndUpdateRoom(ctx, db, roomID, gen, RoomPatch{
		Name:     patch.Some("Renamed"),
		BreakOut: patch.Some([]int64{4, 2}),
	}, 2)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if newGen != gen+1 {
		t.Errorf("generation = %d, want %d", newGen, gen+1)
	}

	if _, ok, err := CompareAndUpdateRoom(ctx, db, roomID, gen, RoomPatch{Name: patch.Some("stale")}, 3); err != nil || ok {
		t.Fatalf("stale update: ok=%v err=%v", ok, err)
	}
	if _, ok, err := CompareAndUpdateRoom(ctx, db, roomID, newGen, RoomPatch{Size: patch.Some(0)}, 3); err != nil || ok {
		t.Fatalf("shrink below occupancy: ok=%v err=%v", ok, err)
	}

	room, _ := GetRoom(ctx, db, roomID)
	if room.Name != "Renamed" || len(room.BreakOut) != 2 || room.BreakOut[0] != 4 {
		t.Errorf("room = %+v", room)
	}
}

func TestTownhallUniquePerExam(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)

	if _, err := InsertTownhall(ctx, db, 1, examID, "Townhall", "k", 1); err != nil {
		t.Fatalf("insert townhall: %v", err)
	}
	_, err := InsertTownhall(ctx, db, 1, examID, "Townhall", "k2", 2)
	if !IsUniqueViolation(err) {
		t.Fatalf("second townhall: expected unique violation, got %v", err)
	}

	// Townhalls never receive assignments.
	if _, _, ok, err := OccupyFreeRoom(ctx, db, examID, types.RoomRemoteProctoring, 3); err != nil || ok {
		t.Errorf("occupy townhall: ok=%v err=%v", ok, err)
	}
}

func TestClaimBatchAction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := InsertBatchAction(ctx, db, 1, types.ActionTerminateConnection, []int64{1, 2}, nil, 1000)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name      string
		processor string
		now       int64
		cutoff    int64
		want      bool
	}{
		{"unowned", "a", 1000, 0, true},
		{"other holder, fresh", "b", 1001, 500, false},
		{"holder renews", "a", 1002, 500, true},
		{"other holder, expired", "b", 5000, 1500, true},
		{"previous holder lost it", "a", 5001, 1500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClaimBatchAction(ctx, db, id, tt.processor, tt.now, tt.cutoff)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got != tt.want {
				t.Errorf("claim = %v, want %v", got, tt.want)
			}
		})
	}

	a, err := GetBatchAction(ctx, db, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ProcessorID == nil || *a.ProcessorID != "b" || a.State != types.ActionProcessing {
		t.Errorf("action = %+v", a)
	}
}

func TestInsertBatchResultOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := InsertBatchAction(ctx, db, 1, types.ActionDeleteExam, []int64{9}, map[string]string{"reason": "cleanup"}, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := InsertBatchResult(ctx, db, id, 9, types.OutcomeFailed, 2)
	if err != nil || !first {
		t.Fatalf("first result: inserted=%v err=%v", first, err)
	}
	second, err := InsertBatchResult(ctx, db, id, 9, types.OutcomeSuccess, 3)
	if err != nil || second {
		t.Fatalf("second result: inserted=%v err=%v", second, err)
	}

	results, err := ListBatchResults(ctx, db, id)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != types.OutcomeFailed {
		t.Errorf("results = %+v", results)
	}

	a, _ := GetBatchAction(ctx, db, id)
	if a.Attributes["reason"] != "cleanup" {
		t.Errorf("attributes = %v", a.Attributes)
	}
}

func TestMatchSecurityKeyPrecedence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	examID := createTestExam(t, db, 1)
	templateID := int64(77)

	insert := func(k models.SecurityKey) int64 {
		t.Helper()
		k.InstitutionID = 1
		k.KeyType = types.KeyBrowserExam
		k.KeyValue = "abc"
		id, err := InsertSecurityKey(ctx, db, k, 1)
		if err != nil {
			t.Fatalf("insert key: %v", err)
		}
		return id
	}
	instID := insert(models.SecurityKey{Tag: "inst"})
	tmplID := insert(models.SecurityKey{TemplateID: &templateID, Tag: "tmpl"})
	examKeyID := insert(models.SecurityKey{ExamID: &examID, Tag: "exam"})

	match := func() int64 {
		t.Helper()
		k, err := MatchSecurityKey(ctx, db, 1, types.KeyBrowserExam, "abc", &examID, &templateID)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if k == nil {
			return 0
		}
		return k.ID
	}

	if got := match(); got != examKeyID {
		t.Errorf("match = %d, want exam key %d", got, examKeyID)
	}
	if _, err := RevokeSecurityKey(ctx, db, 1, examKeyID, 2); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got := match(); got != tmplID {
		t.Errorf("match = %d, want template key %d", got, tmplID)
	}
	if _, err := RevokeSecurityKey(ctx, db, 1, tmplID, 3); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got := match(); got != instID {
		t.Errorf("match = %d, want institution key %d", got, instID)
	}

	_, err := InsertSecurityKey(ctx, db, models.SecurityKey{InstitutionID: 1, KeyType: types.KeyBrowserExam, KeyValue: "abc", Tag: "dup"}, 4)
	if !IsUniqueViolation(err) {
		t.Errorf("duplicate active key: expected unique violation, got %v", err)
	}
}
