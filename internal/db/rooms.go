package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/patch"
	"github.com/rsclarke/sebcoord/internal/types"
)

const roomColumnList = `id, institution_id, exam_id, kind, name, size, occupancy, room_data, join_key,
	townhall, break_out_connections, generation, created_at, updated_at`

func scanRoom(s rowScanner) (*models.ProctoringRoom, error) {
	var r models.ProctoringRoom
	var kind, breakOut string
	var townhall int
	err := s.Scan(&r.ID, &r.InstitutionID, &r.ExamID, &kind, &r.Name, &r.Size, &r.Occupancy, &r.RoomData,
		&r.JoinKey, &townhall, &breakOut, &r.Generation, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = types.RoomKind(kind)
	r.Townhall = townhall != 0
	if r.BreakOut, err = DecodeIDs(breakOut); err != nil {
		return nil, fmt.Errorf("decode break-out connections: %w", err)
	}
	return &r, nil
}

// OccupyFreeRoom takes one seat in the lowest-numbered non-townhall room of
// the exam that still has space. ok is false when every room is full.
func OccupyFreeRoom(ctx context.Context, d Querier, examID int64, kind types.RoomKind, nowMs int64) (roomID, generation int64, ok bool, err error) {
	err = d.QueryRowContext(ctx, `
		UPDATE proctoring_rooms
		SET occupancy = occupancy + 1, generation = generation + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM proctoring_rooms
			WHERE exam_id = ? AND kind = ? AND townhall = 0 AND occupancy < size
			ORDER BY id LIMIT 1
		) AND occupancy < size
		RETURNING id, generation
	`, nowMs, examID, string(kind)).Scan(&roomID, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("occupy room: %w", err)
	}
	return roomID, generation, true, nil
}

// NewRoom describes a room to be created with its first occupant.
type NewRoom struct {
	InstitutionID int64
	ExamID        int64
	Kind          types.RoomKind
	NamePrefix    string
	Size          int
	MaxRooms      int
	JoinKey       string
}

// CreateOccupiedRoom inserts a new room holding one occupant, provided the
// exam has fewer than MaxRooms rooms of that kind. ok is false at the limit.
func CreateOccupiedRoom(ctx context.Context, d Querier, nr NewRoom, nowMs int64) (roomID, generation int64, ok bool, err error) {
	err = d.QueryRowContext(ctx, `
		INSERT INTO proctoring_rooms
			(institution_id, exam_id, kind, name, size, occupancy, join_key, townhall, generation, created_at, updated_at)
		SELECT ?, ?, ?,
			? || ' ' || ((SELECT COUNT(*) FROM proctoring_rooms WHERE exam_id = ? AND kind = ? AND townhall = 0) + 1),
			?, 1, ?, 0, 1, ?, ?
		WHERE (SELECT COUNT(*) FROM proctoring_rooms WHERE exam_id = ? AND kind = ? AND townhall = 0) < ?
		RETURNING id, generation
	`, nr.InstitutionID, nr.ExamID, string(nr.Kind),
		nr.NamePrefix, nr.ExamID, string(nr.Kind),
		nr.Size, nr.JoinKey, nowMs, nowMs,
		nr.ExamID, string(nr.Kind), nr.MaxRooms,
	).Scan(&roomID, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("create room: %w", err)
	}
	return roomID, generation, true, nil
}

// OccupyRoom takes one seat in a specific non-townhall room if it has space.
func OccupyRoom(ctx context.Context, d Querier, roomID, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE proctoring_rooms
		SET occupancy = occupancy + 1, generation = generation + 1, updated_at = ?
		WHERE id = ? AND townhall = 0 AND occupancy < size
	`, nowMs, roomID)
	if err != nil {
		return false, fmt.Errorf("occupy room: %w", err)
	}
	return affected(res)
}

// VacateRoom gives back one seat and bumps the room generation.
func VacateRoom(ctx context.Context, d Querier, roomID, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE proctoring_rooms
		SET occupancy = occupancy - 1, generation = generation + 1, updated_at = ?
		WHERE id = ? AND occupancy > 0
	`, nowMs, roomID)
	if err != nil {
		return false, fmt.Errorf("vacate room: %w", err)
	}
	return affected(res)
}

// GetRoom retrieves a room by ID. Returns (nil, nil) when absent.
func GetRoom(ctx context.Context, d Querier, roomID int64) (*models.ProctoringRoom, error) {
	r, err := scanRoom(d.QueryRowContext(ctx, "SELECT "+roomColumnList+" FROM proctoring_rooms WHERE id = ?", roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query room: %w", err)
	}
	return r, nil
}

// RoomGeneration returns a room's generation counter. ok is false when the room does not exist.
func RoomGeneration(ctx context.Context, d Querier, roomID int64) (gen int64, ok bool, err error) {
	err = d.QueryRowContext(ctx, "SELECT generation FROM proctoring_rooms WHERE id = ?", roomID).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query room generation: %w", err)
	}
	return gen, true, nil
}

// ListRooms lists an exam's rooms ordered by ID. An empty kind lists all kinds.
func ListRooms(ctx context.Context, d Querier, examID int64, kind types.RoomKind) ([]models.ProctoringRoom, error) {
	query := "SELECT " + roomColumnList + " FROM proctoring_rooms WHERE exam_id = ?"
	args := []any{examID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY id"

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ProctoringRoom
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RoomPatch carries optional room metadata changes.
type RoomPatch struct {
	Name     patch.Field[string]  `json:"name,omitzero"`
	Size     patch.Field[int]     `json:"size,omitzero"`
	RoomData patch.Field[string]  `json:"room_data,omitzero"`
	JoinKey  patch.Field[string]  `json:"join_key,omitzero"`
	BreakOut patch.Field[[]int64] `json:"break_out_connections,omitzero"`
}

// CompareAndUpdateRoom applies p if the room is still at generation expected
// and, when the size changes, the new size is not below the occupancy.
// ok is false when either guard fails.
func CompareAndUpdateRoom(ctx context.Context, d Querier, roomID, expected int64, p RoomPatch, nowMs int64) (newGen int64, ok bool, err error) {
	sets := []string{"generation = generation + 1", "updated_at = ?"}
	args := []any{nowMs}
	if v, set := p.Name.Get(); set {
		sets = append(sets, "name = ?")
		args = append(args, v)
	}
	if v, set := p.Size.Get(); set {
		sets = append(sets, "size = ?")
		args = append(args, v)
	}
	if v, set := p.RoomData.Get(); set {
		sets = append(sets, "room_data = ?")
		args = append(args, v)
	}
	if v, set := p.JoinKey.Get(); set {
		sets = append(sets, "join_key = ?")
		args = append(args, v)
	}
	if v, set := p.BreakOut.Get(); set {
		sets = append(sets, "break_out_connections = ?")
		args = append(args, EncodeIDs(v))
	}

	where := "id = ? AND generation = ?"
	args = append(args, roomID, expected)
	if v, set := p.Size.Get(); set {
		where += " AND occupancy <= ?"
		args = append(args, v)
	}

	err = d.QueryRowContext(ctx,
		"UPDATE proctoring_rooms SET "+strings.Join(sets, ", ")+" WHERE "+where+" RETURNING generation",
		args...).Scan(&newGen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("update room: %w", err)
	}
	return newGen, true, nil
}

// InsertTownhall creates the townhall room of an exam. A second townhall for
// the same exam fails with a unique violation, returned unwrapped.
func InsertTownhall(ctx context.Context, d Querier, institutionID, examID int64, name, joinKey string, nowMs int64) (int64, error) {
	res, err := d.ExecContext(ctx, `
		INSERT INTO proctoring_rooms
			(institution_id, exam_id, kind, name, size, occupancy, join_key, townhall, generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, 1, 1, ?, ?)
	`, institutionID, examID, string(types.RoomRemoteProctoring), name, joinKey, nowMs, nowMs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTownhall returns the exam's townhall room. Returns (nil, nil) when none is open.
func GetTownhall(ctx context.Context, d Querier, examID int64) (*models.ProctoringRoom, error) {
	r, err := scanRoom(d.QueryRowContext(ctx,
		"SELECT "+roomColumnList+" FROM proctoring_rooms WHERE exam_id = ? AND townhall = 1", examID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query townhall: %w", err)
	}
	return r, nil
}

// DeleteTownhall removes the exam's townhall room. It reports whether one existed.
func DeleteTownhall(ctx context.Context, d Querier, examID int64) (bool, error) {
	res, err := d.ExecContext(ctx, "DELETE FROM proctoring_rooms WHERE exam_id = ? AND townhall = 1", examID)
	if err != nil {
		return false, fmt.Errorf("delete townhall: %w", err)
	}
	return affected(res)
}
