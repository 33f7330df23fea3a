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

const connectionColumns = `id, institution_id, exam_id, connection_token, status, client_address,
	virtual_client_address, vdi_pair_token, vdi_peer_token, vdi_primary, client_os, client_version,
	security_check_granted, client_version_granted,
	remote_proctoring_room_id, remote_proctoring_update,
	screen_proctoring_group_id, screen_proctoring_update,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(s rowScanner) (*models.ClientConnection, error) {
	var c models.ClientConnection
	var status string
	var primary, secGranted, verGranted int
	err := s.Scan(&c.ID, &c.InstitutionID, &c.ExamID, &c.Token, &status, &c.ClientAddress,
		&c.VirtualClientAddress, &c.VDIPairToken, &c.VDIPeerToken, &primary, &c.ClientOS, &c.ClientVersion,
		&secGranted, &verGranted,
		&c.RemoteProctoringRoomID, &c.RemoteProctoringUpdate,
		&c.ScreenProctoringGroupID, &c.ScreenProctoringUpdate,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = types.ConnectionStatus(status)
	c.VDIPrimary = primary != 0
	c.SecurityCheckGranted = secGranted != 0
	c.ClientVersionGranted = verGranted != 0
	return &c, nil
}

// roomColumns returns the reference and update-counter columns for a room kind.
func roomColumns(kind types.RoomKind) (ref, counter string) {
	if kind == types.RoomScreenProctoring {
		return "screen_proctoring_group_id", "screen_proctoring_update"
	}
	return "remote_proctoring_room_id", "remote_proctoring_update"
}

// InsertConnection inserts a connection in its initial status.
// Constraint errors are returned unwrapped so callers can test them with IsUniqueViolation.
func InsertConnection(ctx context.Context, d Querier, institutionID, examID int64, token, clientAddress string, nowMs int64) (int64, error) {
	res, err := d.ExecContext(ctx, `
		INSERT INTO client_connections
			(institution_id, exam_id, connection_token, status, client_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, institutionID, examID, token, string(types.StatusConnectionRequested), clientAddress, nowMs, nowMs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetConnectionByToken retrieves a connection by token. Returns (nil, nil) when absent.
func GetConnectionByToken(ctx context.Context, d Querier, token string) (*models.ClientConnection, error) {
	row := d.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM client_connections WHERE connection_token = ?", token)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return c, nil
}

// GetConnectionByID retrieves a connection within an institution. Returns (nil, nil) when absent.
func GetConnectionByID(ctx context.Context, d Querier, institutionID, id int64) (*models.ClientConnection, error) {
	row := d.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM client_connections WHERE id = ? AND institution_id = ?",
		id, institutionID)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return c, nil
}

// ListConnectionsByExam lists an exam's connections ordered by ID, optionally
// restricted to the given statuses.
func ListConnectionsByExam(ctx context.Context, d Querier, institutionID, examID int64, statuses []types.ConnectionStatus) ([]models.ClientConnection, error) {
	query := "SELECT " + connectionColumns + " FROM client_connections WHERE institution_id = ? AND exam_id = ?"
	args := []any{institutionID, examID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY id"

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ClientConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TransitionConnection moves a connection to status to, provided its current
// status is one of from. It reports whether the row was updated.
func TransitionConnection(ctx context.Context, d Querier, token string, to types.ConnectionStatus, from []types.ConnectionStatus, nowMs int64) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), nowMs, token}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := d.ExecContext(ctx, `
		UPDATE client_connections
		SET status = ?, updated_at = ?, version = version + 1
		WHERE connection_token = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("update connection status: %w", err)
	}
	return affected(res)
}

// ConnectionPatch carries optional client metadata for a heartbeat.
type ConnectionPatch struct {
	VirtualClientAddress patch.Field[string] `json:"virtual_client_address,omitzero"`
	ClientOS             patch.Field[string] `json:"client_os,omitzero"`
	ClientVersion        patch.Field[string] `json:"client_version,omitzero"`
	SecurityCheckGranted patch.Field[bool]   `json:"security_check_granted,omitzero"`
	ClientVersionGranted patch.Field[bool]   `json:"client_version_granted,omitzero"`
}

// Empty reports whether no field is set.
func (p ConnectionPatch) Empty() bool {
	return !p.VirtualClientAddress.IsSet() && !p.ClientOS.IsSet() && !p.ClientVersion.IsSet() &&
		!p.SecurityCheckGranted.IsSet() && !p.ClientVersionGranted.IsSet()
}

// TouchConnection bumps updated_at and applies the set fields of p on a
// non-terminal connection. The version is only bumped when p changes something.
func TouchConnection(ctx context.Context, d Querier, token string, p ConnectionPatch, nowMs int64) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{nowMs}
	if v, ok := p.VirtualClientAddress.Get(); ok {
		sets = append(sets, "virtual_client_address = ?")
		args = append(args, v)
	}
	if v, ok := p.ClientOS.Get(); ok {
		sets = append(sets, "client_os = ?")
		args = append(args, v)
	}
	if v, ok := p.ClientVersion.Get(); ok {
		sets = append(sets, "client_version = ?")
		args = append(args, v)
	}
	if v, ok := p.SecurityCheckGranted.Get(); ok {
		sets = append(sets, "security_check_granted = ?")
		args = append(args, boolToInt(v))
	}
	if v, ok := p.ClientVersionGranted.Get(); ok {
		sets = append(sets, "client_version_granted = ?")
		args = append(args, boolToInt(v))
	}
	if !p.Empty() {
		sets = append(sets, "version = version + 1")
	}
	args = append(args, token, string(types.StatusClosed), string(types.StatusAborted))

	res, err := d.ExecContext(ctx,
		"UPDATE client_connections SET "+strings.Join(sets, ", ")+
			" WHERE connection_token = ? AND status NOT IN (?, ?)",
		args...)
	if err != nil {
		return false, fmt.Errorf("update connection: %w", err)
	}
	return affected(res)
}

// SetVDIPair links token to peer, provided token is not paired yet.
func SetVDIPair(ctx context.Context, d Querier, token, pairToken, peerToken string, primary bool, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE client_connections
		SET vdi_pair_token = ?, vdi_peer_token = ?, vdi_primary = ?, updated_at = ?, version = version + 1
		WHERE connection_token = ? AND vdi_pair_token IS NULL
	`, pairToken, peerToken, boolToInt(primary), nowMs, token)
	if err != nil {
		return false, fmt.Errorf("pair connection: %w", err)
	}
	return affected(res)
}

// SetConnectionRoom sets the connection's room reference of the given kind,
// provided it has none yet, and bumps its update counter.
func SetConnectionRoom(ctx context.Context, d Querier, token string, kind types.RoomKind, roomID, nowMs int64) (bool, error) {
	ref, counter := roomColumns(kind)
	res, err := d.ExecContext(ctx,
		"UPDATE client_connections SET "+ref+" = ?, "+counter+" = "+counter+" + 1, updated_at = ?"+
			" WHERE connection_token = ? AND "+ref+" IS NULL",
		roomID, nowMs, token)
	if err != nil {
		return false, fmt.Errorf("set connection room: %w", err)
	}
	return affected(res)
}

// ClearConnectionRoom clears the connection's room reference of the given
// kind if it still points at roomID, and bumps its update counter.
func ClearConnectionRoom(ctx context.Context, d Querier, token string, kind types.RoomKind, roomID, nowMs int64) (bool, error) {
	ref, counter := roomColumns(kind)
	res, err := d.ExecContext(ctx,
		"UPDATE client_connections SET "+ref+" = NULL, "+counter+" = "+counter+" + 1, updated_at = ?"+
			" WHERE connection_token = ? AND "+ref+" = ?",
		nowMs, token, roomID)
	if err != nil {
		return false, fmt.Errorf("clear connection room: %w", err)
	}
	return affected(res)
}

// MoveConnectionRoom repoints the connection's room reference from one room to another.
func MoveConnectionRoom(ctx context.Context, d Querier, token string, kind types.RoomKind, fromID, toID, nowMs int64) (bool, error) {
	ref, counter := roomColumns(kind)
	res, err := d.ExecContext(ctx,
		"UPDATE client_connections SET "+ref+" = ?, "+counter+" = "+counter+" + 1, updated_at = ?"+
			" WHERE connection_token = ? AND "+ref+" = ?",
		toID, nowMs, token, fromID)
	if err != nil {
		return false, fmt.Errorf("move connection room: %w", err)
	}
	return affected(res)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
