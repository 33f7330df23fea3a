// Package rooms assigns client connections to bounded-capacity proctoring
// rooms and keeps a per-room generation counter for watchers.
//
// Room occupancy and the connection's room reference are separate writes.
// A reader may briefly see one without the other; the generation counter
// converges once both writes land.
package rooms

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/token"
	"github.com/rsclarke/sebcoord/internal/types"
)

// SettingName is the exam setting holding per-exam Limits.
const SettingName = "proctoring"

// Limits bound how many connections an exam's rooms hold.
type Limits struct {
	RoomSize int `json:"room_size"`
	MaxRooms int `json:"max_rooms"`
}

func (l Limits) valid() bool {
	return l.RoomSize > 0 && l.MaxRooms > 0
}

// RoomPatch carries optional room metadata changes.
type RoomPatch = db.RoomPatch

type Allocator struct {
	db       *sql.DB
	log      *zap.Logger
	now      func() time.Time
	defaults Limits
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// New returns an Allocator that falls back to defaults when an exam has no
// proctoring setting of its own.
func New(d *sql.DB, logger *zap.Logger, defaults Limits, opts ...Option) *Allocator {
	a := &Allocator{
		db:       d,
		log:      logging.OrNop(logger).Named("rooms"),
		now:      time.Now,
		defaults: defaults,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Limits returns the effective limits for an exam.
func (a *Allocator) Limits(ctx context.Context, examID int64) (Limits, error) {
	l := a.defaults
	found, err := db.GetExamSetting(ctx, a.db, examID, SettingName, &l)
	if err != nil {
		return Limits{}, err
	}
	if !found || !l.valid() {
		return a.defaults, nil
	}
	return l, nil
}

// SetLimits stores per-exam limits. Existing rooms keep their size.
func (a *Allocator) SetLimits(ctx context.Context, examID int64, l Limits) error {
	if !l.valid() {
		return ErrInvalidLimits
	}
	return db.SetExamSetting(ctx, a.db, examID, SettingName, l)
}

// Assign places a connection into a room of the given kind and returns the
// room ID. A connection that already has a room of that kind keeps it.
func (a *Allocator) Assign(ctx context.Context, tok string, examID int64, kind types.RoomKind) (int64, error) {
	if !kind.Valid() {
		return 0, ErrInvalidKind
	}

	conn, err := db.GetConnectionByToken(ctx, a.db, tok)
	if err != nil {
		return 0, err
	}
	if conn == nil {
		return 0, ErrConnectionNotFound
	}
	if conn.ExamID != examID {
		return 0, ErrExamMismatch
	}
	if conn.Status.Terminal() {
		return 0, ErrConnectionTerminated
	}
	if existing := conn.RoomID(kind); existing != nil {
		return *existing, nil
	}

	limits, err := a.Limits(ctx, examID)
	if err != nil {
		return 0, err
	}

	roomID, gen, err := a.takeSeat(ctx, conn, kind, limits)
	if err != nil {
		return 0, err
	}

	set, err := db.SetConnectionRoom(ctx, a.db, tok, kind, roomID, a.now().UnixMilli())
	if err != nil {
		a.vacate(ctx, roomID)
		return 0, err
	}
	if !set {
		// Lost the race against a concurrent Assign; give the seat back and
		// report whatever room the winner picked.
		a.vacate(ctx, roomID)
		conn, err = db.GetConnectionByToken(ctx, a.db, tok)
		if err != nil {
			return 0, err
		}
		if conn == nil {
			return 0, ErrConnectionNotFound
		}
		if existing := conn.RoomID(kind); existing != nil {
			return *existing, nil
		}
		return 0, ErrMembershipChanged
	}

	a.log.Debug("connection assigned",
		logging.ConnectionToken(tok),
		logging.RoomID(roomID),
		logging.RoomKind(string(kind)),
		logging.Generation(gen))
	return roomID, nil
}

// takeSeat increments the occupancy of a room with space, creating a new
// room when every existing one is full.
func (a *Allocator) takeSeat(ctx context.Context, conn *models.ClientConnection, kind types.RoomKind, limits Limits) (int64, int64, error) {
	nowMs := a.now().UnixMilli()

	roomID, gen, ok, err := db.OccupyFreeRoom(ctx, a.db, conn.ExamID, kind, nowMs)
	if err != nil || ok {
		return roomID, gen, err
	}

	roomID, gen, ok, err = db.CreateOccupiedRoom(ctx, a.db, db.NewRoom{
		InstitutionID: conn.InstitutionID,
		ExamID:        conn.ExamID,
		Kind:          kind,
		NamePrefix:    namePrefix(kind),
		Size:          limits.RoomSize,
		MaxRooms:      limits.MaxRooms,
		JoinKey:       token.Generate(),
	}, nowMs)
	if err != nil || ok {
		return roomID, gen, err
	}

	// A concurrent release may have opened a seat since the first attempt.
	roomID, gen, ok, err = db.OccupyFreeRoom(ctx, a.db, conn.ExamID, kind, nowMs)
	if err != nil || ok {
		return roomID, gen, err
	}

	return 0, 0, &RoomCapacityExceededError{
		ExamID:   conn.ExamID,
		Kind:     kind,
		RoomSize: limits.RoomSize,
		MaxRooms: limits.MaxRooms,
	}
}

func (a *Allocator) vacate(ctx context.Context, roomID int64) {
	if _, err := db.VacateRoom(ctx, a.db, roomID, a.now().UnixMilli()); err != nil {
		a.log.Error("failed to give back room seat", logging.RoomID(roomID), zap.Error(err))
	}
}

// Release removes a connection from every room it belongs to.
func (a *Allocator) Release(ctx context.Context, tok string) error {
	conn, err := db.GetConnectionByToken(ctx, a.db, tok)
	if err != nil {
		return err
	}
	if conn == nil {
		return ErrConnectionNotFound
	}

	for _, kind := range types.RoomKinds {
		roomID := conn.RoomID(kind)
		if roomID == nil {
			continue
		}
		cleared, err := db.ClearConnectionRoom(ctx, a.db, tok, kind, *roomID, a.now().UnixMilli())
		if err != nil {
			return err
		}
		if !cleared {
			continue
		}
		if _, err := db.VacateRoom(ctx, a.db, *roomID, a.now().UnixMilli()); err != nil {
			return err
		}
		a.log.Debug("connection released",
			logging.ConnectionToken(tok),
			logging.RoomID(*roomID),
			logging.RoomKind(string(kind)))
	}
	return nil
}

// Move transfers a connection into a specific room, respecting its capacity.
// Both the source and the target room generations are bumped.
func (a *Allocator) Move(ctx context.Context, tok string, toRoomID int64) error {
	conn, err := db.GetConnectionByToken(ctx, a.db, tok)
	if err != nil {
		return err
	}
	if conn == nil {
		return ErrConnectionNotFound
	}
	if conn.Status.Terminal() {
		return ErrConnectionTerminated
	}
	room, err := db.GetRoom(ctx, a.db, toRoomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if room.ExamID != conn.ExamID {
		return ErrExamMismatch
	}
	if room.Townhall {
		return ErrTownhallNotAssignable
	}

	from := conn.RoomID(room.Kind)
	if from != nil && *from == toRoomID {
		return nil
	}

	nowMs := a.now().UnixMilli()
	ok, err := db.OccupyRoom(ctx, a.db, toRoomID, nowMs)
	if err != nil {
		return err
	}
	if !ok {
		limits, err := a.Limits(ctx, conn.ExamID)
		if err != nil {
			return err
		}
		return &RoomCapacityExceededError{ExamID: conn.ExamID, Kind: room.Kind, RoomSize: room.Size, MaxRooms: limits.MaxRooms}
	}

	var moved bool
	if from == nil {
		moved, err = db.SetConnectionRoom(ctx, a.db, tok, room.Kind, toRoomID, nowMs)
	} else {
		moved, err = db.MoveConnectionRoom(ctx, a.db, tok, room.Kind, *from, toRoomID, nowMs)
	}
	if err != nil {
		a.vacate(ctx, toRoomID)
		return err
	}
	if !moved {
		a.vacate(ctx, toRoomID)
		return ErrMembershipChanged
	}
	if from != nil {
		if _, err := db.VacateRoom(ctx, a.db, *from, nowMs); err != nil {
			return err
		}
	}

	a.log.Debug("connection moved",
		logging.ConnectionToken(tok),
		logging.RoomID(toRoomID),
		logging.RoomKind(string(room.Kind)))
	return nil
}

// CurrentGeneration returns the room's generation counter.
func (a *Allocator) CurrentGeneration(ctx context.Context, roomID int64) (int64, error) {
	gen, ok, err := db.RoomGeneration(ctx, a.db, roomID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrRoomNotFound
	}
	return gen, nil
}

// UpdateRoom applies p if the room is still at generation expected and
// returns the new generation.
func (a *Allocator) UpdateRoom(ctx context.Context, roomID, expected int64, p RoomPatch) (int64, error) {
	if size, set := p.Size.Get(); set && size < 0 {
		return 0, ErrInvalidCapacity
	}

	gen, ok, err := db.CompareAndUpdateRoom(ctx, a.db, roomID, expected, p, a.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if ok {
		a.log.Debug("room updated", logging.RoomID(roomID), logging.Generation(gen))
		return gen, nil
	}

	room, err := db.GetRoom(ctx, a.db, roomID)
	if err != nil {
		return 0, err
	}
	switch {
	case room == nil:
		return 0, ErrRoomNotFound
	case room.Generation != expected:
		return 0, ErrStaleGeneration
	default:
		return 0, ErrInvalidCapacity
	}
}

// Room returns a room by ID.
func (a *Allocator) Room(ctx context.Context, roomID int64) (*models.ProctoringRoom, error) {
	room, err := db.GetRoom(ctx, a.db, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// ListRooms lists an exam's rooms. An empty kind lists every kind.
func (a *Allocator) ListRooms(ctx context.Context, examID int64, kind types.RoomKind) ([]models.ProctoringRoom, error) {
	if kind != "" && !kind.Valid() {
		return nil, ErrInvalidKind
	}
	return db.ListRooms(ctx, a.db, examID, kind)
}

// OpenTownhall opens the exam's townhall room, or returns it if already open.
func (a *Allocator) OpenTownhall(ctx context.Context, institutionID, examID int64) (*models.ProctoringRoom, error) {
	exam, err := db.GetExam(ctx, a.db, institutionID, examID)
	if err != nil {
		return nil, err
	}
	if exam == nil {
		return nil, ErrExamNotFound
	}

	_, err = db.InsertTownhall(ctx, a.db, institutionID, examID, "Townhall", token.Generate(), a.now().UnixMilli())
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, err
	}
	if err == nil {
		a.log.Info("townhall opened", logging.ExamID(examID))
	}
	return a.Townhall(ctx, examID)
}

// CloseTownhall closes the exam's townhall room.
func (a *Allocator) CloseTownhall(ctx context.Context, examID int64) error {
	ok, err := db.DeleteTownhall(ctx, a.db, examID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	a.log.Info("townhall closed", logging.ExamID(examID))
	return nil
}

// Townhall returns the exam's open townhall room.
func (a *Allocator) Townhall(ctx context.Context, examID int64) (*models.ProctoringRoom, error) {
	room, err := db.GetTownhall(ctx, a.db, examID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func namePrefix(kind types.RoomKind) string {
	if kind == types.RoomScreenProctoring {
		return "Group"
	}
	return "Room"
}
