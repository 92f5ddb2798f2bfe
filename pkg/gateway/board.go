package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// joinedRoom is the local record of a room a student joined on this device.
type joinedRoom struct {
	Username string    `json:"username"`
	Code     string    `json:"code"`
	JoinedAt time.Time `json:"joinedAt"`
}

func joinedKey(username, code string) string {
	return username + "/" + code
}

// RoomBoard is a student's live view of the rooms they joined. Each pushed
// snapshot replaces the cached room wholesale, including any optimistic patch
// applied by CompleteTask: the server is always the last writer.
type RoomBoard struct {
	gw       *Gateway
	username string
	onUpdate func([]domain.Room)

	mu           sync.Mutex
	joined       map[string]struct{}
	rooms        map[string]domain.Room
	snapshots    map[string]uint64 // code -> snapshots received
	unsubscribes []func()
	generation   uint64
	closed       bool
}

// NewRoomBoard restores the rooms username joined on this device and subscribes
// to each. onUpdate, if set, is called after every applied snapshot.
func (g *Gateway) NewRoomBoard(ctx context.Context, username string, onUpdate func([]domain.Room)) (*RoomBoard, error) {
	b := &RoomBoard{
		gw:        g,
		username:  username,
		onUpdate:  onUpdate,
		joined:    make(map[string]struct{}),
		rooms:     make(map[string]domain.Room),
		snapshots: make(map[string]uint64),
	}
	records, err := g.local.GetAll(ctx, store.CollectionRoomsJoined)
	if err != nil {
		return nil, fmt.Errorf("load joined rooms: %w", err)
	}
	for _, r := range records {
		var jr joinedRoom
		if err := r.Decode(&jr); err != nil {
			return nil, err
		}
		if jr.Username == username {
			b.joined[jr.Code] = struct{}{}
		}
	}
	if err := b.resubscribe(ctx); err != nil {
		// The joined set is still valid offline; views fill in once subscribed.
		slog.Warn("room board subscribe failed", "username", username, "err", err)
	}
	return b, nil
}

// Join remembers code locally and starts following it. Joining writes nothing
// to the room itself.
func (b *RoomBoard) Join(ctx context.Context, code string) (string, error) {
	normalized, ok := NormalizePasscode(code)
	if !ok {
		return "", fmt.Errorf("%w: invalid room code %q", domain.ErrInvalidInput, code)
	}
	b.mu.Lock()
	_, already := b.joined[normalized]
	b.mu.Unlock()
	if already {
		return normalized, nil
	}
	rec := joinedRoom{Username: b.username, Code: normalized, JoinedAt: b.gw.now().UTC()}
	if err := b.gw.local.Put(ctx, store.CollectionRoomsJoined, joinedKey(b.username, normalized), rec); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.joined[normalized] = struct{}{}
	b.mu.Unlock()
	return normalized, b.resubscribe(ctx)
}

// Leave forgets code and drops its cached view.
func (b *RoomBoard) Leave(ctx context.Context, code string) error {
	normalized, ok := NormalizePasscode(code)
	if !ok {
		return fmt.Errorf("%w: invalid room code %q", domain.ErrInvalidInput, code)
	}
	if err := b.gw.local.Delete(ctx, store.CollectionRoomsJoined, joinedKey(b.username, normalized)); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.joined, normalized)
	delete(b.rooms, normalized)
	delete(b.snapshots, normalized)
	b.mu.Unlock()
	return b.resubscribe(ctx)
}

// Joined returns the joined codes, sorted.
func (b *RoomBoard) Joined() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinedLocked()
}

// Rooms returns the current view of joined rooms, sorted by code.
func (b *RoomBoard) Rooms() []domain.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomsLocked()
}

// Room returns the current view of one joined room.
func (b *RoomBoard) Room(code string) (domain.Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[code]
	return r, ok
}

// CompleteTask patches the cached view right away and then writes the completion
// remotely. If the remote write fails before any newer snapshot arrived, the
// optimistic patch is rolled back.
func (b *RoomBoard) CompleteTask(ctx context.Context, code string, taskIndex int, score domain.Score) (domain.Room, error) {
	b.mu.Lock()
	room, ok := b.rooms[code]
	if !ok {
		b.mu.Unlock()
		return domain.Room{}, fmt.Errorf("room %s: %w", code, domain.ErrNotFound)
	}
	optimistic, changed, err := applyCompletion(room, b.username, taskIndex, score)
	if err != nil || !changed {
		b.mu.Unlock()
		return room, err
	}
	seen := b.snapshots[code]
	b.rooms[code] = optimistic
	b.mu.Unlock()
	b.notify()

	if _, err := b.gw.CompleteTask(ctx, room, b.username, taskIndex, score); err != nil {
		b.mu.Lock()
		if b.snapshots[code] == seen {
			if _, still := b.joined[code]; still {
				b.rooms[code] = room
			}
		}
		b.mu.Unlock()
		b.notify()
		return room, err
	}
	return optimistic, nil
}

// Refresh re-opens the subscriptions, for instance after connectivity returns.
func (b *RoomBoard) Refresh(ctx context.Context) error {
	return b.resubscribe(ctx)
}

// Close stops every subscription.
func (b *RoomBoard) Close() {
	b.mu.Lock()
	b.closed = true
	b.generation++
	old := b.unsubscribes
	b.unsubscribes = nil
	b.mu.Unlock()
	for _, unsubscribe := range old {
		unsubscribe()
	}
}

// resubscribe tears down every active subscription and opens one per joined room.
func (b *RoomBoard) resubscribe(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.generation++
	gen := b.generation
	old := b.unsubscribes
	b.unsubscribes = nil
	codes := b.joinedLocked()
	b.mu.Unlock()

	for _, unsubscribe := range old {
		unsubscribe()
	}

	var subs []func()
	var errs []error
	for _, code := range codes {
		unsubscribe, err := b.gw.remote.Subscribe(ctx, directory.CollectionRooms, directory.Eq("code", code), func(docs []directory.Document) {
			b.applySnapshot(gen, code, docs)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", code, err))
			continue
		}
		subs = append(subs, unsubscribe)
	}

	b.mu.Lock()
	if b.generation != gen {
		// A newer resubscribe or Close won the race; these are already stale.
		b.mu.Unlock()
		for _, unsubscribe := range subs {
			unsubscribe()
		}
		return errors.Join(errs...)
	}
	b.unsubscribes = subs
	b.mu.Unlock()
	return errors.Join(errs...)
}

func (b *RoomBoard) applySnapshot(gen uint64, code string, docs []directory.Document) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.snapshots[code]++
	if len(docs) == 0 {
		delete(b.rooms, code)
	} else {
		var room domain.Room
		if err := docs[0].Decode(&room); err != nil {
			b.mu.Unlock()
			slog.Warn("decode room snapshot failed", "code", code, "err", err)
			return
		}
		b.rooms[code] = room
	}
	b.mu.Unlock()
	b.notify()
}

func (b *RoomBoard) notify() {
	if b.onUpdate == nil {
		return
	}
	b.onUpdate(b.Rooms())
}

func (b *RoomBoard) joinedLocked() []string {
	codes := make([]string, 0, len(b.joined))
	for code := range b.joined {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (b *RoomBoard) roomsLocked() []domain.Room {
	out := make([]domain.Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// TeacherBoard follows every room created by one teacher.
type TeacherBoard struct {
	unsubscribe func()

	mu    sync.Mutex
	rooms []domain.Room
}

// NewTeacherBoard subscribes to rooms where createdBy equals teacher.
func (g *Gateway) NewTeacherBoard(ctx context.Context, teacher string) (*TeacherBoard, error) {
	b := &TeacherBoard{}
	unsubscribe, err := g.remote.Subscribe(ctx, directory.CollectionRooms, directory.Eq("createdBy", teacher), b.apply)
	if err != nil {
		return nil, fmt.Errorf("subscribe teacher rooms: %w", err)
	}
	b.unsubscribe = unsubscribe
	return b, nil
}

func (b *TeacherBoard) apply(docs []directory.Document) {
	rooms := make([]domain.Room, 0, len(docs))
	for _, d := range docs {
		var room domain.Room
		if err := d.Decode(&room); err != nil {
			slog.Warn("decode room snapshot failed", "code", d.ID, "err", err)
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Code < rooms[j].Code })
	b.mu.Lock()
	b.rooms = rooms
	b.mu.Unlock()
}

// Rooms returns the latest snapshot.
func (b *TeacherBoard) Rooms() []domain.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Room(nil), b.rooms...)
}

func (b *TeacherBoard) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}
