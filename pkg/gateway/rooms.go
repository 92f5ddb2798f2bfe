package gateway

import (
	"context"
	"fmt"
	"strings"

	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
)

// Room operations have no local fallback: remote failures are returned as-is.

// CreateRoom opens a new room owned by teacher under a freshly generated passcode.
func (g *Gateway) CreateRoom(ctx context.Context, teacher domain.Account, classLevel int, subject string) (domain.Room, error) {
	if teacher.Role != domain.RoleTeacher {
		return domain.Room{}, fmt.Errorf("%w: only teachers can create rooms", domain.ErrInvalidInput)
	}
	if classLevel < domain.MinClass || classLevel > domain.MaxClass {
		return domain.Room{}, fmt.Errorf("%w: class must be between %d and %d", domain.ErrInvalidInput, domain.MinClass, domain.MaxClass)
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.Room{}, fmt.Errorf("%w: subject is required", domain.ErrInvalidInput)
	}
	room := domain.Room{
		Code:       g.passcodes.Next(),
		CreatedBy:  teacher.Username,
		TeacherID:  teacher.ID,
		ClassLevel: classLevel,
		Subject:    subject,
		CreatedAt:  g.now().UTC(),
		Students:   map[string]domain.RoomStudent{},
		Tasks:      []domain.Task{},
	}
	if err := g.remote.CreateDocument(ctx, directory.CollectionRooms, room.Code, room); err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// Room reads the current state of one room.
func (g *Gateway) Room(ctx context.Context, code string) (domain.Room, error) {
	doc, err := g.remote.GetDocument(ctx, directory.CollectionRooms, code)
	if err != nil {
		return domain.Room{}, fmt.Errorf("get room %s: %w", code, err)
	}
	var room domain.Room
	if err := doc.Decode(&room); err != nil {
		return domain.Room{}, fmt.Errorf("decode room %s: %w", code, err)
	}
	return room, nil
}

// CloseRoom deletes the room document.
func (g *Gateway) CloseRoom(ctx context.Context, code string) error {
	if err := g.remote.DeleteDocument(ctx, directory.CollectionRooms, code); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	return nil
}

// AddTask appends a task to the room.
func (g *Gateway) AddTask(ctx context.Context, code, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: task title is required", domain.ErrInvalidInput)
	}
	task := domain.Task{Title: title, CompletedBy: []string{}}
	if err := g.remote.UpdateDocument(ctx, directory.CollectionRooms, code, directory.Patch{
		directory.ArrayUnion("tasks", task),
	}); err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	return nil
}

// CompleteTask records that username finished task taskIndex of room, carrying
// the student's current score into the room. room is the caller's current view.
func (g *Gateway) CompleteTask(ctx context.Context, room domain.Room, username string, taskIndex int, score domain.Score) (domain.Room, error) {
	updated, changed, err := applyCompletion(room, username, taskIndex, score)
	if err != nil {
		return room, err
	}
	if !changed {
		return room, nil
	}
	student := updated.Students[username]
	prefix := "students." + username
	// Address the task by index so tasks appended concurrently are not overwritten.
	patch := directory.Patch{
		directory.ArrayUnion(fmt.Sprintf("tasks.%d.completedBy", taskIndex), username),
		directory.Set(prefix+".username", student.Username),
		directory.Set(prefix+".score", student.Score),
		directory.Set(prefix+".badges", student.Badges),
		directory.ArrayUnion(prefix+".completedTasks", room.Tasks[taskIndex].Title),
	}
	if err := g.remote.UpdateDocument(ctx, directory.CollectionRooms, room.Code, patch); err != nil {
		return room, fmt.Errorf("complete task: %w", err)
	}
	return updated, nil
}

// applyCompletion returns a copy of room with the completion applied.
// changed is false when username had already completed the task.
func applyCompletion(room domain.Room, username string, taskIndex int, score domain.Score) (domain.Room, bool, error) {
	if username == "" {
		return room, false, fmt.Errorf("%w: username is required", domain.ErrInvalidInput)
	}
	if taskIndex < 0 || taskIndex >= len(room.Tasks) {
		return room, false, fmt.Errorf("%w: task %d does not exist", domain.ErrInvalidInput, taskIndex)
	}
	if room.Tasks[taskIndex].HasCompleted(username) {
		return room, false, nil
	}

	out := room
	out.Tasks = make([]domain.Task, len(room.Tasks))
	for i, t := range room.Tasks {
		out.Tasks[i] = domain.Task{Title: t.Title, CompletedBy: append([]string(nil), t.CompletedBy...)}
	}
	out.Tasks[taskIndex].CompletedBy = append(out.Tasks[taskIndex].CompletedBy, username)

	out.Students = make(map[string]domain.RoomStudent, len(room.Students)+1)
	for k, v := range room.Students {
		out.Students[k] = v
	}
	student := out.Students[username]
	student.Username = username
	student.Score = score.Points
	student.Badges = append([]string{}, score.Badges...)
	title := room.Tasks[taskIndex].Title
	completed := append([]string{}, student.CompletedTasks...)
	if !containsString(completed, title) {
		completed = append(completed, title)
	}
	student.CompletedTasks = completed
	out.Students[username] = student
	return out, true, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
