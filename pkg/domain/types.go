package domain

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

type Language string

const (
	LanguageEnglish Language = "English"
	LanguageOdia    Language = "Odia"
)

const (
	MinClass = 6
	MaxClass = 12
)

// Account is a credential record cached for offline logins.
// Role is stored once at creation and never derived from the username.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         Role      `json:"role"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Chapter struct {
	Title string `json:"title" yaml:"title"`
	Text  string `json:"text" yaml:"text"`
}

type Book struct {
	ID       string    `json:"id" yaml:"id"`
	Title    string    `json:"title" yaml:"title"`
	Class    int       `json:"class" yaml:"class"`
	Subject  string    `json:"subject" yaml:"subject"`
	Language Language  `json:"language" yaml:"language"`
	Chapters []Chapter `json:"chapters" yaml:"chapters"`
}

// Matches reports an exact match on the (class, subject, language) selector.
func (b Book) Matches(class int, subject string, language Language) bool {
	return b.Class == class && b.Subject == subject && b.Language == language
}

type ProgressRecord struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	ChapterIndex int       `json:"chapterIndex"`
	Completed    bool      `json:"completed"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProgressID builds the progress key for a (book, chapter) pair.
func ProgressID(bookID string, chapterIndex int) string {
	return fmt.Sprintf("%s::%d", bookID, chapterIndex)
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type ChatMessage struct {
	ID        int64       `json:"id"`
	Role      MessageRole `json:"role"`
	User      string      `json:"user"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

type Task struct {
	Title       string   `json:"title"`
	CompletedBy []string `json:"completedBy"`
}

// HasCompleted reports whether username already completed the task.
func (t Task) HasCompleted(username string) bool {
	for _, u := range t.CompletedBy {
		if u == username {
			return true
		}
	}
	return false
}

type RoomStudent struct {
	Username       string   `json:"username"`
	Score          int      `json:"score"`
	Badges         []string `json:"badges"`
	CompletedTasks []string `json:"completedTasks"`
}

// Room lives only in the remote directory under its passcode.
type Room struct {
	Code       string                 `json:"code"`
	CreatedBy  string                 `json:"createdBy"`
	TeacherID  string                 `json:"teacherId"`
	ClassLevel int                    `json:"classLevel"`
	Subject    string                 `json:"subject"`
	CreatedAt  time.Time              `json:"createdAt"`
	Students   map[string]RoomStudent `json:"students"`
	Tasks      []Task                 `json:"tasks"`
}

type Score struct {
	Username  string    `json:"username"`
	Points    int       `json:"points"`
	Badges    []string  `json:"badges"`
	UpdatedAt time.Time `json:"updatedAt"`
}
