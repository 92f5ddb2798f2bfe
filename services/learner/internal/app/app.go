package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gamedo/internal/util"
	"gamedo/pkg/content"
	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
	"gamedo/pkg/gateway"
	"gamedo/pkg/jobs"
	"gamedo/pkg/progress"
	"gamedo/pkg/storage"
	"gamedo/pkg/store"
)

// downloadConcurrency bounds parallel catalog copies in DownloadClass.
const downloadConcurrency = 4

// Config holds runtime configuration for the learner application.
// Store, Directory and Catalog take precedence over the settings that would build them.
type Config struct {
	Store       store.Store
	StoreConfig store.Config

	Directory        directory.Directory
	DirectoryURL     string
	DirectoryTimeout time.Duration
	DirectorySecret  string
	IdentitySuffix   string

	Catalog       *content.Catalog
	CatalogSource string
	CatalogPath   string
	CatalogKey    string
	Objects       storage.ObjectStore

	// Downloads enables background class downloads; nil leaves only the synchronous path.
	Downloads *jobs.DownloadQueue

	// SessionTTL is the idle lifetime of a learner session. Zero means DefaultSessionTTL.
	SessionTTL time.Duration
	// OfflineToggle lets a developer force the directory offline at runtime.
	OfflineToggle bool

	Now func() time.Time
}

// App wires the gateway, content resolver and progress tracker behind one
// session-aware facade for the HTTP layer.
type App struct {
	local     store.Store
	gw        *gateway.Gateway
	resolver  *content.Resolver
	tracker   *progress.Tracker
	sessions  *sessionTable
	downloads *jobs.DownloadQueue
	flaky     *directory.FlakyDirectory
}

// New constructs the application, opening whatever cfg does not provide.
func New(ctx context.Context, cfg Config) (*App, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	local := cfg.Store
	if local == nil {
		opened, err := store.Open(cfg.StoreConfig)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		local = opened
	}

	remote := cfg.Directory
	if remote == nil {
		built, err := openDirectory(cfg)
		if err != nil {
			return nil, err
		}
		remote = built
	}
	var flaky *directory.FlakyDirectory
	if cfg.OfflineToggle {
		flaky = directory.NewFlakyDirectory(remote)
		remote = flaky
	}

	catalog := cfg.Catalog
	if catalog == nil {
		loaded, err := loadCatalog(ctx, cfg)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	var identity gateway.IdentityMapper
	if cfg.IdentitySuffix != "" {
		identity = gateway.SuffixIdentity(cfg.IdentitySuffix)
	}
	gw, err := gateway.New(gateway.Config{
		Remote:   remote,
		Local:    local,
		Identity: identity,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := content.NewResolver(local, catalog)
	if err != nil {
		return nil, err
	}
	tracker, err := progress.NewTracker(local, progress.WithClock(now))
	if err != nil {
		return nil, err
	}
	return &App{
		local:     local,
		gw:        gw,
		resolver:  resolver,
		tracker:   tracker,
		sessions:  newSessionTable(cfg.SessionTTL, now),
		downloads: cfg.Downloads,
		flaky:     flaky,
	}, nil
}

func openDirectory(cfg Config) (directory.Directory, error) {
	if cfg.DirectoryURL != "" {
		return directory.NewClient(cfg.DirectoryURL, cfg.DirectoryTimeout), nil
	}
	secret := cfg.DirectorySecret
	if secret == "" {
		// Embedded tokens never leave the process, so a per-run key is enough.
		secret = util.NewToken()
	}
	sessions, err := directory.NewSessions(directory.SessionConfig{
		Secret:  []byte(secret),
		Revoker: directory.NewMemoryRevoker(),
	})
	if err != nil {
		return nil, fmt.Errorf("init embedded directory: %w", err)
	}
	slog.Info("using embedded directory")
	return directory.NewMemoryDirectory(sessions), nil
}

func loadCatalog(ctx context.Context, cfg Config) (*content.Catalog, error) {
	switch cfg.CatalogSource {
	case "", "embedded":
		return content.DefaultCatalog()
	case "file":
		return content.LoadCatalogFile(cfg.CatalogPath)
	case "minio":
		if cfg.Objects == nil {
			return nil, errors.New("minio catalog: object store is required")
		}
		key := cfg.CatalogKey
		if key == "" {
			key = content.DefaultCatalogKey
		}
		return content.LoadCatalogObject(ctx, cfg.Objects, key)
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.CatalogSource)
	}
}

// Close releases the local store and every open session.
func (a *App) Close() error {
	a.sessions.removeAll()
	if a.downloads != nil {
		_ = a.downloads.Close()
	}
	return a.local.Close()
}

// SweepSessions closes every idle session and reports how many went.
func (a *App) SweepSessions() int {
	return a.sessions.sweep()
}

// StartSessionSweeper drops idle sessions every interval until ctx ends.
func (a *App) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := util.LoggerFromContext(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.sessions.sweep(); n > 0 {
					logger.Info("idle sessions expired", "count", n)
				}
			}
		}
	}()
}

// OfflineToggleEnabled reports whether SetOffline has any effect.
func (a *App) OfflineToggleEnabled() bool {
	return a.flaky != nil
}

// SetOffline forces the directory unreachable, or restores it.
func (a *App) SetOffline(offline bool) error {
	if a.flaky == nil {
		return fmt.Errorf("%w: offline toggle is disabled", domain.ErrNotAvailable)
	}
	a.flaky.SetOffline(offline)
	slog.Info("directory offline toggle", "offline", offline)
	return nil
}

// Offline reports the toggle state. It is false when the toggle is disabled.
func (a *App) Offline() bool {
	return a.flaky != nil && a.flaky.Offline()
}

// SignUp creates an account through the gateway.
func (a *App) SignUp(ctx context.Context, in gateway.NewAccount) (domain.Account, gateway.Mode, error) {
	return a.gw.CreateAccount(ctx, in)
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, username, password string) (*UserSession, error) {
	session, err := a.gw.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return a.sessions.create(session), nil
}

// Logout closes the session behind token. Unknown tokens are ignored.
func (a *App) Logout(token string) {
	a.sessions.remove(token)
}

// Authenticate resolves a bearer token.
func (a *App) Authenticate(token string) (*UserSession, bool) {
	return a.sessions.get(token)
}

// ChangePassword updates the signed-in account's password.
func (a *App) ChangePassword(ctx context.Context, us *UserSession, newPassword string) (gateway.Mode, error) {
	return a.gw.ChangePassword(ctx, us.Username(), us.Session.Remote, newPassword)
}

// ResetPassword replaces a cached account's password without a session. It
// never reaches the remote directory.
func (a *App) ResetPassword(ctx context.Context, username, newPassword string) (gateway.Mode, error) {
	return a.gw.ChangePassword(ctx, username, directory.Session{}, newPassword)
}

func (a *App) Books(ctx context.Context, language domain.Language) ([]domain.Book, error) {
	return a.resolver.Downloaded(ctx, language)
}

func (a *App) ResolveBook(ctx context.Context, class int, subject string, language domain.Language) (domain.Book, content.Source, error) {
	return a.resolver.Resolve(ctx, class, subject, language)
}

// DownloadClass copies every catalog book of one class into the local store.
func (a *App) DownloadClass(ctx context.Context, class int, language domain.Language) ([]domain.Book, error) {
	return a.resolver.DownloadClass(ctx, class, language, downloadConcurrency)
}

// QueueDownload schedules DownloadClass on the background queue.
func (a *App) QueueDownload(ctx context.Context, class int, language domain.Language) (jobs.DownloadJob, error) {
	if a.downloads == nil {
		return jobs.DownloadJob{}, fmt.Errorf("%w: background downloads are not configured", domain.ErrNotAvailable)
	}
	return a.downloads.Enqueue(ctx, class, language)
}

func (a *App) DownloadJob(ctx context.Context, id string) (jobs.DownloadJob, error) {
	if a.downloads == nil {
		return jobs.DownloadJob{}, fmt.Errorf("%w: background downloads are not configured", domain.ErrNotAvailable)
	}
	return a.downloads.Job(ctx, id)
}

// StartDownloads runs the queue consumers until ctx ends. It is a no-op without a queue.
func (a *App) StartDownloads(ctx context.Context, concurrency int) {
	if a.downloads == nil {
		return
	}
	a.downloads.Start(ctx, concurrency, func(ctx context.Context, job jobs.DownloadJob) (int, error) {
		books, err := a.DownloadClass(ctx, job.Class, job.Language)
		return len(books), err
	})
}

func (a *App) Book(ctx context.Context, id string) (domain.Book, error) {
	return a.resolver.Book(ctx, id)
}

// CompleteChapter marks a chapter of a cached book as read.
func (a *App) CompleteChapter(ctx context.Context, bookID string, chapterIndex int) (domain.ProgressRecord, error) {
	book, err := a.resolver.Book(ctx, bookID)
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	if chapterIndex < 0 || chapterIndex >= len(book.Chapters) {
		return domain.ProgressRecord{}, fmt.Errorf("%w: book %s has no chapter %d", domain.ErrInvalidInput, bookID, chapterIndex)
	}
	return a.tracker.MarkComplete(ctx, bookID, chapterIndex)
}

func (a *App) BookProgress(ctx context.Context, bookID string) ([]domain.ProgressRecord, error) {
	return a.tracker.BookProgress(ctx, bookID)
}

func (a *App) Messages(ctx context.Context) ([]domain.ChatMessage, error) {
	return a.tracker.Messages(ctx)
}

func (a *App) Ask(ctx context.Context, us *UserSession, query string) (domain.ChatMessage, domain.ChatMessage, error) {
	return a.tracker.Ask(ctx, us.Username(), query)
}

func (a *App) ClearMessages(ctx context.Context) error {
	return a.tracker.ClearMessages(ctx)
}

// WinPoints maps a win kind to its points.
func WinPoints(kind string) (int, bool) {
	switch strings.ToLower(kind) {
	case "game":
		return progress.GameWinPoints, true
	case "quiz":
		return progress.QuizWinPoints, true
	default:
		return 0, false
	}
}

func (a *App) RecordWin(ctx context.Context, us *UserSession, kind string) (domain.Score, error) {
	points, ok := WinPoints(kind)
	if !ok {
		return domain.Score{}, fmt.Errorf("%w: unknown win kind %q", domain.ErrInvalidInput, kind)
	}
	return a.tracker.RecordWin(ctx, us.Username(), points)
}

func (a *App) Score(ctx context.Context, us *UserSession) (domain.Score, error) {
	return a.tracker.Score(ctx, us.Username())
}

// Rooms lists the rooms a student joined, or the rooms a teacher created.
func (a *App) Rooms(ctx context.Context, us *UserSession) ([]domain.Room, error) {
	if us.Session.Account.Role == domain.RoleTeacher {
		board, err := a.teacherBoard(ctx, us)
		if err != nil {
			return nil, err
		}
		return board.Rooms(), nil
	}
	board, err := a.roomBoard(ctx, us)
	if err != nil {
		return nil, err
	}
	return board.Rooms(), nil
}

func (a *App) CreateRoom(ctx context.Context, us *UserSession, classLevel int, subject string) (domain.Room, error) {
	if err := requireTeacher(us); err != nil {
		return domain.Room{}, err
	}
	// Opening the board first lets the new room show up in the next listing.
	if _, err := a.teacherBoard(ctx, us); err != nil {
		slog.Warn("teacher board unavailable", "username", us.Username(), "err", err)
	}
	return a.gw.CreateRoom(ctx, us.Session.Account, classLevel, subject)
}

func (a *App) CloseRoom(ctx context.Context, us *UserSession, code string) error {
	if err := requireTeacher(us); err != nil {
		return err
	}
	normalized, err := a.ownedRoom(ctx, us, code)
	if err != nil {
		return err
	}
	return a.gw.CloseRoom(ctx, normalized)
}

func (a *App) AddTask(ctx context.Context, us *UserSession, code, title string) error {
	if err := requireTeacher(us); err != nil {
		return err
	}
	normalized, err := a.ownedRoom(ctx, us, code)
	if err != nil {
		return err
	}
	return a.gw.AddTask(ctx, normalized, title)
}

// JoinRoom follows a room by passcode and returns the normalized code.
func (a *App) JoinRoom(ctx context.Context, us *UserSession, code string) (string, error) {
	board, err := a.roomBoard(ctx, us)
	if err != nil {
		return "", err
	}
	return board.Join(ctx, code)
}

func (a *App) LeaveRoom(ctx context.Context, us *UserSession, code string) error {
	board, err := a.roomBoard(ctx, us)
	if err != nil {
		return err
	}
	return board.Leave(ctx, code)
}

// CompleteTask marks a task of a joined room done, carrying the local score along.
func (a *App) CompleteTask(ctx context.Context, us *UserSession, code string, taskIndex int) (domain.Room, error) {
	normalized, ok := gateway.NormalizePasscode(code)
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: invalid room code %q", domain.ErrInvalidInput, code)
	}
	board, err := a.roomBoard(ctx, us)
	if err != nil {
		return domain.Room{}, err
	}
	score, err := a.tracker.Score(ctx, us.Username())
	if err != nil {
		return domain.Room{}, err
	}
	return board.CompleteTask(ctx, normalized, taskIndex, score)
}

// ClearLocal wipes every local collection and signs everyone out.
func (a *App) ClearLocal(ctx context.Context) error {
	if err := a.local.ClearAll(ctx); err != nil {
		return err
	}
	n := a.sessions.removeAll()
	slog.Info("local data cleared", "sessions_closed", n)
	return nil
}

func (a *App) roomBoard(ctx context.Context, us *UserSession) (*gateway.RoomBoard, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.closed {
		return nil, domain.ErrUnauthenticated
	}
	if us.roomBoard != nil {
		return us.roomBoard, nil
	}
	board, err := a.gw.NewRoomBoard(ctx, us.Username(), nil)
	if err != nil {
		return nil, err
	}
	us.roomBoard = board
	return board, nil
}

func (a *App) teacherBoard(ctx context.Context, us *UserSession) (*gateway.TeacherBoard, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.closed {
		return nil, domain.ErrUnauthenticated
	}
	if us.teacherBoard != nil {
		return us.teacherBoard, nil
	}
	board, err := a.gw.NewTeacherBoard(ctx, us.Username())
	if err != nil {
		return nil, err
	}
	us.teacherBoard = board
	return board, nil
}

// ownedRoom checks that the teacher created the room behind code.
func (a *App) ownedRoom(ctx context.Context, us *UserSession, code string) (string, error) {
	normalized, ok := gateway.NormalizePasscode(code)
	if !ok {
		return "", fmt.Errorf("%w: invalid room code %q", domain.ErrInvalidInput, code)
	}
	room, err := a.gw.Room(ctx, normalized)
	if err != nil {
		return "", err
	}
	if room.CreatedBy != us.Username() {
		return "", ErrForbidden
	}
	return normalized, nil
}

func requireTeacher(us *UserSession) error {
	if us.Session.Account.Role != domain.RoleTeacher {
		return ErrForbidden
	}
	return nil
}
