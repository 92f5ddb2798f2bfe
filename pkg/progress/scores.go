package progress

import (
	"context"
	"fmt"
	"strings"

	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

const (
	GameWinPoints = 10
	QuizWinPoints = 20
)

// Badge is awarded once a score reaches Points.
type Badge struct {
	Points int
	Name   string
}

// Badges are ordered by threshold.
var Badges = []Badge{
	{Points: 50, Name: "🏅 Bronze Learner"},
	{Points: 100, Name: "🥈 Silver Explorer"},
	{Points: 200, Name: "🥇 Gold Champion"},
}

// Score returns the stored score of username, zero if none.
func (t *Tracker) Score(ctx context.Context, username string) (domain.Score, error) {
	score := domain.Score{Username: username, Badges: []string{}}
	if _, err := t.local.Get(ctx, store.CollectionScores, username, &score); err != nil {
		return domain.Score{}, err
	}
	return score, nil
}

// RecordWin adds points to username's score and awards any badge whose
// threshold was crossed.
func (t *Tracker) RecordWin(ctx context.Context, username string, points int) (domain.Score, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Score{}, fmt.Errorf("%w: username is required", domain.ErrInvalidInput)
	}
	if points <= 0 {
		return domain.Score{}, fmt.Errorf("%w: points must be positive", domain.ErrInvalidInput)
	}
	t.scoreMu.Lock()
	defer t.scoreMu.Unlock()
	score, err := t.Score(ctx, username)
	if err != nil {
		return domain.Score{}, err
	}
	score.Points += points
	score.Badges = awardBadges(score.Points, score.Badges)
	score.UpdatedAt = t.now().UTC()
	if err := t.local.Put(ctx, store.CollectionScores, username, score); err != nil {
		return domain.Score{}, fmt.Errorf("record win: %w", err)
	}
	return score, nil
}

func awardBadges(points int, have []string) []string {
	out := append([]string{}, have...)
	for _, b := range Badges {
		if points < b.Points {
			break
		}
		if !containsBadge(out, b.Name) {
			out = append(out, b.Name)
		}
	}
	return out
}

func containsBadge(badges []string, name string) bool {
	for _, b := range badges {
		if b == name {
			return true
		}
	}
	return false
}
