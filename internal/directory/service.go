package directory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/atlas-ams/atlas-ams/internal/authz"
)

var stateCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Service answers chapter lookups, most importantly the chapter→state
// resolution the authorization evaluator needs when a state-scoped
// assignment meets a chapter-scoped permission. Chapter membership moves
// rarely, so resolved states are cached in redis.
type Service struct {
	repo   *Repository
	client *redis.Client
	ttl    time.Duration
	titler cases.Caser
	logger *slog.Logger
}

// NewService constructs the directory service. client may be nil.
func NewService(repo *Repository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		repo:   repo,
		client: client,
		ttl:    ttl,
		titler: cases.Title(language.AmericanEnglish),
		logger: logger,
	}
}

// StateOfChapter implements authz.ChapterResolver.
func (s *Service) StateOfChapter(ctx context.Context, chapterID string) (string, error) {
	key := "directory:chapter_state:" + chapterID
	if s.client != nil {
		state, err := s.client.Get(ctx, key).Result()
		if err == nil && state != "" {
			return state, nil
		}
		if err != nil && err != redis.Nil && s.logger != nil {
			s.logger.Warn("chapter state cache read failed", slog.Any("error", err))
		}
	}

	chapter, err := s.repo.GetChapter(ctx, chapterID)
	if err != nil {
		return "", err
	}
	if s.client != nil {
		if err := s.client.Set(ctx, key, chapter.StateCode, s.ttl).Err(); err != nil && s.logger != nil {
			s.logger.Warn("chapter state cache write failed", slog.Any("error", err))
		}
	}
	return chapter.StateCode, nil
}

// GetChapter fetches one chapter.
func (s *Service) GetChapter(ctx context.Context, id string) (Chapter, error) {
	return s.repo.GetChapter(ctx, id)
}

// ListChapters returns all chapters.
func (s *Service) ListChapters(ctx context.Context) ([]Chapter, error) {
	return s.repo.ListChapters(ctx)
}

// RegisterChapter creates or refreshes a chapter. Names arrive from bulk
// imports in wildly varying capitalisation and are normalised to title
// case; state codes are uppercased and validated.
func (s *Service) RegisterChapter(ctx context.Context, id, name, stateCode string) (Chapter, error) {
	if id == "" {
		id = uuid.NewString()
	}
	name = s.titler.String(strings.TrimSpace(name))
	if name == "" {
		return Chapter{}, fmt.Errorf("%w: chapter name required", authz.ErrInvalidArgument)
	}
	stateCode = strings.ToUpper(strings.TrimSpace(stateCode))
	if !stateCodePattern.MatchString(stateCode) {
		return Chapter{}, fmt.Errorf("%w: state code must be two letters, got %q", authz.ErrInvalidArgument, stateCode)
	}
	chapter, err := s.repo.UpsertChapter(ctx, Chapter{ID: id, Name: name, StateCode: stateCode, Active: true})
	if err != nil {
		return Chapter{}, err
	}
	if s.client != nil {
		if err := s.client.Del(ctx, "directory:chapter_state:"+chapter.ID).Err(); err != nil && err != redis.Nil && s.logger != nil {
			s.logger.Warn("chapter state cache invalidate failed", slog.Any("error", err))
		}
	}
	return chapter, nil
}
