package buzz

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
)

var (
	buzzesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameshow_buzzes_accepted_total",
		Help: "Buzzes accepted into a question queue.",
	})
	buzzesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gameshow_buzzes_rejected_total",
		Help: "Buzzes rejected, by reason.",
	}, []string{"reason"})
)

// acceptScript decides a buzz in one atomic step: window check, per-team
// dedupe, and position assignment all happen inside redis, so the queue
// position is the server arrival order even when buzzes land in the same
// millisecond. The window is checked at write time, not request receipt
// time, which closes the timer race.
//
// KEYS[1] window flag, KEYS[2] buzzed set, KEYS[3] queue list.
// Returns {-1,0} window closed, {0,0} duplicate, {1,pos} accepted.
var acceptScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
  return {-1, 0}
end
if redis.call('sadd', KEYS[2], ARGV[1]) == 0 then
  return {0, 0}
end
return {1, redis.call('rpush', KEYS[3], ARGV[1])}
`)

type Config struct {
	Redis    redis.UniversalClient
	Prefix   string
	EventBus *event.Bus
}

// Service is the buzz arbiter: it owns the buzzer window and the per-question
// buzz queue, and decides who holds the floor.
type Service struct {
	redis  redis.UniversalClient
	prefix string
	eb     *event.Bus
}

func NewService(c Config) *Service {
	return &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		eb:     c.EventBus,
	}
}

func (s *Service) questionKey(gameID string) string {
	return fmt.Sprintf("%s:%s:question", s.prefix, gameID)
}

func (s *Service) windowKey(gameID, questionID string) string {
	return fmt.Sprintf("%s:%s:q:%s:window", s.prefix, gameID, questionID)
}

func (s *Service) buzzedKey(gameID, questionID string) string {
	return fmt.Sprintf("%s:%s:q:%s:buzzed", s.prefix, gameID, questionID)
}

func (s *Service) queueKey(gameID, questionID string) string {
	return fmt.Sprintf("%s:%s:q:%s:queue", s.prefix, gameID, questionID)
}

func (s *Service) wrongKey(gameID, questionID string) string {
	return fmt.Sprintf("%s:%s:q:%s:wrong", s.prefix, gameID, questionID)
}

// OpenWindow makes questionID the live question and opens its buzzer window.
// Any previous buzz state for the question is cleared: a fresh question
// starts with an empty queue. A superseded question's keys are dropped too,
// since judging only ever targets the live question. A positive ttl arms the
// server-side timer; once the window key expires no further buzzes are
// accepted, including buzzes already in flight.
func (s *Service) OpenWindow(ctx context.Context, gameID, questionID string, ttl time.Duration) error {
	prev, err := s.liveQuestion(ctx, gameID)
	if err != nil {
		return err
	}
	if prev != "" && prev != questionID {
		if err := s.redis.Del(ctx,
			s.windowKey(gameID, prev),
			s.buzzedKey(gameID, prev),
			s.queueKey(gameID, prev),
			s.wrongKey(gameID, prev),
		).Err(); err != nil {
			return fmt.Errorf("drop superseded question state: %w", err)
		}
	}

	if err := s.redis.Del(ctx,
		s.buzzedKey(gameID, questionID),
		s.queueKey(gameID, questionID),
		s.wrongKey(gameID, questionID),
	).Err(); err != nil {
		return fmt.Errorf("reset question state: %w", err)
	}

	if err := s.redis.Set(ctx, s.questionKey(gameID), questionID, 0).Err(); err != nil {
		return fmt.Errorf("set live question: %w", err)
	}

	if err := s.redis.Set(ctx, s.windowKey(gameID, questionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("open window: %w", err)
	}

	s.eb.Publish(ctx, domain.EventWindowOpened{GameID: gameID, QuestionID: questionID})
	return nil
}

// CloseWindow stops accepting buzzes for the live question. The queue is kept
// so the teacher can still judge queued answers.
func (s *Service) CloseWindow(ctx context.Context, gameID string) error {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil {
		return err
	}
	if questionID == "" {
		return nil
	}

	if err := s.redis.Del(ctx, s.windowKey(gameID, questionID)).Err(); err != nil {
		return fmt.Errorf("close window: %w", err)
	}

	s.eb.Publish(ctx, domain.EventWindowClosed{GameID: gameID, QuestionID: questionID})
	return nil
}

// LiveQuestion returns the currently live question id, empty when none.
func (s *Service) LiveQuestion(ctx context.Context, gameID string) (string, error) {
	return s.liveQuestion(ctx, gameID)
}

func (s *Service) liveQuestion(ctx context.Context, gameID string) (string, error) {
	questionID, err := s.redis.Get(ctx, s.questionKey(gameID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get live question: %w", err)
	}
	return questionID, nil
}

type BuzzResult struct {
	QuestionID string
	Position   int
}

// RecordBuzz appends a buzz for the live question. Position is the count of
// prior accepted buzzes plus one; ties inside the same tick are broken by
// append order in redis, never by client-submitted timestamps.
func (s *Service) RecordBuzz(ctx context.Context, gameID, teamID string) (*BuzzResult, error) {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if questionID == "" {
		buzzesRejected.WithLabelValues("window_closed").Inc()
		return nil, windowClosedErr(gameID)
	}

	res, err := acceptScript.Run(ctx, s.redis, []string{
		s.windowKey(gameID, questionID),
		s.buzzedKey(gameID, questionID),
		s.queueKey(gameID, questionID),
	}, teamID).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("accept buzz: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("accept buzz: unexpected script reply %v", res)
	}

	switch res[0] {
	case -1:
		buzzesRejected.WithLabelValues("window_closed").Inc()
		return nil, windowClosedErr(gameID)
	case 0:
		buzzesRejected.WithLabelValues("duplicate").Inc()
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithReason(errors.ReasonDuplicateBuzz),
			errors.WithMessagef("team %s already buzzed for question %s", teamID, questionID))
	}

	pos := int(res[1])
	buzzesAccepted.Inc()

	s.eb.Publish(ctx, domain.EventBuzzRecorded{
		GameID:     gameID,
		TeamID:     teamID,
		QuestionID: questionID,
		Position:   pos,
	})
	if pos == 1 {
		s.eb.Publish(ctx, domain.EventFloorChanged{
			GameID:      gameID,
			QuestionID:  questionID,
			FloorTeamID: teamID,
		})
	}

	return &BuzzResult{QuestionID: questionID, Position: pos}, nil
}

func windowClosedErr(gameID string) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonWindowClosed),
		errors.WithMessagef("buzzer window is closed for game %s", gameID))
}

// Floor returns the team currently entitled to answer: the lowest queue
// position not yet marked wrong. Empty when nobody holds the floor.
func (s *Service) Floor(ctx context.Context, gameID string) (string, error) {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil || questionID == "" {
		return "", err
	}
	return s.floorFor(ctx, gameID, questionID)
}

func (s *Service) floorFor(ctx context.Context, gameID, questionID string) (string, error) {
	queue, err := s.redis.LRange(ctx, s.queueKey(gameID, questionID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("read queue: %w", err)
	}

	for _, teamID := range queue {
		wrong, err := s.redis.SIsMember(ctx, s.wrongKey(gameID, questionID), teamID).Result()
		if err != nil {
			return "", fmt.Errorf("read wrong set: %w", err)
		}
		if !wrong {
			return teamID, nil
		}
	}
	return "", nil
}

// MarkWrong records that teamID's answer was judged incorrect and advances
// the floor to the next queued team, if any. Returns the new floor holder.
func (s *Service) MarkWrong(ctx context.Context, gameID, teamID string) (string, error) {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil {
		return "", err
	}
	if questionID == "" {
		return "", windowClosedErr(gameID)
	}

	if err := s.redis.SAdd(ctx, s.wrongKey(gameID, questionID), teamID).Err(); err != nil {
		return "", fmt.Errorf("mark wrong: %w", err)
	}

	floor, err := s.floorFor(ctx, gameID, questionID)
	if err != nil {
		return "", err
	}

	s.eb.Publish(ctx, domain.EventFloorChanged{
		GameID:      gameID,
		QuestionID:  questionID,
		FloorTeamID: floor,
	})
	return floor, nil
}

// Queue returns the current question's buzz queue in position order, for
// snapshot fetches on reconnect.
func (s *Service) Queue(ctx context.Context, gameID string) ([]domain.BuzzEntry, error) {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil || questionID == "" {
		return nil, err
	}

	queue, err := s.redis.LRange(ctx, s.queueKey(gameID, questionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	entries := make([]domain.BuzzEntry, 0, len(queue))
	for i, teamID := range queue {
		wrong, err := s.redis.SIsMember(ctx, s.wrongKey(gameID, questionID), teamID).Result()
		if err != nil {
			return nil, fmt.Errorf("read wrong set: %w", err)
		}
		entries = append(entries, domain.BuzzEntry{
			GameID:     gameID,
			TeamID:     teamID,
			QuestionID: questionID,
			Position:   i + 1,
			Wrong:      wrong,
		})
	}
	return entries, nil
}

// Clear drops all buzz state for a game, used when the game ends.
func (s *Service) Clear(ctx context.Context, gameID string) error {
	questionID, err := s.liveQuestion(ctx, gameID)
	if err != nil {
		return err
	}

	keys := []string{s.questionKey(gameID)}
	if questionID != "" {
		keys = append(keys,
			s.windowKey(gameID, questionID),
			s.buzzedKey(gameID, questionID),
			s.queueKey(gameID, questionID),
			s.wrongKey(gameID, questionID),
		)
	}
	return s.redis.Del(ctx, keys...).Err()
}
