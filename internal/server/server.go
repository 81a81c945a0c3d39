package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/classquiz/gameshow/internal/api"
	"github.com/classquiz/gameshow/internal/broadcast"
	"github.com/classquiz/gameshow/internal/buzz"
	"github.com/classquiz/gameshow/internal/coordinator"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/game"
	"github.com/classquiz/gameshow/internal/realtime"
	"github.com/classquiz/gameshow/internal/score"
	"github.com/classquiz/gameshow/internal/store/postgres"
	"github.com/classquiz/gameshow/internal/telemetry"
	"github.com/classquiz/gameshow/internal/wager"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Buzz struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			buzz   redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		game        *game.Service
		score       *score.Service
		buzz        *buzz.Service
		wager       *wager.Service
		coordinator *coordinator.Service
	}

	broadcaster *broadcast.Broadcaster
	hub         *realtime.Hub

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.buzz, err = connect(s.c.Redis.Buzz.Addrs, s.c.Redis.Buzz.Pass)
	if err != nil {
		return fmt.Errorf("buzz: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres.Game
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	st := postgres.New(s.infra.postgres)

	s.service.game = game.NewService(game.Config{
		Games:    st,
		Teams:    st,
		Wagers:   st,
		EventBus: s.eb,
	})

	s.service.score = score.NewService(score.Config{
		Teams:    st,
		Wagers:   st,
		EventBus: s.eb,
	})

	s.service.buzz = buzz.NewService(buzz.Config{
		Redis:    s.infra.redis.buzz,
		Prefix:   s.c.Redis.Buzz.Prefix,
		EventBus: s.eb,
	})

	s.service.wager = wager.NewService(wager.Config{
		Wagers: st,
		Teams:  st,
	})

	s.service.coordinator = coordinator.NewService(coordinator.Config{
		Games:    s.service.game,
		Scores:   s.service.score,
		Buzzes:   s.service.buzz,
		Wagers:   s.service.wager,
		Teams:    st,
		EventBus: s.eb,
	})

	s.broadcaster = broadcast.New(broadcast.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
	})

	s.hub = realtime.NewHub(realtime.Config{
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
		Teams:    st,
		EventBus: s.eb,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:      e,
		Games:       s.service.game,
		Coordinator: s.service.coordinator,
		Hub:         s.hub,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
