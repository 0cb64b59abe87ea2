package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/itchyfingers/raceclient/internal/api"
	"github.com/itchyfingers/raceclient/internal/channel"
	"github.com/itchyfingers/raceclient/internal/config"
	"github.com/itchyfingers/raceclient/internal/history"
	"github.com/itchyfingers/raceclient/internal/identity"
)

// Dial assembles a client from configuration, joins the race, and returns
// the ready view. The caller owns the result and must call Leave when the
// view goes away.
func Dial(ctx context.Context, cfg *config.Config, raceID string, spectator bool, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	id, err := identity.Resolve(cfg.Token, cfg.AllowAnonymous)
	if err != nil {
		return nil, err
	}

	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			// History is a convenience; a broken local database must not
			// keep the user out of the race.
			log.Warn("history store unavailable", zap.Error(err))
			hist = nil
		}
	}

	c := New(ctx, Options{
		RaceID:    raceID,
		Identity:  id,
		Spectator: spectator,
		API:       api.New(cfg.ServerURL, cfg.Token, log),
		Channel: channel.New(channel.Options{
			URL:               cfg.SocketURL,
			DialTimeout:       cfg.DialTimeout,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			Logger:            log,
		}),
		History: hist,
		Logger:  log,
	})

	if err := c.Join(ctx); err != nil {
		c.Leave()
		if hist != nil {
			hist.Close()
		}
		return nil, fmt.Errorf("join race %s: %w", raceID, err)
	}
	return c, nil
}
