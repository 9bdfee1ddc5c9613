package jobs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RefreshChannel is the Postgres NOTIFY channel that requests a refresh.
// The payload is a comma-separated list of keyword IDs.
const RefreshChannel = "rankbee_refresh"

// Listener turns Postgres notifications into background refreshes, so
// other tools can request a refresh with NOTIFY.
type Listener struct {
	connStr   string
	refresher *Refresher
}

// NewListener returns nil when refresher is nil.
func NewListener(connStr string, refresher *Refresher) *Listener {
	if refresher == nil {
		log.Error().Msg("Cannot create refresh listener: refresher is nil")
		return nil
	}
	return &Listener{connStr: connStr, refresher: refresher}
}

// Start listens until ctx is done, reconnecting after errors.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Refresh listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Refresh listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Refresh listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(RefreshChannel); err != nil {
		return err
	}

	log.Info().Str("channel", RefreshChannel).Msg("Refresh listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Connection lost, reconnect
				return nil
			}

			ids := ParseIDList(n.Extra)
			if len(ids) == 0 {
				log.Debug().Str("payload", n.Extra).Msg("Ignoring refresh notification without IDs")
				continue
			}
			runID := l.refresher.RefreshAsync(ctx, ids)
			log.Info().
				Str("run_id", runID).
				Int("keywords", len(ids)).
				Msg("Refresh requested via notification")

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// ParseIDList reads "1, 2,3" into IDs, dropping blanks and non-numbers.
func ParseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// CanUseListen reports whether connStr can hold a LISTEN session.
// Transaction-mode poolers cannot.
func CanUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
