// Package directory tracks which rooms are alive and reaps abandoned ones.
// Rooms have no explicit close action; a room with zero participants is
// dead and gets purged by the background sweep.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"wisp/internal/models"
	"wisp/internal/store"
)

const DefaultSweepInterval = 30 * time.Second

type Directory struct {
	store    store.Store
	interval time.Duration
}

func New(st store.Store, interval time.Duration) *Directory {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Directory{store: st, interval: interval}
}

// List returns the rooms a client may try to join: those with at least one
// active participant. Listing never mutates; cleanup belongs to the sweep.
func (d *Directory) List(ctx context.Context) ([]models.RoomSummary, error) {
	rooms, err := d.store.ListRooms(ctx)
	if err != nil {
		return nil, models.ErrPersistence.WithDetails(err.Error())
	}
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		n, err := d.store.CountParticipants(ctx, room.ID)
		if err != nil {
			return nil, models.ErrPersistence.WithDetails(err.Error())
		}
		if n > 0 {
			out = append(out, models.RoomSummary{ID: room.ID, Name: room.Name})
		}
	}
	return out, nil
}

// Run sweeps on a ticker until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := d.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Warn("directory sweep failed")
			} else if reaped > 0 {
				logrus.WithField("reaped", reaped).Info("directory sweep")
			}
		}
	}
}

// Sweep reaps every room that has no participants: messages and join
// requests first, then the room row. Each room purges in its own
// transaction, re-checking the count inside so a join racing the sweep
// wins.
func (d *Directory) Sweep(ctx context.Context) (int, error) {
	rooms, err := d.store.ListRooms(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, room := range rooms {
		roomID := room.ID
		err := d.store.WithinTx(ctx, func(tx store.Tables) error {
			n, err := tx.CountParticipants(ctx, roomID)
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if err := tx.DeleteChatMessages(ctx, roomID); err != nil {
				return err
			}
			if err := tx.DeleteRoomJoinRequests(ctx, roomID); err != nil {
				return err
			}
			if err := tx.DeleteRoomParticipants(ctx, roomID); err != nil {
				return err
			}
			if err := tx.DeleteRoom(ctx, roomID); err != nil {
				return err
			}
			reaped++
			return nil
		})
		if err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}
