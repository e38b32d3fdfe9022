// Package handlers contains the settlement reactions to domain events. Each
// handler mutates fund-side balances inside one transaction together with an
// applied-event marker, so at-least-once delivery still mutates exactly once.
package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

func isNotFound(err error) bool {
	return pkgerrors.Is(err, pkgerrors.CodeNotFound)
}

// applyOnce runs fn and the applied-event marker in one transaction. It
// returns applied=false when a previous invocation already committed, in
// which case fn never runs.
func applyOnce(ctx context.Context, store ports.Store, eventID id.EventID, handlerName string, fn func(ctx context.Context, s ports.Store) error) (bool, error) {
	applied := false
	err := store.WithinTx(ctx, func(ctx context.Context, s ports.Store) error {
		done, err := s.HasApplied(ctx, eventID, handlerName)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(ctx, s); err != nil {
			return err
		}
		if err := s.MarkApplied(ctx, eventID, handlerName); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// childEventID derives a stable id for a follow-on event from its cause. A
// replayed emission produces the same id and collides with the first append
// instead of duplicating the event.
func childEventID(parent id.EventID, key string) id.EventID {
	return id.EventID(uuid.NewSHA1(uuid.UUID(parent), []byte(key)))
}
