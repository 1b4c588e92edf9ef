package realtime

import (
	"context"
	"log/slog"

	"bloks/cmd/identity"
	"bloks/cmd/internal/apperr"
	v1 "bloks/shared/contracts/realtime/v1"
)

// Presence derives "who is here" from the registry. It keeps no state.
type Presence struct {
	log      *slog.Logger
	registry *Registry
	dir      identity.Directory
	bc       *Broadcaster
}

// NewPresence constructs a Presence tracker. dir may be nil, in which case
// entries carry only user ids.
func NewPresence(reg *Registry, dir identity.Directory, bc *Broadcaster, log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{log: log, registry: reg, dir: dir, bc: bc}
}

// Snapshot returns one entry per user present in the document room, ordered
// by user id.
func (p *Presence) Snapshot(ctx context.Context, documentID string) ([]v1.PresenceUser, error) {
	members := p.registry.Members(documentID)
	profiles, err := p.resolve(ctx, members)
	if err != nil {
		return nil, err
	}
	return collapse(members, profiles), nil
}

// Publish pushes presence:update to the room. The user list reflects the
// membership at delivery time.
func (p *Presence) Publish(ctx context.Context, documentID string) error {
	profiles, err := p.resolve(ctx, p.registry.Members(documentID))
	if err != nil {
		return err
	}
	_, err = p.bc.emitRoom(documentID, v1.TypePresenceUpdate, func(members []Member) (any, error) {
		return v1.PresenceUpdatePayload{DocumentID: documentID, Users: collapse(members, profiles)}, nil
	})
	return err
}

func (p *Presence) resolve(ctx context.Context, members []Member) (map[string]identity.Profile, error) {
	out := make(map[string]identity.Profile, len(members))
	if p.dir == nil {
		return out, nil
	}
	for _, m := range members {
		if _, ok := out[m.UserID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prof, err := p.dir.Lookup(ctx, m.UserID)
		if err != nil {
			if !apperr.IsNotFound(err) {
				p.log.Warn("presence.lookup.fail", "user_id", m.UserID, "err", err)
			}
			continue
		}
		out[m.UserID] = prof
	}
	return out, nil
}

// collapse folds sessions into users. members is sorted by user id.
func collapse(members []Member, profiles map[string]identity.Profile) []v1.PresenceUser {
	out := make([]v1.PresenceUser, 0, len(members))
	for _, m := range members {
		if n := len(out); n > 0 && out[n-1].UserID == m.UserID {
			out[n-1].Sessions++
			continue
		}
		u := v1.PresenceUser{UserID: m.UserID, Sessions: 1}
		if prof, ok := profiles[m.UserID]; ok {
			u.Name = prof.Name
			u.Email = prof.Email
			u.ImageURL = prof.ImageURL
		}
		out = append(out, u)
	}
	return out
}
