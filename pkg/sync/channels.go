package sync

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/roster"
)

// Entity is one logical unit of access: a matrix kind applied to a base name.
type Entity struct {
	Kind string
	Base string
}

func (e Entity) key() string { return e.Kind + "\x00" + e.Base }

// Membership is the assembled authoritative view for one entity, handed to
// each reconciler.
type Membership struct {
	Entity Entity

	// Cfg is the entity kind's matrix block; reconcilers read their own
	// sub-block (nil sub-block means the kind has no resource there).
	Cfg *config.KindConfig

	// Set is the authoritative membership (standard ∪ admin channel,
	// excluded users withheld, admin flag merged).
	Set roster.MembershipSet

	// NoEmail lists usernames dropped because their chat profile has no
	// email. Reported once per entity by the orchestrator.
	NoEmail []string

	// Excluded lists members withheld by the exclusion filter. Removal
	// paths use it to preserve access those users already hold.
	Excluded []roster.Member

	// Channel is the standard channel's display name, carried into every
	// Result as context.
	Channel string
}

// ExcludedEmails returns the withheld members' emails as a lookup set.
func (m *Membership) ExcludedEmails() map[string]bool {
	out := make(map[string]bool, len(m.Excluded))
	for _, em := range m.Excluded {
		out[em.Email] = true
	}
	return out
}

// ChannelRoster is the per-run view of the chat platform: channel lookups,
// member listings, and assembled entity memberships, each fetched once and
// cached. Differential runs prefetch every matching channel up front so
// reconcilers iterate warm caches.
type ChannelRoster struct {
	chat     ChatCapability
	teamID   string
	matrix   *config.Matrix
	excluded config.Exclusions
	log      logging.Logger

	mu          sync.Mutex
	channels    map[string]*Channel              // slug → channel, nil for known-absent
	members     map[string][]roster.ChannelUser  // channel id → members
	memberships map[string]*Membership           // entity key → assembled view
	entities    []Entity                         // discovered by Prefetch
	prefetched  bool
}

// NewChannelRoster builds a view over the chat platform for one run.
func NewChannelRoster(chat ChatCapability, teamID string, matrix *config.Matrix, excluded config.Exclusions, log logging.Logger) *ChannelRoster {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &ChannelRoster{
		chat:        chat,
		teamID:      teamID,
		matrix:      matrix,
		excluded:    excluded,
		log:         log,
		channels:    make(map[string]*Channel),
		members:     make(map[string][]roster.ChannelUser),
		memberships: make(map[string]*Membership),
	}
}

// Prefetch enumerates the team's channels, keeps those matching any matrix
// pattern, and loads their member lists. It records the discovered entity
// set for Entities. Used by differential runs; upsert runs fetch lazily.
func (v *ChannelRoster) Prefetch(ctx context.Context) error {
	channels, err := v.chat.ListChannels(ctx, v.teamID)
	if err != nil {
		return err
	}

	kinds := v.matrix.ChannelPatterns()
	seen := make(map[string]bool)
	var entities []Entity

	for i := range channels {
		ch := channels[i]
		kind, base, ok := naming.MatchChannel(ch.DisplayName, ch.Slug, kinds)
		if !ok {
			continue
		}

		members, err := v.chat.ListChannelMembers(ctx, ch.ID)
		if err != nil {
			return err
		}

		v.mu.Lock()
		v.channels[ch.Slug] = &ch
		v.members[ch.ID] = members
		v.mu.Unlock()

		e := Entity{Kind: kind, Base: base}
		if !seen[e.key()] {
			seen[e.key()] = true
			entities = append(entities, e)
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return entities[i].Base < entities[j].Base
	})

	v.mu.Lock()
	v.entities = entities
	v.prefetched = true
	v.mu.Unlock()

	v.log.Info("prefetched channel rosters",
		logging.F("channels", len(channels)),
		logging.F("entities", len(entities)))
	return nil
}

// Entities returns the entity set discovered by Prefetch, sorted by kind
// then base name.
func (v *ChannelRoster) Entities() []Entity {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Entity, len(v.entities))
	copy(out, v.entities)
	return out
}

// channelBySlug resolves a channel through the cache. A channel that does
// not exist is cached as nil and returned as (nil, nil); absence is normal
// for entities without an admin channel.
func (v *ChannelRoster) channelBySlug(ctx context.Context, slug string) (*Channel, error) {
	v.mu.Lock()
	ch, hit := v.channels[slug]
	v.mu.Unlock()
	if hit {
		return ch, nil
	}

	ch, err := v.chat.GetChannelByName(ctx, v.teamID, slug)
	if err != nil {
		if rserrors.IsNotFound(err) {
			ch = nil
		} else {
			return nil, err
		}
	}

	v.mu.Lock()
	v.channels[slug] = ch
	v.mu.Unlock()
	return ch, nil
}

// membersOf lists a channel's members through the cache.
func (v *ChannelRoster) membersOf(ctx context.Context, channelID string) ([]roster.ChannelUser, error) {
	v.mu.Lock()
	members, hit := v.members[channelID]
	v.mu.Unlock()
	if hit {
		return members, nil
	}

	members, err := v.chat.ListChannelMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.members[channelID] = members
	v.mu.Unlock()
	return members, nil
}

// EntityMembership assembles (and caches) the authoritative membership for
// one entity. A missing standard or admin channel contributes no members;
// only transport failures surface as errors.
func (v *ChannelRoster) EntityMembership(ctx context.Context, kc *config.KindConfig, base string) (*Membership, error) {
	e := Entity{Kind: kc.Kind, Base: base}

	v.mu.Lock()
	if m, hit := v.memberships[e.key()]; hit {
		v.mu.Unlock()
		return m, nil
	}
	v.mu.Unlock()

	stdName := naming.Render(kc.Standard.ChannelNamePattern, base)
	var stdMembers, adminMembers []roster.ChannelUser

	stdChannel, err := v.channelBySlug(ctx, naming.Slugify(stdName))
	if err != nil {
		return nil, err
	}
	if stdChannel != nil {
		if stdMembers, err = v.membersOf(ctx, stdChannel.ID); err != nil {
			return nil, err
		}
	} else {
		v.log.Debug("standard channel not found",
			logging.F("kind", kc.Kind),
			logging.F("base_name", base),
			logging.F("channel", stdName))
	}

	if kc.HasAdmin() {
		adminName := naming.Render(kc.Admin.ChannelNamePattern, base)
		adminChannel, err := v.channelBySlug(ctx, naming.Slugify(adminName))
		if err != nil {
			return nil, err
		}
		if adminChannel != nil {
			if adminMembers, err = v.membersOf(ctx, adminChannel.ID); err != nil {
				return nil, err
			}
		}
	}

	set, noEmail, excludedMembers := roster.Build(stdMembers, adminMembers, v.excluded)
	m := &Membership{
		Entity:   e,
		Cfg:      kc,
		Set:      set,
		NoEmail:  noEmail,
		Excluded: excludedMembers,
		Channel:  stdName,
	}

	v.mu.Lock()
	v.memberships[e.key()] = m
	v.mu.Unlock()
	return m, nil
}

// matchAdminOrStandard resolves a resource name to its entity, reporting
// whether the admin pattern matched. Kinds are tried in matrix order; the
// admin pattern is tried before standard, so "grp_X_admin" resolves to the
// admin tier even when "grp_{base_name}" would also fit.
func matchAdminOrStandard(name string, kinds []naming.KindPatterns) (kind, base string, admin, ok bool) {
	for _, kp := range kinds {
		if kp.Admin != "" {
			if b, matched := naming.Extract(name, kp.Admin); matched {
				return kp.Kind, b, true, true
			}
		}
		if kp.Standard != "" {
			if b, matched := naming.Extract(name, kp.Standard); matched {
				return kp.Kind, b, false, true
			}
		}
	}
	return "", "", false, false
}

// lowerEmail canonicalizes an email for set membership tests.
func lowerEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
