// Package roster assembles the authoritative membership set for one entity
// from its chat channel members.
//
// The standard and admin channels of an entity are merged into a single set
// keyed by lowercase email. Admin-channel membership wins on overlap. Users
// without an email on their chat profile cannot be matched to any downstream
// account and are dropped; excluded users are withheld from the set but
// returned separately, because differential reconcilers must still recognize
// them to preserve access they already hold.
package roster

import (
	"sort"
	"strings"

	"github.com/commonsops/rostersync/config"
)

// ChannelUser is one chat user as returned by the chat client for a channel.
type ChannelUser struct {
	ID       string
	Username string
	Email    string
}

// Member is one authoritative entry derived from channel membership.
type Member struct {
	// Email is the member's address, lowercased. It is the join key against
	// every downstream service.
	Email string

	// Username is the chat username, used for exclusion checks and reports.
	Username string

	// ChatUserID addresses the member for direct messages.
	ChatUserID string

	// IsAdmin is true when the member sits in the entity's admin channel.
	// Admin members receive elevated access where a service distinguishes
	// access levels.
	IsAdmin bool
}

// MembershipSet maps lowercase email to the member derived for it.
type MembershipSet map[string]Member

// Sorted returns the members ordered by email. Reconcilers iterate the
// sorted form so that results and API call order are deterministic.
func (s MembershipSet) Sorted() []Member {
	out := make([]Member, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Contains reports whether the set has a member for the given email,
// compared case-insensitively.
func (s MembershipSet) Contains(email string) bool {
	_, ok := s[strings.ToLower(email)]
	return ok
}

// Build merges standard and admin channel members into the authoritative
// set for an entity.
//
// It returns the set, the usernames dropped because their chat profile has
// no email, and the members withheld by the exclusion filter. Excluded
// members are fully formed (email, username, chat id, admin flag) so that
// reconcilers can look them up in downstream services and spare them from
// removal.
func Build(standard, admin []ChannelUser, excluded config.Exclusions) (MembershipSet, []string, []Member) {
	set := make(MembershipSet, len(standard)+len(admin))
	withheld := make(map[string]Member)
	var noEmail []string
	seenNoEmail := make(map[string]struct{})

	add := func(u ChannelUser, isAdmin bool) {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			if _, dup := seenNoEmail[u.Username]; !dup && u.Username != "" {
				seenNoEmail[u.Username] = struct{}{}
				noEmail = append(noEmail, u.Username)
			}
			return
		}
		m := Member{
			Email:      email,
			Username:   u.Username,
			ChatUserID: u.ID,
			IsAdmin:    isAdmin,
		}
		if prev, ok := set[email]; ok {
			// Admin membership is sticky across the merge.
			m.IsAdmin = m.IsAdmin || prev.IsAdmin
		}
		if excluded.Excluded(u.Username) {
			if prev, ok := withheld[email]; ok {
				m.IsAdmin = m.IsAdmin || prev.IsAdmin
			}
			withheld[email] = m
			return
		}
		set[email] = m
	}

	for _, u := range standard {
		add(u, false)
	}
	for _, u := range admin {
		add(u, true)
	}

	excludedMembers := make([]Member, 0, len(withheld))
	for _, m := range withheld {
		excludedMembers = append(excludedMembers, m)
	}
	sort.Slice(excludedMembers, func(i, j int) bool {
		return excludedMembers[i].Email < excludedMembers[j].Email
	})
	sort.Strings(noEmail)

	return set, noEmail, excludedMembers
}

// Admins returns the subset of members flagged as admin-channel members,
// ordered by email.
func (s MembershipSet) Admins() []Member {
	var out []Member
	for _, m := range s.Sorted() {
		if m.IsAdmin {
			out = append(out, m)
		}
	}
	return out
}
