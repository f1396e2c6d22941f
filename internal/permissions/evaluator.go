// Package permissions implements the layered allow/block policy that gates
// every inbound message before any other processing happens.
//
// Evaluation is a pure function over an actor, a channel descriptor and a
// policy snapshot. Precedence, first decisive rule wins:
//
//  1. Admin user: allow, bypasses everything.
//  2. Blocked user: deny.
//  3. DM: a configured user allow-list decides alone; channel/category
//     allow-lists can never be satisfied from a DM.
//  4. Guild: role blocks, channel blocks (threads inherit their parent's
//     block), category blocks overridable only by an explicit channel allow,
//     then default-permit unless any allow-list is configured.
//  5. Guild message with no resolvable member: deny (fail closed).
package permissions

import (
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// Actor is the message author as seen by the evaluator.
type Actor struct {
	ID    string
	IsBot bool

	// Roles is the author's guild role set. Meaningless for DMs.
	Roles []string

	// HasMember is false when the guild member object could not be
	// resolved; such messages are denied outright.
	HasMember bool
}

// Policy is an immutable snapshot of the permission configuration with
// set-based lookups. Build one per evaluation from the current config.
type Policy struct {
	admins          map[string]struct{}
	allowedUsers    map[string]struct{}
	blockedUsers    map[string]struct{}
	allowedRoles    map[string]struct{}
	blockedRoles    map[string]struct{}
	allowedChannels map[string]struct{}
	blockedChannels map[string]struct{}
	allowedCats     map[string]struct{}
	blockedCats     map[string]struct{}
}

// NewPolicy builds a Policy snapshot from the permissions configuration.
func NewPolicy(cfg config.PermissionsConf) *Policy {
	return &Policy{
		admins:          toSet(cfg.AdminIDs),
		allowedUsers:    toSet(cfg.Users.AllowedIDs),
		blockedUsers:    toSet(cfg.Users.BlockedIDs),
		allowedRoles:    toSet(cfg.Roles.AllowedIDs),
		blockedRoles:    toSet(cfg.Roles.BlockedIDs),
		allowedChannels: toSet(cfg.Channels.AllowedIDs),
		blockedChannels: toSet(cfg.Channels.BlockedIDs),
		allowedCats:     toSet(cfg.Categories.AllowedIDs),
		blockedCats:     toSet(cfg.Categories.BlockedIDs),
	}
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Evaluate reports whether the actor may use the bot in the given channel.
func Evaluate(actor Actor, ch models.ChannelDescriptor, p *Policy) bool {
	if _, ok := p.admins[actor.ID]; ok {
		return true
	}
	if _, ok := p.blockedUsers[actor.ID]; ok {
		return false
	}

	if ch.IsDM() {
		return p.evaluateDM(actor)
	}
	return p.evaluateGuild(actor, ch)
}

func (p *Policy) evaluateDM(actor Actor) bool {
	if len(p.allowedUsers) > 0 {
		_, ok := p.allowedUsers[actor.ID]
		return ok
	}
	// Channel or category allow-lists can never match a DM.
	if len(p.allowedChannels) > 0 || len(p.allowedCats) > 0 {
		return false
	}
	return true
}

func (p *Policy) evaluateGuild(actor Actor, ch models.ChannelDescriptor) bool {
	if !actor.HasMember {
		return false
	}

	for _, role := range actor.Roles {
		if _, ok := p.blockedRoles[role]; ok {
			return false
		}
	}

	if p.channelBlocked(ch) {
		return false
	}

	if _, ok := p.blockedCats[ch.CategoryID]; ok && ch.CategoryID != "" {
		// Only an explicit channel allow overrides a category block.
		if !p.channelExplicitlyAllowed(ch) {
			return false
		}
	}

	if len(p.allowedUsers) == 0 && len(p.allowedRoles) == 0 &&
		len(p.allowedChannels) == 0 && len(p.allowedCats) == 0 {
		return true
	}

	channelOK := len(p.allowedChannels) == 0 && len(p.allowedCats) == 0 ||
		p.channelAllowed(ch)
	userOK := len(p.allowedUsers) == 0 && len(p.allowedRoles) == 0 ||
		p.userAllowed(actor)

	return channelOK && userOK
}

// channelBlocked checks the channel and, for threads, the parent channel.
func (p *Policy) channelBlocked(ch models.ChannelDescriptor) bool {
	if _, ok := p.blockedChannels[ch.ID]; ok {
		return true
	}
	if ch.Kind == models.ChannelThread && ch.ParentID != "" {
		if _, ok := p.blockedChannels[ch.ParentID]; ok {
			return true
		}
	}
	return false
}

// channelExplicitlyAllowed checks the channel allow-list only; categories do
// not count when overriding a category block.
func (p *Policy) channelExplicitlyAllowed(ch models.ChannelDescriptor) bool {
	if _, ok := p.allowedChannels[ch.ID]; ok {
		return true
	}
	if ch.Kind == models.ChannelThread && ch.ParentID != "" {
		if _, ok := p.allowedChannels[ch.ParentID]; ok {
			return true
		}
	}
	return false
}

func (p *Policy) channelAllowed(ch models.ChannelDescriptor) bool {
	if p.channelExplicitlyAllowed(ch) {
		return true
	}
	if ch.CategoryID != "" {
		if _, ok := p.allowedCats[ch.CategoryID]; ok {
			return true
		}
	}
	return false
}

func (p *Policy) userAllowed(actor Actor) bool {
	if _, ok := p.allowedUsers[actor.ID]; ok {
		return true
	}
	for _, role := range actor.Roles {
		if _, ok := p.allowedRoles[role]; ok {
			return true
		}
	}
	return false
}
