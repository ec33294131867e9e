package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// federatedUserInfo carries the minimum user data for creating stub records
// for a remote guild member referenced by an inbound event.
type federatedUserInfo struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarID    *string `json:"avatar_id,omitempty"`
}

// ensureRemoteUserStub creates or updates a user stub for a remote user.
// Only updates users that belong to the expected instance to prevent
// cross-instance overwrites.
func (ss *SyncService) ensureRemoteUserStub(ctx context.Context, instanceID string, u federatedUserInfo) {
	var existingInstanceID string
	err := ss.fed.pool.QueryRow(ctx,
		`SELECT instance_id FROM users WHERE id = $1`, u.ID,
	).Scan(&existingInstanceID)
	if err == nil {
		if existingInstanceID != instanceID {
			ss.logger.Warn("refusing to update user stub: instance mismatch",
				slog.String("user_id", u.ID),
				slog.String("expected_instance", instanceID),
				slog.String("actual_instance", existingInstanceID),
			)
			return
		}
		if _, err := ss.fed.pool.Exec(ctx,
			`UPDATE users SET display_name = $1, avatar_id = $2 WHERE id = $3 AND instance_id = $4`,
			u.DisplayName, u.AvatarID, u.ID, instanceID,
		); err != nil {
			ss.logger.Warn("failed to update remote user stub",
				slog.String("user_id", u.ID), slog.String("error", err.Error()))
		}
		return
	}
	if err != pgx.ErrNoRows {
		ss.logger.Warn("failed to look up user stub",
			slog.String("user_id", u.ID), slog.String("error", err.Error()))
		return
	}

	if _, err := ss.fed.pool.Exec(ctx,
		`INSERT INTO users (id, instance_id, username, display_name, avatar_id, status_presence, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'offline', now())
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   avatar_id = EXCLUDED.avatar_id
		 WHERE users.instance_id = EXCLUDED.instance_id`,
		u.ID, instanceID, u.Username, u.DisplayName, u.AvatarID,
	); err != nil {
		ss.logger.Warn("failed to create remote user stub",
			slog.String("user_id", u.ID), slog.String("username", u.Username),
			slog.String("error", err.Error()))
	}
}

// updateFederatedGuildFromEvent applies an inbound guild-level event
// (GUILD_UPDATE, CHANNEL_CREATE, CHANNEL_UPDATE, CHANNEL_DELETE,
// GUILD_MEMBER_ADD, GUILD_MEMBER_REMOVE, GUILD_DELETE) to local state. This
// is the receiving half of what processFederatedMessage needs so a PDU
// delivered by sendqueue on the remote end is actually observable here —
// the sender's own round trip has nowhere to land without it.
func (ss *SyncService) updateFederatedGuildFromEvent(ctx context.Context, senderID, eventType, guildID string, data json.RawMessage) {
	// Verify the sender instance owns this guild to prevent a malicious peer
	// from modifying or deleting guilds it doesn't own.
	var guildInstanceID *string
	if err := ss.fed.pool.QueryRow(ctx,
		`SELECT instance_id FROM guilds WHERE id = $1`, guildID,
	).Scan(&guildInstanceID); err != nil {
		ss.logger.Warn("federation event for unknown guild",
			slog.String("guild_id", guildID), slog.String("sender", senderID))
		return
	}
	if guildInstanceID == nil || *guildInstanceID != senderID {
		ownerStr := "<nil>"
		if guildInstanceID != nil {
			ownerStr = *guildInstanceID
		}
		ss.logger.Warn("federation event sender does not own guild",
			slog.String("guild_id", guildID), slog.String("sender", senderID),
			slog.String("owner", ownerStr))
		return
	}

	switch eventType {
	case "GUILD_UPDATE":
		var update struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
			IconID      *string `json:"icon_id"`
			MemberCount *int    `json:"member_count"`
		}
		if json.Unmarshal(data, &update) != nil {
			return
		}
		setClauses := []string{}
		args := []interface{}{}
		argN := 1
		if update.Name != nil {
			setClauses = append(setClauses, fmt.Sprintf("name = $%d", argN))
			args = append(args, *update.Name)
			argN++
		}
		if update.Description != nil {
			setClauses = append(setClauses, fmt.Sprintf("description = $%d", argN))
			args = append(args, *update.Description)
			argN++
		}
		if update.IconID != nil {
			setClauses = append(setClauses, fmt.Sprintf("icon_id = $%d", argN))
			args = append(args, *update.IconID)
			argN++
		}
		if update.MemberCount != nil {
			setClauses = append(setClauses, fmt.Sprintf("member_count = $%d", argN))
			args = append(args, *update.MemberCount)
			argN++
		}
		if len(setClauses) > 0 {
			query := fmt.Sprintf("UPDATE guilds SET %s WHERE id = $%d",
				strings.Join(setClauses, ", "), argN)
			args = append(args, guildID)
			if _, err := ss.fed.pool.Exec(ctx, query, args...); err != nil {
				ss.logger.Warn("failed to update federated guild from event",
					slog.String("guild_id", guildID), slog.String("error", err.Error()))
			}
		}

	case "CHANNEL_CREATE":
		var ch struct {
			ID              string  `json:"id"`
			ChannelType     string  `json:"channel_type"`
			Name            *string `json:"name"`
			Topic           *string `json:"topic"`
			Position        int     `json:"position"`
			CategoryID      *string `json:"category_id"`
			ParentChannelID *string `json:"parent_channel_id"`
			Encrypted       bool    `json:"encrypted"`
			GuildID         string  `json:"guild_id"`
		}
		if json.Unmarshal(data, &ch) != nil {
			return
		}
		if ch.ChannelType == "category" {
			if _, err := ss.fed.pool.Exec(ctx,
				`INSERT INTO guild_categories (id, guild_id, name, position)
				 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET
				 name = EXCLUDED.name, position = EXCLUDED.position`,
				ch.ID, guildID, ch.Name, ch.Position); err != nil {
				ss.logger.Warn("failed to insert federated category from event",
					slog.String("id", ch.ID), slog.String("error", err.Error()))
			}
		} else {
			if _, err := ss.fed.pool.Exec(ctx,
				`INSERT INTO channels (id, guild_id, channel_type, name, topic, position, category_id, parent_channel_id, encrypted)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO UPDATE SET
				 name = EXCLUDED.name, topic = EXCLUDED.topic, position = EXCLUDED.position,
				 category_id = EXCLUDED.category_id, parent_channel_id = EXCLUDED.parent_channel_id,
					 encrypted = EXCLUDED.encrypted`,
				ch.ID, guildID, ch.ChannelType, ch.Name, ch.Topic, ch.Position,
				ch.CategoryID, ch.ParentChannelID, ch.Encrypted); err != nil {
				ss.logger.Warn("failed to insert federated channel from event",
					slog.String("id", ch.ID), slog.String("error", err.Error()))
			}
		}

	case "CHANNEL_UPDATE":
		var ch struct {
			ID              string  `json:"id"`
			ChannelType     string  `json:"channel_type"`
			Name            *string `json:"name"`
			Topic           *string `json:"topic"`
			Position        *int    `json:"position"`
			Encrypted       *bool   `json:"encrypted"`
			CategoryID      *string `json:"category_id"`
			ParentChannelID *string `json:"parent_channel_id"`
		}
		if json.Unmarshal(data, &ch) != nil {
			return
		}
		if ch.ChannelType == "category" {
			setClauses := []string{}
			args := []interface{}{}
			argN := 1
			if ch.Name != nil {
				setClauses = append(setClauses, fmt.Sprintf("name = $%d", argN))
				args = append(args, *ch.Name)
				argN++
			}
			if ch.Position != nil {
				setClauses = append(setClauses, fmt.Sprintf("position = $%d", argN))
				args = append(args, *ch.Position)
				argN++
			}
			if len(setClauses) > 0 {
				query := fmt.Sprintf("UPDATE guild_categories SET %s WHERE id = $%d",
					strings.Join(setClauses, ", "), argN)
				args = append(args, ch.ID)
				ss.fed.pool.Exec(ctx, query, args...)
			}
		} else {
			setClauses := []string{}
			args := []interface{}{}
			argN := 1
			if ch.Name != nil {
				setClauses = append(setClauses, fmt.Sprintf("name = $%d", argN))
				args = append(args, *ch.Name)
				argN++
			}
			if ch.Topic != nil {
				setClauses = append(setClauses, fmt.Sprintf("topic = $%d", argN))
				args = append(args, *ch.Topic)
				argN++
			}
			if ch.Position != nil {
				setClauses = append(setClauses, fmt.Sprintf("position = $%d", argN))
				args = append(args, *ch.Position)
				argN++
			}
			if ch.Encrypted != nil {
				setClauses = append(setClauses, fmt.Sprintf("encrypted = $%d", argN))
				args = append(args, *ch.Encrypted)
				argN++
			}
			if ch.CategoryID != nil {
				setClauses = append(setClauses, fmt.Sprintf("category_id = $%d", argN))
				args = append(args, *ch.CategoryID)
				argN++
			}
			if ch.ParentChannelID != nil {
				setClauses = append(setClauses, fmt.Sprintf("parent_channel_id = $%d", argN))
				args = append(args, *ch.ParentChannelID)
				argN++
			}
			if len(setClauses) > 0 {
				query := fmt.Sprintf("UPDATE channels SET %s WHERE id = $%d",
					strings.Join(setClauses, ", "), argN)
				args = append(args, ch.ID)
				ss.fed.pool.Exec(ctx, query, args...)
			}
		}

	case "CHANNEL_DELETE":
		var ch struct {
			ID          string `json:"id"`
			ChannelType string `json:"channel_type"`
		}
		if json.Unmarshal(data, &ch) != nil {
			return
		}
		if ch.ChannelType == "category" {
			ss.fed.pool.Exec(ctx, `DELETE FROM guild_categories WHERE id = $1`, ch.ID)
		} else {
			ss.fed.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, ch.ID)
		}

	case "GUILD_MEMBER_ADD":
		var member struct {
			GuildID     string  `json:"guild_id"`
			UserID      string  `json:"user_id"`
			Username    string  `json:"username"`
			DisplayName *string `json:"display_name"`
			AvatarID    *string `json:"avatar_id"`
		}
		if json.Unmarshal(data, &member) != nil || member.UserID == "" {
			return
		}
		// Create or update user stub with the sender's instance_id so the user
		// is correctly marked as federated (instance_id != NULL).
		ss.ensureRemoteUserStub(ctx, senderID, federatedUserInfo{
			ID:          member.UserID,
			Username:    member.Username,
			DisplayName: member.DisplayName,
			AvatarID:    member.AvatarID,
		})
		if _, err := ss.fed.pool.Exec(ctx,
			`INSERT INTO guild_members (guild_id, user_id, joined_at)
			 VALUES ($1, $2, now()) ON CONFLICT DO NOTHING`,
			guildID, member.UserID); err != nil {
			ss.logger.Warn("failed to insert federated guild member from event",
				slog.String("guild_id", guildID), slog.String("user_id", member.UserID),
				slog.String("error", err.Error()))
		}

	case "GUILD_MEMBER_REMOVE":
		var member struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(data, &member) != nil || member.UserID == "" {
			return
		}
		if _, err := ss.fed.pool.Exec(ctx,
			`DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2`,
			guildID, member.UserID); err != nil {
			ss.logger.Warn("failed to remove federated guild member from event",
				slog.String("guild_id", guildID), slog.String("user_id", member.UserID),
				slog.String("error", err.Error()))
		}

	case "GUILD_DELETE":
		// Cascading deletes via FK will clean up channels, categories, roles, members.
		if _, err := ss.fed.pool.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, guildID); err != nil {
			ss.logger.Warn("failed to delete federated guild from event",
				slog.String("guild_id", guildID), slog.String("error", err.Error()))
		}
	}
}
