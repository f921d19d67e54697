package server

import (
	"github.com/npezzotti/roomsync/internal/database"
	"github.com/npezzotti/roomsync/internal/types"
)

func userFromDB(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
	}
}

func roomFromDB(r database.Room) types.Room {
	return types.Room{
		Id:          r.Id,
		Name:        r.Name,
		MemberCount: r.MemberCount,
		CreatedAt:   r.CreatedAt,
		IsJoined:    r.IsJoined,
	}
}

func membershipFromDB(m database.Membership) types.Membership {
	return types.Membership{
		UserId:   m.UserId,
		RoomId:   m.RoomId,
		JoinedAt: m.JoinedAt,
	}
}

func messageFromDB(m database.Message) types.Message {
	reactions := make([]types.Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, types.Reaction{
			UserId: r.UserId,
			Kind:   types.ReactionKind(r.Kind),
		})
	}

	return types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		AuthorId:  m.UserId,
		Author:    m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Reactions: reactions,
	}
}
