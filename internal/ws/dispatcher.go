package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/amoryn/realtime/internal/protocol"
	"github.com/amoryn/realtime/internal/ratelimit"
	"github.com/amoryn/realtime/internal/router"
)

// dispatch parses one inbound frame and routes it to its handler. Malformed
// frames and unknown event types produce an error event but never close the
// connection.
func (s *Server) dispatch(c *Connection, data []byte) {
	evtType, payload, err := protocol.ParseClientEvent(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.sendError(c, protocol.CodeUnknownType, "unknown event type")
		} else {
			s.sendError(c, protocol.CodeParseError, "malformed event")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
	defer cancel()

	switch evtType {
	case protocol.TypeSendMessage:
		s.handleSend(ctx, c, payload.(protocol.SendMessageEvent))
	case protocol.TypeTyping:
		s.handleTyping(ctx, c, payload.(protocol.TypingEvent))
	case protocol.TypeGroupTyping:
		s.handleGroupTyping(c, payload.(protocol.GroupTypingEvent))
	case protocol.TypeJoinGroup:
		s.handleJoinGroup(ctx, c, payload.(protocol.JoinGroupEvent))
	case protocol.TypeLeaveGroup:
		s.handleLeaveGroup(c, payload.(protocol.LeaveGroupEvent))
	}
}

// handleSend runs an inbound message through the rate limiter and the
// router. Router failures map onto protocol error codes; the router itself
// never writes errors to the sender.
func (s *Server) handleSend(ctx context.Context, c *Connection, evt protocol.SendMessageEvent) {
	if !s.allow(ctx, c.UserID, ratelimit.RuleSend) {
		s.sendError(c, protocol.CodeRateLimited, "too many messages, slow down")
		return
	}

	if err := s.router.Send(ctx, c, c.UserID, evt); err != nil {
		switch {
		case errors.Is(err, router.ErrInvalidContent), errors.Is(err, router.ErrInvalidTarget):
			s.sendError(c, protocol.CodeInvalidMessage, err.Error())
		case errors.Is(err, router.ErrAccessDenied):
			s.sendError(c, protocol.CodeAccessDenied, "not a participant")
		default:
			log.Printf("ws: send failed user=%s: %v", c.UserID, err)
			s.sendError(c, protocol.CodeDeliveryFailed, "message could not be delivered")
		}
	}
}

// handleTyping relays a typing indicator to the conversation peer. The
// membership check mirrors the send path so a typing event cannot probe
// conversations the sender does not belong to.
func (s *Server) handleTyping(ctx context.Context, c *Connection, evt protocol.TypingEvent) {
	if evt.ConversationID == "" {
		s.sendError(c, protocol.CodeInvalidMessage, "conversation_id is required")
		return
	}

	peerID, err := s.resolver.ResolveDirectPeer(ctx, evt.ConversationID, c.UserID)
	if err != nil {
		// Typing is advisory; denials and lookup failures are dropped
		// silently so indicators cannot be used to enumerate conversations.
		return
	}

	out, err := protocol.NewServerEvent(protocol.TypeTyping, protocol.ServerTypingEvent{
		ConversationID: evt.ConversationID,
		UserID:         c.UserID,
		IsTyping:       evt.IsTyping,
	})
	if err != nil {
		return
	}
	for _, conn := range s.reg.ConnectionsFor(peerID) {
		_ = conn.Send(out)
	}
}

// handleGroupTyping relays a typing indicator to the joined members of a
// group room. The sender must have joined the room first.
func (s *Server) handleGroupTyping(c *Connection, evt protocol.GroupTypingEvent) {
	if evt.GroupID == "" {
		s.sendError(c, protocol.CodeInvalidMessage, "group_id is required")
		return
	}
	if !s.joined(evt.GroupID, c.UserID) {
		s.sendError(c, protocol.CodeAccessDenied, "join the group first")
		return
	}

	out, err := protocol.NewServerEvent(protocol.TypeGroupTyping, protocol.ServerGroupTypingEvent{
		GroupID:  evt.GroupID,
		UserID:   c.UserID,
		IsTyping: evt.IsTyping,
	})
	if err != nil {
		return
	}
	s.broadcastToRoom(evt.GroupID, c.UserID, out)
}

// handleJoinGroup verifies group membership in the store, adds the user to
// the in-memory room, and announces the join to the other joined members.
func (s *Server) handleJoinGroup(ctx context.Context, c *Connection, evt protocol.JoinGroupEvent) {
	if evt.GroupID == "" {
		s.sendError(c, protocol.CodeInvalidMessage, "group_id is required")
		return
	}
	if !s.allow(ctx, c.UserID, ratelimit.RuleJoin) {
		s.sendError(c, protocol.CodeRateLimited, "too many joins, slow down")
		return
	}

	member, err := s.resolver.IsGroupMember(ctx, evt.GroupID, c.UserID)
	if err != nil {
		log.Printf("ws: group membership lookup failed group=%s user=%s: %v", evt.GroupID, c.UserID, err)
		s.sendError(c, protocol.CodeDeliveryFailed, "group unavailable")
		return
	}
	if !member {
		s.sendError(c, protocol.CodeAccessDenied, "not a member of this group")
		return
	}

	s.reg.Join(evt.GroupID, c.UserID)

	out, err := protocol.NewServerEvent(protocol.TypeGroupMemberJoined, protocol.GroupMemberJoinedEvent{
		GroupID: evt.GroupID,
		UserID:  c.UserID,
	})
	if err != nil {
		return
	}
	s.broadcastToRoom(evt.GroupID, c.UserID, out)
}

// handleLeaveGroup removes the user from the in-memory room and announces
// the departure. Leaving a room the user never joined is a no-op.
func (s *Server) handleLeaveGroup(c *Connection, evt protocol.LeaveGroupEvent) {
	if evt.GroupID == "" {
		s.sendError(c, protocol.CodeInvalidMessage, "group_id is required")
		return
	}
	if !s.joined(evt.GroupID, c.UserID) {
		return
	}

	s.reg.Leave(evt.GroupID, c.UserID)
	s.broadcastMemberLeft(evt.GroupID, c.UserID)
}

// broadcastMemberLeft announces a departure to the members still joined.
func (s *Server) broadcastMemberLeft(groupID, userID string) {
	out, err := protocol.NewServerEvent(protocol.TypeGroupMemberLeft, protocol.GroupMemberLeftEvent{
		GroupID: groupID,
		UserID:  userID,
	})
	if err != nil {
		return
	}
	s.broadcastToRoom(groupID, userID, out)
}

// broadcastToRoom delivers a frame to every joined member of a room except
// the excluded user.
func (s *Server) broadcastToRoom(groupID, excludeUserID string, data []byte) {
	for _, memberID := range s.reg.MembersOf(groupID) {
		if memberID == excludeUserID {
			continue
		}
		for _, conn := range s.reg.ConnectionsFor(memberID) {
			_ = conn.Send(data)
		}
	}
}

// joined reports whether the user is currently in the in-memory room.
func (s *Server) joined(groupID, userID string) bool {
	for _, memberID := range s.reg.MembersOf(groupID) {
		if memberID == userID {
			return true
		}
	}
	return false
}

// allow consults the rate limiter; a nil limiter allows everything.
func (s *Server) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.allowRule(ctx, userID, rule)
	return ok
}

func (s *Server) allowRule(ctx context.Context, userID string, rule ratelimit.Rule) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.limiter.Allow(ctx, userID, rule)
}
