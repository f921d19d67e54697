// Package optimistic applies user intents to the local cache before the
// server confirms them, then commits or rolls back from the response.
package optimistic

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/roomsync/internal/cache"
	"github.com/npezzotti/roomsync/internal/types"
)

// ErrMutationPending rejects an intent whose target already has one in
// flight.
var ErrMutationPending = errors.New("a mutation for this target is already pending")

type Caller interface {
	Mutate(ctx context.Context, method string, params any, out any) error
}

type Identity interface {
	User() (types.User, bool)
}

type MutationKind string

const (
	MutationJoin  MutationKind = "join"
	MutationLeave MutationKind = "leave"
	MutationSend  MutationKind = "send"
	MutationReact MutationKind = "react"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// PendingMutation is one intent in flight. Snapshot is the part of the
// cache it touched, captured before the optimistic patch.
type PendingMutation struct {
	CorrelationId string
	Kind          MutationKind
	Target        string
	Status        Status
	StartedAt     time.Time
	Snapshot      cache.Snapshot
}

type pendingKey struct {
	kind   MutationKind
	target string
}

type Coordinator struct {
	caller Caller
	cache  *cache.Cache
	id     Identity
	log    *log.Logger

	mu                sync.Mutex
	pending           map[pendingKey]*PendingMutation
	onUnauthenticated func()
}

func New(caller Caller, c *cache.Cache, id Identity, logger *log.Logger) *Coordinator {
	return &Coordinator{
		caller:  caller,
		cache:   c,
		id:      id,
		log:     logger,
		pending: make(map[pendingKey]*PendingMutation),
	}
}

// OnUnauthenticated registers fn to run when a mutation fails because the
// credential was rejected.
func (co *Coordinator) OnUnauthenticated(fn func()) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.onUnauthenticated = fn
}

// Retryable reports whether the intent behind err can be safely retried.
func Retryable(err error) bool {
	return types.IsKind(err, types.KindTransport)
}

// Pending returns the mutations currently in flight, oldest first.
func (co *Coordinator) Pending() []PendingMutation {
	co.mu.Lock()
	defer co.mu.Unlock()

	out := make([]PendingMutation, 0, len(co.pending))
	for _, p := range co.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (co *Coordinator) begin(kind MutationKind, target, correlationId string, capture func() cache.Snapshot) (*PendingMutation, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	key := pendingKey{kind: kind, target: target}
	if _, ok := co.pending[key]; ok {
		return nil, ErrMutationPending
	}
	p := &PendingMutation{
		CorrelationId: correlationId,
		Kind:          kind,
		Target:        target,
		Status:        StatusPending,
		StartedAt:     time.Now(),
		Snapshot:      capture(),
	}
	co.pending[key] = p
	return p, nil
}

func (co *Coordinator) finish(p *PendingMutation, status Status) {
	co.mu.Lock()
	defer co.mu.Unlock()
	p.Status = status
	delete(co.pending, pendingKey{kind: p.Kind, target: p.Target})
}

func (co *Coordinator) commit(p *PendingMutation) {
	co.finish(p, StatusCommitted)
}

// rollback restores the snapshot of p and reports err to the caller.
func (co *Coordinator) rollback(p *PendingMutation, err error) error {
	co.cache.Restore(p.Snapshot)
	co.finish(p, StatusRolledBack)
	co.log.Printf("%s %s (%s) rolled back: %v", p.Kind, p.Target, p.CorrelationId, err)

	if types.IsKind(err, types.KindUnauthenticated) {
		co.mu.Lock()
		fn := co.onUnauthenticated
		co.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return err
}

func (co *Coordinator) currentUser() (types.User, error) {
	user, ok := co.id.User()
	if !ok {
		return types.User{}, types.NewError(types.KindUnauthenticated, "not signed in")
	}
	return user, nil
}

// Join marks roomId joined and confirms it with the server. A conflict means
// the membership already exists and is treated as success.
func (co *Coordinator) Join(ctx context.Context, roomId string) error {
	p, err := co.begin(MutationJoin, roomId, uuid.NewString(), func() cache.Snapshot {
		return co.cache.CaptureRoom(roomId)
	})
	if err != nil {
		return err
	}

	co.cache.SetJoined(roomId, true)

	err = co.caller.Mutate(ctx, types.MethodJoinRoom, types.RoomParams{RoomId: roomId}, nil)
	if err != nil && !types.IsKind(err, types.KindConflict) {
		return co.rollback(p, err)
	}

	co.commit(p)
	return nil
}

// Leave marks roomId not joined and confirms it with the server. A missing
// membership is treated as success.
func (co *Coordinator) Leave(ctx context.Context, roomId string) error {
	p, err := co.begin(MutationLeave, roomId, uuid.NewString(), func() cache.Snapshot {
		return co.cache.CaptureRoom(roomId)
	})
	if err != nil {
		return err
	}

	co.cache.SetJoined(roomId, false)

	err = co.caller.Mutate(ctx, types.MethodLeaveRoom, types.RoomParams{RoomId: roomId}, nil)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return co.rollback(p, err)
	}

	co.commit(p)
	return nil
}

// Send shows content in roomId right away under a fresh correlation id and
// swaps it for the server's message once confirmed. Invalid content is
// rejected before the cache is touched.
func (co *Coordinator) Send(ctx context.Context, roomId, content string) (types.Message, error) {
	if err := types.ValidateContent(content); err != nil {
		return types.Message{}, err
	}
	user, err := co.currentUser()
	if err != nil {
		return types.Message{}, err
	}

	clientId := uuid.NewString()
	p, err := co.begin(MutationSend, clientId, clientId, func() cache.Snapshot {
		return co.cache.CaptureOptimistic(roomId, clientId)
	})
	if err != nil {
		return types.Message{}, err
	}

	co.cache.AddOptimistic(types.Message{
		RoomId:    roomId,
		AuthorId:  user.Id,
		Author:    user.Username,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Reactions: []types.Reaction{},
		ClientId:  clientId,
	})

	var msg types.Message
	err = co.caller.Mutate(ctx, types.MethodSendMessage, types.SendMessageParams{
		RoomId:   roomId,
		Content:  content,
		ClientId: clientId,
	}, &msg)
	if err != nil {
		return types.Message{}, co.rollback(p, err)
	}

	if msg.ClientId == "" {
		msg.ClientId = clientId
	}
	co.cache.MergeMessage(msg)
	co.commit(p)
	return msg, nil
}

// React toggles kind on messageId for the current user using the same rule
// as the server, then replaces the reaction set with the server's.
func (co *Coordinator) React(ctx context.Context, messageId int64, kind types.ReactionKind) (types.Message, error) {
	if err := types.ValidateReactionKind(kind); err != nil {
		return types.Message{}, err
	}
	user, err := co.currentUser()
	if err != nil {
		return types.Message{}, err
	}

	cur, ok := co.cache.Message(messageId)
	if !ok {
		return types.Message{}, types.NewError(types.KindNotFound, "message not found")
	}

	p, err := co.begin(MutationReact, strconv.FormatInt(messageId, 10), uuid.NewString(), func() cache.Snapshot {
		return co.cache.CaptureMessage(messageId)
	})
	if err != nil {
		return types.Message{}, err
	}

	patched := cur
	patched.Reactions = types.ToggleReaction(cur.Reactions, user.Id, kind)
	co.cache.ReplaceReactions(patched)

	var res *types.Message
	err = co.caller.Mutate(ctx, types.MethodToggleReaction, types.ToggleReactionParams{
		MessageId: messageId,
		Kind:      kind,
	}, &res)
	if err != nil {
		return types.Message{}, co.rollback(p, err)
	}
	if res == nil {
		return types.Message{}, co.rollback(p, types.NewError(types.KindNotFound, "message not found"))
	}

	co.cache.ReplaceReactions(*res)
	co.commit(p)
	return *res, nil
}
