package types

import "fmt"

type ReactionKind string

const (
	Like    ReactionKind = "like"
	Dislike ReactionKind = "dislike"
)

func (k ReactionKind) Valid() bool {
	return k == Like || k == Dislike
}

type Reaction struct {
	UserId int          `json:"user_id"`
	Kind   ReactionKind `json:"kind"`
}

// ToggleReaction applies kind for userId to reactions and returns the new set.
// Re-applying the kind a user already holds removes it, applying the other
// kind replaces it, and a user without a reaction gains one. The input slice
// is never modified.
func ToggleReaction(reactions []Reaction, userId int, kind ReactionKind) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		if r.UserId != userId {
			out = append(out, r)
			continue
		}

		found = true
		if r.Kind != kind {
			out = append(out, Reaction{UserId: userId, Kind: kind})
		}
	}

	if !found {
		out = append(out, Reaction{UserId: userId, Kind: kind})
	}

	return out
}

// CountReactions returns the number of reactions of the given kind.
func CountReactions(reactions []Reaction, kind ReactionKind) int {
	n := 0
	for _, r := range reactions {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func ValidateReactionKind(kind ReactionKind) error {
	if !kind.Valid() {
		return NewError(KindValidation, fmt.Sprintf("invalid reaction kind %q", kind))
	}
	return nil
}
