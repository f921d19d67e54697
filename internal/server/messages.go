package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/roomsync/internal/types"
)

func NoErrOK(id string, data any) *types.ServerMessage {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return ErrInternalError(id)
		}
		raw = b
	} else {
		raw = json.RawMessage("null")
	}

	return &types.ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusOK,
			Data:         raw,
		},
	}
}

// ErrResponse builds the response for a failed frame. Errors that do not
// carry a kind are reported as internal without their detail.
func ErrResponse(id string, err error) *types.ServerMessage {
	var e *types.Error
	if !errors.As(err, &e) {
		return ErrInternalError(id)
	}

	return &types.ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: e.Kind.StatusCode(),
			Kind:         e.Kind,
			Error:        e.Message,
		},
	}
}

func ErrInternalError(id string) *types.ServerMessage {
	return &types.ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusInternalServerError,
			Kind:         types.KindInternal,
			Error:        "internal server error",
		},
	}
}

func ErrInvalidMessage(id string) *types.ServerMessage {
	return &types.ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusBadRequest,
			Kind:         types.KindValidation,
			Error:        "invalid message format",
		},
	}
}

func ErrUnauthenticated(id string) *types.ServerMessage {
	return ErrResponse(id, errAuthRequired)
}

func EventMessage(subscriptionId string, ev types.Event) *types.ServerMessage {
	return &types.ServerMessage{
		Timestamp: Now(),
		Event: &types.EventFrame{
			SubscriptionId: subscriptionId,
			Event:          ev,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
