package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/npezzotti/roomsync/internal/chatclient"
	"github.com/npezzotti/roomsync/internal/types"
)

type command func(ctx context.Context, c *chatclient.Client, args []string) error

var commands = map[string]command{
	"signin":  signIn,
	"signout": signOut,
	"whoami":  whoAmI,
	"rooms":   listRooms,
	"join":    joinRoom,
	"leave":   leaveRoom,
	"send":    sendMessage,
	"react":   react,
	"history": history,
	"tail":    tail,
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func signIn(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 1, "signin <username>"); err != nil {
		return err
	}
	user, err := c.SignIn(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (id %d)\n", user.Username, user.Id)
	return nil
}

func signOut(ctx context.Context, c *chatclient.Client, _ []string) error {
	if err := c.SignOut(ctx); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

func whoAmI(ctx context.Context, c *chatclient.Client, _ []string) error {
	user, err := c.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s (id %d)\n", user.Username, user.Id)
	return nil
}

func listRooms(ctx context.Context, c *chatclient.Client, _ []string) error {
	rooms, err := c.LoadRooms(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tJOINED")
	for _, r := range rooms {
		joined := ""
		if r.IsJoined {
			joined = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Id, r.Name, r.MemberCount, joined)
	}
	return w.Flush()
}

func joinRoom(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 1, "join <room>"); err != nil {
		return err
	}
	if err := c.JoinRoom(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("joined %s\n", args[0])
	return nil
}

func leaveRoom(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 1, "leave <room>"); err != nil {
		return err
	}
	if err := c.LeaveRoom(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("left %s\n", args[0])
	return nil
}

func sendMessage(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 2, "send <room> <text...>"); err != nil {
		return err
	}
	msg, err := c.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	printMessage(msg)
	return nil
}

// findMessage opens roomId and pages back through its history until id is
// cached.
func findMessage(ctx context.Context, c *chatclient.Client, roomId string, id int64) error {
	if err := c.OpenRoom(ctx, roomId); err != nil {
		return err
	}
	for {
		for _, m := range c.Messages(roomId) {
			if m.Id == id {
				return nil
			}
		}
		more, err := c.LoadMore(ctx)
		if err != nil {
			return err
		}
		if !more {
			return types.NewError(types.KindNotFound, fmt.Sprintf("message %d not found in %s", id, roomId))
		}
	}
}

func react(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 3, "react <room> <message> <like|dislike>"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", args[1])
	}
	kind := types.ReactionKind(args[2])
	if err := types.ValidateReactionKind(kind); err != nil {
		return err
	}

	if err := findMessage(ctx, c, args[0], id); err != nil {
		return err
	}
	msg, err := c.ToggleReaction(ctx, id, kind)
	if err != nil {
		return err
	}
	printMessage(msg)
	return nil
}

func history(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 1, "history <room> [pages]"); err != nil {
		return err
	}
	pages := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid page count %q", args[1])
		}
		pages = n
	}

	if err := c.OpenRoom(ctx, args[0]); err != nil {
		return err
	}
	for i := 1; i < pages; i++ {
		more, err := c.LoadMore(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	for _, m := range c.Messages(args[0]) {
		printMessage(m)
	}
	return nil
}

func tail(ctx context.Context, c *chatclient.Client, args []string) error {
	if err := needArgs(args, 1, "tail <room>"); err != nil {
		return err
	}
	roomId := args[0]
	if err := c.OpenRoom(ctx, roomId); err != nil {
		return err
	}
	for _, m := range c.Messages(roomId) {
		printMessage(m)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.Events():
			if ev.Topic.RoomId != roomId {
				continue
			}
			printEvent(ev)
		}
	}
}

func printMessage(m types.Message) {
	reactions := ""
	if likes, dislikes := types.CountReactions(m.Reactions, types.Like), types.CountReactions(m.Reactions, types.Dislike); likes+dislikes > 0 {
		reactions = fmt.Sprintf("  [+%d -%d]", likes, dislikes)
	}
	fmt.Printf("%s #%d <%s> %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.Id, m.Author, m.Content, reactions)
}

func printEvent(ev types.Event) {
	switch ev.Topic.Kind {
	case types.TopicNewMessage:
		printMessage(*ev.Message)
	case types.TopicMessageUpdated:
		fmt.Printf("reactions on #%d: +%d -%d\n", ev.Message.Id,
			types.CountReactions(ev.Message.Reactions, types.Like),
			types.CountReactions(ev.Message.Reactions, types.Dislike))
	case types.TopicUserJoined:
		fmt.Printf("user %d joined\n", ev.Member.UserId)
	case types.TopicUserLeft:
		fmt.Printf("user %d left\n", ev.Member.UserId)
	}
}
