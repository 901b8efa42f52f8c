package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatwave/internal/app"
	"github.com/matheus3301/chatwave/internal/config"
	"github.com/matheus3301/chatwave/internal/onboarding"
	"github.com/matheus3301/chatwave/internal/outbox"
	"github.com/matheus3301/chatwave/internal/session"
	"github.com/matheus3301/chatwave/internal/status"
	"github.com/matheus3301/chatwave/internal/store"
	intsync "github.com/matheus3301/chatwave/internal/sync"
	"go.uber.org/fx"
)

const commandTimeout = 30 * time.Second

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := app.Params{SessionName: sessionName}
	var err error
	switch args[0] {
	case "watch":
		err = withEngine(ctx, p, func(e *intsync.Engine) error { return cmdWatch(ctx, e) })
	case "send":
		if len(args) < 3 {
			usage("chatwave send <friend-id> <text...>")
		}
		friendID := parseID(args[1])
		body := strings.Join(args[2:], " ")
		err = withEngine(ctx, p, func(e *intsync.Engine) error { return cmdSend(ctx, e, friendID, body) })
	case "contact":
		if len(args) < 4 {
			usage("chatwave contact <country-code> <number> <first-name> [last-name]")
		}
		draft := store.ContactDraft{CountryCode: args[1], ContactNo: args[2], FirstName: args[3]}
		if len(args) > 4 {
			draft.LastName = strings.Join(args[4:], " ")
		}
		err = withEngine(ctx, p, func(e *intsync.Engine) error { return cmdContact(ctx, e, draft) })
	case "read":
		if len(args) != 2 {
			usage("chatwave read <friend-id>")
		}
		friendID := parseID(args[1])
		err = withEngine(ctx, p, func(e *intsync.Engine) error { return cmdRead(ctx, e, friendID) })
	case "verify":
		if len(args) != 3 {
			usage("chatwave verify <country-code> <number>")
		}
		err = withOnboarding(p, func(c *onboarding.Client) error { return cmdVerify(ctx, c, sessionName, args[1], args[2]) })
	case "register":
		err = cmdRegister(ctx, p, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatwave [--session <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  watch                               Follow the chat list and connection state")
	fmt.Fprintln(os.Stderr, "  send <friend-id> <text...>          Send a message and wait for the server")
	fmt.Fprintln(os.Stderr, "  contact <cc> <number> <first> [last] Add a contact")
	fmt.Fprintln(os.Stderr, "  read <friend-id>                    Mark a conversation as read")
	fmt.Fprintln(os.Stderr, "  verify <cc> <number>                Sign in with a one-time code")
	fmt.Fprintln(os.Stderr, "  register [flags]                    Create an account (see register -h)")
}

func usage(line string) {
	fmt.Fprintln(os.Stderr, "usage: "+line)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid id %q", s)
	}
	return id
}

// withEngine starts the full session, runs fn and stops it again.
func withEngine(ctx context.Context, p app.Params, fn func(*intsync.Engine) error) error {
	var engine *intsync.Engine
	fxApp := fx.New(app.Module(p), fx.Populate(&engine))
	if err := fxApp.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	runErr := fn(engine)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	return errors.Join(runErr, fxApp.Stop(stopCtx))
}

func withOnboarding(p app.Params, fn func(*onboarding.Client) error) error {
	var client *onboarding.Client
	fxApp := fx.New(app.Base(p), fx.Populate(&client))
	if err := fxApp.Err(); err != nil {
		return err
	}
	return fn(client)
}

func cmdWatch(ctx context.Context, e *intsync.Engine) error {
	chats := e.SubscribeChatList()
	defer chats.Unsubscribe()
	conn := e.SubscribeConnection()
	defer conn.Unsubscribe()

	printState(conn.Current())
	printChats(chats.Current())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case <-conn.Updates():
			printState(conn.Current())
		case <-chats.Updates():
			printChats(chats.Current())
		}
	}
}

func printState(s status.State) {
	fmt.Printf("[%s] connection %s\n", time.Now().Format("15:04:05"), s)
}

func printChats(list []store.ChatSummary) {
	fmt.Printf("%-8s %-24s %-6s %-20s %s\n", "FRIEND", "NAME", "UNREAD", "LAST", "MESSAGE")
	for _, c := range list {
		fmt.Printf("%-8d %-24s %-6d %-20s %s\n",
			c.FriendID, c.FriendName, c.UnreadCount, c.LastTimeStamp.Local().Format("2006-01-02 15:04"), c.LastMessage)
	}
}

func cmdSend(ctx context.Context, e *intsync.Engine, friendID int64, body string) error {
	r, m, err := e.SendMessage(ctx, friendID, body)
	if err != nil {
		return err
	}
	fmt.Printf("queued as %d\n", m.ID)
	return report(ctx, r, func(res outbox.Result) {
		fmt.Printf("sent: message %d\n", res.MessageID)
	})
}

func cmdContact(ctx context.Context, e *intsync.Engine, draft store.ContactDraft) error {
	r, err := e.SendContact(ctx, draft)
	if err != nil {
		return err
	}
	return report(ctx, r, func(res outbox.Result) {
		fmt.Printf("contact added: user %d\n", res.UserID)
	})
}

func report(ctx context.Context, r *outbox.Receipt, ok func(outbox.Result)) error {
	waitCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	res, err := r.Wait(waitCtx)
	if err != nil {
		return err
	}
	if res.State == outbox.Failed {
		return res.Err
	}
	ok(res)
	return nil
}

func cmdRead(ctx context.Context, e *intsync.Engine, friendID int64) error {
	sub := e.SubscribeConnection()
	defer sub.Unsubscribe()
	waitCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	for !sub.Current().Online() {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("not connected: %s", sub.Current())
		case <-sub.Updates():
		}
	}
	return e.MarkRead(ctx, friendID)
}

func cmdVerify(ctx context.Context, c *onboarding.Client, sessionName, countryCode, number string) error {
	v, err := c.RequestVerification(ctx, countryCode, number)
	if err != nil {
		return err
	}
	fmt.Printf("Verification code sent to +%s%s\n", countryCode, number)
	fmt.Print("Code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	if !v.Matches(line) {
		return errors.New("verification code does not match")
	}
	return saveUser(sessionName, v.UserID)
}

func cmdRegister(ctx context.Context, p app.Params, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	cc := fs.String("cc", "", "country calling code")
	number := fs.String("number", "", "contact number")
	image := fs.String("image", "", "path to a PNG profile image")
	_ = fs.Parse(args)
	if *first == "" || *cc == "" || *number == "" || *image == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*image)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return withOnboarding(p, func(c *onboarding.Client) error {
		acct, err := c.CreateAccount(ctx, onboarding.Registration{
			FirstName:   *first,
			LastName:    *last,
			CountryCode: *cc,
			ContactNo:   *number,
			Image:       f,
		})
		if err != nil {
			return err
		}
		return saveUser(p.SessionName, acct.UserID)
	})
}

func saveUser(sessionName string, userID int64) error {
	path := session.EnvPath(sessionName)
	if err := config.WriteEnv(path, map[string]string{config.EnvUserID: strconv.FormatInt(userID, 10)}); err != nil {
		return err
	}
	fmt.Printf("signed in as user %d (session %q)\n", userID, sessionName)
	return nil
}
