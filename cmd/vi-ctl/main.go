package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/voicetyped/vi/internal/connectutil"
	"github.com/voicetyped/vi/internal/control"
	"github.com/voicetyped/vi/pkg/webhook"
)

const usage = `usage: vi-ctl [flags] <command> [args]

commands:
  status               show the running session
  state <name>         set the assistant state (ready, sleeping, busy, offline)
  say <text>           speak a line
  hear <text>          feed a line as if it was recognized
  disable [node]       disable a node, or the assistant when no node is given
  enable [node]        enable a node, or the assistant
  secret               print a new webhook signing secret

flags:
`

func main() {
	envFile := cli.StringP("env", "e", ".env", "env file")
	addr := cli.StringP("addr", "a", "", "control service URL (default $CONTROL_SERVICE_URL or http://localhost:8080)")
	token := cli.StringP("token", "t", "", "bearer token (default $CONTROL_TOKEN)")
	timeout := cli.Duration("timeout", 10*time.Second, "request timeout")
	priority := cli.StringP("priority", "p", "normal", "say: priority (very_low to critical)")
	force := cli.BoolP("force", "f", false, "say: interrupt or override the current line")
	wait := cli.BoolP("wait", "w", false, "say: wait until the line has been spoken")
	cli.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		cli.PrintDefaults()
	}
	cli.Parse()

	_ = godotenv.Load(*envFile)

	args := cli.Args()
	if len(args) == 0 {
		cli.Usage()
		os.Exit(2)
	}

	if args[0] == "secret" {
		s, err := webhook.GenerateSecret()
		if err != nil {
			fail(err)
		}
		fmt.Println(s)
		return
	}

	baseURL := firstNonEmpty(*addr, os.Getenv("CONTROL_SERVICE_URL"), "http://localhost:8080")
	opts := append(connectutil.DefaultClientOptions(),
		connect.WithInterceptors(connectutil.BearerToken(firstNonEmpty(*token, os.Getenv("CONTROL_TOKEN")))))
	c := control.NewClient(http.DefaultClient, baseURL, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	text := strings.Join(args[1:], " ")
	var err error
	switch args[0] {
	case "status":
		var st *control.StatusResponse
		if st, err = c.Status(ctx); err == nil {
			printJSON(st)
		}
	case "state":
		if len(args) != 2 {
			fail(errors.New("state takes one argument"))
		}
		var resp *control.SetStateResponse
		if resp, err = c.SetState(ctx, args[1]); err == nil {
			fmt.Println(resp.State)
		}
	case "say":
		err = c.Say(ctx, &control.SayRequest{Text: text, Priority: *priority, Force: *force, Wait: *wait})
	case "hear":
		var resp *control.HearResponse
		if resp, err = c.Hear(ctx, text); err == nil {
			if resp.Matched {
				fmt.Printf("matched, active node %s\n", resp.ActiveKey)
			} else {
				fmt.Println("rejected")
			}
		}
	case "disable", "enable":
		err = c.SetDisabled(ctx, text, args[0] == "disable")
	default:
		cli.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "vi-ctl:", err)
	os.Exit(1)
}
