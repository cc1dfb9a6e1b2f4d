package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/tinoosan/dlgroup/internal/checksum"
	"github.com/tinoosan/dlgroup/internal/client"
	"github.com/tinoosan/dlgroup/internal/service"
)

const usage = `usage: dlgroupctl <command> [args]

commands:
  groups                                 list groups
  group KEY                              show one group
  create [-limit N] [-autostart] KEY     create a group
  start KEY | stop KEY                   start or stop a group
  destroy KEY                            destroy a group
  add [-weight W] [-checksum MD5] [-match-local] KEY URL PATH
                                         add a download to a group
  task KEY ID                            show one task
  events [GROUP]                         recent task events
  watch KEY                              stream group updates
  rm-temp PATH [MD5]                     delete a partial download
  sum FILE                               print the MD5 of a local file

environment: DLGROUP_URL, DLGROUP_API_TOKEN, DLGROUP_TIMEOUT_MS
`

var errUsage = errors.New("bad usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "dlgroupctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	if args[0] == "sum" {
		if len(args) != 2 {
			return errUsage
		}
		sum, err := checksum.File(args[1])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, sum)
		return err
	}
	c, err := client.NewFromEnv()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	cmd, args := args[0], args[1:]
	switch cmd {
	case "groups":
		gs, err := c.Groups(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(gs)
	case "group":
		if len(args) != 1 {
			return errUsage
		}
		g, err := c.Group(ctx, args[0])
		if err != nil {
			return err
		}
		return enc.Encode(g)
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		limit := fs.Int("limit", 0, "concurrency limit (0 uses the server default)")
		autostart := fs.Bool("autostart", false, "start the group immediately")
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return errUsage
		}
		g, err := c.CreateGroup(ctx, fs.Arg(0), *limit, *autostart)
		if err != nil {
			return err
		}
		return enc.Encode(g)
	case "start", "stop":
		if len(args) != 1 {
			return errUsage
		}
		status := service.StatusStarted
		if cmd == "stop" {
			status = service.StatusStopped
		}
		g, err := c.SetDesiredStatus(ctx, args[0], status)
		if err != nil {
			return err
		}
		return enc.Encode(g)
	case "destroy":
		if len(args) != 1 {
			return errUsage
		}
		return c.DestroyGroup(ctx, args[0])
	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		weight := fs.Float64("weight", 1, "share of group progress")
		sum := fs.String("checksum", "", "expected MD5 (hex)")
		matchLocal := fs.Bool("match-local", false, "skip when a local file exists")
		if err := fs.Parse(args); err != nil || fs.NArg() != 3 {
			return errUsage
		}
		t, err := c.AddTask(ctx, fs.Arg(0), service.TaskRequest{
			URL:            fs.Arg(1),
			LocalPath:      fs.Arg(2),
			Weight:         *weight,
			Checksum:       *sum,
			MatchLocalOnly: *matchLocal,
		})
		if err != nil {
			return err
		}
		return enc.Encode(t)
	case "task":
		if len(args) != 2 {
			return errUsage
		}
		t, err := c.Task(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return enc.Encode(t)
	case "events":
		if len(args) > 1 {
			return errUsage
		}
		var group string
		if len(args) == 1 {
			group = args[0]
		}
		recs, err := c.Events(ctx, group)
		if err != nil {
			return err
		}
		return enc.Encode(recs)
	case "watch":
		if len(args) != 1 {
			return errUsage
		}
		updates, err := c.Watch(ctx, args[0])
		if err != nil {
			return err
		}
		line := json.NewEncoder(out)
		for u := range updates {
			if err := line.Encode(u); err != nil {
				return err
			}
		}
		return nil
	case "rm-temp":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		var sum string
		if len(args) == 2 {
			sum = args[1]
		}
		deleted, err := c.DeleteTempFile(ctx, args[0], sum)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "deleted: "+strconv.FormatBool(deleted))
		return err
	default:
		return errUsage
	}
}
