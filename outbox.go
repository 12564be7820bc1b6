package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/outbox"
	"github.com/mjl-/smtpsubmit/transport"
)

func xmustOpenOutbox(ctx context.Context, conf config.Submit) *outbox.Outbox {
	ob := xopenOutbox(ctx, conf)
	if ob == nil {
		log.Fatalf("no outbox configured")
	}
	return ob
}

func xparseIDs(args []string) []int64 {
	var ids []int64
	for _, s := range args {
		id, err := strconv.ParseInt(s, 10, 64)
		xcheckf(err, "parsing message id %q", s)
		ids = append(ids, id)
	}
	return ids
}

func cmdOutboxList(c *cmd) {
	c.params = "[-failed] [id ...]"
	c.help = `List messages in the outbox, ordered by next attempt.

Messages marked failed are not retried anymore, because they were rejected with
a permanent error or failed too many times.
`
	var failed bool
	c.flag.BoolVar(&failed, "failed", false, "only list messages marked failed")
	args := c.Parse()

	conf := mustLoadConfig()
	ctx := context.Background()
	ob := xmustOpenOutbox(ctx, conf)
	defer ob.Close()

	l, err := ob.List(ctx, outbox.Filter{IDs: xparseIDs(args), Failed: failed})
	xcheckf(err, "listing outbox")

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "id\tqueued\tattempts\tnext\tfrom\tto\tsize\tlast error")
	for _, m := range l {
		next := m.NextAttempt.Format(time.RFC3339)
		if m.Failed {
			next = "failed"
		}
		from := m.From
		if from == "" {
			from = "<>"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.Queued.Format(time.RFC3339), m.Attempts, next, from, strings.Join(m.To, ","), len(m.Data), m.LastError)
	}
	tw.Flush()
}

func cmdOutboxRetry(c *cmd) {
	c.params = "[-force]"
	c.help = `Submit messages from the outbox that are due for another attempt.

Delivered messages are removed from the outbox. Messages that fail again are
rescheduled with exponential backoff, or marked failed after a permanent error
or too many attempts. With -force, all messages not marked failed are attempted,
also those not yet due.
`
	var force bool
	c.flag.BoolVar(&force, "force", false, "also attempt messages that are not yet due")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	ctx := context.Background()
	ob := xmustOpenOutbox(ctx, conf)
	defer ob.Close()

	t, err := transport.New(nil, conf.TransportConfig())
	xcheckf(err, "transport")
	defer t.Close()

	delivered, failed, err := ob.Retry(ctx, t, force)
	xcheckf(err, "retrying messages")
	fmt.Printf("%d delivered, %d failed\n", delivered, failed)
}

func cmdOutboxDrop(c *cmd) {
	c.params = "[-failed] [-all] [id ...]"
	c.help = `Remove messages from the outbox.

Messages are selected by id, or with -failed all messages marked failed. Use
-all to remove all messages.
`
	var failed, all bool
	c.flag.BoolVar(&failed, "failed", false, "remove messages marked failed")
	c.flag.BoolVar(&all, "all", false, "remove all messages")
	args := c.Parse()
	if len(args) == 0 && !failed && !all || all && (failed || len(args) > 0) {
		c.Usage()
	}

	conf := mustLoadConfig()
	ctx := context.Background()
	ob := xmustOpenOutbox(ctx, conf)
	defer ob.Close()

	n, err := ob.Drop(ctx, outbox.Filter{IDs: xparseIDs(args), Failed: failed})
	xcheckf(err, "dropping messages")
	fmt.Printf("%d message(s) removed\n", n)
}
