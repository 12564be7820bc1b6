// Package outbox stores messages that could not be submitted, for later
// retries with exponential backoff.
//
// Messages that failed with a transient error are retried by Retry when their
// next attempt is due. Messages that failed permanently, or too many times, are
// kept as failed until dropped.
package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/stub"
	"github.com/mjl-/smtpsubmit/submitvar"
)

var (
	MetricQueued stub.GaugeVec   = stub.GaugeVecIgnore{}   // Label "state": pending, failed.
	MetricRetry  stub.CounterVec = stub.CounterVecIgnore{} // Label "result": ok, transient, permanent.
)

// DBTypes are the types stored in the outbox database.
var DBTypes = []any{Msg{}}

// DefaultMaxAttempts is used for messages without MaxAttempts.
const DefaultMaxAttempts = 8

// Msg is a message that failed submission.
type Msg struct {
	ID     int64
	Queued time.Time `bstore:"default now"`

	From string   // Empty for the null reverse path.
	To   []string // At least one.
	Data []byte   // Full message.

	Attempts    int       // Including the first attempt before the message was added.
	MaxAttempts int       // If 0, DefaultMaxAttempts.
	NextAttempt time.Time `bstore:"index"`
	LastAttempt *time.Time
	LastError   string
	Permanent   bool // Last error was permanent.

	// No more retries, because of a permanent error or too many attempts.
	Failed bool `bstore:"index"`
}

// Envelope returns the envelope for submitting the message.
func (m Msg) Envelope() (smtp.Envelope, error) {
	var from *smtp.Address
	if m.From != "" {
		a, err := smtp.ParseAddress(m.From)
		if err != nil {
			return smtp.Envelope{}, fmt.Errorf("parsing from address: %w", err)
		}
		from = &a
	}
	var to []smtp.Address
	for _, s := range m.To {
		a, err := smtp.ParseAddress(s)
		if err != nil {
			return smtp.Envelope{}, fmt.Errorf("parsing recipient address: %w", err)
		}
		to = append(to, a)
	}
	return smtp.NewEnvelope(from, to)
}

// Sender submits a message, typically a *transport.Transport.
type Sender interface {
	Send(ctx context.Context, env smtp.Envelope, msg io.Reader) (smtpclient.Response, error)
}

// Outbox is a database of failed submissions.
type Outbox struct {
	log mlog.Log
	db  *bstore.DB
	now func() time.Time
}

// Open opens or creates the outbox database at path.
func Open(ctx context.Context, elog *slog.Logger, path string) (*Outbox, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	isNew := false
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		isNew = true
	}

	log := mlog.New("outbox", elog)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: submitvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(path)
		}
		return nil, fmt.Errorf("open outbox database: %s", err)
	}
	ob := &Outbox{log: log, db: db, now: time.Now}
	ob.metricsUpdate(ctx)
	return ob, nil
}

// Close closes the database.
func (ob *Outbox) Close() error {
	return ob.db.Close()
}

// When we update the gauges, we just get the full current values, not try to
// account for adds/removes.
func (ob *Outbox) metricsUpdate(ctx context.Context) {
	for _, failed := range []bool{false, true} {
		n, err := bstore.QueryDB[Msg](ctx, ob.db).FilterEqual("Failed", failed).Count()
		if err != nil {
			ob.log.Errorx("counting messages in outbox", err)
			continue
		}
		state := "pending"
		if failed {
			state = "failed"
		}
		MetricQueued.SetLabels(float64(n), state)
	}
}

// backoff returns the delay before the next attempt, after attempts attempts:
// 7.5 minutes after the first, doubling for each further attempt.
func backoff(attempts int) time.Duration {
	d := 7*time.Minute + 30*time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// update sets the fields after a failed attempt.
func (m *Msg) update(now time.Time, err error) {
	m.Attempts++
	m.LastAttempt = &now
	m.LastError = err.Error()
	var cerr smtpclient.Error
	m.Permanent = errors.As(err, &cerr) && cerr.Permanent
	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	m.Failed = m.Permanent || m.Attempts >= maxAttempts
	m.NextAttempt = now.Add(backoff(m.Attempts))
}

// Add stores a message for which submission failed with lastErr. A message
// that failed with a permanent error is stored as failed and not retried. With
// a nil lastErr, the message is due for its first attempt immediately.
func (ob *Outbox) Add(ctx context.Context, env smtp.Envelope, msg io.Reader, lastErr error) (Msg, error) {
	data, err := io.ReadAll(msg)
	if err != nil {
		return Msg{}, fmt.Errorf("reading message: %w", err)
	}
	m := Msg{Data: data}
	if from := env.From(); from != nil {
		m.From = from.String()
	}
	for _, a := range env.To() {
		m.To = append(m.To, a.String())
	}
	if lastErr != nil {
		m.update(ob.now(), lastErr)
	} else {
		m.NextAttempt = ob.now()
	}

	if err := ob.db.Insert(ctx, &m); err != nil {
		return Msg{}, fmt.Errorf("inserting message in outbox: %w", err)
	}
	ob.log.Info("message added to outbox",
		slog.Int64("msgid", m.ID),
		slog.Int("attempts", m.Attempts),
		slog.Bool("failed", m.Failed),
		slog.Time("nextattempt", m.NextAttempt))
	ob.metricsUpdate(ctx)
	return m, nil
}

// Filter selects messages to list or drop. Leaving all fields zero matches all
// messages.
type Filter struct {
	IDs    []int64
	Failed bool // Only messages that will not be retried anymore.
}

func (f Filter) apply(q *bstore.Query[Msg]) {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if f.Failed {
		q.FilterNonzero(Msg{Failed: true})
	}
}

// List returns matching messages, ordered by next attempt.
func (ob *Outbox) List(ctx context.Context, f Filter) ([]Msg, error) {
	q := bstore.QueryDB[Msg](ctx, ob.db)
	f.apply(q)
	q.SortAsc("NextAttempt")
	return q.List()
}

// Drop removes matching messages, returning the number removed.
func (ob *Outbox) Drop(ctx context.Context, f Filter) (int, error) {
	q := bstore.QueryDB[Msg](ctx, ob.db)
	f.apply(q)
	n, err := q.Delete()
	if err != nil {
		return 0, fmt.Errorf("deleting messages from outbox: %v", err)
	}
	ob.log.Info("messages dropped from outbox", slog.Int("count", n))
	ob.metricsUpdate(ctx)
	return n, nil
}

// Retry submits messages that are due through sender, or all messages that
// have not failed if force is set. Delivered messages are removed. Messages
// that fail again are rescheduled, or marked failed. Retry stops at the first
// error from the database or ctx.
func (ob *Outbox) Retry(ctx context.Context, sender Sender, force bool) (delivered, failed int, rerr error) {
	q := bstore.QueryDB[Msg](ctx, ob.db)
	q.FilterEqual("Failed", false)
	if !force {
		q.FilterLessEqual("NextAttempt", ob.now())
	}
	q.SortAsc("NextAttempt")
	msgs, err := q.List()
	if err != nil {
		return 0, 0, fmt.Errorf("listing messages in outbox: %w", err)
	}
	defer ob.metricsUpdate(ctx)

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return delivered, failed, err
		}
		log := ob.log.With(slog.Int64("msgid", m.ID), slog.Int("attempt", m.Attempts+1))

		env, err := m.Envelope()
		if err == nil {
			_, err = sender.Send(ctx, env, bytes.NewReader(m.Data))
		} else {
			err = smtpclient.Error{Kind: smtpclient.KindClient, Permanent: true, Err: err}
		}
		if err == nil {
			log.Info("message from outbox delivered")
			MetricRetry.IncLabels("ok")
			if err := ob.db.Delete(ctx, &m); err != nil {
				return delivered, failed, fmt.Errorf("removing delivered message from outbox: %v", err)
			}
			delivered++
			continue
		}

		m.update(ob.now(), err)
		if m.Permanent {
			MetricRetry.IncLabels("permanent")
		} else {
			MetricRetry.IncLabels("transient")
		}
		log.Infox("retrying message from outbox", err,
			slog.Bool("failed", m.Failed),
			slog.Time("nextattempt", m.NextAttempt))
		if err := ob.db.Update(ctx, &m); err != nil {
			return delivered, failed, fmt.Errorf("updating message in outbox: %v", err)
		}
		failed++
	}
	return delivered, failed, nil
}
