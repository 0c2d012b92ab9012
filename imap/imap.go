// Package imap appends indexed messages to a folder on an IMAP server.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
)

var ErrEmptyMessage = errors.New("message is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Recorder remembers exported entries so later runs skip them.
type Recorder interface {
	Put(ctx context.Context, entry model.MessageIndexEntry) error
}

type Exporter struct {
	opts     Options
	archive  *mbox.Archive
	runner   *runner.Runner
	recorder Recorder
	logger   *slog.Logger
}

// NewExporter registers an "imap" stage on r that uploads every accepted
// entry of archive. recorder may be nil; it is not written in dry-run mode.
func NewExporter(opts Options, archive *mbox.Archive, r *runner.Runner, recorder Recorder, logger *slog.Logger) (*Exporter, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if archive == nil {
		return nil, fmt.Errorf("archive must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	exporter := &Exporter{
		opts:     opts,
		archive:  archive,
		runner:   r,
		recorder: recorder,
		logger:   logger,
	}
	r.AddStage("imap", exporter.run)
	return exporter, nil
}

func (u *Exporter) run(ctx context.Context) error {
	var (
		client  *imapclient.Client
		cleanup func()
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-u.runner.Accepted():
			if !ok {
				return nil
			}

			raw, err := mbox.LoadEntry(u.archive, entry)
			if err != nil {
				err = fmt.Errorf("load message at %d: %w", entry.BodyOffset, err)
				u.emitError(entry, err)
				return err
			}
			msg := PrepareMessage(raw)
			if len(bytes.TrimSpace(msg)) == 0 {
				u.emitError(entry, ErrEmptyMessage)
				continue
			}

			if u.opts.DryRun {
				u.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDryRunUpload, MessageID: entry.MessageID, Offset: entry.BodyOffset})
				u.logger.Debug("dry-run upload", "messageID", entry.MessageID, "target", u.targetFolder(), "offset", entry.BodyOffset, "bytes", len(msg))
				continue
			}

			if client == nil {
				client, cleanup, err = u.dial(ctx)
				if err != nil {
					u.emitError(entry, err)
					return err
				}
			}

			if err := u.appendMessage(client, entry, msg); err != nil {
				err = fmt.Errorf("upload message %s: %w", entry.MessageID, err)
				u.emitError(entry, err)
				return err
			}

			if u.recorder != nil {
				if err := u.recorder.Put(ctx, entry); err != nil {
					u.emitError(entry, err)
					return err
				}
			}

			u.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeUploaded, MessageID: entry.MessageID, Offset: entry.BodyOffset})
			u.logger.Debug("uploaded message", "messageID", entry.MessageID, "target", u.targetFolder(), "offset", entry.BodyOffset)
		}
	}
}

func (u *Exporter) emitError(entry model.MessageIndexEntry, err error) {
	u.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageID: entry.MessageID, Offset: entry.BodyOffset, Err: err})
}

// PrepareMessage drops the mbox separator line and converts bare LF line
// endings to CRLF as IMAP literals expect.
func PrepareMessage(raw []byte) []byte {
	if bytes.HasPrefix(raw, []byte("From ")) {
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			raw = raw[i+1:]
		} else {
			raw = nil
		}
	}

	out := make([]byte, 0, len(raw)+len(raw)/32)
	for i, c := range raw {
		if c == '\n' && (i == 0 || raw[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

func (u *Exporter) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{}

	if u.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "target", u.targetFolder(), "tls", u.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				u.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Exporter) appendMessage(client *imapclient.Client, entry model.MessageIndexEntry, msg []byte) error {
	target := u.targetFolder()

	var opts *imapv2.AppendOptions
	if entry.HasDate() {
		opts = &imapv2.AppendOptions{Time: entry.Date}
	}

	cmd := client.Append(target, int64(len(msg)), opts)

	remaining := msg
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (u *Exporter) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Exporter) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				u.logger.Debug("imap mailbox already exists", "mailbox", target)
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	u.logger.Info("imap mailbox created", "mailbox", target)

	return nil
}
