package sync

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

const (
	// fetchWindow caps how many of the most recent messages a cycle fetches
	// per mailbox.
	fetchWindow = 100

	// idleWaitInterval bounds one IDLE round before it is re-issued. Short
	// rounds double as a liveness check on the connection; RFC 2177 only
	// requires re-issuing before the server's 29 minute timeout.
	idleWaitInterval = 30 * time.Second

	idleQueueSize = 16

	gmailThreadIDItem = imap.FetchItem("X-GM-THRID")
)

// IMAPEngine syncs one account over IMAP. It serves both Gmail and generic
// IMAP accounts; Gmail only differs in auth defaults and the X-GM-THRID
// fetch item.
type IMAPEngine struct {
	engineState

	account    *types.Account
	timeout    time.Duration
	enableIdle bool
	tokens     TokenSource
	logger     *logrus.Logger

	client *client.Client
}

var _ Engine = (*IMAPEngine)(nil)

// NewIMAPEngine creates an engine for the account. The connection is opened
// lazily by Connect.
func NewIMAPEngine(account *types.Account, cfg *config.Config, tokens TokenSource, logger *logrus.Logger) *IMAPEngine {
	return &IMAPEngine{
		account:    account,
		timeout:    cfg.SyncTimeout,
		enableIdle: cfg.EnableIdle,
		tokens:     tokens,
		logger:     logger,
	}
}

func (e *IMAPEngine) AccountID() uuid.UUID {
	return e.account.ID
}

// Connect dials the IMAP server over TLS and authenticates.
func (e *IMAPEngine) Connect(ctx context.Context) error {
	if e.client != nil {
		return nil
	}
	srv := e.account.IMAP
	if srv == nil {
		return mailerr.E(mailerr.KindValidation, "imap.connect", "account has no IMAP configuration")
	}

	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	dialer := &net.Dialer{Timeout: e.timeout}
	c, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: srv.Host})
	if err != nil {
		return classifyDialErr("imap.connect", err)
	}
	c.Timeout = e.timeout

	if err := e.authenticate(ctx, c); err != nil {
		c.Logout()
		return err
	}

	e.client = c
	e.logger.WithFields(logrus.Fields{
		"account": e.account.Email,
		"server":  addr,
	}).Info("IMAP connected")
	return nil
}

func (e *IMAPEngine) authenticate(ctx context.Context, c *client.Client) error {
	switch e.account.Auth {
	case types.AuthOAuth2:
		if e.tokens == nil {
			return mailerr.E(mailerr.KindAuth, "imap.auth", "no token source configured for oauth2 account")
		}
		token, err := e.tokens.AccessToken(ctx, e.account)
		if err != nil {
			return mailerr.Wrap(mailerr.KindAuth, "imap.auth", err)
		}
		if token == "" {
			return mailerr.E(mailerr.KindAuth, "imap.auth", "empty access token")
		}
		if err := c.Authenticate(newXOAuth2Client(e.account.Email, token)); err != nil {
			return mailerr.Wrap(mailerr.KindAuth, "imap.auth", err)
		}
	case types.AuthPassword:
		if err := c.Login(e.account.IMAP.Username, e.account.IMAP.Password); err != nil {
			return mailerr.Wrap(mailerr.KindAuth, "imap.auth", err)
		}
	default:
		return mailerr.E(mailerr.KindValidation, "imap.auth",
			fmt.Sprintf("unknown auth method: %s", e.account.Auth))
	}
	return nil
}

// Disconnect logs out and drops the session. Safe to call when not connected.
func (e *IMAPEngine) Disconnect(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	err := e.client.Logout()
	e.client = nil
	if err != nil {
		return mailerr.Wrap(mailerr.KindNetwork, "imap.disconnect", err)
	}
	return nil
}

// SyncMailboxes lists the account's folders and returns mailbox entities with
// fresh message counts. Folders the server marks non-selectable are skipped.
func (e *IMAPEngine) SyncMailboxes(ctx context.Context) ([]*types.Mailbox, error) {
	if e.client == nil {
		return nil, mailerr.E(mailerr.KindValidation, "imap.sync_mailboxes", "not connected")
	}

	infoCh := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- e.client.List("", "*", infoCh)
	}()

	var names []string
	for info := range infoCh {
		if hasAttr(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		names = append(names, info.Name)
	}
	if err := <-done; err != nil {
		return nil, mailerr.Wrap(mailerr.KindProtocol, "imap.sync_mailboxes", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, mailerr.Wrap(mailerr.KindTimeout, "imap.sync_mailboxes", err)
	}

	now := time.Now().UTC()
	mailboxes := make([]*types.Mailbox, 0, len(names))
	for _, name := range names {
		mb := &types.Mailbox{
			ID:           uuid.New(),
			AccountID:    e.account.ID,
			Name:         name,
			Type:         mailboxTypeFor(name),
			LastSyncedAt: now,
		}
		st, err := e.client.Status(name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
		if err != nil {
			// Counts are best effort; a folder the server refuses to STATUS
			// still syncs.
			e.logger.WithFields(logrus.Fields{
				"account": e.account.Email,
				"mailbox": name,
			}).WithError(err).Warn("STATUS failed, keeping zero counts")
		} else {
			mb.TotalMessages = int(st.Messages)
			mb.UnseenMessages = int(st.Unseen)
		}
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, nil
}

// SyncMailboxMessages fetches the most recent messages in the mailbox, up to
// fetchWindow, newest block of the sequence range.
func (e *IMAPEngine) SyncMailboxMessages(ctx context.Context, mailbox *types.Mailbox) ([]*types.Message, error) {
	if e.client == nil {
		return nil, mailerr.E(mailerr.KindValidation, "imap.sync_messages", "not connected")
	}

	mbox, err := e.client.Select(mailbox.Name, true)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindProtocol, "imap.sync_messages", err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > fetchWindow {
		from = mbox.Messages - fetchWindow + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		imap.FetchInternalDate, section.FetchItem(),
	}
	if e.account.Type == types.AccountGmail {
		items = append(items, gmailThreadIDItem)
	}

	msgCh := make(chan *imap.Message, 20)
	done := make(chan error, 1)
	go func() {
		done <- e.client.Fetch(seqset, items, msgCh)
	}()

	var messages []*types.Message
	for msg := range msgCh {
		parsed, err := e.parseMessage(msg, mailbox, section)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"account": e.account.Email,
				"mailbox": mailbox.Name,
				"uid":     msg.Uid,
			}).WithError(err).Warn("Skipping unparseable message")
			continue
		}
		messages = append(messages, parsed)
	}
	if err := <-done; err != nil {
		return nil, mailerr.Wrap(mailerr.KindProtocol, "imap.sync_messages", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, mailerr.Wrap(mailerr.KindTimeout, "imap.sync_messages", err)
	}
	return messages, nil
}

func (e *IMAPEngine) parseMessage(msg *imap.Message, mailbox *types.Mailbox, section *imap.BodySectionName) (*types.Message, error) {
	if msg.Envelope == nil {
		return nil, mailerr.E(mailerr.KindProtocol, "imap.parse", "message has no envelope")
	}
	env := msg.Envelope

	meta := types.MsgMeta{
		UID:       strconv.FormatUint(uint64(msg.Uid), 10),
		Folder:    mailbox.Name,
		Date:      env.Date,
		Subject:   env.Subject,
		MessageID: env.MessageId,
		InReplyTo: env.InReplyTo,
	}
	if meta.Date.IsZero() {
		meta.Date = msg.InternalDate
	}

	var fromAddr string
	if len(env.From) > 0 {
		fromAddr = env.From[0].Address()
		if env.From[0].PersonalName != "" {
			meta.From = fmt.Sprintf("%s <%s>", env.From[0].PersonalName, fromAddr)
		} else {
			meta.From = fromAddr
		}
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			meta.IsRead = true
		}
	}
	meta.IsOutgoing = mailbox.Type == types.MailboxSent ||
		strings.EqualFold(fromAddr, e.account.Email)

	if e.account.Type == types.AccountGmail {
		if v, ok := msg.Items[gmailThreadIDItem]; ok && v != nil {
			meta.ServerThreadID = fmt.Sprintf("%v", v)
		}
	}

	out := &types.Message{
		ID:        uuid.New(),
		AccountID: e.account.ID,
		MailboxID: mailbox.ID,
	}

	if body := msg.GetBody(section); body != nil {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindProtocol, "imap.parse", err)
		}
		mime, err := enmime.ReadEnvelope(strings.NewReader(string(raw)))
		if err != nil {
			e.logger.WithField("uid", msg.Uid).WithError(err).Debug("MIME parse failed, keeping envelope metadata only")
		} else {
			out.BodyText = mime.Text
			out.BodyHTML = mime.HTML
			meta.HasAttachments = len(mime.Attachments) > 0
			meta.BodyPreview = preview(mime.Text)
			// The IMAP envelope has no References; pull it from the headers.
			if refs := mime.GetHeader("References"); refs != "" {
				meta.References = strings.Fields(refs)
			}
			if meta.MessageID == "" {
				meta.MessageID = mime.GetHeader("Message-Id")
			}
		}
	}

	out.Meta = meta
	return out, nil
}

// IdleEvent signals that a mailbox changed while idling.
type IdleEvent struct {
	Mailbox string
}

// Idle watches the named mailbox with IMAP IDLE and emits an event whenever
// the server reports new, changed, or expunged messages. The returned channel
// closes when ctx is cancelled. Requires EnableIdle.
func (e *IMAPEngine) Idle(ctx context.Context, mailboxName string) (<-chan IdleEvent, error) {
	if !e.enableIdle {
		return nil, mailerr.E(mailerr.KindUnsupported, "imap.idle", "IDLE is disabled")
	}
	if e.client == nil {
		return nil, mailerr.E(mailerr.KindValidation, "imap.idle", "not connected")
	}
	if _, err := e.client.Select(mailboxName, true); err != nil {
		return nil, mailerr.Wrap(mailerr.KindProtocol, "imap.idle", err)
	}

	c := e.client
	updates := make(chan client.Update, idleQueueSize)
	c.Updates = updates
	events := make(chan IdleEvent, idleQueueSize)

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				switch u.(type) {
				case *client.MailboxUpdate, *client.MessageUpdate, *client.ExpungeUpdate:
					select {
					case events <- IdleEvent{Mailbox: mailboxName}:
					default:
						// Consumer is behind; it resyncs anyway.
					}
				}
			}
		}
	}()

	go func() {
		// Once idling stops, nobody consumes updates anymore; detach the
		// sink so the session never blocks on a full abandoned channel.
		defer resetUpdates(c, updates)
		for ctx.Err() == nil {
			stop := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
				case <-time.After(idleWaitInterval):
				}
				close(stop)
			}()
			if err := c.Idle(stop, nil); err != nil {
				e.logger.WithFields(logrus.Fields{
					"account": e.account.Email,
					"mailbox": mailboxName,
				}).WithError(err).Warn("IDLE terminated")
				return
			}
		}
	}()

	return events, nil
}

// resetUpdates detaches the updates channel from the session and drains what
// the server already queued, so delivery never stalls on a channel nothing
// reads.
func resetUpdates(c *client.Client, updates chan client.Update) {
	c.Updates = nil
	for {
		select {
		case <-updates:
		default:
			return
		}
	}
}

// mailboxTypeFor maps a server folder name onto its canonical role. Handles
// both plain names and Gmail's "[Gmail]/..." namespace.
func mailboxTypeFor(name string) types.MailboxType {
	lower := strings.ToLower(name)
	switch {
	case lower == "inbox":
		return types.MailboxInbox
	case strings.Contains(lower, "sent"):
		return types.MailboxSent
	case strings.Contains(lower, "draft"):
		return types.MailboxDrafts
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return types.MailboxTrash
	case strings.Contains(lower, "spam"), strings.Contains(lower, "junk"):
		return types.MailboxSpam
	case strings.Contains(lower, "archive"), strings.Contains(lower, "all mail"):
		return types.MailboxArchive
	default:
		return types.MailboxCustom
	}
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// preview collapses whitespace and truncates the body to a short snippet.
func preview(text string) string {
	fields := strings.Fields(text)
	joined := strings.Join(fields, " ")
	runes := []rune(joined)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return joined
}

// classifyDialErr sorts connection failures into retryable kinds.
func classifyDialErr(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return mailerr.Wrap(mailerr.KindTimeout, op, err)
	}
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) || errors.As(err, &invalid) {
		return mailerr.Wrap(mailerr.KindTLS, op, err)
	}
	return mailerr.Wrap(mailerr.KindNetwork, op, err)
}
