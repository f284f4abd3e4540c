// Package mxrelay implements MXRelay: resolving the MX records for a
// recipient's domain, opening an outbound TLS session, and replaying an
// SMTP conversation to forward one message, per spec §4.3. It is
// grounded on other_examples' LLRHook-mailit Sender (per-domain MX
// grouping, priority-ordered MX attempts, per-recipient result
// tracking), adapted to use internal/socketchannel for the outbound
// leg instead of net/smtp, and to the literal no-retry, no-pipelining
// replay this core specifies.
package mxrelay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/smtpd/internal/mail"
	"github.com/infodancer/smtpd/internal/socketchannel"
)

// DefaultDNSTimeout bounds a single MX lookup, per spec §4.3.
const DefaultDNSTimeout = 5 * time.Second

// DefaultConnectTimeout bounds a single MX connection attempt, per spec §4.3.
const DefaultConnectTimeout = 5 * time.Second

// mxHost is one resolved MX target, ordered by priority.
type mxHost struct {
	host string
	pref uint16
}

// Config configures a Relay.
type Config struct {
	// OurDomain is used as the HELO identity in outbound conversations.
	OurDomain string
	// TLSConfig, if non-nil, enables STARTTLS on an outbound leg when the
	// MX host advertises it; a host that does not advertise it is used
	// in plain text. A rejected STARTTLS, a failed handshake or a failed
	// EHLO aborts the attempt on that host.
	TLSConfig *tls.Config
	// SMTPPort is the port MX hosts are contacted on (default 25).
	SMTPPort int
	DNSTimeout     time.Duration
	ConnectTimeout time.Duration
	Resolver       *net.Resolver
	Logger         *slog.Logger
}

// Relay is the MXRelay capability: shared, process-lifetime, safe for
// concurrent use across sessions (it holds no per-call mutable state).
type Relay struct {
	ourDomain      string
	tlsConfig      *tls.Config
	port           int
	dnsTimeout     time.Duration
	connectTimeout time.Duration
	resolver       *net.Resolver
	logger         *slog.Logger
}

// New constructs a Relay from cfg, applying spec-mandated defaults.
func New(cfg Config) *Relay {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 25
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = DefaultDNSTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		ourDomain:      cfg.OurDomain,
		tlsConfig:      cfg.TLSConfig,
		port:           cfg.SMTPPort,
		dnsTimeout:     cfg.DNSTimeout,
		connectTimeout: cfg.ConnectTimeout,
		resolver:       cfg.Resolver,
		logger:         cfg.Logger,
	}
}

// RecipientFailure records why one recipient could not be delivered.
type RecipientFailure struct {
	Recipient string
	Reason    string
}

// Result is the per-recipient outcome of one Forward call.
type Result struct {
	Delivered []string
	Failed    []RecipientFailure
}

// Forward delivers msg to every recipient in msg.To, resolving MX
// records per recipient domain and attempting each MX host in priority
// order until one accepts the message. It returns a non-nil error
// (ErrPartialFailure or ErrAllFailed) whenever at least one recipient
// was not delivered; the caller inspects the returned Result for
// detail. There is no internal retry, per §4.3: the caller decides
// whether and when to retry.
func (r *Relay) Forward(ctx context.Context, msg mail.Message) (*Result, error) {
	result := &Result{}
	rendered := render(msg)

	for _, rcpt := range msg.To {
		domain := rcpt.Domain()
		if domain == "" {
			result.fail(rcpt.String(), "address has no domain")
			continue
		}

		hosts, err := r.resolveMX(ctx, domain)
		if err != nil {
			result.fail(rcpt.String(), fmt.Sprintf("MX resolution failed: %v", err))
			continue
		}

		delivered := false
		for _, mx := range hosts {
			if err := r.deliverOne(ctx, mx.host, msg.From, rcpt, rendered); err != nil {
				r.logger.Warn("mx delivery attempt failed",
					slog.String("host", mx.host), slog.String("recipient", rcpt.String()),
					slog.String("error", err.Error()))
				continue
			}
			delivered = true
			break
		}

		if delivered {
			result.Delivered = append(result.Delivered, rcpt.String())
		} else {
			result.fail(rcpt.String(), "all MX hosts exhausted")
		}
	}

	switch {
	case len(result.Failed) == 0:
		return result, nil
	case len(result.Delivered) == 0:
		return result, ErrAllFailed
	default:
		return result, ErrPartialFailure
	}
}

func (r *Result) fail(recipient, reason string) {
	r.Failed = append(r.Failed, RecipientFailure{Recipient: recipient, Reason: reason})
}

// resolveMX issues a DNS MX query for domain and returns hosts sorted
// ascending by priority, ties broken by original DNS ordering.
func (r *Relay) resolveMX(ctx context.Context, domain string) ([]mxHost, error) {
	ctx, cancel := context.WithTimeout(ctx, r.dnsTimeout)
	defer cancel()

	records, err := r.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no MX records for %s", domain)
	}

	hosts := make([]mxHost, len(records))
	for i, rec := range records {
		hosts[i] = mxHost{host: strings.TrimSuffix(rec.Host, "."), pref: rec.Pref}
	}
	sort.SliceStable(hosts, func(i, j int) bool { return hosts[i].pref < hosts[j].pref })
	return hosts, nil
}

// deliverOne opens one outbound SMTP conversation to host and attempts
// to deliver rendered to recipient. A 2xx on each of MAIL/RCPT/final
// end-of-DATA is required; any other response aborts this attempt.
func (r *Relay) deliverOne(ctx context.Context, host string, from mail.Address, recipient mail.Address, rendered []byte) error {
	dialer := net.Dialer{Timeout: r.connectTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(r.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	ch := socketchannel.New(conn, r.logger)
	defer ch.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := readResponse(ch); err != nil {
		return fmt.Errorf("greeting from %s: %w", host, err)
	}

	if r.tlsConfig != nil {
		if err := ch.WriteLine("EHLO " + r.ourDomain); err != nil {
			return err
		}
		lines, code, err := readMultilineResponse(ch)
		if err != nil || code/100 != 2 {
			return fmt.Errorf("EHLO to %s: %w", host, err)
		}
		if hasCapability(lines, "STARTTLS") {
			if err := ch.WriteLine("STARTTLS"); err != nil {
				return err
			}
			if code, err := readResponse(ch); err != nil || code/100 != 2 {
				return fmt.Errorf("STARTTLS to %s rejected", host)
			}
			cfg := r.tlsConfig.Clone()
			cfg.ServerName = host
			if err := ch.UpgradeTLS(socketchannel.RoleClient, cfg); err != nil {
				return fmt.Errorf("TLS handshake with %s: %w", host, err)
			}
		}
	}

	if err := ch.WriteLine("HELO " + r.ourDomain); err != nil {
		return err
	}
	if code, err := readResponse(ch); err != nil || code/100 != 2 {
		return fmt.Errorf("HELO to %s rejected: %w", host, err)
	}

	if err := ch.WriteLine("MAIL FROM:<" + from.String() + ">"); err != nil {
		return err
	}
	if code, err := readResponse(ch); err != nil || code/100 != 2 {
		return fmt.Errorf("MAIL FROM to %s rejected", host)
	}

	if err := ch.WriteLine("RCPT TO:<" + recipient.String() + ">"); err != nil {
		return err
	}
	if code, err := readResponse(ch); err != nil || code/100 != 2 {
		return fmt.Errorf("RCPT TO to %s rejected", host)
	}

	if err := ch.WriteLine("DATA"); err != nil {
		return err
	}
	if code, err := readResponse(ch); err != nil || code/100 != 3 {
		return fmt.Errorf("DATA to %s rejected", host)
	}

	if _, err := ch.Write(stuffDots(rendered)); err != nil {
		return err
	}
	if err := ch.WriteLine("."); err != nil {
		return err
	}
	code, err := readResponse(ch)
	if err != nil || code/100 != 2 {
		return fmt.Errorf("end-of-DATA to %s rejected", host)
	}

	_ = ch.WriteLine("QUIT")
	return nil
}

// readResponse reads one SMTP response, returning only its final code
// (multi-line continuation lines are consumed but discarded).
func readResponse(ch *socketchannel.Channel) (int, error) {
	_, code, err := readMultilineResponse(ch)
	return code, err
}

// readMultilineResponse reads a complete (possibly multi-line) SMTP
// response and returns its text lines alongside the final status code.
func readMultilineResponse(ch *socketchannel.Channel) ([]string, int, error) {
	var lines []string
	var code int
	for {
		line, err := ch.ReadLine()
		if err != nil {
			return lines, 0, err
		}
		if len(line) < 4 {
			return lines, 0, fmt.Errorf("malformed response line %q", line)
		}
		c, err := strconv.Atoi(line[:3])
		if err != nil {
			return lines, 0, fmt.Errorf("malformed response code %q", line)
		}
		code = c
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	return lines, code, nil
}

func hasCapability(lines []string, name string) bool {
	for _, l := range lines {
		if strings.EqualFold(strings.TrimSpace(l), name) {
			return true
		}
	}
	return false
}

// stuffDots applies RFC 5321 transparency: a line beginning with '.'
// gets a second '.' prepended so the terminating "\r\n.\r\n" sequence
// is unambiguous. This is the outbound leg only; §4.4 documents that
// this core does not perform the inverse unstuffing on inbound DATA.
func stuffDots(body []byte) []byte {
	lines := strings.Split(string(body), "\r\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = "." + l
		}
	}
	out := strings.Join(lines, "\r\n")
	if !strings.HasSuffix(out, "\r\n") {
		out += "\r\n"
	}
	return []byte(out)
}

// render builds a minimal RFC 5322 message from the accumulated
// envelope and body for outbound transmission.
func render(msg mail.Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerAddress(msg.From) + "\r\n")
	if len(msg.To) > 0 {
		addrs := make([]string, len(msg.To))
		for i, a := range msg.To {
			addrs[i] = headerAddress(a)
		}
		b.WriteString("To: " + strings.Join(addrs, ", ") + "\r\n")
	}
	if msg.Subject != "" {
		b.WriteString("Subject: " + msg.Subject + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

func headerAddress(a mail.Address) string {
	if a.DisplayName == "" {
		return a.String()
	}
	return a.DisplayName + " <" + a.String() + ">"
}
