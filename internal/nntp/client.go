// Package nntp implements an NNTP client: a persistent connection with
// reconnect/backoff, GROUP/XOVER/HEAD/STAT/BODY, and group discovery via
// LIST.
//
// One owner of the textproto.Conn, one backoff loop, one authentication
// routine.
package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datallboy/nzbidx/internal/subject"
)

// Config configures a Client's target server and timeouts.
type Config struct {
	Host            string
	Port            int
	TLS             bool
	User            string
	Pass            string
	Timeout         time.Duration
	ConnectBase     time.Duration
	ConnectMaxDelay time.Duration
}

// Client is a persistent NNTP connection with background reconnect. Its
// public surface never returns an error across suspension points:
// transport failures degrade to empty/zero results and a structured log
// line, leaving retry scheduling to the ingest loop.
type Client struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	conn          *textproto.Conn
	netConn       net.Conn
	connected     bool
	selectedGroup string
	reconnecting  bool
	stopCh        chan struct{}
	stopped       bool
}

// New constructs a Client for the given server. Connect must be called
// before any command is issued.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ConnectBase <= 0 {
		cfg.ConnectBase = time.Second
	}
	if cfg.ConnectMaxDelay <= 0 {
		cfg.ConnectMaxDelay = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Connect attempts an initial connection and, on failure, spawns a
// background goroutine that keeps retrying with exponential backoff.
// Connect always returns immediately; foreground callers observe a
// disconnected client as empty/zero results rather than blocking.
func (c *Client) Connect() {
	if c.tryConnectOnce() {
		return
	}
	go c.reconnectLoop()
}

// Close tears down the connection and stops the background reconnect loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Cmd("QUIT")
		return conn.Close()
	}
	return nil
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.ConnectBase
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		if c.tryConnectOnce() {
			return
		}

		delay *= 2
		if delay > c.cfg.ConnectMaxDelay {
			delay = c.cfg.ConnectMaxDelay
		}
	}
}

func (c *Client) tryConnectOnce() bool {
	conn, err := c.dial()
	if err != nil {
		c.log.Warn("nntp_connect_failed", "host", c.cfg.Host, "port", c.cfg.Port, "err", err.Error())
		return false
	}

	tc := textproto.NewConn(conn)
	if _, _, err := tc.ReadCodeLine(200); err != nil {
		if _, _, err2 := tc.ReadCodeLine(201); err2 != nil {
			c.log.Warn("nntp_greeting_failed", "host", c.cfg.Host, "err", err.Error())
			tc.Close()
			return false
		}
	}

	if _, err := tc.Cmd("MODE READER"); err == nil {
		tc.ReadCodeLine(200)
	}

	if c.cfg.User != "" {
		if err := authenticate(tc, c.cfg.User, c.cfg.Pass); err != nil {
			c.log.Warn("nntp_auth_failed", "host", c.cfg.Host, "err", err.Error())
			tc.Close()
			return false
		}
	}

	c.mu.Lock()
	c.conn = tc
	c.netConn = conn
	c.connected = true
	c.selectedGroup = ""
	c.mu.Unlock()

	c.log.Info("nntp_connected", "host", c.cfg.Host, "port", c.cfg.Port)
	return true
}

func (c *Client) dial() (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	if c.cfg.TLS {
		return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12})
	}
	return dialer.Dial("tcp", addr)
}

func authenticate(tc *textproto.Conn, user, pass string) error {
	if _, err := tc.Cmd("AUTHINFO USER %s", user); err != nil {
		return err
	}
	code, _, err := tc.ReadCodeLine(381)
	if err != nil {
		// Some servers accept the username alone (281 immediately).
		if code == 281 {
			return nil
		}
		return err
	}
	if _, err := tc.Cmd("AUTHINFO PASS %s", pass); err != nil {
		return err
	}
	_, _, err = tc.ReadCodeLine(281)
	return err
}

// markDisconnected drops the current connection (e.g. after a transport
// error) and kicks off the background reconnect loop.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	reconnecting := c.reconnecting
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !reconnecting {
		go c.reconnectLoop()
	}
}

func (c *Client) activeConn() (*textproto.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.connected
}

func (c *Client) setDeadline() {
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()
	if nc != nil {
		nc.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}
}

// Group selects a newsgroup and returns (count, low, high). The selection
// is cached so a subsequent XOver for the same group skips the GROUP
// round-trip.
func (c *Client) Group(name string) (count, low, high int64, ok bool) {
	conn, connected := c.activeConn()
	if !connected {
		return 0, 0, 0, false
	}

	c.mu.Lock()
	if c.selectedGroup == name {
		c.mu.Unlock()
		// Selection cached; caller should rely on the prior values it
		// already has. Re-select anyway keeps the contract simple and
		// cheap enough on a persistent connection.
	} else {
		c.mu.Unlock()
	}

	c.setDeadline()
	id, err := conn.Cmd("GROUP %s", name)
	if err != nil {
		c.log.Warn("nntp_group_failed", "group", name, "err", err.Error())
		c.markDisconnected()
		return 0, 0, 0, false
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	_, line, err := conn.ReadCodeLine(211)
	if err != nil {
		c.log.Warn("nntp_group_rejected", "group", name, "err", err.Error())
		return 0, 0, 0, false
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, 0, 0, false
	}
	count, _ = strconv.ParseInt(fields[0], 10, 64)
	low, _ = strconv.ParseInt(fields[1], 10, 64)
	high, _ = strconv.ParseInt(fields[2], 10, 64)

	c.mu.Lock()
	c.selectedGroup = name
	c.mu.Unlock()

	return count, low, high, true
}

// HighWaterMark returns the high article number for group, or 0 when the
// client is disconnected or the server rejects the GROUP command.
func (c *Client) HighWaterMark(name string) int64 {
	_, _, high, ok := c.Group(name)
	if !ok {
		return 0
	}
	return high
}

// XOver returns overview records for articles [start, end] in group. On any
// transport error it performs at most one in-place reconnect and retries
// once; if still failing it returns an empty slice.
func (c *Client) XOver(ctx context.Context, group string, start, end int64) []Header {
	headers, err := c.xoverOnce(group, start, end)
	if err == nil {
		return headers
	}

	c.log.Warn("ingest_xover_error", "group", group, "start", start, "end", end, "err", err.Error())
	c.markDisconnected()
	if !c.waitReconnect(ctx) {
		return nil
	}

	headers, err = c.xoverOnce(group, start, end)
	if err != nil {
		c.log.Warn("nntp_fetch_failed", "group", group, "err", err.Error())
		return nil
	}
	return headers
}

// waitReconnect blocks briefly for the background reconnect loop to
// succeed, bounded by the client's configured timeout.
func (c *Client) waitReconnect(ctx context.Context) bool {
	deadline := time.Now().Add(c.cfg.Timeout)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return c.Connected()
}

func (c *Client) xoverOnce(group string, start, end int64) ([]Header, error) {
	conn, connected := c.activeConn()
	if !connected {
		return nil, fmt.Errorf("not connected")
	}

	c.mu.Lock()
	selected := c.selectedGroup == group
	c.mu.Unlock()
	if !selected {
		if _, _, _, ok := c.Group(group); !ok {
			return nil, fmt.Errorf("GROUP %s failed", group)
		}
	}

	c.setDeadline()
	id, err := conn.Cmd("XOVER %d-%d", start, end)
	if err != nil {
		return nil, err
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	if _, _, err := conn.ReadCodeLine(224); err != nil {
		return nil, err
	}

	var headers []Header
	reader := conn.DotReader()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h, ok := parseOverviewLine(scanner.Text())
		if ok {
			headers = append(headers, h)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

// parseOverviewLine parses one tab-separated XOVER record:
// number, subject, from, date, message-id, references, bytes, lines[, xref...]
func parseOverviewLine(line string) (Header, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return Header{}, false
	}
	num, _ := strconv.ParseInt(fields[0], 10, 64)
	byteCount, _ := strconv.ParseInt(fields[6], 10, 64)
	lines, _ := strconv.Atoi(fields[7])

	var refs []string
	if strings.TrimSpace(fields[5]) != "" {
		refs = strings.Fields(fields[5])
	}

	date, _ := parseNNTPDate(fields[3])

	return Header{
		Number:     num,
		Subject:    fields[1],
		From:       fields[2],
		Date:       date,
		MessageID:  subject.Sanitize(strings.Trim(fields[4], "<>")),
		References: refs,
		Bytes:      byteCount,
		Lines:      lines,
	}, true
}

func parseNNTPDate(s string) (time.Time, error) {
	layouts := []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700", "2 Jan 2006 15:04:05 -0700"}
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// BodySize returns the best-effort byte size of an article: HEAD's Bytes:
// header, falling back to summing BODY line lengths. STAT is issued between
// the two, but no size is read from its reply. Returns 0 when both HEAD
// and BODY fail.
func (c *Client) BodySize(messageID string) int64 {
	if n, ok := c.headBytes(messageID); ok {
		return n
	}
	if ok := c.stat(messageID); ok {
		// STAT confirms existence but carries no size; without a Bytes:
		// header the best remaining signal is the BODY line-length sum.
	}
	return c.bodySizeByLines(messageID)
}

func (c *Client) headBytes(messageID string) (int64, bool) {
	conn, connected := c.activeConn()
	if !connected {
		return 0, false
	}
	c.setDeadline()
	id, err := conn.Cmd("HEAD <%s>", messageID)
	if err != nil {
		return 0, false
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	if _, _, err := conn.ReadCodeLine(221); err != nil {
		return 0, false
	}
	lines, err := conn.ReadDotLines()
	if err != nil {
		return 0, false
	}
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "bytes:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
					return n, true
				}
			}
		}
	}
	return 0, false
}

func (c *Client) stat(messageID string) bool {
	conn, connected := c.activeConn()
	if !connected {
		return false
	}
	c.setDeadline()
	id, err := conn.Cmd("STAT <%s>", messageID)
	if err != nil {
		return false
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)
	_, _, err = conn.ReadCodeLine(223)
	return err == nil
}

func (c *Client) bodySizeByLines(messageID string) int64 {
	conn, connected := c.activeConn()
	if !connected {
		return 0
	}
	c.setDeadline()
	id, err := conn.Cmd("BODY <%s>", messageID)
	if err != nil {
		return 0
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)
	if _, _, err := conn.ReadCodeLine(222); err != nil {
		return 0
	}
	lines, err := conn.ReadDotLines()
	if err != nil {
		return 0
	}
	var total int64
	for _, l := range lines {
		total += int64(len(l)) + 2 // CRLF
	}
	return total
}

// ListGroups enumerates newsgroups matching pattern via LIST ACTIVE,
// returning nil when disconnected.
func (c *Client) ListGroups(pattern string) []string {
	conn, connected := c.activeConn()
	if !connected {
		return nil
	}
	c.setDeadline()

	cmd := "LIST ACTIVE"
	if pattern != "" {
		cmd = fmt.Sprintf("LIST ACTIVE %s", pattern)
	}
	id, err := conn.Cmd("%s", cmd)
	if err != nil {
		return nil
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	if _, _, err := conn.ReadCodeLine(215); err != nil {
		return nil
	}
	lines, err := conn.ReadDotLines()
	if err != nil {
		return nil
	}

	groups := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			groups = append(groups, fields[0])
		}
	}
	return groups
}
