package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
	"layeh.com/radius/rfc4818"
)

// Client is a RADIUS accounting client
type Client struct {
	servers    []ServerConfig
	nasID      string
	logger     *zap.Logger
	timeout    time.Duration
	retries    int
	currentIdx int
	mu         sync.Mutex
}

// ServerConfig holds RADIUS server configuration
type ServerConfig struct {
	Host   string
	Port   int // Accounting port, default 1813
	Secret string
}

// ClientConfig holds RADIUS client configuration
type ClientConfig struct {
	Servers []ServerConfig
	NASID   string
	Timeout time.Duration
	Retries int
}

// AcctRequest holds accounting request parameters
type AcctRequest struct {
	SessionID       string         `json:"session_id"`
	Username        string         `json:"username"`
	CallingStation  string         `json:"calling_station,omitempty"`
	DelegatedPrefix *net.IPNet     `json:"delegated_prefix"`
	StatusType      AcctStatusType `json:"status_type"`
	SessionTime     uint32         `json:"session_time,omitempty"`
	TerminateCause  uint32         `json:"terminate_cause,omitempty"`
}

// AcctStatusType represents RADIUS accounting status types
type AcctStatusType uint32

const (
	AcctStatusStart         AcctStatusType = 1
	AcctStatusStop          AcctStatusType = 2
	AcctStatusInterimUpdate AcctStatusType = 3
	AcctStatusAccountingOn  AcctStatusType = 7
	AcctStatusAccountingOff AcctStatusType = 8
)

func (t AcctStatusType) String() string {
	switch t {
	case AcctStatusStart:
		return "start"
	case AcctStatusStop:
		return "stop"
	case AcctStatusInterimUpdate:
		return "interim"
	case AcctStatusAccountingOn:
		return "accounting_on"
	case AcctStatusAccountingOff:
		return "accounting_off"
	}
	return strconv.FormatUint(uint64(t), 10)
}

// NewClient creates a new RADIUS client
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	if cfg.NASID == "" {
		return nil, fmt.Errorf("NAS-Identifier required")
	}

	servers := make([]ServerConfig, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.Port == 0 {
			s.Port = 1813
		}
		servers[i] = s
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &Client{
		servers: servers,
		nasID:   cfg.NASID,
		logger:  logger,
		timeout: timeout,
		retries: retries,
	}, nil
}

// SendAccounting sends an Accounting-Request, failing over between servers
// until one answers or the retries are used up.
func (c *Client) SendAccounting(ctx context.Context, req *AcctRequest) error {
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err = c.sendAccounting(ctx, c.getServer(), req); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}

		c.logger.Warn("RADIUS accounting request failed, retrying",
			zap.String("session_id", req.SessionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		// Try next server on failure
		c.nextServer()
	}

	return fmt.Errorf("RADIUS accounting failed after %d attempts: %w", c.retries, err)
}

func (c *Client) sendAccounting(ctx context.Context, server ServerConfig, req *AcctRequest) error {
	packet := radius.New(radius.CodeAccountingRequest, []byte(server.Secret))

	// Status type
	rfc2866.AcctStatusType_Set(packet, rfc2866.AcctStatusType(req.StatusType))

	// Session ID
	if req.SessionID != "" {
		rfc2866.AcctSessionID_SetString(packet, req.SessionID)
	}

	// User identification
	if req.Username != "" {
		rfc2865.UserName_SetString(packet, req.Username)
	}
	rfc2865.NASIdentifier_SetString(packet, c.nasID)

	if req.CallingStation != "" {
		rfc2865.CallingStationID_SetString(packet, req.CallingStation)
	}

	if req.DelegatedPrefix != nil {
		if err := rfc4818.DelegatedIPv6Prefix_Set(packet, req.DelegatedPrefix); err != nil {
			return fmt.Errorf("encode Delegated-IPv6-Prefix: %w", err)
		}
	}

	if req.StatusType == AcctStatusStop {
		rfc2866.AcctSessionTime_Set(packet, rfc2866.AcctSessionTime(req.SessionTime))
		if req.TerminateCause != 0 {
			rfc2866.AcctTerminateCause_Set(packet, rfc2866.AcctTerminateCause(req.TerminateCause))
		}
	}

	// Add Message-Authenticator
	if err := addMessageAuthenticator(packet, []byte(server.Secret)); err != nil {
		return fmt.Errorf("failed to add message authenticator: %w", err)
	}

	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := radius.Exchange(reqCtx, packet, addr)
	if err != nil {
		return fmt.Errorf("exchange with %s: %w", addr, err)
	}

	if response.Code != radius.CodeAccountingResponse {
		return fmt.Errorf("unexpected accounting response code: %d", response.Code)
	}

	c.logger.Debug("RADIUS accounting sent",
		zap.String("session_id", req.SessionID),
		zap.Stringer("status_type", req.StatusType),
		zap.String("server", addr),
	)

	return nil
}

// getServer returns the current RADIUS server
func (c *Client) getServer() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.currentIdx]
}

// nextServer advances to the next RADIUS server
func (c *Client) nextServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentIdx = (c.currentIdx + 1) % len(c.servers)
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	// Delete existing
	rfc2869.MessageAuthenticator_Del(packet)

	// Set to zeros for calculation
	rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16))

	// Encode packet
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	// Calculate HMAC-MD5
	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)

	// Set actual authenticator
	rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))

	return nil
}

// TerminateCause constants
const (
	TerminateCauseUserRequest = 1
	TerminateCauseLostService = 3
	TerminateCauseAdminReset  = 6
	TerminateCauseNASRequest  = 10
	TerminateCauseNASReboot   = 11
)
