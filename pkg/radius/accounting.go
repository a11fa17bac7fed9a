package radius

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

// Sender delivers accounting requests. *Client implements it.
type Sender interface {
	SendAccounting(ctx context.Context, req *AcctRequest) error
}

// RequestRecorder receives the outcome of every accounting request.
type RequestRecorder interface {
	RecordRADIUSRequest(statusType string, err error, latency time.Duration)
}

// AccountingManager sends Accounting-Start when a prefix is delegated and
// Accounting-Stop when it is released. Requests that fail in the packet path
// are queued and retried in the background.
type AccountingManager struct {
	client   Sender
	logger   *zap.Logger
	config   AccountingConfig
	recorder RequestRecorder

	// Session tracking
	sessions   map[dhcpv6.ClientID]*AccountingSession
	sessionsMu sync.RWMutex

	// Pending accounting queue for reliability
	pendingQueue   chan *PendingAcctRecord
	pendingRecords map[string]*PendingAcctRecord
	pendingMu      sync.RWMutex

	// Statistics
	startTotal        uint64
	stopTotal         uint64
	sendFailed        uint64
	abandoned         uint64
	retries           uint64
	pendingQueueDepth uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32
}

// AccountingConfig configures the accounting manager
type AccountingConfig struct {
	// Reliability settings
	MaxRetries     int           // Maximum retries for accounting records (default: 10)
	RetryBaseDelay time.Duration // Base delay for exponential backoff (default: 1s)
	RetryMaxDelay  time.Duration // Maximum delay between retries (default: 60s)
	QueueSize      int           // Size of pending accounting queue (default: 10000)

	// Shutdown settings
	ShutdownTimeout time.Duration // Timeout for graceful shutdown (default: 30s)
	DrainOnShutdown bool          // Send Accounting-Stop for live sessions on shutdown
}

// DefaultAccountingConfig returns sensible defaults
func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		MaxRetries:      10,
		RetryBaseDelay:  1 * time.Second,
		RetryMaxDelay:   60 * time.Second,
		QueueSize:       10000,
		ShutdownTimeout: 30 * time.Second,
		DrainOnShutdown: true,
	}
}

// AccountingSession tracks accounting state for a delegated prefix
type AccountingSession struct {
	SessionID      string
	ClientID       dhcpv6.ClientID
	Prefix         dhcpv6.Prefix
	CallingStation string
	StartTime      time.Time
}

// PendingAcctRecord represents a pending accounting record that needs to be sent
type PendingAcctRecord struct {
	ID         string       `json:"id"`
	Request    *AcctRequest `json:"request"`
	CreatedAt  time.Time    `json:"created_at"`
	RetryCount int          `json:"retry_count"`
	NextRetry  time.Time    `json:"next_retry"`
	LastError  string       `json:"last_error,omitempty"`
}

// NewAccountingManager creates a new accounting manager
func NewAccountingManager(client Sender, config AccountingConfig, logger *zap.Logger) (*AccountingManager, error) {
	if client == nil {
		return nil, fmt.Errorf("RADIUS client required")
	}

	// Apply defaults
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 1 * time.Second
	}
	if config.RetryMaxDelay == 0 {
		config.RetryMaxDelay = 60 * time.Second
	}
	if config.QueueSize == 0 {
		config.QueueSize = 10000
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AccountingManager{
		client:         client,
		logger:         logger,
		config:         config,
		sessions:       make(map[dhcpv6.ClientID]*AccountingSession),
		pendingQueue:   make(chan *PendingAcctRecord, config.QueueSize),
		pendingRecords: make(map[string]*PendingAcctRecord),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// SetRecorder sets the RADIUS metrics recorder.
func (am *AccountingManager) SetRecorder(recorder RequestRecorder) {
	am.recorder = recorder
}

// Start starts the pending record processor and announces Accounting-On.
func (am *AccountingManager) Start() error {
	if !atomic.CompareAndSwapInt32(&am.running, 0, 1) {
		return fmt.Errorf("accounting manager already running")
	}

	am.logger.Info("Starting accounting manager",
		zap.Int("max_retries", am.config.MaxRetries),
		zap.Bool("drain_on_shutdown", am.config.DrainOnShutdown),
	)

	am.wg.Add(1)
	go am.pendingRecordProcessor()

	ctx, cancel := context.WithTimeout(am.ctx, 5*time.Second)
	defer cancel()
	if err := am.send(ctx, &AcctRequest{StatusType: AcctStatusAccountingOn}); err != nil {
		am.logger.Warn("Failed to send Accounting-On", zap.Error(err))
	}

	return nil
}

// Stop drains live sessions if configured, announces Accounting-Off and
// stops the background processor.
func (am *AccountingManager) Stop() error {
	if !atomic.CompareAndSwapInt32(&am.running, 1, 0) {
		return nil
	}

	am.logger.Info("Stopping accounting manager")

	ctx, cancel := context.WithTimeout(context.Background(), am.config.ShutdownTimeout)
	defer cancel()

	if am.config.DrainOnShutdown {
		am.drainAllSessions(ctx)
	}

	if err := am.send(ctx, &AcctRequest{StatusType: AcctStatusAccountingOff}); err != nil {
		am.logger.Warn("Failed to send Accounting-Off", zap.Error(err))
	}

	am.cancel()
	am.wg.Wait()

	am.pendingMu.RLock()
	lost := len(am.pendingRecords)
	am.pendingMu.RUnlock()
	if lost > 0 {
		am.logger.Warn("Accounting records still pending at shutdown", zap.Int("count", lost))
	}

	am.logger.Info("Accounting manager stopped")
	return nil
}

// PrefixDelegated opens an accounting session for a newly delegated prefix.
func (am *AccountingManager) PrefixDelegated(ctx context.Context, lease dhcpv6.Lease, peer *net.UDPAddr) error {
	session := &AccountingSession{
		SessionID: uuid.New().String(),
		ClientID:  lease.ClientID,
		Prefix:    lease.Prefix,
		StartTime: time.Now(),
	}
	if peer != nil {
		session.CallingStation = peer.IP.String()
	}

	am.sessionsMu.Lock()
	if _, exists := am.sessions[lease.ClientID]; exists {
		am.sessionsMu.Unlock()
		return nil
	}
	am.sessions[lease.ClientID] = session
	am.sessionsMu.Unlock()

	req := &AcctRequest{
		SessionID:       session.SessionID,
		Username:        string(session.ClientID),
		CallingStation:  session.CallingStation,
		DelegatedPrefix: session.Prefix.IPNet(),
		StatusType:      AcctStatusStart,
	}

	if err := am.send(ctx, req); err != nil {
		// Queue for retry
		am.queuePendingRecord(req)
		am.logger.Warn("Failed to send Accounting-Start, queued for retry",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return nil
	}

	atomic.AddUint64(&am.startTotal, 1)
	return nil
}

// PrefixReleased closes the accounting session of a released prefix.
func (am *AccountingManager) PrefixReleased(ctx context.Context, lease dhcpv6.Lease) error {
	am.sessionsMu.Lock()
	session, exists := am.sessions[lease.ClientID]
	if exists {
		delete(am.sessions, lease.ClientID)
	}
	am.sessionsMu.Unlock()

	if !exists {
		return nil
	}

	am.sendAccountingStop(ctx, session, TerminateCauseUserRequest)
	return nil
}

func (am *AccountingManager) sendAccountingStop(ctx context.Context, session *AccountingSession, terminateCause uint32) {
	req := &AcctRequest{
		SessionID:       session.SessionID,
		Username:        string(session.ClientID),
		CallingStation:  session.CallingStation,
		DelegatedPrefix: session.Prefix.IPNet(),
		StatusType:      AcctStatusStop,
		SessionTime:     uint32(time.Since(session.StartTime).Seconds()),
		TerminateCause:  terminateCause,
	}

	if err := am.send(ctx, req); err != nil {
		am.queuePendingRecord(req)
		am.logger.Warn("Failed to send Accounting-Stop, queued for retry",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return
	}

	atomic.AddUint64(&am.stopTotal, 1)
}

func (am *AccountingManager) send(ctx context.Context, req *AcctRequest) error {
	start := time.Now()
	err := am.client.SendAccounting(ctx, req)
	if err != nil {
		atomic.AddUint64(&am.sendFailed, 1)
	}
	if am.recorder != nil {
		am.recorder.RecordRADIUSRequest(req.StatusType.String(), err, time.Since(start))
	}
	return err
}

// queuePendingRecord schedules req for background retry.
func (am *AccountingManager) queuePendingRecord(req *AcctRequest) {
	record := &PendingAcctRecord{
		ID:         fmt.Sprintf("%s-%d-%d", req.SessionID, req.StatusType, time.Now().UnixNano()),
		Request:    req,
		CreatedAt:  time.Now(),
		RetryCount: 0,
		NextRetry:  time.Now().Add(am.config.RetryBaseDelay),
	}

	am.pendingMu.Lock()
	am.pendingRecords[record.ID] = record
	atomic.StoreUint64(&am.pendingQueueDepth, uint64(len(am.pendingRecords)))
	am.pendingMu.Unlock()

	select {
	case am.pendingQueue <- record:
	default:
		am.logger.Warn("Pending queue full, record will be retried on schedule",
			zap.String("session_id", req.SessionID),
		)
	}
}

func (am *AccountingManager) pendingRecordProcessor() {
	defer am.wg.Done()

	retryTicker := time.NewTicker(am.config.RetryBaseDelay)
	defer retryTicker.Stop()

	for {
		select {
		case <-am.ctx.Done():
			return

		case record := <-am.pendingQueue:
			if time.Now().Before(record.NextRetry) {
				// Not due yet; the ticker picks it up.
				continue
			}
			am.processPendingRecord(record)

		case <-retryTicker.C:
			am.retryPendingRecords()
		}
	}
}

func (am *AccountingManager) processPendingRecord(record *PendingAcctRecord) {
	am.pendingMu.RLock()
	_, pending := am.pendingRecords[record.ID]
	am.pendingMu.RUnlock()
	if !pending {
		return
	}

	ctx, cancel := context.WithTimeout(am.ctx, 5*time.Second)
	defer cancel()

	err := am.send(ctx, record.Request)
	if err == nil {
		// Success - remove from pending
		am.pendingMu.Lock()
		delete(am.pendingRecords, record.ID)
		atomic.StoreUint64(&am.pendingQueueDepth, uint64(len(am.pendingRecords)))
		am.pendingMu.Unlock()

		switch record.Request.StatusType {
		case AcctStatusStart:
			atomic.AddUint64(&am.startTotal, 1)
		case AcctStatusStop:
			atomic.AddUint64(&am.stopTotal, 1)
		}
		return
	}

	// Failed - update for retry
	am.pendingMu.Lock()
	record.RetryCount++
	record.LastError = err.Error()

	if record.RetryCount >= am.config.MaxRetries {
		// Abandon record after max retries
		delete(am.pendingRecords, record.ID)
		atomic.StoreUint64(&am.pendingQueueDepth, uint64(len(am.pendingRecords)))
		am.pendingMu.Unlock()

		atomic.AddUint64(&am.abandoned, 1)
		am.logger.Error("Accounting record abandoned after max retries",
			zap.String("session_id", record.Request.SessionID),
			zap.Stringer("status_type", record.Request.StatusType),
			zap.Int("retries", record.RetryCount),
		)
		return
	}

	// Calculate exponential backoff
	delay := am.config.RetryBaseDelay * time.Duration(1<<uint(record.RetryCount))
	if delay > am.config.RetryMaxDelay {
		delay = am.config.RetryMaxDelay
	}
	record.NextRetry = time.Now().Add(delay)
	am.pendingMu.Unlock()

	atomic.AddUint64(&am.retries, 1)
	am.logger.Debug("Accounting record retry scheduled",
		zap.String("session_id", record.Request.SessionID),
		zap.Int("retry_count", record.RetryCount),
		zap.Duration("delay", delay),
	)
}

// retryPendingRecords retries pending records that are due
func (am *AccountingManager) retryPendingRecords() {
	am.pendingMu.RLock()
	var toRetry []*PendingAcctRecord
	now := time.Now()

	for _, record := range am.pendingRecords {
		if !now.Before(record.NextRetry) {
			toRetry = append(toRetry, record)
		}
	}
	am.pendingMu.RUnlock()

	for _, record := range toRetry {
		am.processPendingRecord(record)
	}
}

// drainAllSessions sends Accounting-Stop for all active sessions
func (am *AccountingManager) drainAllSessions(ctx context.Context) {
	am.sessionsMu.Lock()
	sessions := make([]*AccountingSession, 0, len(am.sessions))
	for id, session := range am.sessions {
		sessions = append(sessions, session)
		delete(am.sessions, id)
	}
	am.sessionsMu.Unlock()

	am.logger.Info("Draining accounting sessions for shutdown", zap.Int("count", len(sessions)))

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *AccountingSession) {
			defer wg.Done()
			am.sendAccountingStop(ctx, s, TerminateCauseNASReboot)
		}(session)
	}
	wg.Wait()
}

// GetStats returns accounting manager statistics
func (am *AccountingManager) GetStats() AccountingStats {
	am.sessionsMu.RLock()
	activeSessions := len(am.sessions)
	am.sessionsMu.RUnlock()

	return AccountingStats{
		ActiveSessions:    activeSessions,
		StartTotal:        atomic.LoadUint64(&am.startTotal),
		StopTotal:         atomic.LoadUint64(&am.stopTotal),
		SendFailed:        atomic.LoadUint64(&am.sendFailed),
		Abandoned:         atomic.LoadUint64(&am.abandoned),
		Retries:           atomic.LoadUint64(&am.retries),
		PendingQueueDepth: atomic.LoadUint64(&am.pendingQueueDepth),
	}
}

// AccountingStats holds accounting manager statistics
type AccountingStats struct {
	ActiveSessions    int    `json:"active_sessions"`
	StartTotal        uint64 `json:"start_total"`
	StopTotal         uint64 `json:"stop_total"`
	SendFailed        uint64 `json:"send_failed"`
	Abandoned         uint64 `json:"abandoned"`
	Retries           uint64 `json:"retries"`
	PendingQueueDepth uint64 `json:"pending_queue_depth"`
}

// GetSession returns the accounting session of a client
func (am *AccountingManager) GetSession(clientID dhcpv6.ClientID) (*AccountingSession, bool) {
	am.sessionsMu.RLock()
	defer am.sessionsMu.RUnlock()
	session, exists := am.sessions[clientID]
	return session, exists
}
