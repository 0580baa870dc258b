// Package imapmon maintains one supervised monitoring task per IMAP
// account: an IDLE connection that converts server pushes into sync
// jobs, or a fixed polling timer when the server lacks IDLE.
package imapmon

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/provider/imapmail"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
)

// State of one monitor task. Explicit states instead of timer flags:
// a monitor is always in exactly one of these.
type State string

const (
	StateConnected    State = "CONNECTED"    // IDLE session live
	StatePolling      State = "POLLING"      // no IDLE support, timer-driven
	StateReconnecting State = "RECONNECTING" // waiting out the reconnect delay
	StateStopped      State = "STOPPED"
)

// Config controls monitor timing.
type Config struct {
	// PollInterval drives the timer fallback for servers without IDLE.
	PollInterval time.Duration
	// ReconnectDelay is waited after a dropped connection. The monitor
	// loop structure guarantees at most one pending reconnect per
	// account.
	ReconnectDelay time.Duration
	// IdleCycle bounds one IDLE session; many servers drop connections
	// idling past ~30 minutes, so the session is restarted early.
	IdleCycle time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Minute,
		ReconnectDelay: 30 * time.Second,
		IdleCycle:      25 * time.Minute,
	}
}

// Supervisor owns all monitor tasks. The IMAP connection inside each
// task is exclusively that task's; nothing else touches it.
type Supervisor struct {
	authClient *auth.Client
	enqueuer   queue.Enqueuer
	cfg        Config
	log        zerolog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
	wg       sync.WaitGroup
}

func NewSupervisor(authClient *auth.Client, enqueuer queue.Enqueuer, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		authClient: authClient,
		enqueuer:   enqueuer,
		cfg:        cfg,
		log:        log,
		monitors:   make(map[string]*monitor),
	}
}

// Watch starts a monitor for the account if none is running.
func (s *Supervisor) Watch(ctx context.Context, acct *account.Account) {
	if acct.Kind != account.KindIMAP || !acct.Active {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.monitors[acct.ID]; exists {
		return
	}

	supportsIdle := acct.Session.Poll != nil && acct.Session.Poll.SupportsIDLE

	mctx, cancel := context.WithCancel(ctx)
	m := &monitor{
		accountID:    acct.ID,
		supportsIdle: supportsIdle,
		authClient:   s.authClient,
		enqueuer:     s.enqueuer,
		cfg:          s.cfg,
		cancel:       cancel,
		log: s.log.With().Str("account_id", acct.ID).
			Str("address", acct.Address).Logger(),
	}
	m.setState(StateReconnecting)
	s.monitors[acct.ID] = m

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.run(mctx)
		s.mu.Lock()
		delete(s.monitors, acct.ID)
		s.mu.Unlock()
	}()
}

// Unwatch stops the monitor for one account, if any.
func (s *Supervisor) Unwatch(accountID string) {
	s.mu.Lock()
	m, ok := s.monitors[accountID]
	s.mu.Unlock()
	if ok {
		m.cancel()
	}
}

// StateOf reports the state of one account's monitor.
func (s *Supervisor) StateOf(accountID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[accountID]; ok {
		return m.state()
	}
	return StateStopped
}

// Stop cancels every monitor and waits until all underlying
// connections are closed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, m := range s.monitors {
		m.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// monitor is one per-account task.
type monitor struct {
	accountID    string
	supportsIdle bool
	authClient   *auth.Client
	enqueuer     queue.Enqueuer
	cfg          Config
	cancel       context.CancelFunc
	log          zerolog.Logger

	stateMu  sync.Mutex
	curState State
}

func (m *monitor) state() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.curState
}

func (m *monitor) setState(s State) {
	m.stateMu.Lock()
	m.curState = s
	m.stateMu.Unlock()
}

func (m *monitor) run(ctx context.Context) {
	defer m.setState(StateStopped)

	if !m.supportsIdle {
		m.pollLoop(ctx)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		err := m.idleSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn().Err(err).Dur("delay", m.cfg.ReconnectDelay).
				Msg("idle connection dropped, scheduling reconnect")
		}

		m.setState(StateReconnecting)
		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// pollLoop is the fallback for servers without IDLE: a sync job on a
// fixed timer, unconditionally.
func (m *monitor) pollLoop(ctx context.Context) {
	m.setState(StatePolling)
	m.log.Info().Dur("interval", m.cfg.PollInterval).Msg("imap monitor polling (no IDLE support)")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.triggerSync(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// idleSession runs one connection lifetime: connect, IDLE in bounded
// cycles, trigger a sync whenever the server reports new messages.
// Returns when the connection drops or the context ends.
func (m *monitor) idleSession(ctx context.Context) error {
	creds, err := m.authClient.GetIMAPCredentials(ctx, m.accountID)
	if err != nil {
		return err
	}

	newMail := make(chan struct{}, 1)
	client, err := imapmail.DialWithOptions(creds, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case newMail <- struct{}{}:
					default:
					}
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return err
	}

	m.setState(StateConnected)
	m.log.Info().Msg("imap idle session established")

	// Catch up on anything that arrived while we were not connected.
	m.triggerSync(ctx)

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return err
		}

		cycle := time.NewTimer(m.cfg.IdleCycle)
		var stop bool
		select {
		case <-newMail:
			m.log.Debug().Msg("server signaled new mail")
			m.triggerSync(ctx)
		case <-cycle.C:
			// Restart IDLE before the server gives up on the session.
		case <-ctx.Done():
			stop = true
		}
		cycle.Stop()

		if err := idleCmd.Close(); err != nil {
			return err
		}
		if stop {
			_ = client.Logout().Wait()
			return nil
		}
	}
}

func (m *monitor) triggerSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := m.enqueuer.Enqueue(ctx, queue.NewJob(m.accountID, false)); err != nil {
		m.log.Error().Err(err).Msg("failed to enqueue sync job")
	}
}
