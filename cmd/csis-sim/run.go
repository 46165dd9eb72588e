package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/csis-coordinator/config"
	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/setmember"
	"github.com/user/csis-coordinator/wire"
	"github.com/user/csis-coordinator/wire/advertising"
	"github.com/user/csis-coordinator/wire/debug"
)

func newRunCmd(logLevel *string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the configured set, then discover, lock and release it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if *logLevel != "" {
				level = *logLevel
			}
			logger.SetLevel(logger.ParseLevel(level))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSet(ctx, cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "set.yaml", "Set definition (YAML)")
	return cmd
}

// result is one procedure completion
type result struct {
	err    error
	count  int
	locked bool
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

type session struct {
	p       *printer
	central *wire.Central
	client  *csip.Client

	names   map[csip.Conn]string
	members []*csip.SetMember
	done    chan result
}

func runSet(ctx context.Context, out io.Writer, cfg *config.Config) error {
	sirk, err := cfg.Set.Key()
	if err != nil {
		return err
	}
	memberCfgs, err := setmember.FromConfig(cfg.Set)
	if err != nil {
		return err
	}

	opts := wire.Options{ATTTimeout: cfg.Transport.ATTTimeoutOrDefault()}
	if cfg.Transport.Capture != "" {
		capture, err := debug.NewFileCapture(cfg.Transport.Capture)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer capture.Close()
		opts.Capture = capture
	}

	s := &session{
		p:       &printer{out: out},
		central: wire.NewCentral(opts),
		names:   make(map[csip.Conn]string),
		done:    make(chan result, 1),
	}
	defer s.central.Close()

	s.client = csip.New(s.central, cfg.ClientConfig())
	s.client.RegisterCallbacks(s.callbacks())

	// members come up and get scanned concurrently; order is kept by index
	members := make([]*setmember.Member, len(memberCfgs))
	links := make([]*wire.Link, len(memberCfgs))
	var g errgroup.Group
	for i, mc := range memberCfgs {
		i, mc := i, mc
		g.Go(func() error {
			mc.TestSampleData = cfg.Client.TestSampleData
			m, err := setmember.New(mc)
			if err != nil {
				return err
			}
			members[i] = m
			links[i], err = s.connect(m, sirk)
			return err
		})
	}
	err = g.Wait()
	for _, m := range members {
		if m != nil {
			defer m.Close()
		}
	}
	if err != nil {
		return err
	}

	for i, l := range links {
		if l == nil {
			continue
		}
		s.names[l] = members[i].Name()
		s.members = append(s.members, &csip.SetMember{Conn: l})
	}
	if len(s.members) == 0 {
		return errors.New("no member advertised the configured set")
	}

	for _, m := range s.members {
		if err := s.resolve(ctx, m); err != nil {
			return err
		}
	}
	return s.coordinate(ctx)
}

// connect checks the member's advertised PSRI against sirk and connects
// to it when it resolves. A member that does not resolve yields a nil link.
func (s *session) connect(m *setmember.Member, sirk [csip.SIRKSize]byte) (*wire.Link, error) {
	adv, err := m.Advertisement()
	if err != nil {
		return nil, err
	}
	ads, err := advertising.DecodeADStructures(adv)
	if err != nil {
		return nil, fmt.Errorf("%s: advertisement: %w", m.Name(), err)
	}
	rsi, err := advertising.GetRSI(ads)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name(), err)
	}
	if !csip.IsSetMember(sirk, rsi) {
		s.p.printf("%s: RSI %s does not resolve, skipping", m.Name(), hex.EncodeToString(rsi.Data))
		return nil, nil
	}

	l, err := s.central.Connect(m.Peripheral())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.Name(), err)
	}
	s.p.printf("%s: RSI %s resolves, connected on %s", m.Name(), hex.EncodeToString(rsi.Data), l)
	return l, nil
}

func (s *session) callbacks() *csip.Callbacks {
	complete := func(r result) { s.done <- r }
	return &csip.Callbacks{
		Discover: func(_ *csip.SetMember, err error, count int) { complete(result{err: err, count: count}) },
		Sets:     func(_ *csip.SetMember, err error, count int) { complete(result{err: err, count: count}) },
		Lock:     func(err error) { complete(result{err: err}) },
		Release:  func(err error) { complete(result{err: err}) },
		LockStateRead: func(_ csip.SetInfo, err error, locked bool) {
			complete(result{err: err, locked: locked})
		},
		LockChanged: func(conn csip.Conn, info csip.SetInfo, locked bool) {
			s.p.printf("%s: lock notification, rank %d %s", s.names[conn], info.Rank, lockWord(locked))
		},
	}
}

func (s *session) wait(ctx context.Context) (result, error) {
	select {
	case r := <-s.done:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// call starts a procedure and waits for its callback
func (s *session) call(ctx context.Context, start func() error) (result, error) {
	if err := start(); err != nil {
		return result{}, err
	}
	return s.wait(ctx)
}

func (s *session) resolve(ctx context.Context, m *csip.SetMember) error {
	name := s.names[m.Conn]

	r, err := s.call(ctx, func() error { return s.client.Discover(m) })
	if err != nil {
		return err
	}
	if r.err != nil {
		return fmt.Errorf("%s: discover: %w", name, r.err)
	}
	s.p.printf("%s: discovered %d CSIS instance(s)", name, r.count)

	r, err = s.call(ctx, func() error { return s.client.DiscoverSets(m) })
	if err != nil {
		return err
	}
	if r.err != nil {
		return fmt.Errorf("%s: read sets: %w", name, r.err)
	}
	for i := 0; i < r.count && i < len(m.Sets); i++ {
		info := m.Sets[i].Info
		s.p.printf("%s: set %d rank %d of %d, SIRK %s", name, i, info.Rank, info.Size, hex.EncodeToString(info.SIRK[:]))
	}
	if r.count == 0 {
		return fmt.Errorf("%s: no set resolved", name)
	}
	return nil
}

// coordinate reads the lock state, locks, reads it again and releases
func (s *session) coordinate(ctx context.Context) error {
	info := s.members[0].Sets[0].Info

	readState := func() error {
		r, err := s.call(ctx, func() error { return s.client.GetLockState(s.members, &info) })
		if err != nil {
			return err
		}
		if r.err != nil {
			return fmt.Errorf("lock state: %w", r.err)
		}
		s.p.printf("set lock state: %s", lockWord(r.locked))
		return nil
	}

	if err := readState(); err != nil {
		return err
	}

	r, err := s.call(ctx, func() error { return s.client.Lock(s.members, &info) })
	if err != nil {
		return err
	}
	if r.err != nil {
		s.p.printf("lock failed (%s): %v", csip.ErrorKind(r.err), r.err)
		return readState()
	}
	s.p.printf("set locked on %d member(s)", len(s.members))

	if err := readState(); err != nil {
		return err
	}

	r, err = s.call(ctx, func() error { return s.client.Release(s.members, &info) })
	if err != nil {
		return err
	}
	if r.err != nil {
		return fmt.Errorf("release: %w", r.err)
	}
	s.p.printf("set released")
	return nil
}

func lockWord(locked bool) string {
	if locked {
		return "locked"
	}
	return "unlocked"
}
