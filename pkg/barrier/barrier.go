package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/types"
)

// ErrUnsupported is returned by Register when BarrierMultistep is set.
var ErrUnsupported = errors.New("barrier: MULTISTEP is unsupported")

// ErrSrch mirrors cman's ESRCH: the membership decreased while a barrier
// with a non-zero expected node count was still waiting.
var ErrSrch = errors.New("barrier: ESRCH")

// ErrTimedOut mirrors cman's ETIMEDOUT synthetic completion.
var ErrTimedOut = errors.New("barrier: ETIMEDOUT")

type record struct {
	barrier *types.Barrier
	mu      sync.Mutex
	waiters []chan error
}

// Service implements the barrier service described in spec.md §4.6.
type Service struct {
	demux    *portmux.Demux
	registry *registry.Registry

	listMu sync.Mutex
	byName map[string]*record
}

// New builds a barrier Service. demux is used to multicast WAIT/COMPLETE
// messages over the internal protocol (target port 0).
func New(demux *portmux.Demux, reg *registry.Registry) *Service {
	return &Service{
		demux:    demux,
		registry: reg,
		byName:   make(map[string]*record),
	}
}

// HandleMessage processes a BARRIER message body (the bytes after the
// internal protocol's cmd byte). Called by the transition state
// machine's internal dispatcher when it sees CmdBarrier.
func (s *Service) HandleMessage(body []byte) {
	subcmd, name, err := decodeMessage(body)
	if err != nil {
		return
	}
	switch subcmd {
	case subcmdWait:
		s.onWait(name)
	case subcmdComplete:
		s.onComplete(name)
	}
}

// Register creates a barrier record in INACTIVE phase.
func (s *Service) Register(name string, flags types.BarrierFlag, expected uint32) error {
	if flags&types.BarrierMultistep != 0 {
		return ErrUnsupported
	}

	s.listMu.Lock()
	defer s.listMu.Unlock()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("barrier: %q already registered", name)
	}
	s.byName[name] = &record{
		barrier: &types.Barrier{
			Name:     name,
			Expected: expected,
			Flags:    flags,
			Phase:    types.BarrierInactive,
		},
	}
	metrics.BarriersActive.Inc()
	return nil
}

// SetAttribute updates one of AUTODELETE, TIMEOUT, ENABLED, NODES.
func (s *Service) SetAttribute(name string, attr string, value interface{}) error {
	rec, err := s.get(name)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	needsEnable := false
	switch attr {
	case "AUTODELETE":
		if on, _ := value.(bool); on {
			rec.barrier.Flags |= types.BarrierAutoDelete
		} else {
			rec.barrier.Flags &^= types.BarrierAutoDelete
		}
	case "TIMEOUT":
		d, ok := value.(time.Duration)
		if !ok {
			rec.mu.Unlock()
			return fmt.Errorf("barrier: TIMEOUT requires a duration")
		}
		rec.barrier.Timeout = d
	case "NODES":
		n, ok := value.(uint32)
		if !ok {
			rec.mu.Unlock()
			return fmt.Errorf("barrier: NODES requires a uint32")
		}
		rec.barrier.Expected = n
	case "ENABLED":
		on, _ := value.(bool)
		needsEnable = on && rec.barrier.Phase == types.BarrierInactive
		if needsEnable {
			rec.barrier.Flags |= types.BarrierEnabled
			rec.barrier.Phase = types.BarrierWaitingForWaits
		}
	default:
		rec.mu.Unlock()
		return fmt.Errorf("barrier: unknown attribute %q", attr)
	}
	barrierName := rec.barrier.Name
	rec.mu.Unlock()

	if needsEnable {
		return s.demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, EncodeWait(barrierName))
	}
	return nil
}

// Wait enables the barrier (if not already) and blocks until it
// completes, ctx is cancelled, or its configured timeout elapses.
// Matches the client API's WOULDBLOCK-then-async-reply contract.
func (s *Service) Wait(ctx context.Context, name string) error {
	rec, err := s.get(name)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BarrierWaitDuration)

	rec.mu.Lock()
	rec.barrier.RegisteredNodes++
	ch := make(chan error, 1)
	rec.waiters = append(rec.waiters, ch)
	if rec.barrier.Phase == types.BarrierComplete {
		err := rec.barrier.CompletionErr
		rec.mu.Unlock()
		return err
	}
	needsEnable := rec.barrier.Phase == types.BarrierInactive
	if needsEnable {
		rec.barrier.Flags |= types.BarrierEnabled
		rec.barrier.Phase = types.BarrierWaitingForWaits
	}
	timeout := rec.barrier.Timeout
	barrierName := rec.barrier.Name
	rec.mu.Unlock()

	// Send happens outside rec.mu: delivery may loop back synchronously
	// (a single-member cluster observes its own multicast inline) and
	// re-enter onWait/onComplete, which lock the same record.
	if needsEnable {
		if err := s.demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, EncodeWait(barrierName)); err != nil {
			return err
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.timeoutLocked(rec)
		return ErrTimedOut
	}
}

func (s *Service) onWait(name string) {
	rec, err := s.get(name)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.barrier.GotNodes++
	threshold := rec.threshold(s.registry)
	advance := rec.barrier.Phase == types.BarrierWaitingForWaits && rec.barrier.GotNodes >= threshold
	if advance {
		rec.barrier.Phase = types.BarrierWaitingForCompletes
	}
	rec.mu.Unlock()

	if advance {
		_ = s.demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, EncodeComplete(name))
	}
}

func (s *Service) onComplete(name string) {
	rec, err := s.get(name)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.barrier.CompletedNodes++
	threshold := rec.threshold(s.registry)
	done := rec.barrier.Phase == types.BarrierWaitingForCompletes && rec.barrier.CompletedNodes >= threshold
	rec.mu.Unlock()

	if done {
		s.finish(rec, nil)
	}
}

// MembershipChanged re-checks every outstanding barrier against a
// decreased membership, per spec.md §4.6's ESRCH rule.
func (s *Service) MembershipChanged() {
	s.listMu.Lock()
	recs := make([]*record, 0, len(s.byName))
	for _, rec := range s.byName {
		recs = append(recs, rec)
	}
	s.listMu.Unlock()

	members := uint32(s.registry.MemberCount())
	for _, rec := range recs {
		rec.mu.Lock()
		active := rec.barrier.Phase == types.BarrierWaitingForWaits || rec.barrier.Phase == types.BarrierWaitingForCompletes
		if !active {
			rec.mu.Unlock()
			continue
		}
		if rec.barrier.Expected == 0 {
			if rec.barrier.RegisteredNodes == members {
				rec.mu.Unlock()
				s.finish(rec, nil)
				continue
			}
			rec.mu.Unlock()
			continue
		}
		rec.mu.Unlock()
		s.finish(rec, ErrSrch)
	}
}

func (rec *record) threshold(reg *registry.Registry) uint32 {
	if rec.barrier.Expected > 0 {
		return rec.barrier.Expected
	}
	return uint32(reg.MemberCount())
}

func (s *Service) timeoutLocked(rec *record) {
	s.finish(rec, ErrTimedOut)
}

func (s *Service) finish(rec *record, err error) {
	rec.mu.Lock()
	if rec.barrier.Phase == types.BarrierComplete {
		rec.mu.Unlock()
		return
	}
	rec.barrier.Phase = types.BarrierComplete
	rec.barrier.CompletionErr = err
	waiters := rec.waiters
	rec.waiters = nil
	autoDelete := rec.barrier.HasFlag(types.BarrierAutoDelete)
	name := rec.barrier.Name
	rec.mu.Unlock()

	result := "ok"
	switch {
	case errors.Is(err, ErrSrch):
		result = "esrch"
	case errors.Is(err, ErrTimedOut):
		result = "timeout"
	}
	metrics.BarrierCompletionsTotal.WithLabelValues(result).Inc()
	metrics.BarriersActive.Dec()

	for _, ch := range waiters {
		ch <- err
	}

	if autoDelete {
		s.listMu.Lock()
		delete(s.byName, name)
		s.listMu.Unlock()
	}
}

// Delete removes a barrier record outright, independent of AUTODELETE.
func (s *Service) Delete(name string) error {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	if _, exists := s.byName[name]; !exists {
		return fmt.Errorf("barrier: %q not found", name)
	}
	delete(s.byName, name)
	return nil
}

func (s *Service) get(name string) (*record, error) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	rec, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("barrier: %q not found", name)
	}
	return rec, nil
}

// ActiveCount reports the number of non-complete barriers, for metrics
// collection (pkg/metrics.BarrierSource).
func (s *Service) ActiveCount() int {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	n := 0
	for _, rec := range s.byName {
		rec.mu.Lock()
		if rec.barrier.Phase != types.BarrierComplete {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}
