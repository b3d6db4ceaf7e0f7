// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dispatch submits signed instructions through several RPC endpoints
// at once and tracks them until they land, fail or time out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/order"
	"jitdex.org/jitmaker/dex/wait"
)

const (
	sendTransactionMethod = "sendTransaction"
	signatureStatusMethod = "getSignatureStatuses"

	// DefaultConfirmTimeout is how long a submission is tracked before it
	// is reported TimedOut.
	DefaultConfirmTimeout = 30 * time.Second
	// DefaultRateLimit is the sustained sends per second per endpoint.
	DefaultRateLimit = 20
	// DefaultBurst is the send burst per endpoint.
	DefaultBurst = 40

	fastestPoll = 200 * time.Millisecond
	slowestPoll = 2 * time.Second
	sendTimeout = 5 * time.Second
)

// ErrStopped is the failure reason of submissions made after Run returns.
const ErrStopped = dex.ErrorKind("dispatcher stopped")

// Status is the terminal status of a submission.
type Status uint8

const (
	// Landed means the transaction was included in a block.
	Landed Status = iota
	// Failed means every endpoint rejected the transaction, or it was
	// included with an error.
	Failed
	// TimedOut means the transaction was not seen in a block before the
	// confirmation timeout.
	TimedOut
)

// String gives a human readable string for the status.
func (s Status) String() string {
	switch s {
	case Landed:
		return "landed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Result is the outcome of a submission. Signature and Slot are the proof of
// inclusion of a Landed submission. Reason describes a failure.
type Result struct {
	ID        string
	Status    Status
	Signature string
	Slot      uint64
	Reason    string
}

// Caller is satisfied by *rpc.Client from go-ethereum.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

type endpoint struct {
	url     string
	client  Caller
	limiter *rate.Limiter
}

// Config is the configuration for a Shotgun.
type Config struct {
	// Endpoints are the RPC URLs to submit through.
	Endpoints      []string
	RateLimit      float64
	Burst          int
	ConfirmTimeout time.Duration
	Logger         dex.Logger
}

// Shotgun is a redundant dispatcher. Every submission is sent through all
// endpoints concurrently, and the first endpoint to report a status decides
// the outcome.
type Shotgun struct {
	endpoints []*endpoint
	queue     *wait.TaperingTickerQueue
	timeout   time.Duration
	log       dex.Logger

	// stopMtx orders wg.Add in Submit before wg.Wait in Run.
	stopMtx sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New dials the configured endpoints and creates a Shotgun. Run must be
// called for submissions to be confirmed.
func New(ctx context.Context, cfg *Config) (*Shotgun, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no dispatch endpoints")
	}
	clients := make(map[string]Caller, len(cfg.Endpoints))
	for _, u := range cfg.Endpoints {
		if _, dup := clients[u]; dup {
			return nil, fmt.Errorf("duplicate endpoint %s", u)
		}
		client, err := rpc.DialContext(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("error connecting to %s: %w", u, err)
		}
		clients[u] = client
	}
	return newShotgun(cfg, cfg.Endpoints, clients), nil
}

func newShotgun(cfg *Config, urls []string, clients map[string]Caller) *Shotgun {
	limit, burst := rate.Limit(cfg.RateLimit), cfg.Burst
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = dex.Disabled
	}
	endpoints := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		endpoints = append(endpoints, &endpoint{
			url:     u,
			client:  clients[u],
			limiter: rate.NewLimiter(limit, burst),
		})
	}
	return &Shotgun{
		endpoints: endpoints,
		queue:     wait.NewTaperingTickerQueue(fastestPoll, slowestPoll),
		timeout:   timeout,
		log:       log,
	}
}

// Run runs the confirmation queue until ctx is canceled. Submissions still
// being confirmed at shutdown are reported TimedOut, and later submissions
// fail with ErrStopped.
func (s *Shotgun) Run(ctx context.Context) {
	s.queue.Run(ctx)
	s.stopMtx.Lock()
	s.stopped = true
	s.stopMtx.Unlock()
	s.wg.Wait()
}

// Submit sends the instruction through every endpoint and returns a channel
// that receives exactly one Result. Submit does not block.
func (s *Shotgun) Submit(ctx context.Context, ins *order.SignedInstruction, budget *ComputeBudget) <-chan *Result {
	resC := make(chan *Result, 1)
	id := uuid.NewString()
	s.stopMtx.Lock()
	if s.stopped {
		s.stopMtx.Unlock()
		resC <- &Result{ID: id, Status: Failed, Reason: ErrStopped.Error()}
		return resC
	}
	s.wg.Add(1)
	s.stopMtx.Unlock()
	go func() {
		defer s.wg.Done()
		sig, err := s.send(ctx, ins, budget)
		if err != nil {
			s.log.Debugf("Submission %s failed: %v", id, err)
			resC <- &Result{ID: id, Status: Failed, Reason: err.Error()}
			return
		}
		s.log.Tracef("Submission %s sent, signature %s", id, sig)
		s.confirm(id, sig, resC)
	}()
	return resC
}

// send fans the transaction out to all endpoints. It succeeds if any
// endpoint accepts it.
func (s *Shotgun) send(ctx context.Context, ins *order.SignedInstruction, budget *ComputeBudget) (string, error) {
	envelope, sig, err := encodeEnvelope(ins, budget)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	errs := make([]error, len(s.endpoints))
	var g errgroup.Group
	for i, ep := range s.endpoints {
		if !ep.limiter.Allow() {
			errs[i] = fmt.Errorf("%s: rate limited", ep.url)
			continue
		}
		g.Go(func() error {
			var res string
			err := ep.client.CallContext(ctx, &res, sendTransactionMethod, envelope, map[string]any{
				"encoding":      "base64",
				"skipPreflight": true,
			})
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", ep.url, err)
				return nil
			}
			if res != sig {
				s.log.Warnf("Endpoint %s returned signature %s, expected %s", ep.url, res, sig)
			}
			return nil
		})
	}
	g.Wait()

	var failures []string
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == len(s.endpoints) {
		return "", fmt.Errorf("all endpoints failed: %s", strings.Join(failures, "; "))
	}
	for _, f := range failures {
		s.log.Debugf("Send error: %s", f)
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64 `json:"slot"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// status asks the endpoints in turn for the signature's status. A nil status
// means the signature has not been seen.
func (s *Shotgun) status(sig string) (*signatureStatus, error) {
	var lastErr error
	for _, ep := range s.endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		var res signatureStatusesResult
		err := ep.client.CallContext(ctx, &res, signatureStatusMethod, []string{sig})
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", ep.url, err)
			continue
		}
		if len(res.Value) != 1 {
			lastErr = fmt.Errorf("%s: %d statuses for 1 signature", ep.url, len(res.Value))
			continue
		}
		if res.Value[0] != nil {
			return res.Value[0], nil
		}
		lastErr = nil
	}
	return nil, lastErr
}

// confirm polls for the signature's status until it is confirmed, fails, or
// the timeout passes.
func (s *Shotgun) confirm(id, sig string, resC chan<- *Result) {
	err := s.queue.Wait(&wait.Waiter{
		Expiration: time.Now().Add(s.timeout),
		TryFunc: func() wait.TryDirective {
			st, err := s.status(sig)
			if err != nil {
				s.log.Debugf("Status error for %s: %v", sig, err)
				return wait.TryAgain
			}
			if st == nil {
				return wait.TryAgain
			}
			if st.Err != nil {
				resC <- &Result{ID: id, Status: Failed, Signature: sig, Slot: st.Slot,
					Reason: fmt.Sprintf("transaction error: %v", st.Err)}
				return wait.DontTryAgain
			}
			switch st.ConfirmationStatus {
			case "confirmed", "finalized":
				resC <- &Result{ID: id, Status: Landed, Signature: sig, Slot: st.Slot}
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			resC <- &Result{ID: id, Status: TimedOut, Signature: sig,
				Reason: fmt.Sprintf("not confirmed within %s", s.timeout)}
		},
	})
	if err != nil {
		resC <- &Result{ID: id, Status: TimedOut, Signature: sig, Reason: err.Error()}
	}
}
