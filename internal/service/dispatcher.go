package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/church-dispatch/internal/delivery"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

// DeliveryClient is the telephony provider. Errors should be wrapped with
// delivery.Transient or delivery.Permanent; unwrapped errors retry.
type DeliveryClient interface {
	SendText(ctx context.Context, destination, body string) (providerRef string, err error)
	PlaceCall(ctx context.Context, destination, scriptURL string) (providerRef string, err error)
}

type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	CallTimeout  time.Duration
	ContentMax   int
	// PublicBaseURL is where the provider fetches voice scripts from.
	PublicBaseURL string
	Logger        *slog.Logger
}

const finalWriteTimeout = 5 * time.Second

// Dispatcher runs a fixed pool of workers that claim jobs from the store and
// hand them to the telephony provider. Workers share nothing but the store.
type Dispatcher struct {
	store  repo.JobStore
	client DeliveryClient
	cfg    DispatcherConfig
	logger *slog.Logger
	wake   chan struct{}

	onSent func(ctx context.Context, jobID int64, providerRef string, sentAt time.Time) error
}

func NewDispatcher(store repo.JobStore, client DeliveryClient, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.ContentMax <= 0 {
		cfg.ContentMax = 1600
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		wake:   make(chan struct{}, cfg.Workers),
	}
}

// WithSentHook registers fn to run after a job is recorded as sent. Hook
// errors are logged and never change the job's status.
func (d *Dispatcher) WithSentHook(fn func(ctx context.Context, jobID int64, providerRef string, sentAt time.Time) error) *Dispatcher {
	d.onSent = fn
	return d
}

// Wake nudges idle workers to poll now instead of waiting for the next tick.
func (d *Dispatcher) Wake() {
	for i := 0; i < cap(d.wake); i++ {
		select {
		case d.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// current job.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := "dispatch-" + uuid.NewString()
		g.Go(func() error {
			d.work(gctx, workerID)
			return nil
		})
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, workerID string) {
	log := d.logger.With("worker", workerID)
	for {
		processed, err := d.ProcessOne(ctx, workerID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("process job", "err", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and delivers at most one job. It returns false when
// nothing was ready. The returned error reports store failures only; delivery
// failures are recorded on the job.
func (d *Dispatcher) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := d.store.ClaimNext(ctx, workerID)
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}

	log := d.logger.With("worker", workerID, "job_id", job.ID, "channel", job.Channel, "attempt", job.AttemptCount)
	ref, sendErr := d.deliver(ctx, job)

	// The outcome must be recorded even if shutdown started mid-call.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	if sendErr == nil {
		held, err := d.store.MarkSent(fctx, job.ID, workerID, ref)
		if err != nil {
			return true, fmt.Errorf("mark sent job %d: %w", job.ID, err)
		}
		if !held {
			log.Warn("lease lost before sent was recorded; job may be delivered again", "provider_ref", ref)
			return true, nil
		}
		log.Info("job sent", "provider_ref", ref)
		if d.onSent != nil {
			if err := d.onSent(fctx, job.ID, ref, time.Now()); err != nil {
				log.Warn("sent hook failed", "err", err)
			}
		}
		return true, nil
	}

	retryable := !delivery.IsPermanent(sendErr)
	held, err := d.store.MarkFailed(fctx, job.ID, workerID, sendErr.Error(), retryable)
	if err != nil {
		return true, fmt.Errorf("mark failed job %d: %w", job.ID, err)
	}
	if !held {
		log.Warn("lease lost before failure was recorded", "err", sendErr)
		return true, nil
	}
	log.Warn("job delivery failed", "err", sendErr, "retryable", retryable)
	return true, nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *model.Job) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	switch job.Channel {
	case model.ChannelText:
		if n := utf8.RuneCountInString(job.Body); n > d.cfg.ContentMax {
			return "", delivery.Permanent(fmt.Errorf("content exceeds %d chars (got %d)", d.cfg.ContentMax, n))
		}
		return d.client.SendText(callCtx, job.Destination, job.Body)
	case model.ChannelVoice:
		return d.client.PlaceCall(callCtx, job.Destination, d.scriptURL(job.ID))
	default:
		return "", delivery.Permanent(fmt.Errorf("unknown channel %q", job.Channel))
	}
}

func (d *Dispatcher) scriptURL(jobID int64) string {
	q := url.Values{}
	q.Set("job", strconv.FormatInt(jobID, 10))
	return strings.TrimRight(d.cfg.PublicBaseURL, "/") + "/v1/webhooks/voice/outbound?" + q.Encode()
}
