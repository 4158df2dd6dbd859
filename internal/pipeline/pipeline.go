// Package pipeline drives the event loop: it owns the upstream MLLP
// connection, decodes frames, applies them to the feature store, runs
// inference on completed records and acknowledges every handled frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"akidetect/internal/features"
	"akidetect/internal/hl7"
	"akidetect/internal/inference"
	"akidetect/internal/mllp"
	"akidetect/internal/models"
	"akidetect/internal/pager"
	"akidetect/pkg/logging"
	"akidetect/pkg/monitoring"
)

// FeatureStore is the subset of the store the pipeline drives.
type FeatureStore interface {
	ApplyAdmission(ctx context.Context, identity string, sex *models.Sex, age *int) (*models.FeatureRecord, error)
	ApplyLabResult(ctx context.Context, identity string, value float64, observedAt string) (*models.FeatureRecord, error)
	CommitFeature(ctx context.Context, identity string, rec models.FeatureRecord) error
	Discharge(ctx context.Context, identity string) error
}

// Predictor scores a completed feature record.
type Predictor interface {
	Predict(rec models.FeatureRecord) (inference.Decision, error)
}

// Notifier delivers positive predictions to the pager.
type Notifier interface {
	Notify(ctx context.Context, identity, timestamp string) pager.Outcome
}

// Config holds the connection parameters for the upstream feed.
type Config struct {
	// MLLPAddress is the host:port of the upstream simulator.
	MLLPAddress string
	// ReadTimeout is the per-read socket deadline. A timeout reconnects
	// silently.
	ReadTimeout time.Duration
	// ReconnectWait is the pause after a non-timeout connection fault.
	ReconnectWait time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// ReadBufferSize is the per-read chunk size.
	ReadBufferSize int
}

// DefaultConfig returns the production connection parameters.
func DefaultConfig(addr string) Config {
	return Config{
		MLLPAddress:    addr,
		ReadTimeout:    20 * time.Second,
		ReconnectWait:  10 * time.Second,
		DialTimeout:    10 * time.Second,
		ReadBufferSize: 1024,
	}
}

// errSocketTimeout marks a read deadline expiry, which reconnects without
// the reconnect pause.
var errSocketTimeout = errors.New("pipeline: socket read timeout")

// Pipeline is the single task that owns the upstream socket. Events within
// one connection are handled and acknowledged strictly in arrival order.
type Pipeline struct {
	cfg       Config
	store     FeatureStore
	predictor Predictor
	pager     Notifier
	logger    logging.Logger
	metrics   *monitoring.Metrics
}

// New validates the upstream address and assembles the pipeline.
func New(cfg Config, store FeatureStore, predictor Predictor, notifier Notifier,
	logger logging.Logger, metrics *monitoring.Metrics) (*Pipeline, error) {
	if _, _, err := net.SplitHostPort(cfg.MLLPAddress); err != nil {
		return nil, fmt.Errorf("invalid MLLP address %q: %w", cfg.MLLPAddress, err)
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		predictor: predictor,
		pager:     notifier,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Run connects, processes and reconnects until the context is cancelled.
// It returns nil on graceful shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := dialer.DialContext(ctx, "tcp", p.cfg.MLLPAddress)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.metrics.SetComponentHealth("mllp_connection", false)
			p.logger.WithError(err).WithField("address", p.cfg.MLLPAddress).
				Error("Failed to connect to upstream feed")
			if !p.sleep(ctx, p.cfg.ReconnectWait) {
				return nil
			}
			continue
		}

		log := p.logger.WithFields(logging.Fields{
			"session": uuid.New().String(),
			"remote":  conn.RemoteAddr().String(),
		})
		log.Info("Connected to upstream feed")
		p.metrics.SetComponentHealth("mllp_connection", true)

		err = p.runSession(ctx, conn, log)
		_ = conn.Close()
		p.metrics.SetComponentHealth("mllp_connection", false)

		switch {
		case ctx.Err() != nil:
			log.Info("Upstream connection closed for shutdown")
			return nil
		case errors.Is(err, errSocketTimeout):
			// Silent reconnect; the timeout counter already ticked.
		default:
			log.WithError(err).Error("Upstream connection error")
			if !p.sleep(ctx, p.cfg.ReconnectWait) {
				return nil
			}
		}
	}
}

// runSession reads and handles frames until the connection fails or the
// context is cancelled. Cancellation is observed at the top of each read and
// the current event always finishes before the socket closes.
func (p *Pipeline) runSession(ctx context.Context, conn net.Conn, log *logrus.Entry) error {
	// Wake a blocked read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, p.cfg.ReadBufferSize)
	var leftover []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			frames, tail := mllp.ExtractFrames(append(leftover, buf[:n]...))
			leftover = tail
			for _, payload := range frames {
				if p.handleFrame(ctx, payload, log) {
					if _, werr := conn.Write(mllp.AckFrame()); werr != nil {
						return fmt.Errorf("write acknowledgement: %w", werr)
					}
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.metrics.SocketTimeouts.Inc()
				return errSocketTimeout
			}
			return fmt.Errorf("read upstream: %w", err)
		}
	}
}

// handleFrame decodes and dispatches one frame, reporting whether it should
// be acknowledged. Frames whose store write failed are not acknowledged, so
// the upstream may resend them.
func (p *Pipeline) handleFrame(ctx context.Context, payload []byte, log *logrus.Entry) bool {
	start := time.Now()

	msg, err := hl7.Decode(payload)
	if err != nil {
		msgType := string(hl7.TypeUnknown)
		var decodeErr *hl7.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.MessageType != "" {
			msgType = decodeErr.MessageType
		}
		p.metrics.RecordError("decode", "hl7")
		p.observe(msgType, start)
		log.WithError(err).Warn("Skipping undecodable frame")
		return true
	}

	ack := p.dispatch(ctx, msg, log)
	p.observe(msg.WireType, start)
	return ack
}

func (p *Pipeline) observe(messageType string, start time.Time) {
	if messageType == "" {
		messageType = string(hl7.TypeUnknown)
	}
	p.metrics.MessagesProcessed.WithLabelValues(messageType).Inc()
	p.metrics.ProcessingDuration.WithLabelValues(messageType).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) dispatch(ctx context.Context, msg hl7.Message, log *logrus.Entry) bool {
	// Store writes run on a detached context so the event in flight still
	// lands when shutdown arrives mid-frame. Only the pager retry delay
	// stays cancellable.
	opCtx := context.WithoutCancel(ctx)

	switch msg.Type {
	case hl7.TypeAdmission:
		if _, err := p.store.ApplyAdmission(opCtx, msg.Identity, msg.Sex, msg.Age); err != nil {
			p.metrics.RecordError("storage", "store")
			log.WithError(err).WithField("identity", msg.Identity).
				Error("Failed to record admission")
			return false
		}
		return true

	case hl7.TypeLabResult:
		return p.handleLabResult(ctx, opCtx, msg, log)

	case hl7.TypeDischarge:
		if err := p.store.Discharge(opCtx, msg.Identity); err != nil {
			p.metrics.RecordError("storage", "store")
			log.WithError(err).WithField("identity", msg.Identity).
				Error("Failed to record discharge")
			return false
		}
		return true

	default:
		// Acknowledgements and unrecognised types are acked and dropped.
		if msg.Type == hl7.TypeUnknown {
			log.WithField("message_type", msg.WireType).Warn("Ignoring unknown message type")
		}
		return true
	}
}

// handleLabResult folds one creatinine result into the patient's aggregate
// and runs inference when the record is complete. Readiness is reset before
// commit so each completing lab result triggers inference exactly once.
func (p *Pipeline) handleLabResult(ctx, opCtx context.Context, msg hl7.Message, log *logrus.Entry) bool {
	prior, err := p.store.ApplyLabResult(opCtx, msg.Identity, *msg.Value, msg.ObservedAt)
	if err != nil {
		p.metrics.RecordError("storage", "store")
		log.WithError(err).WithField("identity", msg.Identity).
			Error("Failed to record lab result")
		return false
	}
	if prior == nil {
		// First sighting: the store already seeded the single-sample record.
		return true
	}

	next := features.ApplyLabResult(*prior, *msg.Value, msg.ObservedAt)

	if next.ReadyForInference {
		decision, err := p.predictor.Predict(next)
		if err != nil {
			p.metrics.RecordError("predict", "inference")
			log.WithError(err).WithField("identity", msg.Identity).
				Warn("Predictor failed; skipping notification")
		} else {
			p.metrics.Predictions.WithLabelValues(string(decision)).Inc()
			if decision == inference.DecisionPositive {
				p.pager.Notify(ctx, msg.Identity, *next.LastResultAt)
			}
		}
		next.ReadyForInference = false
	}

	if err := p.store.CommitFeature(opCtx, msg.Identity, next); err != nil {
		p.metrics.RecordError("storage", "store")
		log.WithError(err).WithField("identity", msg.Identity).
			Error("Failed to commit feature record")
		return false
	}
	return true
}

// sleep waits for d or until cancellation, reporting whether the wait
// completed.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
