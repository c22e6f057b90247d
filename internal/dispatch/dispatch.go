// Package dispatch turns transport-neutral send requests into WeCom deliveries,
// recording each outcome in metrics and the optional delivery history.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"wecomagent/internal/history"
	"wecomagent/internal/metrics"
	"wecomagent/pkg/wecom"
)

// Sender delivers a built message. *wecom.Client implements it.
type Sender interface {
	Send(ctx context.Context, msg *wecom.Message) (*wecom.SendResponse, error)
}

// Recorder persists delivery outcomes. *history.SQLiteStore implements it.
type Recorder interface {
	Record(ctx context.Context, d history.Delivery) (string, error)
}

type Config struct {
	Sender         Sender
	Recorder       Recorder // optional
	DefaultAgentID int64
	Metrics        *metrics.MetricsCollector // default metrics.Collector
	Logger         *slog.Logger
	Now            func() time.Time
}

// Dispatcher is safe for concurrent use as long as its Sender and Recorder are.
type Dispatcher struct {
	sender   Sender
	recorder Recorder
	agentID  int64
	metrics  *metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Collector
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		sender:   cfg.Sender,
		recorder: cfg.Recorder,
		agentID:  cfg.DefaultAgentID,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Result is a successful delivery.
type Result struct {
	DeliveryID string // empty without a Recorder
	Response   *wecom.SendResponse
}

// Dispatch builds and sends req. source names the entry point (cli, relay, queue)
// for the history log. On a vendor rejection the returned *wecom.VendorError
// carries the response; the Result is still returned so callers see the delivery ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, source string) (*Result, error) {
	if req.AgentID == 0 {
		req.AgentID = d.agentID
	}
	msg, err := req.Message(d.agentID)
	if err != nil {
		d.finish(ctx, req, source, 0, nil, err)
		return nil, err
	}
	return d.send(ctx, req, msg, source)
}

// DispatchMessage sends an already built message.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg *wecom.Message, source string) (*Result, error) {
	req := Request{
		ToUser:  msg.Users(),
		ToParty: msg.Parties(),
		ToTag:   msg.Tags(),
		AgentID: msg.AgentID(),
		MsgType: msg.MsgType(),
	}
	return d.send(ctx, req, msg, source)
}

func (d *Dispatcher) send(ctx context.Context, req Request, msg *wecom.Message, source string) (*Result, error) {
	start := d.now()
	resp, err := d.sender.Send(ctx, msg)
	latency := d.now().Sub(start)
	d.metrics.SendLatency().Observe(latency.Seconds())

	req.AgentID = msg.AgentID()
	id := d.finish(ctx, req, source, latency, resp, err)
	if err != nil {
		var vendorErr *wecom.VendorError
		if errors.As(err, &vendorErr) {
			return &Result{DeliveryID: id, Response: resp}, err
		}
		return nil, err
	}
	return &Result{DeliveryID: id, Response: resp}, nil
}

// finish counts the outcome, logs it and records it in history.
func (d *Dispatcher) finish(ctx context.Context, req Request, source string, latency time.Duration, resp *wecom.SendResponse, err error) string {
	result := Classify(err)
	d.metrics.Sends(result).Inc()

	if err != nil {
		d.logger.Warn("delivery failed", "source", source, "msgtype", req.MsgType, "result", result, "err", err)
	} else {
		d.logger.Info("delivery sent", "source", source, "msgtype", req.MsgType, "msgid", resp.MsgID, "latency", latency)
	}

	if d.recorder == nil {
		return ""
	}

	rec := history.Delivery{
		Source:    source,
		AgentID:   req.AgentID,
		MsgType:   req.MsgType,
		ToUser:    strings.Join(req.ToUser, "|"),
		ToParty:   strings.Join(req.ToParty, "|"),
		ToTag:     strings.Join(req.ToTag, "|"),
		Result:    result,
		Latency:   latency,
		CreatedAt: d.now(),
	}
	if resp != nil {
		rec.ErrCode = resp.ErrCode
		rec.ErrMsg = resp.ErrMsg
		rec.MsgID = resp.MsgID
		rec.InvalidUser = resp.InvalidUser
		rec.InvalidParty = resp.InvalidParty
		rec.InvalidTag = resp.InvalidTag
	} else if err != nil {
		rec.ErrMsg = err.Error()
		var authErr *wecom.AuthError
		if errors.As(err, &authErr) {
			rec.ErrCode = authErr.Code
		}
	}

	// History is best effort; a failed write never fails the delivery.
	id, recErr := d.recorder.Record(context.WithoutCancel(ctx), rec)
	if recErr != nil {
		d.logger.Error("cannot record delivery", "err", recErr)
		return ""
	}
	return id
}

// Classify maps a Dispatch error to its result label.
func Classify(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	var (
		valErr       *wecom.ValidationError
		authErr      *wecom.AuthError
		vendorErr    *wecom.VendorError
		transportErr *wecom.TransportError
	)
	switch {
	case errors.As(err, &valErr):
		return metrics.ResultInvalid
	case errors.As(err, &authErr):
		return metrics.ResultAuth
	case errors.As(err, &vendorErr):
		return metrics.ResultVendor
	case errors.As(err, &transportErr):
		return metrics.ResultTransport
	}
	// Context cancellation and other unclassified failures are retryable.
	return metrics.ResultTransport
}

// Retryable reports whether a failed request may succeed if sent again unchanged.
func Retryable(err error) bool {
	switch Classify(err) {
	case metrics.ResultTransport, metrics.ResultAuth:
		return true
	}
	return false
}
