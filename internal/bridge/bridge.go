// Package bridge joins one telephony media stream to one voice agent
// session for the lifetime of a call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-barista/internal/agent"
	"github.com/loqalabs/loqa-barista/internal/audio"
	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/dispatch"
	"github.com/loqalabs/loqa-barista/internal/eventstore"
	"github.com/loqalabs/loqa-barista/internal/protocol"
	"github.com/loqalabs/loqa-barista/internal/session"
	"github.com/loqalabs/loqa-barista/internal/telephony"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoStart is returned when the media stream ends or times out before
// its start event.
var ErrNoStart = errors.New("media stream did not start")

// AgentStream is the agent side of a call.
type AgentStream interface {
	Receive(ctx context.Context) (agent.Message, error)
	SendAudio(pcm []byte) error
	SendFunctionResponse(resp agent.FunctionCallResponse) error
	KeepAlive() error
	Close() error
}

// TelephonyStream is the caller side of a call.
type TelephonyStream interface {
	Receive(ctx context.Context) (telephony.Message, error)
	SendMedia(mulaw []byte) error
	SendMark(name string) error
	SendClear() error
	Close() error
}

// AgentDialer opens a new agent session.
type AgentDialer func(ctx context.Context) (AgentStream, error)

type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, req dispatch.Request) (dispatch.Result, error)
}

// Hangup ends a call on the carrier side.
type Hangup interface {
	HangupCall(ctx context.Context, callSID string) error
}

// Timeline records the audit trail of a call.
type Timeline interface {
	StartCall(ctx context.Context, c eventstore.Call) error
	AppendCallEvent(ctx context.Context, evt eventstore.Event) error
	EndCall(ctx context.Context, callSID, outcome string, orderNumber int) error
}

type Registry interface {
	Register(sess *session.Session, cancel context.CancelFunc) func()
}

type Bridge struct {
	cfg        config.Config
	dial       AgentDialer
	dispatcher Dispatcher
	calls      Registry
	timeline   Timeline
	hangup     Hangup
	log        *slog.Logger
	now        func() time.Time

	dropped metric.Int64Counter
	tracer  trace.Tracer
}

func New(cfg config.Config, dial AgentDialer, d Dispatcher, calls Registry, timeline Timeline, hangup Hangup, log *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		dial:       dial,
		dispatcher: d,
		calls:      calls,
		timeline:   timeline,
		hangup:     hangup,
		log:        log.With(slog.String("component", "bridge")),
		now:        time.Now,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-barista/bridge"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-barista/bridge")
	var err error
	if b.dropped, err = meter.Int64Counter("barista.audio.frames_dropped", metric.WithDescription("Audio frames dropped, by direction")); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return b
}

// Run serves one call until the caller hangs up, either transport closes,
// the call idles out or ctx ends. It owns tel and closes it.
func (b *Bridge) Run(ctx context.Context, tel TelephonyStream) error {
	start, err := b.waitStart(ctx, tel)
	if err != nil {
		tel.Close()
		return err
	}

	callSID := start.CallSID
	if callSID == "" {
		callSID = start.CustomParameters["call_sid"]
	}
	if callSID == "" {
		callSID = uuid.NewString()
	}
	sess := session.New(callSID, start.StreamSID, start.CustomParameters["from"], b.now)
	log := b.log.With(slog.String("call_sid", callSID), slog.String("stream_sid", start.StreamSID))

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := func() {}
	if b.calls != nil {
		unregister = b.calls.Register(sess, cancel)
	}
	defer unregister()

	c := &call{
		b:        b,
		sess:     sess,
		tel:      tel,
		log:      log,
		cancel:   cancel,
		toAgent:  NewQueue[[]byte](b.cfg.Agent.QueueSize),
		toCaller: NewQueue[[]byte](b.cfg.Telephony.QueueSize),
		up:       audio.NewUpsampler(),
		down:     audio.NewDownsampler(),
		framer:   audio.NewFramer(b.cfg.Telephony.FrameBytes),
	}
	c.startTimeline(callCtx)
	log.Info("call started", slog.String("phase", string(sess.Phase())))

	dialCtx := callCtx
	if d := time.Duration(b.cfg.Agent.DialTimeoutMS) * time.Millisecond; d > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(callCtx, d)
		defer dialCancel()
	}
	ag, err := b.dial(dialCtx)
	if err != nil {
		log.Error("agent dial failed", slog.String("error", err.Error()))
		c.end(session.TriggerTransportClosed)
		c.finish(ctx)
		return fmt.Errorf("dial agent: %w", err)
	}
	c.ag = ag

	if dir := b.cfg.Telephony.RecordDir; dir != "" {
		rec, err := audio.NewRecorder(dir, callSID, audio.WidebandRate)
		if err != nil {
			log.Warn("call recording disabled", slog.String("error", err.Error()))
		} else {
			c.recorder = rec
		}
	}

	c.spawn(callCtx, c.readTelephony)
	c.spawn(callCtx, c.writeAgent)
	c.spawn(callCtx, c.readAgent)
	c.spawn(callCtx, c.writeTelephony)
	c.spawn(callCtx, c.watchdog)
	c.spawn(callCtx, c.keepAlive)

	<-callCtx.Done()
	c.toAgent.Close()
	c.toCaller.Close()
	c.wg.Wait()
	c.finish(ctx)
	return nil
}

func (b *Bridge) waitStart(ctx context.Context, tel TelephonyStream) (*telephony.Start, error) {
	if d := b.cfg.Session.StartTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	for {
		msg, err := tel.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		switch msg.Event {
		case telephony.EventStart:
			if msg.Start == nil {
				return nil, fmt.Errorf("%w: start event without payload", ErrNoStart)
			}
			return msg.Start, nil
		case telephony.EventStop:
			return nil, fmt.Errorf("%w: stopped", ErrNoStart)
		}
	}
}

// call is the state of one bridged call. The transcoding fields at the
// end are owned by the goroutine named in their comment.
type call struct {
	b      *Bridge
	sess   *session.Session
	tel    TelephonyStream
	ag     AgentStream
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	toAgent  *Queue[[]byte]
	toCaller *Queue[[]byte]
	recorder *audio.Recorder

	endOnce    sync.Once
	reason     session.Trigger
	hangupOnce sync.Once
	pacerReset atomic.Bool
	drops      sync.Map // direction -> *atomic.Int64

	// readTelephony
	up *audio.Upsampler
	// readAgent
	down      *audio.Downsampler
	framer    *audio.Framer
	agentSeq  uint64
	assistant strings.Builder
}

func (c *call) spawn(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// end records the first reason the call ended and cancels it.
func (c *call) end(reason session.Trigger) {
	c.endOnce.Do(func() {
		c.reason = reason
		c.log.Info("call ending", slog.String("reason", string(reason)))
		c.cancel()
	})
}

func (c *call) endReason() session.Trigger {
	c.endOnce.Do(func() { c.reason = session.TriggerTransportClosed })
	return c.reason
}

func (c *call) finish(ctx context.Context) {
	reason := c.endReason()
	if _, err := c.sess.Fire(reason); err != nil && !c.sess.Phase().Terminal() {
		c.log.Warn("end trigger rejected", slog.String("reason", string(reason)), slog.String("error", err.Error()))
	}
	if c.ag != nil {
		c.ag.Close()
	}
	c.tel.Close()
	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			c.log.Warn("failed to close recording", slog.String("error", err.Error()))
		}
	}

	number, _ := c.sess.OrderNumber()
	phase := c.sess.Phase()
	if tl := c.b.timeline; tl != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		c.appendEvent(tctx, protocol.TimelineCallEnded, map[string]any{"reason": reason, "phase": phase, "order_number": number})
		if err := tl.EndCall(tctx, c.sess.CallSID(), string(phase), number); err != nil {
			c.log.Warn("failed to record call end", slog.String("error", err.Error()))
		}
	}
	c.log.Info("call ended",
		slog.String("phase", string(phase)),
		slog.String("reason", string(reason)),
		slog.Int("order", number),
		slog.Duration("duration", c.b.now().Sub(c.sess.CreatedAt())))
}

func (c *call) startTimeline(ctx context.Context) {
	tl := c.b.timeline
	if tl == nil {
		return
	}
	err := tl.StartCall(ctx, eventstore.Call{
		CallSID:   c.sess.CallSID(),
		StreamSID: c.sess.StreamSID(),
		Caller:    c.sess.Caller(),
		StartedAt: c.sess.CreatedAt(),
	})
	if err != nil {
		c.log.Warn("failed to record call start", slog.String("error", err.Error()))
		return
	}
	c.appendEvent(ctx, protocol.TimelineCallStarted, c.sess.Snapshot())
}

func (c *call) appendEvent(ctx context.Context, kind string, payload any) {
	tl := c.b.timeline
	if tl == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("failed to encode timeline event", slog.String("type", kind), slog.String("error", err.Error()))
		return
	}
	if err := tl.AppendCallEvent(ctx, eventstore.Event{CallSID: c.sess.CallSID(), Type: kind, Payload: data}); err != nil {
		c.log.Warn("failed to record timeline event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

// drop counts a discarded frame. The first drop and every hundredth after
// it are logged.
func (c *call) drop(direction string, reason error) {
	v, _ := c.drops.LoadOrStore(direction, new(atomic.Int64))
	n := v.(*atomic.Int64).Add(1)
	if c.b.dropped != nil {
		c.b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", direction)))
	}
	if n == 1 || n%100 == 0 {
		attrs := []any{slog.String("direction", direction), slog.Int64("total", n)}
		if reason != nil {
			attrs = append(attrs, slog.String("error", reason.Error()))
		}
		c.log.Warn("audio frame dropped", attrs...)
	}
}

func (c *call) readTelephony(ctx context.Context) {
	var (
		frames      int
		windowStart = c.b.now()
	)
	for {
		msg, err := c.tel.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.end(session.TriggerTransportClosed)
			}
			return
		}
		switch msg.Event {
		case telephony.EventMedia:
			if msg.Media == nil {
				c.drop("inbound", audio.ErrMalformedFrame)
				continue
			}
			c.onCallerMedia(*msg.Media)
			frames++
			if now := c.b.now(); now.Sub(windowStart) >= time.Second {
				c.log.Debug("media frames", slog.Float64("fps", float64(frames)/now.Sub(windowStart).Seconds()))
				frames = 0
				windowStart = now
			}
		case telephony.EventMark:
			if msg.Mark != nil {
				c.log.Debug("playback mark", slog.String("name", msg.Mark.Name))
			}
		case telephony.EventDTMF:
			if msg.DTMF != nil {
				c.log.Debug("dtmf", slog.String("digit", msg.DTMF.Digit))
			}
		case telephony.EventStop:
			c.end(session.TriggerHangup)
			return
		}
	}
}

func (c *call) onCallerMedia(m telephony.Media) {
	payload, err := m.Audio()
	if err != nil {
		c.drop("inbound", err)
		return
	}
	seq, err := m.Seq()
	if err != nil {
		c.drop("inbound", err)
		return
	}
	wide, err := c.up.ToWideband(audio.Frame{Payload: payload, Format: audio.FormatMulaw8k, Seq: seq})
	if err != nil {
		c.drop("inbound", err)
		return
	}
	if c.recorder != nil {
		if err := c.recorder.Write(wide.Payload); err != nil {
			c.log.Warn("recording write failed", slog.String("error", err.Error()))
			c.recorder.Close()
			c.recorder = nil
		}
	}
	if c.toAgent.Push(wide.Payload) {
		c.drop("to_agent", nil)
	}
}

func (c *call) writeAgent(ctx context.Context) {
	for {
		pcm, err := c.toAgent.Pop(ctx)
		if err != nil {
			return
		}
		if err := c.ag.SendAudio(pcm); err != nil {
			if errors.Is(err, agent.ErrConnectionClosed) {
				c.end(session.TriggerTransportClosed)
				return
			}
			c.log.Warn("agent audio write failed", slog.String("error", err.Error()))
		}
	}
}

func (c *call) readAgent(ctx context.Context) {
	logEvents := c.b.cfg.Agent.LogEvents
	for {
		msg, err := c.ag.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.end(session.TriggerTransportClosed)
			}
			return
		}
		switch msg.Type {
		case agent.TypeAudio:
			c.sess.Touch()
			c.onAgentAudio(msg.Audio)
		case agent.TypeConversationText:
			c.sess.Touch()
			if logEvents {
				c.log.Info("conversation", slog.String("role", msg.Role), slog.String("content", msg.Content))
			}
			switch msg.Role {
			case agent.RoleUser:
				if _, err := c.sess.Fire(session.TriggerUtterance); err != nil {
					c.log.Debug("utterance ignored", slog.String("error", err.Error()))
				}
			case agent.RoleAssistant:
				if c.assistant.Len() > 0 {
					c.assistant.WriteByte(' ')
				}
				c.assistant.WriteString(msg.Content)
			}
		case agent.TypeUserStartedSpeaking:
			c.bargeIn()
		case agent.TypeAgentAudioDone:
			c.onAgentAudioDone(ctx)
		case agent.TypeFunctionCallRequest:
			c.sess.Touch()
			c.handleFunctions(ctx, msg.Functions)
		case agent.TypeError:
			c.log.Error("agent error", slog.String("code", msg.Code), slog.String("description", msg.Description))
		case agent.TypeWarning:
			c.log.Warn("agent warning", slog.String("code", msg.Code), slog.String("description", msg.Description))
		default:
			if logEvents {
				c.log.Debug("agent event", slog.String("type", msg.Type))
			}
		}
	}
}

func (c *call) onAgentAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.agentSeq++
	narrow, err := c.down.ToNarrowband(audio.Frame{Payload: pcm, Format: audio.FormatPCM16_48k, Seq: c.agentSeq})
	if err != nil {
		c.drop("outbound", err)
		return
	}
	for _, frame := range c.framer.Push(narrow.Payload) {
		if c.toCaller.Push(frame) {
			c.drop("to_caller", nil)
		}
	}
}

// bargeIn stops agent playback when the caller starts talking.
func (c *call) bargeIn() {
	if err := c.tel.SendClear(); err != nil {
		c.log.Debug("clear failed", slog.String("error", err.Error()))
	}
	flushed := c.toCaller.Flush()
	c.framer.Flush()
	c.down.Reset()
	c.pacerReset.Store(true)
	c.log.Debug("barge-in", slog.Int("flushed_frames", flushed))
}

func (c *call) onAgentAudioDone(ctx context.Context) {
	if rest := c.framer.Flush(); len(rest) > 0 {
		if c.toCaller.Push(rest) {
			c.drop("to_caller", nil)
		}
	}
	text := c.assistant.String()
	c.assistant.Reset()
	if err := c.tel.SendMark(fmt.Sprintf("utterance-%d", c.agentSeq)); err != nil {
		c.log.Debug("mark failed", slog.String("error", err.Error()))
	}

	cfg := c.b.cfg.Session
	if !cfg.CloseOnPhrase || cfg.ClosingPhrase == "" {
		return
	}
	if !strings.Contains(strings.ToLower(text), strings.ToLower(cfg.ClosingPhrase)) {
		return
	}
	if _, ok := c.sess.OrderNumber(); !ok {
		return
	}
	c.hangupOnce.Do(func() {
		c.log.Info("closing phrase heard, hanging up", slog.Duration("delay", cfg.HangupDelay()))
		c.spawn(ctx, c.hangUp)
	})
}

func (c *call) hangUp(ctx context.Context) {
	if err := sleepContext(ctx, c.b.cfg.Session.HangupDelay()); err != nil {
		return
	}
	if c.b.hangup != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err := c.b.hangup.HangupCall(hctx, c.sess.CallSID())
		cancel()
		if err != nil {
			c.log.Warn("hangup request failed", slog.String("error", err.Error()))
		}
		c.appendEvent(ctx, protocol.TimelineHangup, map[string]any{"ok": err == nil})
	}
	c.end(session.TriggerHangup)
}

func (c *call) handleFunctions(ctx context.Context, calls []agent.FunctionCall) {
	maxLen := c.b.cfg.Agent.LogToolMaxLen
	for _, fn := range calls {
		if fn.ServerSide() {
			continue
		}
		before := c.sess.Phase()
		started := c.b.now()
		tctx, span := c.b.tracer.Start(ctx, "tool_call", trace.WithAttributes(
			attribute.String("tool.name", fn.Name),
			attribute.String("call.sid", c.sess.CallSID()),
		))
		cancel := context.CancelFunc(func() {})
		if d := c.b.cfg.Session.ToolTimeout(); d > 0 {
			tctx, cancel = context.WithTimeout(tctx, d)
		}
		res, err := c.b.dispatcher.Dispatch(tctx, c.sess, dispatch.Request{ID: fn.ID, Name: fn.Name, Arguments: fn.Arguments})
		cancel()
		span.SetAttributes(attribute.Bool("tool.ok", res.OK), attribute.String("session.phase", string(res.Phase)))
		span.End()
		content := res.JSON()

		if sendErr := c.ag.SendFunctionResponse(agent.FunctionCallResponse{ID: fn.ID, Name: fn.Name, Content: content}); sendErr != nil {
			c.log.Warn("function response failed", slog.String("id", fn.ID), slog.String("error", sendErr.Error()))
		}
		c.log.Info("tool call",
			slog.String("id", fn.ID),
			slog.String("name", fn.Name),
			slog.String("arguments", truncate(fn.Arguments, maxLen)),
			slog.Bool("ok", res.OK),
			slog.String("phase", string(res.Phase)),
			slog.String("result", truncate(content, maxLen)))

		record := protocol.ToolCallRecord{
			ID:        fn.ID,
			Name:      fn.Name,
			Arguments: fn.Arguments,
			OK:        res.OK,
			ErrorKind: string(res.Kind()),
			Phase:     string(res.Phase),
			Duration:  c.b.now().Sub(started),
		}
		c.appendEvent(ctx, protocol.TimelineToolCall, record)
		if before != session.PhaseClosed && res.Phase == session.PhaseClosed && res.OrderNumber != 0 {
			c.appendEvent(ctx, protocol.TimelineOrderCreated, map[string]any{"order_number": res.OrderNumber, "drinks": res.Drinks})
		}

		if err != nil {
			c.log.Error("tool call ended the call", slog.String("name", fn.Name), slog.String("error", err.Error()))
			c.end(session.TriggerStoreFailure)
			return
		}
	}
}

func (c *call) writeTelephony(ctx context.Context) {
	pacer := NewPacer(time.Duration(c.b.cfg.Telephony.PaceMS)*time.Millisecond, c.b.cfg.Telephony.MaxLeadFrames, c.b.now, nil)
	for {
		frame, err := c.toCaller.Pop(ctx)
		if err != nil {
			return
		}
		if c.pacerReset.CompareAndSwap(true, false) {
			pacer.Reset()
		}
		if err := pacer.Wait(ctx); err != nil {
			return
		}
		if err := c.tel.SendMedia(frame); err != nil {
			if errors.Is(err, telephony.ErrConnectionClosed) {
				c.end(session.TriggerTransportClosed)
				return
			}
			c.log.Warn("caller audio write failed", slog.String("error", err.Error()))
		}
	}
}

func (c *call) watchdog(ctx context.Context) {
	idle := c.b.cfg.Session.IdleTimeout()
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.b.now().Sub(c.sess.LastActivity()) >= idle {
				c.end(session.TriggerIdleTimeout)
				return
			}
		}
	}
}

func (c *call) keepAlive(ctx context.Context) {
	every := time.Duration(c.b.cfg.Agent.KeepAliveMS) * time.Millisecond
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ag.KeepAlive(); err != nil {
				c.log.Debug("keepalive failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
