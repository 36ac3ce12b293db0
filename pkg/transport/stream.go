package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// StreamTransport implements Transport over a framed byte stream. It backs
// the stdio, socket and pipe transports.
//
// Incoming requests run concurrently, bounded by MaxConcurrency. Incoming
// notifications and responses are handled in arrival order on the read loop.
// Outgoing writes are serialized.
type StreamTransport struct {
	*BaseTransport
	kind         TransportType
	framer       Framer
	closers      []io.Closer
	performance  PerformanceConfig
	sem          *semaphore.Weighted
	errorHandler ErrorHandler
	mutex        sync.RWMutex // protects errorHandler and running
	writeMu      sync.Mutex
	running      bool
	done         chan struct{}
	stopOnce     sync.Once
	handlers     sync.WaitGroup
}

// newStreamTransport creates a stream transport. closers are closed on Stop,
// which unblocks the read loop and signals EOF to the peer.
func newStreamTransport(kind TransportType, r io.Reader, w io.Writer, config TransportConfig, closers ...io.Closer) (*StreamTransport, error) {
	framer, err := NewFramer(config.Framing, r, w, config.Performance.MaxMessageSize)
	if err != nil {
		return nil, bsperrors.InvalidTransportConfiguration(string(kind), "framing", err.Error())
	}

	concurrency := config.Performance.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	base := NewBaseTransport()
	if config.Logger != nil {
		base.SetLogger(config.Logger.WithFields(logging.String("transport", string(kind))))
	}

	return &StreamTransport{
		BaseTransport: base,
		kind:          kind,
		framer:        framer,
		closers:       closers,
		performance:   config.Performance,
		sem:           semaphore.NewWeighted(int64(concurrency)),
		done:          make(chan struct{}),
	}, nil
}

// Initialize prepares the transport for use. Streams are usable as soon as
// they are constructed.
func (t *StreamTransport) Initialize(ctx context.Context) error {
	return nil
}

// Start reads and dispatches messages until the stream ends, Stop is called
// or ctx is cancelled. Once it returns, in-flight handlers have finished and
// pending outgoing requests have failed with ConnectionClosed.
func (t *StreamTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	if t.running {
		t.mutex.Unlock()
		return bsperrors.TransportAlreadyRunning(string(t.kind))
	}
	t.running = true
	t.mutex.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer t.signalDone()
		return t.readLoop(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.done:
		}
		t.closeStreams()
		return nil
	})

	err := g.Wait()

	t.BaseTransport.CancelAll()
	t.handlers.Wait()
	t.BaseTransport.Cleanup()

	return err
}

// Stop halts the transport. It does not wait for Start to return, so it is
// safe to call from a handler.
func (t *StreamTransport) Stop(ctx context.Context) error {
	t.signalDone()
	t.closeStreams()
	return nil
}

// Done is closed once the transport stops reading
func (t *StreamTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StreamTransport) signalDone() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *StreamTransport) closeStreams() {
	for _, c := range t.closers {
		_ = c.Close()
	}
}

func (t *StreamTransport) stopping() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *StreamTransport) readLoop(ctx context.Context) error {
	for {
		data, err := t.framer.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				t.handleError(bsperrors.StreamTransportError(string(t.kind), "read", err))
				continue
			}
			if t.stopping() || ctx.Err() != nil || isClosedStream(err) {
				return nil
			}
			return bsperrors.StreamTransportError(string(t.kind), "read", err).
				WithContext(&bsperrors.Context{
					Component: "StreamTransport",
					Operation: "read_message",
				})
		}

		t.processMessage(ctx, data)
	}
}

func isClosedStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

// envelope classifies an incoming message without decoding it twice.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

func (e *envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

func (e *envelope) id() interface{} {
	var id interface{}
	_ = json.Unmarshal(e.ID, &id)
	return id
}

// processMessage decodes one message and dispatches it.
func (t *StreamTransport) processMessage(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.Logger().Error("Panic in message processing",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			t.handleError(bsperrors.CreateInternalError("process_message", nil))
		}
	}()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Logger().Warn("Discarding unparsable message", logging.ErrorField(err))
		t.writeResponse(errorResponse(nil, bsperrors.ToJSONRPCError(bsperrors.CreateParseError(err.Error()))))
		return
	}

	switch {
	case env.Method != "" && env.hasID():
		t.dispatchRequest(ctx, &protocol.Request{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: env.JSONRPC},
			ID:             env.id(),
			Method:         env.Method,
			Params:         env.Params,
		})

	case env.Method != "":
		notif := &protocol.Notification{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: env.JSONRPC},
			Method:         env.Method,
			Params:         env.Params,
		}
		if err := t.HandleNotification(ctx, notif); err != nil {
			if errors.Is(err, ErrUnsupportedMethod) {
				t.Logger().Debug("Ignoring notification for unregistered method", logging.String("method", notif.Method))
			} else {
				t.handleError(err)
			}
		}

	case env.hasID() && (len(env.Result) > 0 || env.Error != nil):
		t.HandleResponse(&protocol.Response{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: env.JSONRPC},
			ID:             env.id(),
			Result:         env.Result,
			Error:          env.Error,
		})

	default:
		t.Logger().Warn("Discarding message of unknown shape", logging.Int("bytes", len(data)))
		if env.hasID() {
			t.writeResponse(errorResponse(env.id(), &protocol.Error{
				Code:    protocol.InvalidRequest,
				Message: "message is neither a request, a notification nor a response",
			}))
		}
	}
}

// dispatchRequest registers the request for cancellation on the read loop,
// so a $/cancelRequest that follows it is never missed, then runs the handler
// on its own goroutine.
func (t *StreamTransport) dispatchRequest(ctx context.Context, req *protocol.Request) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return
	}

	reqCtx, release := t.trackRequest(ctx, req.ID)
	t.handlers.Add(1)
	go func() {
		defer t.handlers.Done()
		defer t.sem.Release(1)
		defer release()

		resp, err := t.handleTrackedRequest(reqCtx, req)
		if err != nil {
			t.handleError(err)
			return
		}
		t.writeResponse(resp)
	}()
}

func (t *StreamTransport) writeResponse(resp *protocol.Response) {
	if resp == nil {
		return
	}
	if err := t.writeMessage(resp); err != nil && !t.stopping() {
		t.handleError(err)
	}
}

// writeMessage marshals and writes one message, serialized with other writers
func (t *StreamTransport) writeMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return bsperrors.CreateInternalError("marshal_message", err)
	}

	if t.stopping() {
		return bsperrors.ConnectionClosed(string(t.kind), nil)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.framer.WriteMessage(data); err != nil {
		if isClosedStream(err) {
			return bsperrors.ConnectionClosed(string(t.kind), err)
		}
		return bsperrors.StreamTransportError(string(t.kind), "write", err).
			WithContext(&bsperrors.Context{
				Component: "StreamTransport",
				Operation: "write_message",
			})
	}
	return nil
}

// SetErrorHandler sets the handler for errors raised on the read loop.
func (t *StreamTransport) SetErrorHandler(handler ErrorHandler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.errorHandler = handler
}

func (t *StreamTransport) handleError(err error) {
	t.mutex.RLock()
	handler := t.errorHandler
	t.mutex.RUnlock()

	if handler != nil {
		handler(err)
		return
	}
	t.Logger().WithError(err).Warn("Transport error")
}

// SendRequest sends a request and waits for the matching response.
//
// When ctx is cancelled the peer is sent $/cancelRequest and given
// CancelGracePeriod to answer. Without an answer the request resolves with a
// RequestCancelled error.
func (t *StreamTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := t.GenerateID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, bsperrors.CreateInvalidParamsError(method, id, err.Error())
	}

	if t.performance.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.performance.RequestTimeout)
			defer cancel()
		}
	}

	ch := t.registerPending(id)
	if err := t.writeMessage(req); err != nil {
		t.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		return t.resultOf(resp, ok)
	case <-t.done:
		return t.drain(ch, id)
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && t.performance.RequestTimeout > 0 {
		t.cancelRemote(id)
		t.removePending(id)
		return nil, bsperrors.RequestTimeout(method, id, t.performance.RequestTimeout)
	}

	t.cancelRemote(id)
	grace := time.NewTimer(t.performance.CancelGracePeriod)
	defer grace.Stop()

	select {
	case resp, ok := <-ch:
		return t.resultOf(resp, ok)
	case <-t.done:
		return t.drain(ch, id)
	case <-grace.C:
		t.removePending(id)
		return nil, bsperrors.RequestCancelled(method).WithContext(&bsperrors.Context{
			RequestID: id,
			Method:    method,
			Component: "StreamTransport",
			Operation: "send_request",
		})
	}
}

// drain returns a response that raced with shutdown, or ConnectionClosed.
func (t *StreamTransport) drain(ch chan *protocol.Response, id string) (json.RawMessage, error) {
	select {
	case resp, ok := <-ch:
		return t.resultOf(resp, ok)
	default:
		t.removePending(id)
		return nil, bsperrors.ConnectionClosed(string(t.kind), nil)
	}
}

func (t *StreamTransport) resultOf(resp *protocol.Response, ok bool) (json.RawMessage, error) {
	if !ok || resp == nil {
		return nil, bsperrors.ConnectionClosed(string(t.kind), nil)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *StreamTransport) cancelRemote(id string) {
	notif, err := protocol.NewNotification(protocol.MethodCancelRequest, protocol.CancelParams{ID: id})
	if err != nil {
		return
	}
	if err := t.writeMessage(notif); err != nil {
		t.Logger().Debug("Could not send cancellation", logging.String("id", id), logging.ErrorField(err))
	}
}

// SendNotification sends a notification
func (t *StreamTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	notification, err := protocol.NewNotification(method, params)
	if err != nil {
		return bsperrors.CreateInvalidParamsError(method, nil, err.Error())
	}
	return t.writeMessage(notification)
}
