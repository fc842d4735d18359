package rpc

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	json "github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/framer"
)

// Writer is the output-stream contract: write, then flush, as one unit.
// Transports (sockets, pipes, files) satisfy this trivially; the endpoint
// is otherwise agnostic to what's underneath.
type Writer interface {
	Write(p []byte) (n int, err error)
	Flush() error
}

// Endpoint is a bidirectional JSON-RPC 2.0 transport plus dispatch table.
// It simultaneously serves inbound requests against a registered method
// table and issues outbound requests whose replies are correlated back to
// an async.Task by outbound request id.
type Endpoint struct {
	in  io.Reader
	out Writer

	logger *log.Logger

	outMu sync.Mutex // serializes writes to out

	idMu   sync.Mutex
	nextID int64

	methodsMu sync.RWMutex
	methods   map[string]*method

	pending sync.Map // id (normalized to string) -> *async.Task

	// notifyLimiter optionally paces outbound notify() calls so a chatty
	// handler cannot flood a slow client. Nil means unlimited.
	notifyLimiter *rate.Limiter

	framer *framer.Framer
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithLogger overrides the default logger (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithNotifyRateLimit caps outbound Notify calls to r events/sec with the
// given burst. Exceeding callers block inside Notify until a token is
// available; this never affects request/response correlation, only
// fire-and-forget traffic.
func WithNotifyRateLimit(r rate.Limit, burst int) Option {
	return func(e *Endpoint) { e.notifyLimiter = rate.NewLimiter(r, burst) }
}

// New constructs an Endpoint over the given input/output streams. Start
// receiving with Run.
func New(in io.Reader, out Writer, opts ...Option) *Endpoint {
	e := &Endpoint{
		in:      in,
		out:     out,
		logger:  log.Default(),
		methods: make(map[string]*method),
		framer:  framer.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.framer.Event.Attach(e.onValue)
	return e
}

// AddMethod registers fn under name for server-side dispatch. fn must have
// the shape func(args...) (R, error).
func (e *Endpoint) AddMethod(name string, fn any) error {
	m, err := newMethod(fn)
	if err != nil {
		return err
	}
	e.methodsMu.Lock()
	defer e.methodsMu.Unlock()
	e.methods[name] = m
	return nil
}

// DelMethod unregisters name. A no-op if not registered.
func (e *Endpoint) DelMethod(name string) {
	e.methodsMu.Lock()
	defer e.methodsMu.Unlock()
	delete(e.methods, name)
}

func (e *Endpoint) lookupMethod(name string) (*method, bool) {
	e.methodsMu.RLock()
	defer e.methodsMu.RUnlock()
	m, ok := e.methods[name]
	return m, ok
}

// Notify sends a fire-and-forget outbound notification (no id).
func (e *Endpoint) Notify(method string, params any) error {
	if e.notifyLimiter != nil {
		if err := e.notifyLimiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	req := request{JSONRPC: "2.0", Method: method, Params: raw}
	return e.send(req)
}

// Request sends an outbound request and returns a Task that ends with the
// peer's result, or fails with the peer's error object. Outbound ids are
// minted under a lock and are strictly increasing for the lifetime of the
// Endpoint.
func (e *Endpoint) Request(method string, params any) (*async.Task, error) {
	id := e.nextRequestID()

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	req := request{JSONRPC: "2.0", Method: method, Params: raw, ID: id}

	task := async.NewTask()
	key := fmt.Sprintf("%d", id)
	e.pending.Store(key, task)
	task.StoppedEvent.Attach(func(*async.Task) { e.pending.Delete(key) })

	if err := e.send(req); err != nil {
		e.pending.Delete(key)
		return nil, err
	}
	task.Start()
	return task, nil
}

func (e *Endpoint) nextRequestID() int64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	id := e.nextID
	e.nextID++
	return id
}

// Run drives the input stream until EOF, one framer value at a time.
func (e *Endpoint) Run() error {
	return e.framer.FeedFile(e.in)
}

func (e *Endpoint) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if _, err := e.out.Write(data); err != nil {
		return err
	}
	return e.out.Flush()
}

// onValue is the framer callback: one complete top-level JSON value.
func (e *Endpoint) onValue(raw string) {
	resp := e.handleValue([]byte(raw))
	if resp != nil {
		if err := e.send(resp); err != nil {
			e.logger.Printf("rpc: write response: %v", err)
		}
	}
}

// handleValue parses and classifies one top-level JSON value, returning
// the response to send (nil if none — notification or fully-drained
// batch).
func (e *Endpoint) handleValue(raw []byte) any {
	var probe json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return parseErrorResponse()
	}

	trimmed := skipLeadingSpace(raw)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		return e.handleArray(raw)
	case len(trimmed) > 0 && trimmed[0] == '{':
		return e.handleObject(raw)
	default:
		return invalidRequestResponse(nil)
	}
}

func (e *Endpoint) handleObject(raw []byte) *response {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return invalidRequestResponse(nil)
	}
	var id any
	if msg.ID != nil {
		json.Unmarshal(*msg.ID, &id)
	}
	switch {
	case msg.isRequestShape():
		return e.handleRequest(&msg, id)
	case msg.isResponseShape():
		e.handleResponse(&msg, id)
		return nil
	default:
		return invalidRequestResponse(id)
	}
}

func (e *Endpoint) handleArray(raw []byte) any {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return invalidRequestResponse(nil)
	}
	if len(elems) == 0 {
		return invalidRequestResponse(nil)
	}
	var out []any
	for _, sub := range elems {
		subResp := e.handleValue(sub)
		if subResp != nil {
			out = append(out, subResp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Endpoint) handleRequest(msg *rawMessage, id any) *response {
	m, ok := e.lookupMethod(*msg.Method)
	if !ok {
		if id == nil {
			return nil
		}
		return methodNotFoundResponse(id)
	}

	var result any
	var err error
	switch {
	case len(msg.Params) == 0:
		result, err = m.invokeNoParams()
	case isJSONArray(msg.Params):
		var elems []json.RawMessage
		if uerr := json.Unmarshal(msg.Params, &elems); uerr != nil {
			return e.respondInvalidParams(id)
		}
		result, err = m.invokePositional(elems)
	case isJSONObject(msg.Params):
		result, err = m.invokeNamed(msg.Params)
	default:
		return e.respondInvalidParams(id)
	}

	if err == nil {
		if id == nil {
			return nil
		}
		return successResponse(id, result)
	}

	if id == nil {
		return nil // notification: errors are silent
	}
	switch rpcErr := err.(type) {
	case *arityError:
		return invalidParamsResponse(id)
	case *Error:
		return errorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	default:
		return errorResponse(id, CodeUncaughtException, "uncaught exception", map[string]any{
			"name":    fmt.Sprintf("%T", err),
			"args":    nil,
			"message": err.Error(),
		})
	}
}

func (e *Endpoint) respondInvalidParams(id any) *response {
	if id == nil {
		return nil
	}
	return invalidParamsResponse(id)
}

func (e *Endpoint) handleResponse(msg *rawMessage, id any) {
	key := fmt.Sprintf("%v", id)
	v, ok := e.pending.Load(key)
	if !ok {
		e.logger.Printf("rpc: ignoring response for unknown id: %v", id)
		return
	}
	task := v.(*async.Task)
	if msg.Result != nil {
		var result any
		json.Unmarshal(*msg.Result, &result)
		task.End(result)
	} else if msg.Error != nil {
		var rpcErr Error
		json.Unmarshal(*msg.Error, &rpcErr)
		task.Fail(&rpcErr)
	}
}

func skipLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}

func isJSONArray(raw json.RawMessage) bool {
	t := skipLeadingSpace(raw)
	return len(t) > 0 && t[0] == '['
}

func isJSONObject(raw json.RawMessage) bool {
	t := skipLeadingSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

// marshalParams renders an outbound params value, leaving it nil (so
// "params" is omitted from the wire via omitempty) when params itself is
// nil rather than marshaling it to the JSON literal null.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
