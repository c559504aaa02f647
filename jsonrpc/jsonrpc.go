package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerBusy is reported when the server refuses to run a request
	// because it has too much outstanding work.
	CodeServerBusy = -32000
)

// ListMethod is the built-in procedure that returns the exported method names.
const ListMethod = "rpc.list"

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

func NewParseError(message string) *JSONRPCError {
	return NewError(CodeParseError, message)
}

func NewInvalidRequestError(message string) *JSONRPCError {
	return NewError(CodeInvalidRequest, message)
}

func NewMethodNotFoundError(message string) *JSONRPCError {
	return NewError(CodeMethodNotFound, message)
}

func NewInvalidParamsError(message string) *JSONRPCError {
	return NewError(CodeInvalidParams, message)
}

func NewInternalError(message string) *JSONRPCError {
	return NewError(CodeInternalError, message)
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// rpcMethod holds reflection data for a registered procedure.
//
// fn is a bound function value: for methods registered through Register the
// receiver is already applied.
type rpcMethod struct {
	fn       reflect.Value
	hasCtx   bool
	argTypes []reflect.Type

	// structParams is set when the procedure takes exactly one struct
	// argument. Its fields may then be addressed by name (JSON object) or by
	// declaration order (JSON array with one element per field).
	structParams bool
	paramNames   []string // JSON tag names for validation and named params
	paramFields  []int    // Field indices for positional params unmarshaling

	hasResult  bool
	hasError   bool
	methodName string
}

func (m *rpcMethod) call(ctx context.Context, logger *slog.Logger, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("jsonrpc: procedure panicked", "method", m.methodName, "panic", fmt.Sprint(r))
			result = nil
			err = NewInternalError("internal error")
		}
	}()

	args := make([]reflect.Value, 0, len(m.argTypes)+1)
	if m.hasCtx {
		args = append(args, reflect.ValueOf(ctx))
	}

	decoded, err := m.decodeParams(params)
	if err != nil {
		return nil, err
	}
	args = append(args, decoded...)

	results := m.fn.Call(args)

	if m.hasResult {
		result = results[0].Interface()
	}
	if m.hasError {
		if errVal := results[len(results)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	return result, nil
}

func (m *rpcMethod) decodeParams(params json.RawMessage) ([]reflect.Value, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = json.RawMessage("[]")
	}

	if params[0] == '{' {
		// Named params: JSON object keys map to struct fields by json tags.
		if !m.structParams {
			return nil, NewInvalidParamsError("named params not supported")
		}
		param := reflect.New(m.argTypes[0])
		if err := json.Unmarshal(params, param.Interface()); err != nil {
			return nil, NewInvalidParamsError("invalid params")
		}
		var paramMap map[string]json.RawMessage
		if err := json.Unmarshal(params, &paramMap); err == nil {
			for _, name := range m.paramNames {
				if _, ok := paramMap[name]; !ok {
					return nil, NewInvalidParamsError("missing param: " + name)
				}
			}
		}
		return []reflect.Value{param.Elem()}, nil
	}

	var paramList []json.RawMessage
	if err := json.Unmarshal(params, &paramList); err != nil {
		return nil, NewInvalidParamsError("invalid params")
	}

	switch {
	case len(paramList) == len(m.argTypes):
		// One array element per argument.
		args := make([]reflect.Value, len(m.argTypes))
		for i, rawElem := range paramList {
			arg := reflect.New(m.argTypes[i])
			if err := json.Unmarshal(rawElem, arg.Interface()); err != nil {
				return nil, NewInvalidParamsError("invalid params")
			}
			args[i] = arg.Elem()
		}
		return args, nil
	case m.structParams && len(paramList) == len(m.paramFields):
		// Array elements map to struct fields by declaration order.
		param := reflect.New(m.argTypes[0])
		for i, rawElem := range paramList {
			field := param.Elem().Field(m.paramFields[i])
			if err := json.Unmarshal(rawElem, field.Addr().Interface()); err != nil {
				return nil, NewInvalidParamsError("invalid params")
			}
		}
		return []reflect.Value{param.Elem()}, nil
	}
	return nil, NewInvalidParamsError("invalid number of params")
}

// JSONRPCEndpoint is a registry of JSON-RPC procedures and the engine that
// executes requests against it. Each device process constructs one and passes
// it to the components that need it; there is no package-level default.
//
// Process executes one complete request body; the HTTP side lives in the
// bridge and server packages.
type JSONRPCEndpoint struct {
	mu      sync.RWMutex
	methods map[string]*rpcMethod
	logger  *slog.Logger
}

// Option configures a JSONRPCEndpoint.
type Option func(*JSONRPCEndpoint)

// WithLogger sets the logger used for recovered procedure panics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *JSONRPCEndpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEndpoint creates a new JSON-RPC method registry.
// The registry starts with the built-in rpc.list procedure.
func NewEndpoint(opts ...Option) *JSONRPCEndpoint {
	e := &JSONRPCEndpoint{
		methods: make(map[string]*rpcMethod),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.RegisterFunc(ListMethod, func(context.Context) ([]string, error) {
		return e.Methods(), nil
	})
	return e
}

// Register adds methods from a receiver struct to the endpoint.
// The namespace prefixes all method names (e.g., "math" + "Add" -> "math.Add").
// Use empty string for no namespace (method names used directly).
// Only exported methods with valid signatures are registered.
func (e *JSONRPCEndpoint) Register(namespace string, receiver interface{}) {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	for i := 0; i < val.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}

		handler, err := parseFunc(val.Method(i), method.Name)
		if err != nil {
			continue
		}

		name := handler.methodName
		if namespace != "" {
			name = namespace + "." + handler.methodName
		}
		e.add(name, handler)
	}
}

// RegisterFunc exports a single procedure under name.
// fn must be a function with a signature accepted by Register.
// It panics if fn is not a valid procedure or name is already taken.
func (e *JSONRPCEndpoint) RegisterFunc(name string, fn interface{}) {
	if name == "" {
		panic("jsonrpc: empty method name")
	}
	handler, err := parseFunc(reflect.ValueOf(fn), name)
	if err != nil {
		panic("jsonrpc: " + name + ": " + err.Error())
	}
	handler.methodName = name
	e.add(name, handler)
}

func (e *JSONRPCEndpoint) add(name string, handler *rpcMethod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.methods[name]; exists {
		panic("jsonrpc: method name collision: " + name)
	}
	e.methods[name] = handler
}

// Methods returns the sorted names of all registered procedures.
func (e *JSONRPCEndpoint) Methods() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.methods))
	for name := range e.methods {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Process executes a complete JSON-RPC request or batch and returns the
// serialized response. Malformed input yields an error response rather than a
// Go error. The result is nil only when every request was a notification.
func (e *JSONRPCEndpoint) Process(ctx context.Context, body []byte) []byte {
	responses, single := e.handleBody(ctx, body)
	if len(responses) == 0 {
		return nil
	}

	var out []byte
	var err error
	if single {
		out, err = json.Marshal(responses[0])
	} else {
		out, err = json.Marshal(responses)
	}
	if err != nil {
		// A procedure returned a value that cannot be encoded.
		e.logger.Error("jsonrpc: encode response", "error", err)
		out, _ = json.Marshal(errorResponse(nil, NewInternalError("response encoding failed")))
	}
	return out
}

// handleBody processes the JSON-RPC request body and returns the responses
// to send. single reports that the body was a lone request (not a batch).
func (e *JSONRPCEndpoint) handleBody(ctx context.Context, body []byte) (responses []response, single bool) {
	body = bytes.TrimSpace(body)

	var reqs []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &reqs); err != nil {
			return []response{errorResponse(nil, NewParseError("parse error"))}, true
		}
		if len(reqs) == 0 {
			return []response{errorResponse(nil, NewInvalidRequestError("invalid request"))}, true
		}
	} else {
		reqs = []json.RawMessage{body}
		single = true
	}

	responses = make([]response, 0, len(reqs))
	for _, rawReq := range reqs {
		rawReq = bytes.TrimSpace(rawReq)
		if !json.Valid(rawReq) {
			responses = append(responses, errorResponse(nil, NewParseError("parse error")))
			continue
		}

		var req request
		if len(rawReq) == 0 || rawReq[0] != '{' || json.Unmarshal(rawReq, &req) != nil {
			responses = append(responses, errorResponse(nil, NewInvalidRequestError("invalid request")))
			continue
		}

		if req.JSONRPC != nil && *req.JSONRPC != "2.0" {
			responses = append(responses, errorResponse(req.ID, NewInvalidRequestError("invalid request")))
			continue
		}

		if req.Method == "" {
			responses = append(responses, req.reply(errorResponse(req.ID, NewInvalidRequestError("method required"))))
			continue
		}

		// Notification: no id means no response expected.
		if req.ID == nil {
			e.invokeMethod(ctx, req.Method, req.Params)
			continue
		}

		result, err := e.invokeMethod(ctx, req.Method, req.Params)
		if err != nil {
			responses = append(responses, req.reply(errorResponse(req.ID, mapError(err))))
			continue
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			responses = append(responses, req.reply(errorResponse(req.ID, NewInternalError("result encoding failed"))))
			continue
		}
		responses = append(responses, req.reply(response{Result: encoded, ID: req.ID}))
	}

	return responses, single
}

type request struct {
	JSONRPC *string         `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// reply stamps resp with the protocol version when the request named one.
// Requests without a "jsonrpc" member get bare {result, id} replies.
func (r *request) reply(resp response) response {
	if r.JSONRPC != nil {
		resp.JSONRPC = *r.JSONRPC
	}
	return resp
}

// response is a single JSON-RPC response object. Exactly one of Result and
// Error is set; ID is written as null when the request id is unknown.
// JSONRPC is empty when the version could not be established.
type response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func errorResponse(id json.RawMessage, err *JSONRPCError) response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return response{Error: err, ID: id}
}

// ErrorBody returns a serialized error response with a null id, for callers
// that must answer without running the request.
func ErrorBody(err *JSONRPCError) []byte {
	out, _ := json.Marshal(errorResponse(nil, err))
	return out
}

// parseFunc extracts procedure signature information via reflection.
//
// Valid signatures:
//
//	func([ctx context.Context,] args...) [result] [error]
//
// At most two results are allowed; when there are two the last must be error.
func parseFunc(fn reflect.Value, name string) (*rpcMethod, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function")
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("variadic procedures are not supported")
	}

	rpc := &rpcMethod{fn: fn, methodName: name}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		rpc.hasCtx = true
		first = 1
	}
	for i := first; i < ft.NumIn(); i++ {
		rpc.argTypes = append(rpc.argTypes, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			rpc.hasError = true
		} else {
			rpc.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("second result must be error")
		}
		rpc.hasResult = true
		rpc.hasError = true
	default:
		return nil, fmt.Errorf("too many results")
	}

	if len(rpc.argTypes) == 1 && rpc.argTypes[0].Kind() == reflect.Struct {
		parseStructParams(rpc, rpc.argTypes[0])
	}
	return rpc, nil
}

func parseStructParams(rpc *rpcMethod, paramType reflect.Type) {
	rpc.structParams = true
	paramNames := make([]string, 0)
	paramFields := make([]int, 0)
	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("jsonrpc"); tag != "" {
				rpc.methodName = tag
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "" {
			paramNames = append(paramNames, field.Name)
			paramFields = append(paramFields, i)
		} else {
			name := strings.Split(jsonTag, ",")[0]
			if name == "" || name == "-" {
				continue
			}
			paramNames = append(paramNames, name)
			paramFields = append(paramFields, i)
		}
	}
	rpc.paramNames = paramNames
	rpc.paramFields = paramFields
}

func (e *JSONRPCEndpoint) invokeMethod(ctx context.Context, name string, params json.RawMessage) (interface{}, error) {
	e.mu.RLock()
	method, ok := e.methods[name]
	e.mu.RUnlock()

	if !ok {
		return nil, NewMethodNotFoundError("method not found: " + name)
	}

	return method.call(ctx, e.logger, params)
}

// mapError converts any error to a JSON-RPC error.
// JSONRPCError types preserve their code; other errors become InternalError.
func mapError(err error) *JSONRPCError {
	if rpcErr, ok := err.(*JSONRPCError); ok {
		return rpcErr
	}
	return &JSONRPCError{
		Code:    CodeInternalError,
		Message: err.Error(),
	}
}
