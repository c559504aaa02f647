// Package jsonrpc is the JSON-RPC 2.0 engine behind the device bridge.
//
// Requests follow JSON-RPC 2.0 (https://www.jsonrpc.org/specification). The
// "jsonrpc" member may be omitted; if present it must be "2.0" and is echoed
// in the reply. Without it replies are the bare {"result":...,"id":...} form.
// Single requests, batches and notifications are supported.
//
// # Usage
//
// A device builds one engine and exports its procedures on it:
//
//	e := jsonrpc.NewEndpoint()
//	e.RegisterFunc("ping", func(ctx context.Context) string { return "pong" })
//	e.Register("camera", &Camera{})
//
// The bridge feeds complete request bodies to Process:
//
//	out := e.Process(ctx, []byte(`{"method":"camera.SetExposure","params":[120],"id":1}`))
//
// # Procedures
//
// Exported methods of a registered value become procedures named
// "namespace.Method", or just "Method" for an empty namespace. A procedure
// may take a leading context.Context, then any JSON-decodable arguments. It
// may return nothing, a result, an error, or a result and an error:
//
//	func(ctx context.Context, channel int) (int, error)
//	func(name string) string
//	func(ctx context.Context) error
//
// Array params bind to the arguments in order. When the only argument is a
// struct, an object binds by json tag and every tagged field must be
// present; an array then binds to the fields in declaration order:
//
//	type Window struct {
//	    _      struct{} `jsonrpc:"segment_from_camera"`
//	    Offset int      `json:"offset"`
//	    Length int      `json:"length"`
//	}
//
// With Register, the `jsonrpc` tag on the blank field replaces the method
// name within the namespace.
//
// rpc.list is always available and returns the sorted procedure names.
//
// # Errors
//
// A *JSONRPCError returned by a procedure keeps its code and message; any
// other error becomes CodeInternalError, as does a panic. CodeServerBusy is
// reserved for the bridge when it refuses work.
package jsonrpc
