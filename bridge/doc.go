// Package bridge lets remote callers invoke JSON-RPC procedures through a
// streaming HTTP server.
//
// The HTTP layer drives a Bridge through HTTPCapabilities:
//
//  1. PostBegin when a POST arrives. Only the RPC path is accepted; anything
//     else is declined and should be served normally.
//  2. PostReceiveData for each body chunk, in order.
//  3. PostFinished once the body is complete. The body is handed to the
//     Engine and the serialized response is stored as a single-use virtual
//     file whose name is returned.
//  4. Open the returned name (Bridge is an fs.FS), serve it, and Close it.
//     Closing releases the response; the name then resolves to
//     fs.ErrNotExist.
//
// PostAbort must be called when a connection goes away before PostFinished,
// otherwise its partial body stays buffered.
//
// A Bridge performs no locking. Every call, including reads of Stats and the
// Open and Close of response files, must be serialized by the caller. The
// server package does this with a single executor goroutine.
//
// Response names are sealed tokens (see TokenCodec) ending in ".json", so they
// cannot be guessed and file servers label them as JSON.
package bridge
