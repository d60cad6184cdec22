/*
Package protocol implements the wire format spoken between the bridge and its worker process.

The transport is newline-delimited JSON over the worker's stdin and stdout. Every request is a single JSON object
terminated by a line feed, and every reply is a single JSON object terminated by a line feed:

	-> {"id":"a","payload":{"x":1},"submittedAtMonotonic":[12,500],"submittedAtWallClock":1700000000000}
	<- {"id":"a","payload":{"y":1}}

Replies may arrive in any order. The only link between a request and its reply is the "id" member, which the
worker must copy verbatim.

The worker's stdout is an unstructured byte stream, so a read may return half a frame, exactly one frame, or
several frames at once. FrameReader scans every chunk for terminators and re-buffers the trailing partial frame.
*/
package protocol
