/*
Package spanstream buffers serialized spans and streams them to satellites over
long-lived chunked HTTP requests, including:

  - `spanstream.Recorder` - accepts spans from any number of goroutines without
    blocking, and streams them from a single consumer goroutine
  - `spanstream.Chain` - the block chain a span is serialized into, and then
    written from, without ever being copied
  - `spanstream.Encoder` - a msgpack encoder writing straight into a `Chain`
  - `spanstream.ConnectionStream` - the byte stream of one satellite request,
    resumable after a write of any size

Each satellite request carries a stream header (the reporter, the access token,
and the number of spans dropped since the last header reached a satellite),
followed by one chunk per span, and ends with the terminal chunk when the
connection is gracefully shut down.

Examples of efficiency optimizations:

  - spans are written with gather writes straight from the blocks of their
    chains, and chains and their blocks are pooled
  - the span buffer is a lock-free ring; recording a span is a couple of atomic
    operations, and a full buffer drops the span rather than waiting
  - a span left partially written by a blocked connection is finished by that
    connection, while the other connections carry on with the following spans
  - writes never block for longer than a short write slice, so one slow
    satellite doesn't hold back the others
*/
package spanstream
