// Package udp implements the datagram transport: listeners and dialers for
// udp://, udp4:// and udp6:// URLs, each owning one socket and one pipe.
//
// A pipe carries discrete messages. Every send maps to exactly one
// datagram and every delivered receive is exactly one datagram; message
// boundaries are never merged or split, and nothing is retransmitted.
//
// # Lifecycle
//
//  1. NewListener / NewDialer validate the URL and create the option scope
//  2. Start binds (listener) or binds and connects (dialer), registers the
//     endpoint's statistics and starts the pipe
//  3. The protocol layer submits aio operations with Pipe.Send and Pipe.Recv
//  4. Close completes every pending operation with ErrClosed, closes the
//     socket and unregisters the statistics
//
// # Receive buffers
//
// Each arrival is read into a scratch buffer sized for the largest possible
// datagram. Datagrams above RECVMAXSZ are dropped silently and counted;
// those up to UDP_COPY_MAX are copied into pooled buffers; anything between
// the two is copied into an exact-size allocation.
//
// # Peers
//
// A dialer's pipe talks to the fixed address it connected to. A listener's
// pipe replies to whichever peer sent the most recently delivered datagram,
// so one listener serves one logical peer at a time.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
