/*
Package client implements the local client API surface (spec.md §4.7, C7):
two Unix-domain stream endpoints, a "client" socket (mode 0660) and an
"admin" socket (mode 0600), speaking the fixed-header request/reply
protocol described there.

Each accepted connection gets its own goroutine reading requests and a
dedicated writer goroutine draining an outbound queue; Send is
non-blocking (a full queue drops the oldest pending write rather than
stall the reader), the idiomatic-Go equivalent of cman's non-blocking
socket plus write-readiness-rearm scheme (spec.md §4.7's reply/queue
policy) without hand-rolling an epoll reactor.

Long-running operations (barrier wait) reply with StatusWouldBlock
immediately and push the real reply through the same queue once the
operation completes, matching the WOULDBLOCK-then-async-reply contract.
*/
package client
