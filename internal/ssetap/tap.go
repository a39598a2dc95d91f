// Package ssetap observes a server-sent-event body on its way to the client
// and recovers the token usage reported in it, without altering or holding
// back any byte.
package ssetap

import (
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Usage mirrors the OpenAI usage object. Members the provider omitted are nil.
type Usage struct {
	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
}

// Summary is what the tap learned once the stream ended.
type Summary struct {
	SawDone bool
	Usage   *Usage

	// Truncated is set when the parser fell more than MaxPending bytes behind
	// the reader and stopped observing. Usage is then not trustworthy.
	Truncated bool
}

// MaxPending bounds the bytes copied to the parser but not yet parsed.
const MaxPending = 4 << 20

// Tap is an io.ReadCloser that returns exactly the bytes of its source. Each
// chunk read is also copied to a parser goroutine; the copy never blocks the
// reader.
type Tap struct {
	src   io.Reader
	queue *chunkQueue

	finishOnce sync.Once
	done       chan struct{}
	summary    Summary
}

func New(src io.Reader) *Tap {
	return newTap(src, MaxPending)
}

func newTap(src io.Reader, maxPending int) *Tap {
	t := &Tap{
		src:   src,
		queue: newChunkQueue(maxPending),
		done:  make(chan struct{}),
	}
	go t.parse()
	return t
}

func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		t.queue.push(bytes.Clone(p[:n]))
	}
	if err != nil {
		t.finish()
	}
	return n, err
}

// Close ends observation and closes the source if it is an io.Closer. Bytes
// not yet read are never parsed.
func (t *Tap) Close() error {
	t.finish()
	if c, ok := t.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *Tap) finish() {
	t.finishOnce.Do(t.queue.close)
}

// Done is closed once the summary is final.
func (t *Tap) Done() <-chan struct{} {
	return t.done
}

// Summary blocks until Done and returns the final result.
func (t *Tap) Summary() Summary {
	<-t.done
	return t.summary
}

// Wait blocks until the stream has ended and been parsed, or ctx ends.
func (t *Tap) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-t.done:
		return t.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (t *Tap) parse() {
	defer close(t.done)

	var p framer
	r := transform.NewReader(t.queue, unicode.UTF8.NewDecoder())
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if t.queue.overflowed() {
		t.summary = Summary{Truncated: true}
		return
	}
	t.summary = Summary{SawDone: p.sawDone, Usage: p.usage}
}

// chunkQueue hands copies from the reading goroutine to the parser. push
// never waits on the parser; once more than limit bytes are pending the queue
// is dropped and the parser sees EOF.
type chunkQueue struct {
	mu       sync.Mutex
	chunks   [][]byte
	pending  int
	limit    int
	eof      bool
	overflow bool
	ready    chan struct{}
}

func newChunkQueue(limit int) *chunkQueue {
	return &chunkQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *chunkQueue) push(b []byte) {
	q.mu.Lock()
	if q.eof {
		q.mu.Unlock()
		return
	}
	if q.pending+len(b) > q.limit {
		q.chunks, q.pending = nil, 0
		q.eof, q.overflow = true, true
	} else {
		q.chunks = append(q.chunks, b)
		q.pending += len(b)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	q.eof = true
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *chunkQueue) Read(p []byte) (int, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			head := q.chunks[0]
			n := copy(p, head)
			if n == len(head) {
				q.chunks[0] = nil
				q.chunks = q.chunks[1:]
			} else {
				q.chunks[0] = head[n:]
			}
			q.pending -= n
			q.mu.Unlock()
			return n, nil
		}
		if q.eof {
			q.mu.Unlock()
			return 0, io.EOF
		}
		q.mu.Unlock()
		<-q.ready
	}
}
