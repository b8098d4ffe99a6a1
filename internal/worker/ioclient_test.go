package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/temoto/heroshi/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// pipeEngine fakes the io-worker over in-memory pipes.
type pipeEngine struct {
	client   *FetchClient
	requests *bufio.Scanner
	respond  *io.PipeWriter
	reqRead  *io.PipeReader
}

func newPipeEngine() *pipeEngine {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	return &pipeEngine{
		client:   newFetchClient(reqW, respR, testLogger),
		requests: bufio.NewScanner(reqR),
		respond:  respW,
		reqRead:  reqR,
	}
}

func (e *pipeEngine) nextRequest(t *testing.T) string {
	t.Helper()
	lineCh := make(chan string, 1)
	go func() {
		if e.requests.Scan() {
			lineCh <- e.requests.Text()
		}
	}()
	select {
	case line := <-lineCh:
		return line
	case <-time.After(time.Second):
		t.Fatal("no request line arrived")
		return ""
	}
}

func (e *pipeEngine) sendResponse(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(e.respond, line+"\n"); err != nil {
		t.Fatalf("send response: %v", err)
	}
}

func TestFetchClientRoundTrip(t *testing.T) {
	e := newPipeEngine()
	defer e.client.Close()

	resultCh := make(chan *types.FetchResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := e.client.Fetch(context.Background(), "http://a/")
		resultCh <- res
		errCh <- err
	}()

	if got := e.nextRequest(t); got != "http://a/" {
		t.Fatalf("expected request line http://a/, got %q", got)
	}

	// Mixed-case keys must be normalized on read.
	e.sendResponse(t, `{"URL":"http://a/","Status":"200 OK","StatusCode":200,"Body":"<html></html>","Headers":{"content-type":"text/html"}}`)

	res := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Result != "OK" {
		t.Errorf(`expected result "OK", got %q`, res.Result)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}
	if res.Content != "<html></html>" {
		t.Errorf("body not mapped to content: %q", res.Content)
	}
	if res.Headers["content-type"] != "text/html" {
		t.Errorf("headers lost: %v", res.Headers)
	}
}

func TestFetchClientNon200Mapping(t *testing.T) {
	e := newPipeEngine()
	defer e.client.Close()

	done := make(chan *types.FetchResult, 1)
	go func() {
		res, _ := e.client.Fetch(context.Background(), "http://a/missing")
		done <- res
	}()
	e.nextRequest(t)
	e.sendResponse(t, `{"url":"http://a/missing","status":"404 Not Found","statusCode":404,"body":""}`)

	res := <-done
	if res.Result != "non-200: 404 Not Found" {
		t.Errorf("unexpected result %q", res.Result)
	}
	if res.StatusCode != 404 {
		t.Errorf("expected 404, got %d", res.StatusCode)
	}
}

func TestFetchClientCoalescing(t *testing.T) {
	e := newPipeEngine()
	defer e.client.Close()

	// The first startFetch blocks writing the request line until
	// nextRequest reads it, so register it from a goroutine and
	// synchronize on that write completing.
	var call1 *fetchCall
	writeDone := make(chan error, 1)
	go func() {
		c, err := e.client.startFetch("http://same/")
		call1 = c
		writeDone <- err
	}()

	// Exactly one request line for two concurrent callers.
	e.nextRequest(t)
	if err := <-writeDone; err != nil {
		t.Fatalf("startFetch: %v", err)
	}

	// By now call1 is registered in the pending map and no response has
	// been sent yet, so this second registration is guaranteed to
	// coalesce onto it rather than racing to send its own request.
	call2, err := e.client.startFetch("http://same/")
	if err != nil {
		t.Fatalf("startFetch: %v", err)
	}
	if call1 != call2 {
		t.Fatal("expected second caller to coalesce onto the first call")
	}

	e.sendResponse(t, `{"url":"http://same/","status":"200 OK","statusCode":200,"body":"x"}`)

	results := make(chan *types.FetchResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			select {
			case <-call1.done:
				results <- call1.result
			case <-time.After(time.Second):
				results <- nil
			}
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.Content != "x" {
				t.Errorf("caller %d got wrong content %q", i, res.Content)
			}
		case <-time.After(time.Second):
			t.Fatal("coalesced caller did not complete")
		}
	}

	e.client.mu.Lock()
	pending := len(e.client.pending)
	e.client.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected no pending fetches, got %d", pending)
	}
}

func TestFetchClientStrayResponseDropped(t *testing.T) {
	e := newPipeEngine()
	defer e.client.Close()

	e.sendResponse(t, `{"url":"http://nobody-asked/","status":"200 OK","statusCode":200,"body":""}`)

	// The client must still work after a stray response.
	done := make(chan *types.FetchResult, 1)
	go func() {
		res, _ := e.client.Fetch(context.Background(), "http://b/")
		done <- res
	}()
	e.nextRequest(t)
	e.sendResponse(t, `{"url":"http://b/","status":"200 OK","statusCode":200,"body":"ok"}`)
	res := <-done
	if res.Content != "ok" {
		t.Errorf("unexpected content %q", res.Content)
	}
}

func TestFetchClientCancelledOnClose(t *testing.T) {
	e := newPipeEngine()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.client.Fetch(context.Background(), "http://slow/")
		errCh <- err
	}()
	e.nextRequest(t)

	e.client.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, types.ErrFetchCancelled) {
			t.Errorf("expected ErrFetchCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not observe close")
	}
}

func TestFetchClientDeadEngine(t *testing.T) {
	e := newPipeEngine()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.client.Fetch(context.Background(), "http://doomed/")
		errCh <- err
	}()
	e.nextRequest(t)

	// Engine dies: stdout closes.
	e.respond.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, types.ErrIoWorkerDead) {
			t.Errorf("expected ErrIoWorkerDead, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight fetch did not fail on engine death")
	}

	select {
	case <-e.client.Dead():
	case <-time.After(time.Second):
		t.Fatal("Dead channel not closed")
	}
}

func TestFetchClientTimeout(t *testing.T) {
	e := newPipeEngine()
	defer e.client.Close()

	// Drain the request line so the write does not block the fetch.
	go e.requests.Scan()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.client.Fetch(ctx, "http://never-answers/")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
