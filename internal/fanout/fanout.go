// Package fanout implements the request fan-out/rendezvous protocol: given a
// selected (prefill, decode) pair and a parsed chat request, it rewrites the
// body with bootstrap routing fields, dispatches to both workers
// concurrently, gates success on the prefill response, and streams the
// decode response back to the client.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sgl-project/disagg-lb/internal/chatapi"
	"github.com/sgl-project/disagg-lb/internal/lberrors"
	"github.com/sgl-project/disagg-lb/internal/loadtracker"
	"github.com/sgl-project/disagg-lb/internal/registry"
)

// hopByHopHeaders are stripped before forwarding a request upstream, per
// spec.md §4.D step 5.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

// Dispatcher owns the HTTP client used to talk to prefill/decode workers and
// the shared room counter used to assign bootstrap_room values.
type Dispatcher struct {
	Client      *http.Client
	RoomCounter *RoomCounter
	Log         *logrus.Logger
}

// NewDispatcher returns a Dispatcher with a client tuned for long-lived
// streaming responses: no overall request timeout (the decode stream may run
// for minutes), but a strict per-dial/header timeout is left to the
// transport's defaults.
func NewDispatcher(log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		Client:      &http.Client{},
		RoomCounter: &RoomCounter{},
		Log:         log,
	}
}

// ChatCompletions runs the full fan-out: body rewrite, concurrent dispatch,
// prefill gate, decode stream. It writes the response directly to w and
// releases both slots when the stream ends, whatever the outcome. The
// caller's slots must not be released a second time.
func (d *Dispatcher) ChatCompletions(ctx context.Context, w http.ResponseWriter, headers http.Header, req *chatapi.ChatCompletionsRequest, prefill registry.PrefillWorker, prefillRank uint, prefillSlot *loadtracker.Slot, decode registry.DecodeWorker, decodeRank uint, decodeSlot *loadtracker.Slot) error {
	defer prefillSlot.Release()
	defer decodeSlot.Release()

	prefillHost, err := hostOf(prefill.URL)
	if err != nil {
		return lberrors.UpstreamError("/v1/chat/completions", "prefill worker has no host: %v", err)
	}

	room := d.RoomCounter.Next(prefill.DPSize, prefillRank)
	bootstrapPort := 0
	if prefill.BootstrapPort != 0 {
		bootstrapPort = int(prefill.BootstrapPort)
	}
	body := req.WithRouting(prefillHost, bootstrapPort, room, decodeRank)
	payload, err := json.Marshal(body)
	if err != nil {
		return lberrors.UpstreamError("/v1/chat/completions", "serializing outbound body: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Both legs run on ctx, not on an errgroup.WithContext context: that one
	// is canceled as soon as Wait returns, which would abort the response
	// bodies still to be read below. A failed leg cancels ctx itself so the
	// other leg is aborted too.
	var prefillResp, decodeResp *http.Response
	var g errgroup.Group
	g.Go(func() error {
		resp, err := d.send(ctx, prefill.URL, "/v1/chat/completions", headers, payload)
		if err != nil {
			cancel()
			return fmt.Errorf("prefill dispatch: %w", err)
		}
		prefillResp = resp
		return nil
	})
	g.Go(func() error {
		resp, err := d.send(ctx, decode.URL, "/v1/chat/completions", headers, payload)
		if err != nil {
			cancel()
			return fmt.Errorf("decode dispatch: %w", err)
		}
		decodeResp = resp
		return nil
	})
	if err := g.Wait(); err != nil {
		closeIfNonNil(prefillResp)
		closeIfNonNil(decodeResp)
		cancel()
		return lberrors.UpstreamError("/v1/chat/completions", "%v", err)
	}

	if prefillResp.StatusCode < 200 || prefillResp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(prefillResp.Body, 4096))
		prefillResp.Body.Close()
		decodeResp.Body.Close()
		cancel()
		return lberrors.UpstreamError("/v1/chat/completions", "prefill returned status %d: %s", prefillResp.StatusCode, string(errBody))
	}
	// Prefill body carries rendezvous control bytes, not a user-visible
	// stream; drain and discard it.
	_, _ = io.Copy(io.Discard, prefillResp.Body)
	prefillResp.Body.Close()

	defer decodeResp.Body.Close()
	for k, vs := range decodeResp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(decodeResp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, rerr := decodeResp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				d.Log.WithError(werr).Warn("client disconnected mid-stream")
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			d.Log.WithError(rerr).Warn("decode stream transport error")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, workerURL, path string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return d.Client.Do(req)
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("empty host in %q", rawURL)
	}
	return host, nil
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(header) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}

func closeIfNonNil(resp *http.Response) {
	if resp != nil {
		resp.Body.Close()
	}
}
