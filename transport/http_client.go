package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duplex-rpc/protocol"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
)

// HTTPClient is the HTTP-polling variant of OutputConnector. Outbound frames are POSTed;
// inbound frames are fetched by a poll loop issuing GET ?id=<receiver>.
type HTTPClient struct {
	url    string
	opts   *ClientOptions
	client *http.Client
	logger  *zap.Logger
	session string // Same for every Open of this connector, see SessionHeader

	mu         sync.Mutex
	open       bool
	receiverID string
	cancel     context.CancelFunc // stops the poll loop and aborts its in-flight GET
	done       chan struct{}      // closed when the poll loop exits
}

// NewHTTPClient creates a connector for the service URL.
func NewHTTPClient(serviceURL string, options ...ClientOption) *HTTPClient {
	opts := newClientOptions("http-client", options)
	c := opts.HTTPClient
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{url: serviceURL, opts: opts, client: c, logger: opts.Logger, session: uuid.NewV4().String()}
}

func (c *HTTPClient) Open(ctx context.Context) error {
	if _, err := url.Parse(c.url); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return ErrAlreadyOpen
	}
	c.open = true
	return nil
}

func (c *HTTPClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *HTTPClient) Send(f *protocol.Frame) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if f.ReceiverID != "" {
		c.receiverID = f.ReceiverID
	}
	c.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(protocol.Marshal(f)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SessionHeader, c.session)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	return statusError(resp)
}

// Receive starts the poll loop. The receiver id is taken from the Open frame sent before.
func (c *HTTPClient) Receive(onFrame FrameHandler, onClose CloseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	if c.receiverID == "" {
		return errors.New("transport: receive before any frame identified the receiver")
	}
	if c.done != nil {
		return errors.New("transport: already receiving")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pollLoop(ctx, c.receiverID, c.done, onFrame, onClose)
	return nil
}

// pollLoop polls until Close, a transport error, or a 404 (the server forgot us).
// A poll that returned frames is followed immediately by another one; an empty poll waits
// PollInterval.
func (c *HTTPClient) pollLoop(ctx context.Context, receiverID string, done chan struct{}, onFrame FrameHandler, onClose CloseHandler) {
	defer close(done)

	pollURL := c.url + "?id=" + url.QueryEscape(receiverID)
	for {
		frames, err := c.poll(ctx, pollURL)
		if ctx.Err() != nil {
			return // local Close
		}
		// A malformed poll response still delivers the frames decoded before the bad one
		if err == nil || protocol.IsFormatError(err) {
			for _, f := range frames {
				if f.Kind == protocol.FrameUnknown {
					c.logger.Warn("dropping frame of unknown kind", zap.String("receiver", receiverID))
					continue
				}
				if !onFrame(f) {
					err = io.EOF
					break
				}
			}
		}
		if err != nil {
			if protocol.IsFormatError(err) {
				c.logger.Warn("dropping malformed poll response", zap.String("receiver", receiverID), zap.Error(err))
			} else {
				c.mu.Lock()
				if c.done == done {
					c.open = false
					c.cancel()
					c.cancel, c.done = nil, nil
				}
				c.mu.Unlock()
				if onClose != nil {
					onClose(err)
				}
				return
			}
		}

		if len(frames) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *HTTPClient) poll(ctx context.Context, pollURL string) ([]*protocol.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)
	if err := statusError(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalAll(body)
}

// Close stops polling. It does not notify the server; the owner sends the Close frame first.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.open = false
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownReceiver
	case resp.StatusCode == http.StatusConflict:
		return ErrDuplicateReceiver
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("transport: received status code %d", resp.StatusCode)
	}
	return nil
}

// drainAndClose drains and closes an HTTP response body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
