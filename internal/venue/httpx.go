package venue

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/pkg/exception"
)

// RequestSigner decorates an outgoing REST request with venue credentials.
type RequestSigner func(req *http.Request, body []byte) error

// RESTClient is the JSON transport shared by the REST venues.
type RESTClient struct {
	BaseURL string
	HTTP    *http.Client
	Sign    RequestSigner
	// Classify maps a status and body to an error. ClassifyStatus when nil.
	Classify func(code int, body []byte) error
}

// Do sends a JSON request and decodes a JSON response into out.
// Network failures, 429 and 5xx are transient; any other non-2xx status is a rejection.
func (c RESTClient) Do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = sonic.ConfigFastest.Marshal(payload)
		if err != nil {
			return errors.Rejected(errors.Wrap(err, "marshal request"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Rejected(errors.Wrap(err, "build request"))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Sign != nil {
		if err := c.Sign(req, body); err != nil {
			return errors.Fatal(errors.Wrap(err, "sign request"))
		}
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Transient(errors.Wrap(err, "send request"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Transient(errors.Wrap(err, "read response"))
	}
	classify := c.Classify
	if classify == nil {
		classify = ClassifyStatus
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.ConfigFastest.Unmarshal(data, out); err != nil {
		return errors.Transient(errors.Wrap(exception.ErrOrderDecodeResponse, err.Error()))
	}
	return nil
}

// ClassifyStatus maps an HTTP status to the error taxonomy.
func ClassifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return errors.Transient(errors.Wrap(exception.ErrVenueRateLimited, string(body)))
	case code >= 500:
		return errors.Transient(errors.Wrap(exception.ErrVenueUnavailable, string(body)))
	case code == http.StatusNotFound:
		return errors.Rejected(errors.Wrap(exception.ErrVenueUnknownOrder, string(body)))
	default:
		return errors.Rejected(errors.Wrap(exception.ErrVenueRejected, string(body)))
	}
}

// ParseDecimal parses a venue amount. Empty strings are zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Transient(errors.Wrap(exception.ErrOrderDecodeResponse, err.Error()))
	}
	return d, nil
}
