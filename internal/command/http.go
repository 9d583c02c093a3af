package command

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTP calls a URL. Arguments:
//
//	url       target (required)
//	method    defaults to GET
//	body      request body
//	timeout   seconds, defaults to 30
//	header.X  sets request header X
type HTTP struct {
	Client *http.Client
}

func (HTTP) Name() string { return "http" }

func (h HTTP) Run(ctx context.Context, args map[string]string) error {
	url := args["url"]
	if url == "" {
		return errors.New("URL is required")
	}

	method := strings.ToUpper(args["method"])
	if method == "" {
		method = http.MethodGet
	}

	timeout := 30
	if s := args["timeout"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return errors.Newf("invalid timeout %q", s)
		}
		timeout = n
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	}

	var body io.Reader
	if b := args["body"]; b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	for k, v := range args {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			req.Header.Set(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	// 4xx and 5xx fail the execution
	if resp.StatusCode >= 400 {
		return errors.Newf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
