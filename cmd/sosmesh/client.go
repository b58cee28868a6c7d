package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const apiTimeout = 10 * time.Second

// apiClient talks to the HTTP API of a running node.
type apiClient struct {
	base   string
	client *fasthttp.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base:   "http://" + addr,
		client: &fasthttp.Client{Name: "sosmesh-cli"},
	}
}

// do sends a request and decodes a JSON response into out.
func (c *apiClient) do(method, path string, body any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	if err := c.client.DoTimeout(req, resp, apiTimeout); err != nil {
		return fmt.Errorf("contacting node at %s: %w", c.base, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.Unmarshal(resp.Body(), &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = fasthttp.StatusMessage(code)
		}
		return fmt.Errorf("node returned %d: %s", code, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Body(), out)
}
