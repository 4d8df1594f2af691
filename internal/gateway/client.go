// Package gateway talks to the remote ingestion gateway: REST resources for sessions,
// uploads and processing, and an S3-compatible multipart endpoint for the content itself.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type Options struct {
	Server             string // REST root, e.g. https://host/Panopto/PublicAPI/REST
	APIKey             string
	StorageAccessKey   string
	StorageSecretKey   string
	StorageRegion      string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

type Client struct {
	rest       *resty.Client
	httpClient *http.Client
	opts       Options
	newBackend func(Target) transferBackend
}

func New(opts Options) *Client {
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.Server, "/")).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetHeader("Accept", "application/json").
		SetTLSClientConfig(tlsConfig)
	if opts.APIKey != "" {
		rest.SetAuthToken(opts.APIKey)
	}
	if opts.Timeout > 0 {
		rest.SetTimeout(opts.Timeout)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	c := &Client{
		rest:       rest,
		httpClient: &http.Client{Transport: transport, Timeout: opts.Timeout},
		opts:       opts,
	}
	c.newBackend = c.s3Backend
	return c
}

// Check verifies that the gateway is reachable and accepts the API key.
func (c *Client) Check(ctx context.Context) error {
	resp, err := c.rest.R().SetContext(ctx).Get("/session")
	if err != nil {
		return &GatewayError{Op: "check", Err: err}
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &GatewayError{Op: "check", StatusCode: resp.StatusCode(), Message: "authentication failed: invalid API key"}
	}
	if resp.StatusCode() >= 500 {
		return &GatewayError{Op: "check", StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

// CreateSession creates a session in folderID and returns its id.
func (c *Client) CreateSession(ctx context.Context, folderID, displayName string) (string, error) {
	var session Session
	err := c.send(ctx, "create session", http.MethodPost, "/session", http.StatusCreated,
		Session{Name: displayName, ParentFolderID: folderID}, &session)
	if err != nil {
		return "", err
	}
	if session.ID == "" {
		return "", &GatewayError{Op: "create session", StatusCode: http.StatusCreated, Message: "response has no session id"}
	}
	return session.ID, nil
}

// CreateUpload creates an upload in sessionID. The returned UploadTarget is the descriptor
// the chunked transfer is opened against.
func (c *Client) CreateUpload(ctx context.Context, sessionID, displayName string) (*Upload, error) {
	var upload Upload
	err := c.send(ctx, "create upload", http.MethodPost, "/upload", http.StatusCreated,
		Upload{SessionID: sessionID, UploadTarget: displayName}, &upload)
	if err != nil {
		return nil, err
	}
	if upload.ID == "" || upload.UploadTarget == "" {
		return nil, &GatewayError{Op: "create upload", StatusCode: http.StatusCreated, Message: "response has no upload id or target"}
	}
	if upload.SessionID == "" {
		upload.SessionID = sessionID
	}
	return &upload, nil
}

// MarkUploadProcessing tells the gateway the content is committed and can be processed.
func (c *Client) MarkUploadProcessing(ctx context.Context, upload *Upload) error {
	body := Processing{
		Resource:     Resource{ID: upload.ID},
		SessionID:    upload.SessionID,
		UploadTarget: upload.UploadTarget,
		State:        UploadStateProcessing,
	}
	var out Processing
	return c.send(ctx, "mark upload processing", http.MethodPut, "/upload/"+upload.ID, http.StatusOK, body, &out)
}

func (c *Client) send(ctx context.Context, op, method, path string, want int, body, result interface{}) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		Execute(method, path)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	if resp.StatusCode() != want {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	if result == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
