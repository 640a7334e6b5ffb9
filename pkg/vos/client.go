// Package vos talks to the certificate-manager REST API of voice-OS
// appliances: CSR generation, identity certificate upload and trust
// store maintenance.
package vos

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/certstore"
	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

const certmgrBasePath = "/platformcom/api/v1/certmgr/config"

// Client is the device adapter. Appliances present self-signed
// certificates before their first renewal, so TLS verification is
// disabled; authentication is HTTP Basic with the connection
// credentials.
type Client struct {
	http    common.HTTPClient
	baseURL func(conn *common.Connection) string
	logger  zerolog.Logger
}

// NewClient builds the adapter with its own HTTP client.
func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed device certs
	}
	return &Client{
		http: &http.Client{Timeout: timeout, Transport: transport},
		baseURL: func(conn *common.Connection) string {
			return "https://" + conn.FQDN() + certmgrBasePath
		},
		logger: logger.With().Str("component", "vos").Logger(),
	}
}

type csrRequest struct {
	Service       string   `json:"service"`
	Distribution  string   `json:"distribution"`
	CommonName    string   `json:"commonName"`
	KeyType       string   `json:"keyType"`
	KeyLength     int      `json:"keyLength"`
	HashAlgorithm string   `json:"hashAlgorithm"`
	AltNames      []string `json:"altNames,omitempty"`
}

type csrResponse struct {
	CSR string `json:"csr"`
}

// GenerateCSR asks the appliance to create a tomcat CSR for the
// connection's FQDN and returns the PEM text.
func (c *Client) GenerateCSR(ctx context.Context, conn *common.Connection) (string, error) {
	body := csrRequest{
		Service:       "tomcat",
		Distribution:  "this-server",
		CommonName:    conn.FQDN(),
		KeyType:       "rsa",
		KeyLength:     2048,
		HashAlgorithm: "sha256",
	}
	if len(conn.AltNames) > 0 {
		body.AltNames = conn.AltNames
	}

	respBody, status, err := c.post(ctx, conn, "/csr", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", deviceError(conn, "generate csr", status, respBody)
	}

	var parsed csrResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", common.WrapError(err, common.KindDeviceAPI, "generate csr", "unparseable response").
			WithResource(conn.FQDN())
	}
	if parsed.CSR == "" {
		return "", common.NewError(common.KindDeviceAPI, "generate csr", "response contained no csr").
			WithResource(conn.FQDN())
	}
	c.logger.Info().Str("device", conn.FQDN()).Msg("device generated CSR")
	return parsed.CSR, nil
}

type identityUpload struct {
	Service      string   `json:"service"`
	Certificates []string `json:"certificates"`
}

// UploadIdentityCertificate installs the leaf certificate as the
// appliance's tomcat identity certificate.
func (c *Client) UploadIdentityCertificate(ctx context.Context, conn *common.Connection, leafPEM string) error {
	body := identityUpload{Service: "tomcat", Certificates: []string{leafPEM}}
	respBody, status, err := c.post(ctx, conn, "/identity/certificates", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return deviceError(conn, "upload identity certificate", status, respBody)
	}
	c.logger.Info().Str("device", conn.FQDN()).Msg("identity certificate uploaded")
	return nil
}

type trustListResponse struct {
	Certificates []json.RawMessage `json:"certificates"`
}

// ListTrustCertificates returns the PEM bodies of the tomcat trust
// store. Failures are non-fatal and reported as an empty list: the
// worst case is re-uploading a certificate the device already has.
func (c *Client) ListTrustCertificates(ctx context.Context, conn *common.Connection) []string {
	req, err := c.newRequest(ctx, conn, http.MethodGet, "/trust/certificate?service=tomcat", nil)
	if err != nil {
		c.logger.Warn().Str("device", conn.FQDN()).Err(err).Msg("trust certificate listing failed")
		return nil
	}
	respBody, status, err := c.do(req)
	if err != nil || status != http.StatusOK {
		c.logger.Warn().Str("device", conn.FQDN()).Int("status", status).Err(err).
			Msg("trust certificate listing failed")
		return nil
	}

	var parsed trustListResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Warn().Str("device", conn.FQDN()).Err(err).Msg("trust certificate listing unparseable")
		return nil
	}

	var pems []string
	for _, raw := range parsed.Certificates {
		// Entries are either bare PEM strings or objects carrying a
		// "certificate" field, depending on device version.
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			pems = append(pems, asString)
			continue
		}
		var asObject struct {
			Certificate string `json:"certificate"`
		}
		if err := json.Unmarshal(raw, &asObject); err == nil && asObject.Certificate != "" {
			pems = append(pems, asObject.Certificate)
		}
	}
	return pems
}

type trustUpload struct {
	Service      []string `json:"service"`
	Certificates []string `json:"certificates"`
	Description  string   `json:"description"`
}

// UploadTrustCertificates uploads the chain certificates the device
// does not already trust. Certificates are compared by normalized PEM
// equality; when nothing is new the upload is skipped.
func (c *Client) UploadTrustCertificates(ctx context.Context, conn *common.Connection, chainPEMs []string) error {
	existing := make(map[string]bool)
	for _, pem := range c.ListTrustCertificates(ctx, conn) {
		existing[certstore.NormalizePEM(pem)] = true
	}

	var newOnly []string
	for _, pem := range chainPEMs {
		if !existing[certstore.NormalizePEM(pem)] {
			newOnly = append(newOnly, pem)
		}
	}
	if len(newOnly) == 0 {
		c.logger.Info().Str("device", conn.FQDN()).Msg("all trust certificates already present, skipping upload")
		return nil
	}

	body := trustUpload{Service: []string{"tomcat"}, Certificates: newOnly, Description: "Trust Certificate"}
	respBody, status, err := c.post(ctx, conn, "/trust/certificates", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return deviceError(conn, "upload trust certificates", status, respBody)
	}
	c.logger.Info().Str("device", conn.FQDN()).Int("uploaded", len(newOnly)).Msg("trust certificates uploaded")
	return nil
}

func (c *Client) newRequest(ctx context.Context, conn *common.Connection, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(conn)+path, body)
	if err != nil {
		return nil, common.WrapError(err, common.KindDeviceAPI, "build request", "").WithResource(conn.FQDN())
	}
	req.SetBasicAuth(conn.Username, conn.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, conn *common.Connection, path string, payload any) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, common.WrapError(err, common.KindDeviceAPI, "encode request", "").WithResource(conn.FQDN())
	}
	req, err := c.newRequest(ctx, conn, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, common.WrapError(err, common.KindDeviceAPI, "device request", "").
			WithResource(req.URL.Host)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, common.WrapError(err, common.KindDeviceAPI, "read response", "").
			WithResource(req.URL.Host)
	}
	return body, resp.StatusCode, nil
}

func deviceError(conn *common.Connection, op string, status int, body []byte) error {
	return common.NewError(common.KindDeviceAPI, op,
		fmt.Sprintf("device returned status %d: %s", status, truncate(string(body), 200))).
		WithResource(conn.FQDN())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
