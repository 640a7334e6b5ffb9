package vos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

func testClient(server *httptest.Server) *Client {
	return &Client{
		http:    server.Client(),
		baseURL: func(conn *common.Connection) string { return server.URL },
		logger:  zerolog.Nop(),
	}
}

func testConn() *common.Connection {
	return &common.Connection{
		ID:              1,
		ApplicationType: common.AppTypeVOS,
		Hostname:        "cucm01",
		Domain:          "voice.example.com",
		Username:        "admin",
		Password:        "secret",
		AltNames:        []string{"cucm01-alt.voice.example.com"},
	}
}

func TestGenerateCSR(t *testing.T) {
	const csrPEM = "-----BEGIN CERTIFICATE REQUEST-----\nAAA\n-----END CERTIFICATE REQUEST-----\n"

	var got map[string]any
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/csr" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Error("basic auth credentials not forwarded")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]string{"csr": csrPEM})
	}))
	defer server.Close()

	csr, err := testClient(server).GenerateCSR(context.Background(), testConn())
	if err != nil {
		t.Fatalf("GenerateCSR() error = %v", err)
	}
	if csr != csrPEM {
		t.Errorf("GenerateCSR() = %q", csr)
	}

	want := map[string]any{
		"service":       "tomcat",
		"distribution":  "this-server",
		"commonName":    "cucm01.voice.example.com",
		"keyType":       "rsa",
		"keyLength":     float64(2048),
		"hashAlgorithm": "sha256",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("request %s = %v, want %v", key, got[key], value)
		}
	}
	altNames, _ := got["altNames"].([]any)
	if len(altNames) != 1 || altNames[0] != "cucm01-alt.voice.example.com" {
		t.Errorf("request altNames = %v", got["altNames"])
	}
}

func TestGenerateCSRDeviceFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server).GenerateCSR(context.Background(), testConn())
	if !common.IsKind(err, common.KindDeviceAPI) {
		t.Errorf("error kind = %q, want DEVICE_API", common.KindOf(err))
	}
}

func TestGenerateCSRMissingField(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	_, err := testClient(server).GenerateCSR(context.Background(), testConn())
	if !common.IsKind(err, common.KindDeviceAPI) {
		t.Errorf("error kind = %q, want DEVICE_API", common.KindOf(err))
	}
}

func TestUploadIdentityCertificate(t *testing.T) {
	const leaf = "-----BEGIN CERTIFICATE-----\nLEAF\n-----END CERTIFICATE-----\n"

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity/certificates" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Service      string   `json:"service"`
			Certificates []string `json:"certificates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Service != "tomcat" || len(body.Certificates) != 1 || body.Certificates[0] != leaf {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	if err := testClient(server).UploadIdentityCertificate(context.Background(), testConn(), leaf); err != nil {
		t.Fatalf("UploadIdentityCertificate() error = %v", err)
	}
}

func TestListTrustCertificatesParsesBothShapes(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trust/certificate" || r.URL.Query().Get("service") != "tomcat" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`{"certificates": ["PEM-A", {"certificate": "PEM-B"}, {"other": "x"}]}`))
	}))
	defer server.Close()

	pems := testClient(server).ListTrustCertificates(context.Background(), testConn())
	if len(pems) != 2 || pems[0] != "PEM-A" || pems[1] != "PEM-B" {
		t.Errorf("ListTrustCertificates() = %v", pems)
	}
}

func TestListTrustCertificatesFailureIsEmpty(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	if pems := testClient(server).ListTrustCertificates(context.Background(), testConn()); pems != nil {
		t.Errorf("ListTrustCertificates() = %v, want nil on failure", pems)
	}
}

func TestUploadTrustCertificatesDeduplicates(t *testing.T) {
	const known = "-----BEGIN CERTIFICATE-----\nKNOWN\n-----END CERTIFICATE-----"
	const fresh = "-----BEGIN CERTIFICATE-----\nFRESH\n-----END CERTIFICATE-----"

	var uploaded []string
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/trust/certificate":
			// The device reports the known cert with CRLF line endings.
			json.NewEncoder(w).Encode(map[string][]string{
				"certificates": {known + "\r\n"},
			})
		case "/trust/certificates":
			var body struct {
				Service      []string `json:"service"`
				Certificates []string `json:"certificates"`
				Description  string   `json:"description"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			uploaded = body.Certificates
			if len(body.Service) != 1 || body.Service[0] != "tomcat" {
				t.Errorf("service = %v", body.Service)
			}
			if body.Description != "Trust Certificate" {
				t.Errorf("description = %q", body.Description)
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	err := testClient(server).UploadTrustCertificates(context.Background(), testConn(),
		[]string{known + "\n", fresh})
	if err != nil {
		t.Fatalf("UploadTrustCertificates() error = %v", err)
	}
	if len(uploaded) != 1 || uploaded[0] != fresh {
		t.Errorf("uploaded = %v, want only the fresh certificate", uploaded)
	}
}

func TestUploadTrustCertificatesSkipsWhenNothingNew(t *testing.T) {
	const known = "-----BEGIN CERTIFICATE-----\nKNOWN\n-----END CERTIFICATE-----"

	var trustUploads int
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/trust/certificate":
			json.NewEncoder(w).Encode(map[string][]string{"certificates": {known}})
		case "/trust/certificates":
			trustUploads++
		}
	}))
	defer server.Close()

	err := testClient(server).UploadTrustCertificates(context.Background(), testConn(), []string{known})
	if err != nil {
		t.Fatalf("UploadTrustCertificates() error = %v", err)
	}
	if trustUploads != 0 {
		t.Error("upload must be skipped when the device already trusts everything")
	}
}

func TestNewClientTimeout(t *testing.T) {
	c := NewClient(42*time.Second, zerolog.Nop())
	hc, ok := c.http.(*http.Client)
	if !ok {
		t.Fatalf("http client is %T", c.http)
	}
	if hc.Timeout != 42*time.Second {
		t.Errorf("timeout = %v", hc.Timeout)
	}
	if got := c.baseURL(testConn()); got != "https://cucm01.voice.example.com/platformcom/api/v1/certmgr/config" {
		t.Errorf("baseURL = %q", got)
	}
}
