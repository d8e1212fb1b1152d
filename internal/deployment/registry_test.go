package deployment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kgents/agentplane/internal/deployment"
	"github.com/kgents/agentplane/internal/platform/apperr"
)

func TestVerifyImage_HostPortNotMistakenForTag(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"architectures":["amd64"]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	v := deployment.NewRegistryClient(deployment.RegistryConfig{BaseURL: srv.URL})
	err := v.VerifyImage(context.Background(), "registry.local:5000/agent-runtime:abc123", "amd64")
	if err != nil {
		t.Fatalf("VerifyImage() error: %v", err)
	}

	want := "/v2/registry.local:5000/agent-runtime/manifests/abc123"
	if gotPath != want {
		t.Errorf("manifest path = %q, want %q", gotPath, want)
	}
}

func TestVerifyImage_MissingTagRejected(t *testing.T) {
	v := deployment.NewRegistryClient(deployment.RegistryConfig{BaseURL: "http://registry.invalid"})

	for _, imageTag := range []string{
		"registry.local:5000/agent-runtime", // host port only, no tag
		"registry.local/agent-runtime",
		"registry.local/agent-runtime:",
	} {
		err := v.VerifyImage(context.Background(), imageTag, "")
		if !apperr.Is(err, apperr.KindInvalidInput) {
			t.Errorf("VerifyImage(%q) = %v, want invalid_input", imageTag, err)
		}
	}
}
