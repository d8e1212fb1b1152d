package deployment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kgents/agentplane/internal/platform/apperr"
)

// ImageVerifier confirms a built image landed in the registry and is
// compatible with the deploy target.
type ImageVerifier interface {
	VerifyImage(ctx context.Context, imageTag string, requireArch string) error
}

// RegistryConfig configures the container registry client.
type RegistryConfig struct {
	BaseURL string
	Token   string
}

// registryClient consults the registry's manifest API. It never writes;
// images arrive through the build services.
type registryClient struct {
	api *apiClient
}

// NewRegistryClient creates an ImageVerifier backed by the registry API.
func NewRegistryClient(cfg RegistryConfig) ImageVerifier {
	return &registryClient{api: newAPIClient(cfg.BaseURL, cfg.Token)}
}

type manifestInfo struct {
	Architectures []string `json:"architectures"`
}

// VerifyImage checks the tag exists and, when requireArch is set, that
// the manifest covers it. A missing tag or architecture mismatch is a
// hard failure with a caller-visible reason.
func (r *registryClient) VerifyImage(ctx context.Context, imageTag string, requireArch string) error {
	repo, tag, ok := splitImageTag(imageTag)
	if !ok {
		return apperr.E(apperr.KindInvalidInput, "image tag missing version suffix")
	}

	var manifest manifestInfo
	err := retryTransient(ctx, func(ctx context.Context) error {
		return r.api.doJSON(ctx, http.MethodGet,
			fmt.Sprintf("/v2/%s/manifests/%s", repo, tag), nil, &manifest)
	})
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.E(apperr.KindPreconditionFailed,
			fmt.Sprintf("image %s not found in registry after build", imageTag))
	}
	if err != nil {
		return fmt.Errorf("query manifest: %w", err)
	}

	if requireArch == "" {
		return nil
	}
	for _, arch := range manifest.Architectures {
		if arch == requireArch {
			return nil
		}
	}
	return apperr.E(apperr.KindPreconditionFailed,
		fmt.Sprintf("image %s does not support %s (built for %s)",
			imageTag, requireArch, strings.Join(manifest.Architectures, ", ")))
}

// splitImageTag separates repository and tag on the last colon after the
// last path separator. A colon in the registry host ("registry.local:5000")
// is part of the repository, not a tag delimiter.
func splitImageTag(imageTag string) (repo, tag string, ok bool) {
	i := strings.LastIndex(imageTag, ":")
	if i < 0 || i == len(imageTag)-1 || i < strings.LastIndex(imageTag, "/") {
		return "", "", false
	}
	return imageTag[:i], imageTag[i+1:], true
}
